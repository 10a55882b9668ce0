package payments

import (
	"fmt"

	"go.uber.org/zap"

	"coralnode/internal/params"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
)

// ProcessVoteRequest answers fnget. On mainnet each peer may ask once per
// connection.
func (l *Ledger) ProcessVoteRequest(from peer.Remote, req proto.VoteRequestMsg) error {
	if l.env.Params.IsMain() && from.HasFulfilled(proto.MsgTypeVoteRequest) {
		return snode.DoS(20, fmt.Errorf("%s: %w", from.Addr(), ErrVotesRequested))
	}
	from.Fulfill(proto.MsgTypeVoteRequest)
	return l.SyncTo(from, req.Count)
}

// SyncTo pushes inventory for the votes around the tip, then the count.
func (l *Ledger) SyncTo(p peer.Remote, countNeeded int) error {
	tip, ok := l.env.Chain.Tip()
	if !ok {
		return ErrNoTip
	}
	if limit := int(float64(l.reg.CountEnabled(-1)) * 1.25); countNeeded > limit {
		countNeeded = limit
	}

	var items []proto.InvItem
	for _, v := range l.Votes() {
		if v.Height >= tip.Height-countNeeded && v.Height <= tip.Height+params.VoteLookahead {
			items = append(items, proto.InvItem{Kind: proto.InvVote, Hash: v.Hash()})
		}
	}
	for rest := items; len(rest) > 0; {
		n := min(len(rest), proto.MaxInvItems)
		if err := p.Send(proto.MsgTypeInv, proto.InvMsg{Items: rest[:n]}); err != nil {
			return err
		}
		rest = rest[n:]
	}
	l.log.Debug("sent votes", zap.String("peer", p.Addr()), zap.Int("count", len(items)))
	return p.Send(proto.MsgTypeSyncStatus, proto.SyncStatusMsg{Item: proto.SyncItemVotes, Count: len(items)})
}

// ProcessVote handles an fnw vote from a peer.
func (l *Ledger) ProcessVote(from peer.Remote, v proto.VoteMsg) error {
	active := l.env.ActiveProtocol()
	if from != nil && from.Version() < active {
		return nil
	}
	tip, ok := l.env.Chain.Tip()
	if !ok {
		return nil
	}
	h := v.Hash()
	if l.HasVote(h) {
		l.sync.AddedWinner(h)
		return nil
	}

	first := tip.Height - int(float64(l.reg.CountEnabled(-1))*1.25)
	if v.Height < first || v.Height > tip.Height+params.VoteLookahead {
		l.limit.Debug(l.log, "fnw-window", "vote out of range",
			zap.Int("first", first), zap.Int("height", v.Height), zap.Int("tip", tip.Height))
		return fmt.Errorf("vote %d: %w", v.Height, ErrOutOfWindow)
	}

	rec, err := l.checkVoter(from, v)
	if err != nil {
		return err
	}
	if err := l.env.Signer.Verify(rec.PubKeyNode, v.Sig, v.SignatureMessage()); err != nil {
		l.reg.AskForNode(from, v.Vin)
		err = fmt.Errorf("vote %s: %w", v.Vin, snode.ErrBadSignature)
		if l.sync.IsSynced() {
			return snode.DoS(20, err)
		}
		return err
	}
	if !l.CanVote(v.Vin, v.Height) {
		return fmt.Errorf("vote %s height %d: %w", v.Vin, v.Height, ErrAlreadyVoted)
	}
	if err := l.AddVote(v); err != nil {
		return err
	}
	l.log.Debug("vote accepted", zap.Stringer("vin", v.Vin), zap.Int("height", v.Height), zap.Stringer("payee", v.Payee))
	l.relay.RelayInv(proto.InvItem{Kind: proto.InvVote, Hash: h})
	l.sync.AddedWinner(h)
	return nil
}

// checkVoter makes sure the voter is known, current and ranked among the
// top SignaturesTotal at the vote's anchor.
func (l *Ledger) checkVoter(from peer.Remote, v proto.VoteMsg) (*snode.Record, error) {
	rec, ok := l.reg.Find(v.Vin)
	if !ok {
		l.reg.AskForNode(from, v.Vin)
		return nil, fmt.Errorf("vote %s: %w", v.Vin, ErrUnknownVoter)
	}
	active := l.env.ActiveProtocol()
	if rec.Protocol < active {
		return nil, fmt.Errorf("vote %s protocol %d < %d: %w", v.Vin, rec.Protocol, active, snode.ErrOldProtocol)
	}
	n := l.reg.Rank(v.Vin, v.Height-params.VoteAnchorDepth, active, true)
	if n < 1 || n > params.SignaturesTotal {
		// Rank estimates differ a little between peers; only far off
		// claims are worth a log line.
		if n > params.SignaturesTotal*2 {
			l.limit.Debug(l.log, "fnw-rank:"+v.Vin.String(), "voter far outside the top",
				zap.Stringer("vin", v.Vin), zap.Int("rank", n))
		}
		return nil, fmt.Errorf("vote %s rank %d: %w", v.Vin, n, ErrNotInTop)
	}
	return rec, nil
}

// ProcessBlock casts the local node's vote for height when it ranks among
// the top voters at the anchor.
func (l *Ledger) ProcessBlock(height int) error {
	if l.voter == nil {
		return ErrNotServiceNode
	}
	vin, key, ok := l.voter.VoterKey()
	if !ok {
		return ErrNotServiceNode
	}
	n := l.reg.Rank(vin, height-params.VoteAnchorDepth, l.env.ActiveProtocol(), true)
	if n == -1 {
		return fmt.Errorf("local vote %d: %w", height, ErrUnknownVoter)
	}
	if n > params.SignaturesTotal {
		return fmt.Errorf("local vote %d rank %d: %w", height, n, ErrNotInTop)
	}

	l.mu.Lock()
	last := l.lastBlock
	l.mu.Unlock()
	if height <= last {
		return fmt.Errorf("local vote %d after %d: %w", height, last, ErrAlreadyVoted)
	}

	// Superblock payees come from the budget, not from votes.
	if l.budget.IsBudgetPaymentBlock(height) {
		return fmt.Errorf("local vote %d is a budget block: %w", height, ErrNoPayee)
	}
	winner, count := l.reg.NextInQueue(height, true)
	if winner == nil {
		l.log.Info("no service node to vote for", zap.Int("height", height))
		return fmt.Errorf("local vote %d: %w", height, ErrNoPayee)
	}

	v := proto.VoteMsg{Vin: vin, Height: height, Payee: winner.Payee()}
	sig, err := l.env.Signer.Sign(key, v.SignatureMessage())
	if err != nil {
		return fmt.Errorf("sign vote: %w", err)
	}
	if err := l.env.Signer.Verify(key.PubKey(), sig, v.SignatureMessage()); err != nil {
		return fmt.Errorf("verify own vote: %w", err)
	}
	v.Sig = sig
	if err := l.AddVote(v); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastBlock = height
	l.mu.Unlock()

	l.log.Info("voted for payee",
		zap.Int("height", height), zap.Stringer("payee", v.Payee), zap.Stringer("winner", winner.Vin), zap.Int("eligible", count))
	l.relay.RelayInv(proto.InvItem{Kind: proto.InvVote, Hash: v.Hash()})
	return nil
}
