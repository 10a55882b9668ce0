package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
)

var (
	ErrBanned        = errors.New("peer is banned")
	ErrNoVersion     = errors.New("message before version")
	ErrSelfConnect   = errors.New("connected to self")
	ErrWrongNetwork  = errors.New("peer is on another network")
	ErrObsoletePeer  = errors.New("peer protocol is obsolete")
	ErrUnknownCmd    = errors.New("unknown command")
	ErrLegacyRetired = errors.New("legacy messages are retired")
)

// nodeCommands are only handled once the chain tip is recent.
var nodeCommands = map[string]bool{
	proto.MsgTypeBroadcast:   true,
	proto.MsgTypePing:        true,
	proto.MsgTypeListRequest: true,
	proto.MsgTypeVoteRequest: true,
	proto.MsgTypeVote:        true,
	proto.MsgTypeLegacyEntry: true,
	proto.MsgTypeLegacyPing:  true,
}

// HandleRaw decodes one envelope received from remote and dispatches it.
// Peer faults carrying a misbehavior score are charged to the sender.
func (r *Runner) HandleRaw(_ context.Context, remote string, data []byte) error {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		r.Metrics.Rejected("", remote, "decode envelope", 0)
		return fmt.Errorf("decode envelope: %w", err)
	}
	addr := senderAddr(env.From, remote)
	if addr == "" {
		r.Metrics.Rejected(env.Command, remote, "missing sender", 0)
		return fmt.Errorf("%s: missing sender address", env.Command)
	}
	now := time.Unix(r.Env.Now(), 0)
	if r.Peers.IsBanned(addr, now) {
		r.Metrics.Rejected(env.Command, addr, "banned", 0)
		return ErrBanned
	}
	r.Metrics.IncRecvByType(env.Command)
	p := r.Peers.Upsert(addr, r.sender(addr))

	err = r.dispatch(p, env)
	if err == nil {
		return nil
	}
	score := snode.DoSScore(err)
	r.Metrics.Rejected(env.Command, addr, reason(err), score)
	r.limit.Debug(r.log, env.Command+":"+addr, "message rejected",
		zap.String("peer", addr), zap.String("command", env.Command), zap.Int("dos", score), zap.Error(err))
	if score > 0 && r.Peers.Misbehaving(addr, score, now) {
		r.Metrics.IncBan()
		r.log.Info("peer banned", zap.String("peer", addr), zap.String("command", env.Command))
	}
	return err
}

// senderAddr trusts the advertised listen address only when it is on the
// host the datagram came from.
func senderAddr(from, remote string) string {
	if remote == "" {
		return from
	}
	if from == "" {
		return remote
	}
	fh, _, err1 := net.SplitHostPort(from)
	rh, _, err2 := net.SplitHostPort(remote)
	if err1 != nil || err2 != nil || fh != rh {
		return remote
	}
	return from
}

func (r *Runner) dispatch(p *peer.Peer, env proto.Envelope) error {
	if env.Command == proto.MsgTypeVersion {
		return r.handleVersion(p, env)
	}
	if p.Version() == 0 {
		return snode.DoS(1, fmt.Errorf("%s: %w", env.Command, ErrNoVersion))
	}
	if nodeCommands[env.Command] && !r.Sync.IsBlockchainSynced() {
		return nil
	}

	switch env.Command {
	case proto.MsgTypeBroadcast:
		b, err := proto.DecodeBody[proto.BroadcastMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		if err := r.Registry.ProcessBroadcast(p, b); err != nil {
			return err
		}
		r.Metrics.IncBroadcastAccepted()
	case proto.MsgTypePing:
		m, err := proto.DecodeBody[proto.PingMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		if err := r.Registry.ProcessPing(p, m); err != nil {
			return err
		}
		r.Metrics.IncPingAccepted()
	case proto.MsgTypeListRequest:
		var req proto.ListRequestMsg
		if len(env.Body) > 0 {
			m, err := proto.DecodeBody[proto.ListRequestMsg](env)
			if err != nil {
				return snode.DoS(1, err)
			}
			req = m
		}
		return r.Registry.ProcessListRequest(p, req)
	case proto.MsgTypeVoteRequest:
		m, err := proto.DecodeBody[proto.VoteRequestMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		return r.Votes.ProcessVoteRequest(p, m)
	case proto.MsgTypeVote:
		v, err := proto.DecodeBody[proto.VoteMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		if err := r.Votes.ProcessVote(p, v); err != nil {
			return err
		}
		r.Metrics.IncVoteAccepted()
	case proto.MsgTypeSyncStatus:
		m, err := proto.DecodeBody[proto.SyncStatusMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		r.Sync.ProcessSyncStatus(p, m)
	case proto.MsgTypeInv:
		m, err := proto.DecodeBody[proto.InvMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		return r.handleInv(p, m)
	case proto.MsgTypeGetData:
		m, err := proto.DecodeBody[proto.GetDataMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		return r.handleGetData(p, m)
	case proto.MsgTypeGetSporks:
		// Spork distribution belongs to the full node.
	case proto.MsgTypeBudgetSync:
		return r.handleBudgetSync(p)
	case proto.MsgTypeLegacyEntry:
		if !r.Legacy.Active() {
			return ErrLegacyRetired
		}
		m, err := proto.DecodeBody[proto.LegacyEntryMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		if err := r.Legacy.ProcessEntry(p, m); err != nil {
			return err
		}
		r.Metrics.IncLegacyAccepted()
	case proto.MsgTypeLegacyPing:
		if !r.Legacy.Active() {
			return ErrLegacyRetired
		}
		m, err := proto.DecodeBody[proto.LegacyPingMsg](env)
		if err != nil {
			return snode.DoS(1, err)
		}
		if err := r.Legacy.ProcessPing(p, m); err != nil {
			return err
		}
		r.Metrics.IncLegacyAccepted()
	default:
		return fmt.Errorf("%q: %w", env.Command, ErrUnknownCmd)
	}
	return nil
}

func (r *Runner) handleVersion(p *peer.Peer, env proto.Envelope) error {
	v, err := proto.DecodeBody[proto.VersionMsg](env)
	if err != nil {
		return snode.DoS(1, err)
	}
	if v.NodeID == r.nodeID {
		r.Peers.Remove(p.Addr())
		return ErrSelfConnect
	}
	if v.Network != string(r.Env.Params.Net) {
		r.Peers.Remove(p.Addr())
		return fmt.Errorf("%s: %w", v.Network, ErrWrongNetwork)
	}
	if v.Protocol < r.Env.ActiveProtocol() {
		r.Peers.Remove(p.Addr())
		return fmt.Errorf("version %d: %w", v.Protocol, ErrObsoletePeer)
	}
	first := p.Version() == 0
	p.SetVersion(v.Protocol)
	p.SetNodeID(v.NodeID)
	if !v.Reply {
		if err := p.Send(proto.MsgTypeVersion, r.versionMsg(true)); err != nil {
			return err
		}
	}
	if first {
		r.log.Debug("peer connected", zap.String("peer", p.Addr()), zap.Int("protocol", v.Protocol), zap.Int("height", v.Height))
		r.Metrics.SetPeers(len(r.set.ready()))
	}
	return nil
}

// handleInv asks p for every announced object we do not have yet.
func (r *Runner) handleInv(p *peer.Peer, m proto.InvMsg) error {
	if err := proto.ValidateInv(m.Items); err != nil {
		return snode.DoS(20, err)
	}
	var want []proto.InvItem
	for _, it := range m.Items {
		if !r.haveInv(it) {
			want = append(want, it)
		}
	}
	if len(want) == 0 {
		return nil
	}
	return p.Send(proto.MsgTypeGetData, proto.GetDataMsg{Items: want})
}

func (r *Runner) haveInv(it proto.InvItem) bool {
	switch it.Kind {
	case proto.InvBroadcast:
		if r.Registry.HasBroadcast(it.Hash) {
			r.Sync.AddedNodeList(it.Hash)
			return true
		}
	case proto.InvPing:
		return r.Registry.Gossip().Pings.Seen(it.Hash)
	case proto.InvVote:
		if r.Votes.HasVote(it.Hash) {
			r.Sync.AddedWinner(it.Hash)
			return true
		}
	}
	return false
}

// handleGetData answers with the objects we hold; unknown hashes are
// skipped.
func (r *Runner) handleGetData(p *peer.Peer, m proto.GetDataMsg) error {
	if err := proto.ValidateInv(m.Items); err != nil {
		return snode.DoS(20, err)
	}
	for _, it := range m.Items {
		var err error
		switch it.Kind {
		case proto.InvBroadcast:
			if b, ok := r.Registry.BroadcastByHash(it.Hash); ok {
				err = p.Send(proto.MsgTypeBroadcast, b)
			}
		case proto.InvPing:
			if ping, ok := r.Registry.PingByHash(it.Hash); ok {
				err = p.Send(proto.MsgTypePing, ping)
			}
		case proto.InvVote:
			if v, ok := r.Votes.VoteByHash(it.Hash); ok {
				err = p.Send(proto.MsgTypeVote, v)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleBudgetSync reports empty proposal and finalization sets; budgets
// are not tracked here.
func (r *Runner) handleBudgetSync(p *peer.Peer) error {
	if err := p.Send(proto.MsgTypeSyncStatus, proto.SyncStatusMsg{Item: proto.SyncItemBudgetProp, Count: 0}); err != nil {
		return err
	}
	return p.Send(proto.MsgTypeSyncStatus, proto.SyncStatusMsg{Item: proto.SyncItemBudgetFin, Count: 0})
}

func reason(err error) string {
	var dos *snode.DoSError
	if errors.As(err, &dos) {
		err = dos.Err
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
