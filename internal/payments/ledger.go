// Package payments keeps the per-height payee votes cast by the top ranked
// service nodes and answers the block payee questions asked at block
// creation and validation time.
package payments

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"coralnode/internal/crypto"
	"coralnode/internal/logging"
	"coralnode/internal/params"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
)

var (
	ErrUnknownAnchor   = errors.New("vote anchor block unknown")
	ErrDuplicateVote   = errors.New("vote already recorded")
	ErrOutOfWindow     = errors.New("vote height outside the accepted window")
	ErrUnknownVoter    = errors.New("voter is not a known service node")
	ErrNotInTop        = errors.New("voter not ranked in the top voters")
	ErrAlreadyVoted    = errors.New("voter already voted for this height")
	ErrVotesRequested  = errors.New("peer already asked for the vote list")
	ErrNotServiceNode  = errors.New("local service node not started")
	ErrNoPayee         = errors.New("no payee to vote for")
	ErrNoTip           = errors.New("chain tip unknown")
	ErrMissingPayment  = errors.New("transaction is missing a required payment")
	ErrNoStakeOutput   = errors.New("coinstake has no output to take the payment from")
	ErrPaymentExceeded = errors.New("payment exceeds the output it is taken from")
)

// Registry is the view of the service node set the ledger needs.
type Registry interface {
	Find(vin proto.Outpoint) (*snode.Record, bool)
	Rank(vin proto.Outpoint, height, minProto int, onlyActive bool) int
	Current(mod, height, minProto int) (*snode.Record, bool)
	NextInQueue(height int, filterSigTime bool) (*snode.Record, int)
	CountEnabled(protocol int) int
	Size() int
	StableSize() int
	AskForNode(p peer.Remote, vin proto.Outpoint)
}

// SyncTracker receives vote progress and reports whether the node has
// finished catching up.
type SyncTracker interface {
	AddedWinner(hash proto.Hash)
	ForgetWinner(hash proto.Hash)
	IsSynced() bool
}

// Relayer announces accepted votes to every peer.
type Relayer interface {
	RelayInv(item proto.InvItem)
}

// Voter is the local service node, when this process runs one.
type Voter interface {
	VoterKey() (proto.Outpoint, *crypto.PrivateKey, bool)
}

// RewardSchedule prices blocks and the service node share of them.
type RewardSchedule interface {
	BlockValue(height int) int64
	NodePayment(height int, blockValue int64, nodeCount int) int64
}

type Options struct {
	Logger  *zap.Logger
	Sync    SyncTracker
	Relay   Relayer
	Voter   Voter
	Budget  Budget
	Rewards RewardSchedule
}

// Payee is one candidate script of a height with its vote count.
type Payee struct {
	Script proto.Script `json:"script"`
	Votes  int          `json:"votes"`
}

// Tally aggregates the votes cast for one height. Counts only grow.
type Tally struct {
	Height int     `json:"height"`
	Payees []Payee `json:"payees"`
}

func (t *Tally) add(script proto.Script, n int) {
	for i := range t.Payees {
		if t.Payees[i].Script.Equal(script) {
			t.Payees[i].Votes += n
			return
		}
	}
	t.Payees = append(t.Payees, Payee{Script: append(proto.Script(nil), script...), Votes: n})
}

// Winner is the payee with the most votes; the first one recorded wins ties.
func (t *Tally) Winner() (proto.Script, bool) {
	best := -1
	var out proto.Script
	for _, p := range t.Payees {
		if p.Votes > best {
			best = p.Votes
			out = p.Script
		}
	}
	return out, best > -1
}

func (t *Tally) HasPayeeWithVotes(script proto.Script, votes int) bool {
	for _, p := range t.Payees {
		if p.Votes >= votes && p.Script.Equal(script) {
			return true
		}
	}
	return false
}

func (t *Tally) clone() Tally {
	return Tally{Height: t.Height, Payees: append([]Payee(nil), t.Payees...)}
}

// Ledger records votes and keeps the per-height tallies built from them.
// It never calls into the registry while holding its own lock.
type Ledger struct {
	env     *snode.Env
	log     *zap.Logger
	limit   *logging.Limiter
	reg     Registry
	sync    SyncTracker
	relay   Relayer
	voter   Voter
	budget  Budget
	rewards RewardSchedule

	mu        sync.Mutex
	votes     map[proto.Hash]proto.VoteMsg
	blocks    map[int]*Tally
	lastVote  map[proto.Outpoint]int
	lastBlock int
}

func New(env *snode.Env, reg Registry, opts Options) *Ledger {
	l := &Ledger{
		env:      env,
		log:      logging.OrNop(opts.Logger).Named("payments"),
		limit:    logging.NewLimiter(0),
		reg:      reg,
		sync:     opts.Sync,
		relay:    opts.Relay,
		voter:    opts.Voter,
		budget:   opts.Budget,
		rewards:  opts.Rewards,
		votes:    make(map[proto.Hash]proto.VoteMsg),
		blocks:   make(map[int]*Tally),
		lastVote: make(map[proto.Outpoint]int),
	}
	if l.sync == nil {
		l.sync = noSync{}
	}
	if l.relay == nil {
		l.relay = noRelay{}
	}
	if l.budget == nil {
		l.budget = NoBudget{}
	}
	if l.rewards == nil {
		l.rewards = env.Params
	}
	return l
}

func (l *Ledger) SetSync(s SyncTracker) {
	if s != nil {
		l.sync = s
	}
}

func (l *Ledger) SetRelayer(r Relayer) {
	if r != nil {
		l.relay = r
	}
}

func (l *Ledger) SetVoter(v Voter) { l.voter = v }

// MinPaymentsProto is the protocol a node must speak to be paid.
func (l *Ledger) MinPaymentsProto() int { return l.env.MinPaymentsProto() }

// AddVote records v and counts it toward its height. It fails for a
// duplicate or when the anchor 100 blocks before the target is unknown.
func (l *Ledger) AddVote(v proto.VoteMsg) error {
	if _, ok := l.env.BlockHash(v.Height - params.VoteAnchorDepth); !ok {
		return fmt.Errorf("vote %d: %w", v.Height, ErrUnknownAnchor)
	}
	h := v.Hash()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.votes[h]; ok {
		return ErrDuplicateVote
	}
	l.votes[h] = v
	t, ok := l.blocks[v.Height]
	if !ok {
		t = &Tally{Height: v.Height}
		l.blocks[v.Height] = t
	}
	t.add(v.Payee, 1)
	return nil
}

// HasVote reports whether the vote with hash h is on file.
func (l *Ledger) HasVote(h proto.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.votes[h]
	return ok
}

// VoteByHash serves getdata for fnw inventory.
func (l *Ledger) VoteByHash(h proto.Hash) (proto.VoteMsg, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.votes[h]
	return v, ok
}

// CanVote records that vin voted for height and reports false if it
// already had.
func (l *Ledger) CanVote(vin proto.Outpoint, height int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.lastVote[vin]; ok && last == height {
		return false
	}
	l.lastVote[vin] = height
	return true
}

// BlockPayee is the leading payee for height.
func (l *Ledger) BlockPayee(height int) (proto.Script, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.blocks[height]
	if !ok {
		return nil, false
	}
	return t.Winner()
}

// Tally returns a copy of the tally for height.
func (l *Ledger) Tally(height int) (Tally, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.blocks[height]
	if !ok {
		return Tally{}, false
	}
	return t.clone(), true
}

func (l *Ledger) HasPayeeWithVotes(height int, payee proto.Script, votes int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.blocks[height]
	return ok && t.HasPayeeWithVotes(payee, votes)
}

// IsScheduled reports whether payee leads any tally from the tip through
// the next ScheduleLookahead heights, skipping notBlockHeight.
func (l *Ledger) IsScheduled(payee proto.Script, notBlockHeight int) bool {
	tip, ok := l.env.Chain.Tip()
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for h := tip.Height; h <= tip.Height+params.ScheduleLookahead; h++ {
		if h == notBlockHeight {
			continue
		}
		t, ok := l.blocks[h]
		if !ok {
			continue
		}
		if w, ok := t.Winner(); ok && w.Equal(payee) {
			return true
		}
	}
	return false
}

// IsTransactionValid checks tx against the tally for height. Without a
// tally or a payee at quorum anything goes; otherwise tx must pay the
// required amount to every payee at quorum.
func (l *Ledger) IsTransactionValid(tx proto.Tx, height int) error {
	t, ok := l.Tally(height)
	if !ok {
		return nil
	}
	maxVotes := 0
	for _, p := range t.Payees {
		if p.Votes >= maxVotes && p.Votes >= params.SignaturesRequired {
			maxVotes = p.Votes
		}
	}
	if maxVotes < params.SignaturesRequired {
		return nil
	}

	required := l.requiredPayment(height)
	var missing []string
	for _, p := range t.Payees {
		if p.Votes < params.SignaturesRequired {
			continue
		}
		if !tx.Pays(p.Script, required) {
			missing = append(missing, p.Script.String())
		}
	}
	if len(missing) == 0 {
		return nil
	}
	l.log.Debug("missing required payment",
		zap.Int("height", height), zap.Int64("required", required), zap.Strings("payees", missing))
	return fmt.Errorf("height %d: %d to %s: %w", height, required, strings.Join(missing, ","), ErrMissingPayment)
}

// requiredPayment allows for peers disagreeing on the node count by
// pricing against the drift-adjusted count.
func (l *Ledger) requiredPayment(height int) int64 {
	var count int
	if l.env.Sporks.IsActive(spork.PaymentEnforcement) {
		count = l.reg.StableSize() + l.env.Params.CountDrift
	} else {
		count = l.reg.Size() + l.env.Params.CountDrift
	}
	return l.rewards.NodePayment(height, l.rewards.BlockValue(height), count)
}

// String lists "payee:votes" in vote order, or "Unknown" when empty.
func (t Tally) String() string {
	if len(t.Payees) == 0 {
		return "Unknown"
	}
	parts := make([]string, 0, len(t.Payees))
	for _, p := range t.Payees {
		parts = append(parts, fmt.Sprintf("%s:%d", p.Script, p.Votes))
	}
	return strings.Join(parts, ", ")
}

// CleanPaymentList drops votes and tallies more than
// max(1.25*registry size, 1000) blocks behind the tip.
func (l *Ledger) CleanPaymentList() int {
	tip, ok := l.env.Chain.Tip()
	if !ok {
		return 0
	}
	limit := int(float64(l.reg.Size()) * 1.25)
	if limit < 1000 {
		limit = 1000
	}

	var forgotten []proto.Hash
	l.mu.Lock()
	for h, v := range l.votes {
		if tip.Height-v.Height > limit {
			delete(l.votes, h)
			delete(l.blocks, v.Height)
			forgotten = append(forgotten, h)
		}
	}
	for height := range l.blocks {
		if tip.Height-height > limit {
			delete(l.blocks, height)
		}
	}
	for vin, height := range l.lastVote {
		if tip.Height-height > limit {
			delete(l.lastVote, vin)
		}
	}
	l.mu.Unlock()

	for _, h := range forgotten {
		l.sync.ForgetWinner(h)
	}
	if len(forgotten) > 0 {
		l.log.Debug("removed old votes", zap.Int("count", len(forgotten)), zap.Int("limit", limit))
	}
	return len(forgotten)
}

// OldestBlock is the lowest height with a tally, or MaxInt32 without any.
func (l *Ledger) OldestBlock() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	oldest := int(^uint32(0) >> 1)
	for h := range l.blocks {
		if h < oldest {
			oldest = h
		}
	}
	return oldest
}

// NewestBlock is the highest height with a tally, or 0.
func (l *Ledger) NewestBlock() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	newest := 0
	for h := range l.blocks {
		if h > newest {
			newest = h
		}
	}
	return newest
}

// Counts is the number of votes and tallied heights on file.
func (l *Ledger) Counts() (votes, blocks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.votes), len(l.blocks)
}

func (l *Ledger) String() string {
	v, b := l.Counts()
	return fmt.Sprintf("Votes: %d, Blocks: %d", v, b)
}

// Votes lists the votes on file ordered by height then hash.
func (l *Ledger) Votes() []proto.VoteMsg {
	l.mu.Lock()
	out := make([]proto.VoteMsg, 0, len(l.votes))
	for _, v := range l.votes {
		out = append(out, v)
	}
	l.mu.Unlock()
	sortVotes(out)
	return out
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	l.votes = make(map[proto.Hash]proto.VoteMsg)
	l.blocks = make(map[int]*Tally)
	l.lastVote = make(map[proto.Outpoint]int)
	l.mu.Unlock()
}

// Snapshot is the persisted form of the ledger.
type Snapshot struct {
	Votes   []proto.VoteMsg `json:"votes"`
	Tallies []Tally         `json:"tallies"`
}

func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{Votes: l.Votes()}
	l.mu.Lock()
	for _, t := range l.blocks {
		s.Tallies = append(s.Tallies, t.clone())
	}
	l.mu.Unlock()
	sort.Slice(s.Tallies, func(i, j int) bool { return s.Tallies[i].Height < s.Tallies[j].Height })
	return s
}

// Restore replaces the ledger contents with s.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votes = make(map[proto.Hash]proto.VoteMsg, len(s.Votes))
	l.blocks = make(map[int]*Tally, len(s.Tallies))
	l.lastVote = make(map[proto.Outpoint]int)
	for _, v := range s.Votes {
		l.votes[v.Hash()] = v
	}
	for _, t := range s.Tallies {
		c := t.clone()
		l.blocks[t.Height] = &c
	}
}

func sortVotes(v []proto.VoteMsg) {
	sort.Slice(v, func(i, j int) bool {
		if v[i].Height != v[j].Height {
			return v[i].Height < v[j].Height
		}
		a, b := v[i].Hash(), v[j].Hash()
		return string(a[:]) < string(b[:])
	})
}

type noSync struct{}

func (noSync) AddedWinner(proto.Hash)  {}
func (noSync) ForgetWinner(proto.Hash) {}
func (noSync) IsSynced() bool          { return true }

type noRelay struct{}

func (noRelay) RelayInv(proto.InvItem) {}
