// Package nodesync drives the staged catch-up of sporks, the node list,
// payment votes and budget items after startup.
package nodesync

import (
	"sync"

	"go.uber.org/zap"

	"coralnode/internal/logging"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
)

// Stage is a sync step. The numeric values travel in ssc messages.
type Stage int

const (
	Initial    Stage = proto.SyncItemInitial
	Sporks     Stage = proto.SyncItemSporks
	List       Stage = proto.SyncItemList
	Votes      Stage = proto.SyncItemVotes
	Budget     Stage = proto.SyncItemBudget
	BudgetProp Stage = proto.SyncItemBudgetProp
	BudgetFin  Stage = proto.SyncItemBudgetFin
	Failed     Stage = proto.SyncItemFailed
	Finished   Stage = proto.SyncItemFinished
)

func (s Stage) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Sporks:
		return "SPORKS"
	case List:
		return "LIST"
	case Votes:
		return "VOTES"
	case Budget:
		return "BUDGET"
	case BudgetProp:
		return "BUDGET_PROP"
	case BudgetFin:
		return "BUDGET_FIN"
	case Failed:
		return "FAILED"
	case Finished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// Description is the operator facing text for s.
func (s Stage) Description() string {
	switch s {
	case Initial:
		return "Synchronization pending..."
	case Sporks:
		return "Synchronizing sporks..."
	case List:
		return "Synchronizing service nodes..."
	case Votes:
		return "Synchronizing service node winners..."
	case Budget:
		return "Synchronizing budgets..."
	case Failed:
		return "Synchronization failed"
	case Finished:
		return "Synchronization finished"
	}
	return ""
}

const (
	// TimeoutSeconds is both the tick divisor and the stall unit.
	TimeoutSeconds = 5
	// Threshold bounds per-item progress counting and request attempts.
	Threshold = 2
	// FailureRetrySeconds is the cooldown before a failed sync restarts.
	FailureRetrySeconds = 60
	// IdleResetSeconds resets the machine after a long pause (sleep/wake).
	IdleResetSeconds = 60 * 60
	// DefaultTipMaxAge is how old the tip may be for the chain to count as synced.
	DefaultTipMaxAge = 60 * 60
)

// Fulfilled-request flags set on peers, one per stage request.
const (
	ReqSporks = "getspork"
	ReqList   = "fnsync"
	ReqVotes  = "fnwsync"
	ReqBudget = "busync"
)

// Registry is the node list side of sync.
type Registry interface {
	DsegUpdate(p peer.Remote) error
	CountEnabled(protocol int) int
	HasBroadcast(h proto.Hash) bool
}

// VoteSet reports known votes.
type VoteSet interface {
	HasVote(h proto.Hash) bool
}

// Peers lists the connected peers.
type Peers interface {
	Remotes() []peer.Remote
	ClearFulfilled()
}

type Options struct {
	Logger *zap.Logger
	// TipMaxAge overrides DefaultTipMaxAge, in seconds.
	TipMaxAge int64
	// OnFinished runs once the last stage completes.
	OnFinished func()
}

// Syncer is the sync state machine. Process is driven once per second.
type Syncer struct {
	env        *snode.Env
	log        *zap.Logger
	reg        Registry
	votes      VoteSet
	peers      Peers
	tipMaxAge  int64
	onFinished func()

	mu          sync.Mutex
	stage       Stage
	attempt     int
	started     int64
	lastList    int64
	lastWinner  int64
	lastBudget  int64
	lastFailure int64
	failures    int
	seenList    map[proto.Hash]int
	seenWinner  map[proto.Hash]int
	seenBudget  map[proto.Hash]int
	sumList     int
	sumWinner   int
	sumProp     int
	sumFin      int
	countList   int
	countWinner int
	countProp   int
	countFin    int
	tick        int

	chainSynced    bool
	lastChainCheck int64
}

func New(env *snode.Env, reg Registry, votes VoteSet, peers Peers, opts Options) *Syncer {
	s := &Syncer{
		env:        env,
		log:        logging.OrNop(opts.Logger).Named("sync"),
		reg:        reg,
		votes:      votes,
		peers:      peers,
		tipMaxAge:  opts.TipMaxAge,
		onFinished: opts.OnFinished,
	}
	if s.tipMaxAge <= 0 {
		s.tipMaxAge = DefaultTipMaxAge
	}
	s.lastChainCheck = env.Now()
	s.Reset()
	return s
}

// SetOnFinished registers the hook run when sync completes.
func (s *Syncer) SetOnFinished(fn func()) {
	s.mu.Lock()
	s.onFinished = fn
	s.mu.Unlock()
}

// Reset returns the machine to INITIAL and forgets all progress.
func (s *Syncer) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

func (s *Syncer) resetLocked() {
	s.stage = Initial
	s.attempt = 0
	s.started = s.env.Now()
	s.lastList, s.lastWinner, s.lastBudget = 0, 0, 0
	s.lastFailure = 0
	s.failures = 0
	s.seenList = make(map[proto.Hash]int)
	s.seenWinner = make(map[proto.Hash]int)
	s.seenBudget = make(map[proto.Hash]int)
	s.sumList, s.sumWinner, s.sumProp, s.sumFin = 0, 0, 0, 0
	s.countList, s.countWinner, s.countProp, s.countFin = 0, 0, 0, 0
}

func (s *Syncer) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// IsSynced reports whether every stage has finished.
func (s *Syncer) IsSynced() bool { return s.Stage() == Finished }

// IsListSynced reports whether the node list stage is behind us.
func (s *Syncer) IsListSynced() bool { return s.Stage() > List }

// IsBlockchainSynced reports whether the tip is recent. Once true it stays
// true until calls stop for over an hour, which also resets the machine.
func (s *Syncer) IsBlockchainSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockchainSyncedLocked()
}

func (s *Syncer) blockchainSyncedLocked() bool {
	now := s.env.Now()
	if now-s.lastChainCheck > IdleResetSeconds {
		s.log.Info("long pause since last check, restarting sync")
		s.resetLocked()
		s.chainSynced = false
	}
	s.lastChainCheck = now
	if s.chainSynced {
		return true
	}
	tip, ok := s.env.Chain.Tip()
	if !ok || tip.Time+s.tipMaxAge < now {
		return false
	}
	s.chainSynced = true
	return true
}

// AddedNodeList records list progress for a broadcast hash. Known
// broadcasts count at most Threshold times.
func (s *Syncer) AddedNodeList(h proto.Hash) {
	known := s.reg.HasBroadcast(h)
	s.mu.Lock()
	s.lastList = s.added(s.seenList, h, known, s.lastList)
	s.mu.Unlock()
}

// ForgetNodeList lets a broadcast count as new progress again.
func (s *Syncer) ForgetNodeList(h proto.Hash) {
	s.mu.Lock()
	delete(s.seenList, h)
	s.mu.Unlock()
}

func (s *Syncer) AddedWinner(h proto.Hash) {
	known := s.votes != nil && s.votes.HasVote(h)
	s.mu.Lock()
	s.lastWinner = s.added(s.seenWinner, h, known, s.lastWinner)
	s.mu.Unlock()
}

func (s *Syncer) ForgetWinner(h proto.Hash) {
	s.mu.Lock()
	delete(s.seenWinner, h)
	s.mu.Unlock()
}

// AddedBudgetItem records budget progress. Budget items are never known
// locally, so every new hash counts.
func (s *Syncer) AddedBudgetItem(h proto.Hash) {
	s.mu.Lock()
	s.lastBudget = s.added(s.seenBudget, h, false, s.lastBudget)
	s.mu.Unlock()
}

func (s *Syncer) added(seen map[proto.Hash]int, h proto.Hash, known bool, last int64) int64 {
	now := s.env.Now()
	if !known {
		seen[h] = 1
		return now
	}
	if seen[h] < Threshold {
		seen[h]++
		return now
	}
	return last
}

// ProcessSyncStatus counts an ssc report. Only counts for the current
// stage are kept, budget counts during BUDGET.
func (s *Syncer) ProcessSyncStatus(from peer.Remote, m proto.SyncStatusMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage >= Finished {
		return
	}
	switch Stage(m.Item) {
	case List:
		if s.stage != List {
			return
		}
		s.sumList += m.Count
		s.countList++
	case Votes:
		if s.stage != Votes {
			return
		}
		s.sumWinner += m.Count
		s.countWinner++
	case BudgetProp:
		if s.stage != Budget {
			return
		}
		s.sumProp += m.Count
		s.countProp++
	case BudgetFin:
		if s.stage != Budget {
			return
		}
		s.sumFin += m.Count
		s.countFin++
	default:
		return
	}
	s.log.Debug("inventory count", zap.String("peer", from.Addr()), zap.Stringer("item", Stage(m.Item)), zap.Int("count", m.Count))
}

// IsBudgetPropEmpty reports that peers answered with zero proposals.
func (s *Syncer) IsBudgetPropEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumProp == 0 && s.countProp > 0
}

func (s *Syncer) IsBudgetFinEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumFin == 0 && s.countFin > 0
}

// nextLocked moves to the following stage.
func (s *Syncer) nextLocked() {
	switch s.stage {
	case Initial, Failed:
		s.peers.ClearFulfilled()
		s.stage = Sporks
	case Sporks:
		s.stage = List
	case List:
		s.stage = Votes
	case Votes:
		s.stage = Budget
	case Budget:
		s.log.Info("sync finished")
		s.stage = Finished
	}
	s.attempt = 0
	s.started = s.env.Now()
	s.log.Info("sync stage", zap.Stringer("stage", s.stage))
}

func (s *Syncer) failLocked() {
	s.log.Warn("sync failed, will retry later", zap.Stringer("stage", s.stage))
	s.stage = Failed
	s.attempt = 0
	s.lastFailure = s.env.Now()
	s.failures++
}

// Process runs one tick. Work happens every TimeoutSeconds ticks; at most
// one peer request goes out per round.
func (s *Syncer) Process() {
	s.mu.Lock()
	round := s.tick
	s.tick++
	if round%TimeoutSeconds != 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.IsSynced() {
		// Resync when every node vanished, e.g. after sleep or network loss.
		if round%60 != 0 || s.reg.CountEnabled(-1) > 0 {
			return
		}
		s.log.Info("no enabled service nodes left, restarting sync")
		s.Reset()
	}

	remotes := s.peers.Remotes()
	s.mu.Lock()
	action, finished := s.stepLocked(remotes)
	onFinished := s.onFinished
	s.mu.Unlock()

	if action != nil {
		action()
	}
	if finished && onFinished != nil {
		onFinished()
	}
}

// stepLocked decides the next request and returns it to run unlocked.
// The bool reports that sync finished during this step.
func (s *Syncer) stepLocked(remotes []peer.Remote) (func(), bool) {
	now := s.env.Now()
	if s.stage == Failed {
		if s.lastFailure+FailureRetrySeconds >= now {
			return nil, false
		}
		s.resetLocked()
	}
	if s.stage == Initial {
		s.nextLocked()
	}
	regtest := s.env.Params.IsRegtest()
	if !regtest && s.stage > Sporks && !s.blockchainSyncedLocked() {
		return nil, false
	}
	if regtest {
		if len(remotes) == 0 {
			return nil, false
		}
		return s.regtestStepLocked(remotes[0]), s.stage == Finished
	}
	if s.advanceLocked(now) {
		return nil, s.stage == Finished
	}

	for _, p := range remotes {
		var (
			flag    string
			minProt int
			request func()
		)
		switch s.stage {
		case Sporks:
			if p.HasFulfilled(ReqSporks) {
				continue
			}
			p.Fulfill(ReqSporks)
			if s.attempt >= Threshold {
				s.nextLocked()
			}
			s.attempt++
			return send(s.log, p, proto.MsgTypeGetSporks, nil), false
		case List:
			flag, minProt, request = ReqList, s.env.MinPaymentsProto(), func() { s.dsegUpdate(p) }
		case Votes:
			flag, minProt, request = ReqVotes, s.env.MinPaymentsProto(), func() { s.requestVotes(p) }
		case Budget:
			flag, minProt, request = ReqBudget, s.env.ActiveProtocol(), send(s.log, p, proto.MsgTypeBudgetSync, proto.BudgetSyncMsg{})
		default:
			return nil, false
		}
		if p.Version() < minProt || p.HasFulfilled(flag) {
			continue
		}
		p.Fulfill(flag)
		if s.attempt >= Threshold*3 {
			return nil, false
		}
		s.attempt++
		return request, false
	}
	return nil, false
}

// advanceLocked moves past the current stage when peers have gone quiet
// or never delivered anything. It reports whether the stage changed.
func (s *Syncer) advanceLocked(now int64) bool {
	var last int64
	switch s.stage {
	case Sporks:
		// Fewer peers than attempts needed; do not wait on them forever.
		if s.attempt > 0 && now-s.started > TimeoutSeconds*5 {
			s.nextLocked()
			return true
		}
		return false
	case List:
		last = s.lastList
	case Votes:
		last = s.lastWinner
	case Budget:
		last = s.lastBudget
	default:
		return false
	}
	// Nothing new for two timeouts after enough attempts: peers are done.
	if last > 0 && last < now-TimeoutSeconds*2 && s.attempt >= Threshold {
		s.nextLocked()
		return true
	}
	if last == 0 && (s.attempt >= Threshold*3 || now-s.started > TimeoutSeconds*5) {
		if s.stage != Budget && s.env.Sporks.IsActive(spork.PaymentEnforcement) {
			s.failLocked()
		} else {
			s.nextLocked()
		}
		return true
	}
	return false
}

// regtestStepLocked walks the stages on a fixed attempt budget.
func (s *Syncer) regtestStepLocked(p peer.Remote) func() {
	var act func()
	switch {
	case s.attempt <= 2:
		act = send(s.log, p, proto.MsgTypeGetSporks, nil)
	case s.attempt < 4:
		act = func() { s.dsegUpdate(p) }
	case s.attempt < 6:
		act = func() {
			s.requestVotes(p)
			send(s.log, p, proto.MsgTypeBudgetSync, proto.BudgetSyncMsg{})()
		}
	default:
		s.stage = Finished
	}
	s.attempt++
	return act
}

func (s *Syncer) dsegUpdate(p peer.Remote) {
	if err := s.reg.DsegUpdate(p); err != nil {
		s.log.Debug("list request failed", zap.String("peer", p.Addr()), zap.Error(err))
	}
}

func (s *Syncer) requestVotes(p peer.Remote) {
	n := s.reg.CountEnabled(-1)
	send(s.log, p, proto.MsgTypeVoteRequest, proto.VoteRequestMsg{Count: n})()
}

func send(log *zap.Logger, p peer.Remote, command string, body any) func() {
	return func() {
		if err := p.Send(command, body); err != nil {
			log.Debug("sync request failed", zap.String("peer", p.Addr()), zap.String("command", command), zap.Error(err))
		}
	}
}

// Status is the sync state reported by the API.
type Status struct {
	Stage            string `json:"stage"`
	StageID          int    `json:"stage_id"`
	Description      string `json:"description"`
	Attempt          int    `json:"attempt"`
	Failures         int    `json:"failures"`
	BlockchainSynced bool   `json:"blockchain_synced"`
	ListSynced       bool   `json:"list_synced"`
	Synced           bool   `json:"synced"`
	ListItems        int    `json:"list_items"`
	WinnerItems      int    `json:"winner_items"`
	BudgetItems      int    `json:"budget_items"`
	ReportedList     int    `json:"reported_list"`
	ReportedWinners  int    `json:"reported_winners"`
}

func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Stage:            s.stage.String(),
		StageID:          int(s.stage),
		Description:      s.stage.Description(),
		Attempt:          s.attempt,
		Failures:         s.failures,
		BlockchainSynced: s.chainSynced,
		ListSynced:       s.stage > List,
		Synced:           s.stage == Finished,
		ListItems:        len(s.seenList),
		WinnerItems:      len(s.seenWinner),
		BudgetItems:      len(s.seenBudget),
		ReportedList:     s.sumList,
		ReportedWinners:  s.sumWinner,
	}
}
