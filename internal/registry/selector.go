package registry

import (
	"sort"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"coralnode/internal/arith"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
)

const (
	monthSeconds = 30 * 24 * 60 * 60
	// disabledScore ranks disabled nodes below every live score.
	disabledScore = 9999
	// lastPaidOffsetRange spreads equal payment times over 2.5 minutes.
	lastPaidOffsetRange = 150
)

type scored struct {
	score uint32
	rec   *snode.Record
}

// sortScores orders by compact score, highest first. Equal scores fall
// back to outpoint order so every peer ranks identically.
func sortScores(s []scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		return lessOutpoint(s[i].rec.Vin, s[j].rec.Vin)
	})
}

// Current returns the enabled node with the highest score at height.
func (r *Registry) Current(mod, height, minProto int) (*snode.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best   uint32
		winner *snode.Record
	)
	for _, rec := range r.sortedLocked() {
		rec.Check(r.env, false)
		if rec.Protocol < minProto || !rec.IsEnabled() {
			continue
		}
		n := arith.Compact(rec.Score(r.env, mod, height))
		if n > best {
			best = n
			winner = rec
		}
	}
	if winner == nil {
		return nil, false
	}
	return winner.Clone(), true
}

// Rank is the 1-based position of vin by score at height, or -1 when the
// anchor block is unknown or vin is not ranked.
func (r *Registry) Rank(vin proto.Outpoint, height, minProto int, onlyActive bool) int {
	if _, ok := r.env.BlockHash(height); !ok {
		return -1
	}
	enforce := r.env.Sporks.IsActive(spork.PaymentEnforcement)
	now := r.env.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	scores := make([]scored, 0, len(r.nodes))
	for _, rec := range r.nodes {
		if rec.Protocol < minProto {
			continue
		}
		if enforce && now-rec.SigTime < params.WinnerMinimumAge {
			continue
		}
		if onlyActive {
			rec.Check(r.env, false)
			if !rec.IsEnabled() {
				continue
			}
		}
		scores = append(scores, scored{score: arith.Compact(rec.Score(r.env, 1, height)), rec: rec})
	}
	sortScores(scores)
	for i, s := range scores {
		if s.rec.Vin == vin {
			return i + 1
		}
	}
	return -1
}

// Ranked pairs a record with its rank.
type Ranked struct {
	Rank   int           `json:"rank"`
	Record *snode.Record `json:"record"`
}

// Ranks lists every node at or above minProto by score at height. Disabled
// nodes sink to the bottom. Empty when the anchor is unknown.
func (r *Registry) Ranks(height, minProto int) []Ranked {
	if _, ok := r.env.BlockHash(height); !ok {
		return nil
	}
	r.mu.Lock()
	scores := make([]scored, 0, len(r.nodes))
	for _, rec := range r.nodes {
		rec.Check(r.env, false)
		if rec.Protocol < minProto {
			continue
		}
		if !rec.IsEnabled() {
			scores = append(scores, scored{score: disabledScore, rec: rec.Clone()})
			continue
		}
		scores = append(scores, scored{score: arith.Compact(rec.Score(r.env, 1, height)), rec: rec.Clone()})
	}
	r.mu.Unlock()

	sortScores(scores)
	out := make([]Ranked, len(scores))
	for i, s := range scores {
		out[i] = Ranked{Rank: i + 1, Record: s.rec}
	}
	return out
}

// ByRank returns the node holding rank at height.
func (r *Registry) ByRank(rank, height, minProto int, onlyActive bool) (*snode.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scores := make([]scored, 0, len(r.nodes))
	for _, rec := range r.nodes {
		if rec.Protocol < minProto {
			continue
		}
		if onlyActive {
			rec.Check(r.env, false)
			if !rec.IsEnabled() {
				continue
			}
		}
		scores = append(scores, scored{score: arith.Compact(rec.Score(r.env, 1, height)), rec: rec})
	}
	sortScores(scores)
	if rank < 1 || rank > len(scores) {
		return nil, false
	}
	return scores[rank-1].rec.Clone(), true
}

// NextInQueue picks the node to pay at height: among the tenth of enabled
// nodes paid longest ago, the one with the highest score 100 blocks back.
// It also returns the number of eligible candidates.
func (r *Registry) NextInQueue(height int, filterSigTime bool) (*snode.Record, int) {
	enabled := r.CountEnabled(-1)
	minProto := r.env.MinPaymentsProto()
	now := r.env.Now()

	r.mu.Lock()
	var pool []*snode.Record
	for _, rec := range r.sortedLocked() {
		rec.Check(r.env, false)
		if !rec.IsEnabled() || rec.Protocol < minProto {
			continue
		}
		if filterSigTime && rec.SigTime+int64(float64(enabled)*2.6*60) > now {
			continue
		}
		if rec.InputAge(r.env) < enabled {
			continue
		}
		pool = append(pool, rec.Clone())
	}
	r.mu.Unlock()

	type candidate struct {
		since int64
		rec   *snode.Record
	}
	candidates := make([]candidate, 0, len(pool))
	for _, rec := range pool {
		// Already scheduled within the lookahead, leave room for relay.
		if r.payments.IsScheduled(rec.Payee(), height) {
			continue
		}
		candidates = append(candidates, candidate{since: r.secondsSincePayment(rec, enabled), rec: rec})
	}
	count := len(candidates)

	// Nodes restarted during an upgrade would all be too new.
	if filterSigTime && count < enabled/3 {
		return r.NextInQueue(height, false)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].since != candidates[j].since {
			return candidates[i].since > candidates[j].since
		}
		return lessOutpoint(candidates[j].rec.Vin, candidates[i].rec.Vin)
	})

	tenth := r.CountEnabled(-1) / 10
	high := new(uint256.Int)
	var best *snode.Record
	seen := 0
	for _, c := range candidates {
		n := c.rec.Score(r.env, 1, height-100)
		if n.Gt(high) {
			high = n
			best = c.rec
		}
		seen++
		if seen >= tenth {
			break
		}
	}
	if best != nil {
		r.log.Debug("next in queue", zap.Int("height", height), zap.Stringer("vin", best.Vin), zap.Int("candidates", count))
	}
	return best, count
}

// SecondsSincePayment is the time since rec was last paid, or more than
// 30 days with a per-node offset when no payment is on record.
func (r *Registry) SecondsSincePayment(rec *snode.Record) int64 {
	return r.secondsSincePayment(rec, r.CountEnabled(-1))
}

func (r *Registry) secondsSincePayment(rec *snode.Record, enabled int) int64 {
	sec := r.env.Now() - r.lastPaid(rec, enabled)
	if sec < monthSeconds {
		return sec
	}
	return monthSeconds + int64(rec.TieBreak())
}

// LastPaid is the time of the latest block within 1.25 times the enabled
// count whose tally gives rec's payee at least two votes, 0 if none.
func (r *Registry) LastPaid(rec *snode.Record) int64 {
	return r.lastPaid(rec, r.CountEnabled(-1))
}

func (r *Registry) lastPaid(rec *snode.Record, enabled int) int64 {
	tip := r.env.TipHeight()
	if tip < 0 {
		return 0
	}
	offset := int64(rec.TieBreak() % lastPaidOffsetRange)
	payee := rec.Payee()
	depth := int(float64(enabled) * 1.25)
	for n, h := 0, tip; h > 0; n, h = n+1, h-1 {
		if n >= depth {
			return 0
		}
		if r.payments.HasPayeeWithVotes(h, payee, 2) {
			b, ok := r.env.Chain.BlockAt(h)
			if !ok {
				return 0
			}
			return b.Time + offset
		}
	}
	return 0
}

// sortedLocked returns the stored records in outpoint order so scans that
// keep the first maximum are deterministic.
func (r *Registry) sortedLocked() []*snode.Record {
	out := make([]*snode.Record, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return lessOutpoint(out[i].Vin, out[j].Vin) })
	return out
}
