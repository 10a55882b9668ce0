package registry_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnode/internal/proto"
	"coralnode/internal/registry"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
	"coralnode/internal/testutil"
)

// paidAt answers HasPayeeWithVotes from a fixed height to payee table.
type paidAt struct {
	paid      map[int]string
	scheduled map[string]bool
}

func (p paidAt) IsScheduled(payee proto.Script, _ int) bool { return p.scheduled[payee.String()] }

func (p paidAt) HasPayeeWithVotes(height int, payee proto.Script, votes int) bool {
	return votes <= 2 && p.paid[height] == payee.String()
}

func TestRankOrderAndUnknownAnchor(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	reg := registry.New(f.Env, registry.Options{})
	var vins []proto.Outpoint
	for i := 0; i < 5; i++ {
		n := f.NewNode(t, i)
		vins = append(vins, n.Vin)
		require.True(t, reg.Add(f.Record(t, n)))
	}

	ranks := reg.Ranks(150, 0)
	require.Len(t, ranks, 5)
	seen := map[int]bool{}
	for _, r := range ranks {
		got := reg.Rank(r.Record.Vin, 150, 0, true)
		assert.Equal(t, r.Rank, got)
		seen[got] = true
		byRank, ok := reg.ByRank(r.Rank, 150, 0, true)
		require.True(t, ok)
		assert.Equal(t, r.Record.Vin, byRank.Vin)
	}
	assert.Len(t, seen, 5)

	cur, ok := reg.Current(1, 150, 0)
	require.True(t, ok)
	assert.Equal(t, ranks[0].Record.Vin, cur.Vin)

	assert.Equal(t, -1, reg.Rank(vins[0], 500, 0, true))
	assert.Empty(t, reg.Ranks(500, 0))
	assert.Equal(t, -1, reg.Rank(proto.Outpoint{Index: 9}, 150, 0, true))
}

func TestRanksSinkDisabledNodes(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	reg := registry.New(f.Env, registry.Options{})
	var last proto.Outpoint
	for i := 0; i < 4; i++ {
		n := f.NewNode(t, i)
		require.True(t, reg.Add(f.Record(t, n)))
		last = n.Vin
	}
	f.Chain.Spend(last)
	reg.Check(last, true)

	ranks := reg.Ranks(150, 0)
	require.Len(t, ranks, 4)
	assert.Equal(t, last, ranks[3].Record.Vin)
	assert.Equal(t, snode.VinSpent, ranks[3].Record.State)
	assert.Equal(t, -1, reg.Rank(last, 150, 0, true))
}

func TestRankSkipsYoungNodesUnderEnforcement(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	reg := registry.New(f.Env, registry.Options{})
	n := f.NewNode(t, 0)
	require.True(t, reg.Add(f.Record(t, n)))
	assert.Equal(t, 1, reg.Rank(n.Vin, 150, 0, false))

	f.Sporks.Set(spork.PaymentEnforcement, true)
	assert.Equal(t, -1, reg.Rank(n.Vin, 150, 0, false))
	assert.Equal(t, 0, reg.StableSize())
}

func TestNextInQueueStaysInOldestTenth(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	pay := paidAt{paid: map[int]string{}, scheduled: map[string]bool{}}
	reg := registry.New(f.Env, registry.Options{Payments: pay})
	tip, _ := f.Chain.Tip()

	var recs []*snode.Record
	for i := 0; i < 30; i++ {
		rec := f.Record(t, f.NewNode(t, i))
		require.True(t, reg.Add(rec))
		recs = append(recs, rec)
	}
	// Every node but the last was paid within the lookback window; the
	// last one has never been paid.
	for i, rec := range recs[:29] {
		pay.paid[tip.Height-i] = rec.Payee().String()
	}

	since := make(map[proto.Outpoint]int64, len(recs))
	var all []int64
	for _, rec := range recs {
		s := reg.SecondsSincePayment(rec)
		since[rec.Vin] = s
		all = append(all, s)
	}
	assert.Greater(t, since[recs[29].Vin], int64(30*24*60*60))
	sort.Slice(all, func(i, j int) bool { return all[i] > all[j] })
	cutoff := all[30/10-1]

	winner, count := reg.NextInQueue(tip.Height+1, true)
	require.NotNil(t, winner)
	assert.Equal(t, 30, count)
	assert.GreaterOrEqual(t, since[winner.Vin], cutoff, "winner must come from the oldest tenth")

	// Deterministic across calls.
	again, _ := reg.NextInQueue(tip.Height+1, true)
	assert.Equal(t, winner.Vin, again.Vin)
}

func TestNextInQueueSkipsScheduled(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	pay := paidAt{paid: map[int]string{}, scheduled: map[string]bool{}}
	reg := registry.New(f.Env, registry.Options{Payments: pay})
	tip, _ := f.Chain.Tip()

	a := f.Record(t, f.NewNode(t, 0))
	b := f.Record(t, f.NewNode(t, 1))
	require.True(t, reg.Add(a))
	require.True(t, reg.Add(b))

	pay.scheduled[a.Payee().String()] = true
	winner, count := reg.NextInQueue(tip.Height+1, false)
	require.NotNil(t, winner)
	assert.Equal(t, b.Vin, winner.Vin)
	assert.Equal(t, 1, count)

	pay.scheduled[b.Payee().String()] = true
	winner, count = reg.NextInQueue(tip.Height+1, false)
	assert.Nil(t, winner)
	assert.Equal(t, 0, count)
}

func TestLastPaidUsesBlockTimePlusOffset(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	pay := paidAt{paid: map[int]string{}}
	reg := registry.New(f.Env, registry.Options{Payments: pay})
	tip, _ := f.Chain.Tip()
	rec := f.Record(t, f.NewNode(t, 0))
	require.True(t, reg.Add(rec))

	assert.Zero(t, reg.LastPaid(rec))

	pay.paid[tip.Height] = rec.Payee().String()
	b, _ := f.Chain.BlockAt(tip.Height)
	got := reg.LastPaid(rec)
	assert.GreaterOrEqual(t, got, b.Time)
	assert.Less(t, got, b.Time+150)
	assert.Equal(t, f.Env.Now()-got, reg.SecondsSincePayment(rec))
}
