package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnode/internal/chain"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/registry"
	"coralnode/internal/snode"
	"coralnode/internal/testutil"
)

type relayLog struct {
	mu    sync.Mutex
	items []proto.InvItem
}

func (r *relayLog) RelayInv(item proto.InvItem) {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
}

func (r *relayLog) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

type syncLog struct {
	mu     sync.Mutex
	added  map[proto.Hash]int
	forgot map[proto.Hash]int
}

func newSyncLog() *syncLog {
	return &syncLog{added: make(map[proto.Hash]int), forgot: make(map[proto.Hash]int)}
}

func (s *syncLog) AddedNodeList(h proto.Hash) {
	s.mu.Lock()
	s.added[h]++
	s.mu.Unlock()
}

func (s *syncLog) ForgetNodeList(h proto.Hash) {
	s.mu.Lock()
	s.forgot[h]++
	s.mu.Unlock()
}

type harness struct {
	f     *testutil.Fixture
	reg   *registry.Registry
	relay *relayLog
	sync  *syncLog
	peer  *testutil.Remote
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := testutil.NewFixture(t, 200)
	h := &harness{f: f, relay: &relayLog{}, sync: newSyncLog(), peer: testutil.NewRemote("9.9.9.9:27213")}
	h.reg = registry.New(f.Env, registry.Options{Relay: h.relay, Sync: h.sync})
	return h
}

func TestAddFindRemove(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	rec := h.f.Record(t, n)

	require.True(t, h.reg.Add(rec))
	require.False(t, h.reg.Add(rec), "duplicate outpoint")
	require.Equal(t, 1, h.reg.Size())

	got, ok := h.reg.Find(n.Vin)
	require.True(t, ok)
	assert.Equal(t, snode.Enabled, got.State)
	assert.Equal(t, proto.PayToPubKey(n.CollateralKey.PubKey()), got.Payee())

	byKey, ok := h.reg.FindByNodeKey(n.NodeKey.PubKey())
	require.True(t, ok)
	assert.Equal(t, n.Vin, byKey.Vin)
	byPayee, ok := h.reg.FindByPayee(got.Payee())
	require.True(t, ok)
	assert.Equal(t, n.Vin, byPayee.Vin)

	// Handles are copies.
	got.Addr = "1.1.1.1:1"
	again, _ := h.reg.Find(n.Vin)
	assert.Equal(t, n.Addr, again.Addr)

	require.True(t, h.reg.Remove(n.Vin))
	require.Equal(t, 0, h.reg.Size())
}

func TestAddRejectsDisabled(t *testing.T) {
	h := newHarness(t)
	rec := h.f.Record(t, h.f.NewNode(t, 0))
	rec.State = snode.Expired
	assert.False(t, h.reg.Add(rec))
}

func TestProcessBroadcastAddsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	b := h.f.Broadcast(t, n)

	require.NoError(t, h.reg.ProcessBroadcast(h.peer, b))
	require.Equal(t, 1, h.reg.Size())
	rec, ok := h.reg.Find(n.Vin)
	require.True(t, ok)
	assert.Equal(t, snode.Enabled, rec.State)
	assert.Equal(t, 1, h.relay.count(proto.InvBroadcast))
	assert.Equal(t, 1, h.sync.added[b.Hash()])

	require.NoError(t, h.reg.ProcessBroadcast(h.peer, b))
	again, _ := h.reg.Find(n.Vin)
	assert.Equal(t, rec, again)
	assert.Equal(t, 1, h.reg.Size())
	assert.Equal(t, 1, h.relay.count(proto.InvBroadcast))
	assert.Equal(t, 2, h.sync.added[b.Hash()])
}

func TestProcessBroadcastRejects(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		h := newHarness(t)
		b := h.f.Broadcast(t, h.f.NewNode(t, 0))
		b.Addr = "8.8.4.4:27213"
		err := h.reg.ProcessBroadcast(h.peer, b)
		require.ErrorIs(t, err, snode.ErrBadSignature)
		assert.Equal(t, 100, snode.DoSScore(err))
		assert.Equal(t, 0, h.reg.Size())
	})
	t.Run("future signature", func(t *testing.T) {
		h := newHarness(t)
		n := h.f.NewNode(t, 0)
		h.f.Clock.Advance(2 * time.Hour)
		b := h.f.Broadcast(t, n)
		h.f.Clock.Advance(-2 * time.Hour)
		err := h.reg.ProcessBroadcast(h.peer, b)
		require.ErrorIs(t, err, snode.ErrFutureSignature)
		assert.Equal(t, 1, snode.DoSScore(err))
	})
	t.Run("collateral not owned", func(t *testing.T) {
		h := newHarness(t)
		n := h.f.NewNode(t, 0)
		h.f.Chain.Spend(n.Vin)
		err := h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, n))
		require.ErrorIs(t, err, snode.ErrNotAssociated)
		assert.Equal(t, 33, snode.DoSScore(err))
	})
	t.Run("wrong amount", func(t *testing.T) {
		h := newHarness(t)
		n := h.f.NewNode(t, 0)
		h.f.Chain.AddCoin(chain.Coin{
			Outpoint: n.Vin,
			Out:      proto.TxOut{Value: params.Collateral() - 1, Script: proto.PayToPubKey(n.CollateralKey.PubKey())},
			Height:   1,
		})
		err := h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, n))
		require.ErrorIs(t, err, snode.ErrCollateral)
		assert.Equal(t, 33, snode.DoSScore(err))
	})
	t.Run("input too new is retried later", func(t *testing.T) {
		h := newHarness(t)
		n := h.f.NewNode(t, 0)
		tip, _ := h.f.Chain.Tip()
		h.f.Chain.AddCoin(chain.Coin{
			Outpoint: n.Vin,
			Out:      proto.TxOut{Value: params.Collateral(), Script: proto.PayToPubKey(n.CollateralKey.PubKey())},
			Height:   tip.Height - 3,
		})
		b := h.f.Broadcast(t, n)
		err := h.reg.ProcessBroadcast(h.peer, b)
		require.ErrorIs(t, err, snode.ErrInputTooNew)
		assert.Equal(t, 0, snode.DoSScore(err))
		assert.False(t, h.reg.Gossip().Broadcasts.Seen(b.Hash()))
		assert.Equal(t, 1, h.sync.forgot[b.Hash()])
	})
}

func TestProcessBroadcastUpdatesNewerEntry(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, n)))

	h.f.Clock.Advance(params.MinPingSeconds * time.Second)
	n.Addr = "8.8.8.8:27213"
	b := h.f.Broadcast(t, n)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, b))

	rec, ok := h.reg.Find(n.Vin)
	require.True(t, ok)
	assert.Equal(t, "8.8.8.8:27213", rec.Addr)
	assert.Equal(t, b.SigTime, rec.SigTime)
	assert.Equal(t, b.LastPing, rec.LastPing)
	assert.Equal(t, 1, h.reg.Size())
}

func TestProcessBroadcastOlderIsStale(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	old := h.f.Broadcast(t, n)
	h.f.Clock.Advance(time.Minute)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, n)))

	err := h.reg.ProcessBroadcast(h.peer, old)
	require.ErrorIs(t, err, snode.ErrStale)
	assert.Equal(t, 0, snode.DoSScore(err))
}

func TestProcessPing(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, n)))

	early := h.f.Ping(t, n)
	err := h.reg.ProcessPing(h.peer, early)
	require.ErrorIs(t, err, snode.ErrTooEarly)
	assert.Empty(t, h.peer.Commands(), "known node is not requested")

	h.f.Clock.Advance(params.MinPingSeconds * time.Second)
	p := h.f.Ping(t, n)
	require.NoError(t, h.reg.ProcessPing(h.peer, p))
	rec, _ := h.reg.Find(n.Vin)
	assert.Equal(t, p, rec.LastPing)
	assert.Equal(t, 1, h.relay.count(proto.InvPing))

	// Same message again changes nothing.
	require.NoError(t, h.reg.ProcessPing(h.peer, p))
	again, _ := h.reg.Find(n.Vin)
	assert.Equal(t, rec, again)
	assert.Equal(t, 1, h.relay.count(proto.InvPing))

	// The cached broadcast carries the new ping.
	cached, ok := h.reg.BroadcastByHash(rec.Broadcast().Hash())
	require.True(t, ok)
	assert.Equal(t, p, cached.LastPing)
}

func TestProcessPingFutureSignature(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, n)))
	before, _ := h.reg.Find(n.Vin)

	p := h.f.Ping(t, n)
	p.SigTime = h.f.Env.Now() + params.MaxClockSkewSeconds + 1
	sig, err := h.f.Env.Signer.Sign(n.NodeKey, p.SignatureMessage())
	require.NoError(t, err)
	p.Sig = sig

	err = h.reg.ProcessPing(h.peer, p)
	require.ErrorIs(t, err, snode.ErrFutureSignature)
	assert.Equal(t, 1, snode.DoSScore(err))
	after, _ := h.reg.Find(n.Vin)
	assert.Equal(t, before.LastPing, after.LastPing)
}

func TestProcessPingBadSignature(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, n)))
	h.f.Clock.Advance(params.MinPingSeconds * time.Second)

	p := h.f.Ping(t, n)
	sig, err := h.f.Env.Signer.Sign(n.CollateralKey, p.SignatureMessage())
	require.NoError(t, err)
	p.Sig = sig

	err = h.reg.ProcessPing(h.peer, p)
	require.ErrorIs(t, err, snode.ErrBadSignature)
	assert.Equal(t, 33, snode.DoSScore(err))
	assert.Equal(t, []string{proto.MsgTypeListRequest}, h.peer.Commands())
}

func TestProcessPingUnknownAsksOnce(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	p := h.f.Ping(t, n)
	require.ErrorIs(t, h.reg.ProcessPing(h.peer, p), snode.ErrUnknownNode)
	require.Equal(t, []string{proto.MsgTypeListRequest}, h.peer.Commands())

	h.f.Clock.Advance(time.Minute)
	require.ErrorIs(t, h.reg.ProcessPing(h.peer, h.f.Ping(t, n)), snode.ErrUnknownNode)
	assert.Len(t, h.peer.Commands(), 1, "entry request is rate limited")
}

func TestCheckAndRemovePurgesDeadNode(t *testing.T) {
	h := newHarness(t)
	alive := h.f.NewNode(t, 0)
	dead := h.f.NewNode(t, 1)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, alive)))
	deadB := h.f.Broadcast(t, dead)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, deadB))
	require.Equal(t, 2, h.reg.Size())

	now := h.f.Env.Now()
	h.reg.Update(dead.Vin, func(rec *snode.Record) {
		rec.LastPing.SigTime = now - params.RemovalSeconds - 1
	})
	h.f.Clock.Advance((params.CheckSeconds + 1) * time.Second)

	assert.Equal(t, 1, h.reg.CheckAndRemove(false))
	assert.Equal(t, 1, h.reg.Size())
	_, ok := h.reg.Find(dead.Vin)
	assert.False(t, ok)
	assert.False(t, h.reg.Gossip().Broadcasts.Seen(deadB.Hash()))
	assert.Equal(t, 1, h.sync.forgot[deadB.Hash()])
	_, ok = h.reg.Find(alive.Vin)
	assert.True(t, ok)
}

func TestCheckAndRemoveForcedDropsExpired(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	require.True(t, h.reg.Add(h.f.Record(t, n)))
	h.f.Clock.Advance(params.ExpirationSeconds * time.Second)

	assert.Equal(t, 0, h.reg.CheckAndRemove(false))
	st, _ := h.reg.Check(n.Vin, false)
	assert.Equal(t, snode.Expired, st)
	assert.Equal(t, 1, h.reg.CheckAndRemove(true))
}

func TestCounts(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		require.True(t, h.reg.Add(h.f.Record(t, h.f.NewNode(t, i))))
	}
	old := h.f.Record(t, h.f.NewNode(t, 3))
	old.Protocol = params.MinPeerProtoBeforeEnforcement - 1
	require.True(t, h.reg.Add(old))

	assert.Equal(t, 3, h.reg.CountEnabled(-1))
	assert.Equal(t, 4, h.reg.CountEnabled(0))
	assert.Equal(t, 3, h.reg.StableSize())
	assert.Equal(t, registry.NetworkCounts{IPv4: 4}, h.reg.CountNetworks())
}

func TestSnapshotRestore(t *testing.T) {
	h := newHarness(t)
	n := h.f.NewNode(t, 0)
	require.NoError(t, h.reg.ProcessBroadcast(h.peer, h.f.Broadcast(t, n)))
	snap := h.reg.Snapshot()

	other := registry.New(h.f.Env, registry.Options{})
	other.Restore(snap)
	assert.Equal(t, h.reg.List(), other.List())
	assert.Equal(t, h.reg.Gossip().Broadcasts.Len(), other.Gossip().Broadcasts.Len())

	other.Clear()
	assert.Equal(t, 0, other.Size())
	assert.Equal(t, 0, other.Gossip().Broadcasts.Len())
}
