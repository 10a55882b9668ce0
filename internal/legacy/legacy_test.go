package legacy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnode/internal/legacy"
	"coralnode/internal/params"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/registry"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
	"coralnode/internal/testutil"
)

type peers []peer.Remote

func (p peers) Remotes() []peer.Remote { return p }

type harness struct {
	f       *testutil.Fixture
	reg     *registry.Registry
	adapter *legacy.Adapter
	from    *testutil.Remote
	current *testutil.Remote
	old     *testutil.Remote
	node    testutil.Node
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := testutil.NewFixture(t, 200)
	h := &harness{
		f:       f,
		reg:     registry.New(f.Env, registry.Options{}),
		from:    testutil.NewRemote("9.9.9.9:27213"),
		current: testutil.NewRemote("9.9.9.10:27213"),
		old:     testutil.NewRemote("9.9.9.11:27213").WithVersion(params.MinPeerProtoBeforeEnforcement - 1),
		node:    f.NewNode(t, 1),
	}
	h.adapter = legacy.New(f.Env, h.reg, legacy.Options{Peers: peers{h.current, h.old}})
	return h
}

func (h *harness) entry(t *testing.T) proto.LegacyEntryMsg {
	t.Helper()
	m := proto.LegacyEntryMsg{
		Vin:         h.node.Vin,
		Addr:        h.node.Addr,
		SigTime:     h.f.Env.Now(),
		PubKey:      h.node.CollateralKey.PubKey(),
		PubKey2:     h.node.NodeKey.PubKey(),
		Count:       -1,
		Current:     -1,
		LastUpdated: h.f.Env.Now(),
		Protocol:    params.ProtocolVersion,
	}
	sig, err := h.f.Env.Signer.Sign(h.node.CollateralKey, m.SignatureMessage())
	require.NoError(t, err)
	m.Sig = sig
	return m
}

func (h *harness) ping(t *testing.T, addr string) proto.LegacyPingMsg {
	t.Helper()
	m := proto.LegacyPingMsg{Vin: h.node.Vin, SigTime: h.f.Env.Now()}
	sig, err := h.f.Env.Signer.Sign(h.node.NodeKey, proto.LegacyPingMessage(addr, m.SigTime, false))
	require.NoError(t, err)
	m.Sig = sig
	return m
}

func TestInactiveOnceUpdatedNodesArePaid(t *testing.T) {
	h := newHarness(t)
	h.f.Sporks.Set(spork.PayUpdatedNodes, true)
	assert.False(t, h.adapter.Active())

	m := h.entry(t)
	m.Sig = []byte{1}
	assert.NoError(t, h.adapter.ProcessEntry(h.from, m))
	assert.NoError(t, h.adapter.ProcessPing(h.from, h.ping(t, h.node.Addr)))
	assert.Empty(t, h.current.Sent())
}

func TestEntryFieldRejects(t *testing.T) {
	h := newHarness(t)

	future := h.entry(t)
	future.SigTime += params.MaxClockSkewSeconds + 1
	err := h.adapter.ProcessEntry(h.from, future)
	assert.ErrorIs(t, err, snode.ErrFutureSignature)
	assert.Equal(t, 1, snode.DoSScore(err))

	old := h.entry(t)
	old.Protocol = params.MinPeerProtoBeforeEnforcement - 1
	err = h.adapter.ProcessEntry(h.from, old)
	assert.ErrorIs(t, err, snode.ErrOldProtocol)

	forged := h.entry(t)
	forged.Addr = "8.8.8.8:1"
	err = h.adapter.ProcessEntry(h.from, forged)
	assert.ErrorIs(t, err, snode.ErrBadSignature)
	assert.Equal(t, 100, snode.DoSScore(err))

	badKey := h.entry(t)
	badKey.PubKey2 = []byte{2, 3}
	err = h.adapter.ProcessEntry(h.from, badKey)
	assert.ErrorIs(t, err, snode.ErrBadPubKeyScript)
	assert.Equal(t, 100, snode.DoSScore(err))
}

func TestNewUpgradedEntryIsRelayedNotAdded(t *testing.T) {
	h := newHarness(t)
	m := h.entry(t)

	require.NoError(t, h.adapter.ProcessEntry(h.from, m))
	assert.Equal(t, 0, h.reg.Size(), "upgraded nodes register through fnb")
	assert.Equal(t, []string{proto.MsgTypeLegacyEntry}, h.current.Commands())
	assert.Empty(t, h.old.Commands(), "peers below the payments protocol get nothing")

	require.NoError(t, h.adapter.ProcessEntry(h.from, m))
	assert.Len(t, h.current.Commands(), 1, "a repeated entry is ignored")
}

func TestEntryWithForeignCollateral(t *testing.T) {
	h := newHarness(t)
	other := h.f.NewNode(t, 2)
	m := h.entry(t)
	m.Vin = other.Vin
	sig, err := h.f.Env.Signer.Sign(h.node.CollateralKey, m.SignatureMessage())
	require.NoError(t, err)
	m.Sig = sig

	err = h.adapter.ProcessEntry(h.from, m)
	assert.ErrorIs(t, err, snode.ErrNotAssociated)
	assert.Equal(t, 100, snode.DoSScore(err))
}

func TestEntryRefreshesKnownNode(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.reg.Add(h.f.Record(t, h.node)))

	h.f.Clock.Advance((params.MinBroadcastSeconds + 1) * time.Second)
	m := h.entry(t)
	require.NoError(t, h.adapter.ProcessEntry(h.from, m))

	rec, ok := h.reg.Find(h.node.Vin)
	require.True(t, ok)
	assert.Equal(t, m.SigTime, rec.LastDsee)
	assert.Equal(t, []string{proto.MsgTypeLegacyEntry}, h.current.Commands())

	require.NoError(t, h.adapter.ProcessEntry(h.from, h.entry(t)))
	assert.Len(t, h.current.Commands(), 1, "refresh limited to once per MinBroadcastSeconds")

	syncing := h.entry(t)
	syncing.Count = 4
	h.f.Clock.Advance((params.MinBroadcastSeconds + 1) * time.Second)
	require.NoError(t, h.adapter.ProcessEntry(h.from, syncing))
	assert.Len(t, h.current.Commands(), 1, "list sync entries are not relayed")
}

func TestPingForUnknownNodeAsksOnce(t *testing.T) {
	h := newHarness(t)
	p := h.ping(t, h.node.Addr)

	err := h.adapter.ProcessPing(h.from, p)
	assert.ErrorIs(t, err, snode.ErrUnknownNode)
	assert.Equal(t, []string{proto.MsgTypeListRequest}, h.from.Commands())

	assert.NoError(t, h.adapter.ProcessPing(h.from, p), "asked recently")
	assert.Len(t, h.from.Commands(), 1)
}

func TestPingRefreshesKnownNode(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.reg.Add(h.f.Record(t, h.node)))

	forged := h.ping(t, "8.8.8.8:1")
	assert.ErrorIs(t, h.adapter.ProcessPing(h.from, forged), snode.ErrBadSignature)

	p := h.ping(t, h.node.Addr)
	require.NoError(t, h.adapter.ProcessPing(h.from, p))
	rec, ok := h.reg.Find(h.node.Vin)
	require.True(t, ok)
	assert.Equal(t, p.SigTime, rec.LastDseep)
	assert.NotEmpty(t, rec.LastPing.Sig, "upgraded nodes keep their signed ping")
	assert.Equal(t, []string{proto.MsgTypeLegacyPing}, h.current.Commands())

	require.NoError(t, h.adapter.ProcessPing(h.from, h.ping(t, h.node.Addr)))
	assert.Len(t, h.current.Commands(), 1, "within MinPingSeconds of the last one")

	past := h.ping(t, h.node.Addr)
	past.SigTime -= params.MaxClockSkewSeconds
	err := h.adapter.ProcessPing(h.from, past)
	assert.ErrorIs(t, err, snode.ErrPastSignature)
}
