package snode_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coralnode/internal/chain"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
	"coralnode/internal/testutil"
)

func TestRecordEnabledAfterFreshBroadcast(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	r := f.Record(t, n)
	require.Equal(t, snode.Enabled, r.State)
	require.Equal(t, proto.PayToPubKey(n.CollateralKey.PubKey()), r.Payee())
}

func TestCheckTransitions(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	r := f.Record(t, n)

	f.Clock.Advance(params.ExpirationSeconds * time.Second)
	r.Check(f.Env, false)
	require.Equal(t, snode.Expired, r.State)

	f.Clock.Advance((params.RemovalSeconds - params.ExpirationSeconds) * time.Second)
	r.Check(f.Env, false)
	require.Equal(t, snode.Remove, r.State)
}

func TestCheckRateLimitedUnlessForced(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	r := f.Record(t, n)
	f.Chain.Spend(n.Vin)
	r.Check(f.Env, false)
	require.Equal(t, snode.Enabled, r.State)
	r.Check(f.Env, true)
	require.Equal(t, snode.VinSpent, r.State)

	// terminal: a fresh coin does not revive it
	f.Chain.AddCoin(chain.Coin{Outpoint: n.Vin, Height: 1})
	r.Check(f.Env, true)
	require.Equal(t, snode.VinSpent, r.State)
}

func TestCheckNoPingIsRemove(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	r := f.Record(t, f.NewNode(t, 0))
	r.LastPing = proto.PingMsg{}
	r.Check(f.Env, true)
	require.Equal(t, snode.Remove, r.State)
}

func TestCalculateScorePure(t *testing.T) {
	anchor := proto.HashOf([]byte("anchor"))
	a := proto.Outpoint{Hash: proto.HashOf([]byte("a")), Index: 0}
	b := proto.Outpoint{Hash: proto.HashOf([]byte("a")), Index: 1}
	require.Equal(t, snode.CalculateScore(anchor, a), snode.CalculateScore(anchor, a))
	require.NotEqual(t, snode.CalculateScore(anchor, a), snode.CalculateScore(anchor, b))
	require.NotEqual(t, snode.CalculateScore(anchor, a), snode.CalculateScore(proto.HashOf([]byte("other")), a))
}

func TestScoreZeroWithoutAnchor(t *testing.T) {
	f := testutil.NewFixture(t, 50)
	r := f.Record(t, f.NewNode(t, 0))
	require.True(t, r.Score(f.Env, 1, 500).IsZero())
	require.False(t, r.Score(f.Env, 1, 40).IsZero())
	require.Equal(t, r.Score(f.Env, 1, 40), r.Score(f.Env, 7, 40))
}

func TestCheckBroadcastFields(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	b := f.Broadcast(t, n)
	require.NoError(t, snode.CheckBroadcastFields(f.Env, b))

	bad := b
	bad.Sig = append(proto.HexBytes(nil), b.Sig...)
	bad.Sig[5] ^= 0xff
	err := snode.CheckBroadcastFields(f.Env, bad)
	require.ErrorIs(t, err, snode.ErrBadSignature)
	require.Equal(t, 100, snode.DoSScore(err))

	old := b
	old.Protocol = params.MinPeerProtoBeforeEnforcement - 1
	err = snode.CheckBroadcastFields(f.Env, old)
	require.ErrorIs(t, err, snode.ErrOldProtocol)
	require.Zero(t, snode.DoSScore(err))

	withSig := b
	withSig.ScriptSig = proto.HexBytes{1}
	require.ErrorIs(t, snode.CheckBroadcastFields(f.Env, withSig), snode.ErrScriptSigNotEmpty)

	badKey := b
	badKey.PubKeyNode = proto.HexBytes{1, 2, 3}
	err = snode.CheckBroadcastFields(f.Env, badKey)
	require.ErrorIs(t, err, snode.ErrBadPubKeyScript)
	require.Equal(t, 100, snode.DoSScore(err))
}

func TestCheckBroadcastFutureSignature(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	f.Clock.Advance(2 * time.Hour)
	b := f.Broadcast(t, n)
	f.Clock.Advance(-2 * time.Hour)
	err := snode.CheckBroadcastFields(f.Env, b)
	require.ErrorIs(t, err, snode.ErrFutureSignature)
	require.Equal(t, 1, snode.DoSScore(err))
}

func TestCheckPort(t *testing.T) {
	main := params.MustFor("main")
	test := params.MustFor("test")
	require.NoError(t, snode.CheckPort(main, "8.8.8.8:27210"))
	require.ErrorIs(t, snode.CheckPort(main, "8.8.8.8:1"), snode.ErrWrongPort)
	require.ErrorIs(t, snode.CheckPort(test, "8.8.8.8:27212"), snode.ErrWrongPort)
	require.NoError(t, snode.CheckPort(test, "8.8.8.8:1"))
}

func TestPingTimeWindow(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	p := f.Ping(t, n)
	require.NoError(t, snode.CheckPingTime(f.Env, p))

	future := p
	future.SigTime = f.Env.Now() + 3601
	err := snode.CheckPingTime(f.Env, future)
	require.ErrorIs(t, err, snode.ErrFutureSignature)
	require.Equal(t, 1, snode.DoSScore(err))

	past := p
	past.SigTime = f.Env.Now() - 3600
	require.ErrorIs(t, snode.CheckPingTime(f.Env, past), snode.ErrPastSignature)
}

func TestVerifyPing(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	p := f.Ping(t, n)
	require.NoError(t, snode.VerifyPing(f.Env, p, n.NodeKey.PubKey()))

	err := snode.VerifyPing(f.Env, p, n.CollateralKey.PubKey())
	require.ErrorIs(t, err, snode.ErrBadSignature)
	require.Equal(t, 33, snode.DoSScore(err))

	f.Mine(params.PingAnchorMaxAge)
	err = snode.VerifyPing(f.Env, p, n.NodeKey.PubKey())
	require.ErrorIs(t, err, snode.ErrAnchorUnknown)
	require.Zero(t, snode.DoSScore(err))
}

func TestUpdateFromNewBroadcastOnlyWhenNewer(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	r := f.Record(t, n)
	b := r.Broadcast()
	require.False(t, r.UpdateFromNewBroadcast(b, nil))

	f.Clock.Advance(time.Minute)
	newer := f.Broadcast(t, n)
	newer.Addr = "8.8.9.9:1"
	var pinged bool
	require.True(t, r.UpdateFromNewBroadcast(newer, func(proto.PingMsg) bool { pinged = true; return false }))
	require.True(t, pinged)
	require.Equal(t, "8.8.9.9:1", r.Addr)
	require.Equal(t, newer.SigTime, r.SigTime)
	require.NotEqual(t, newer.LastPing, r.LastPing)
}

func TestInputAgeCached(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	n := f.NewNode(t, 0)
	r := f.Record(t, n)
	age := r.InputAge(f.Env)
	require.Equal(t, 199, age)
	f.Mine(3)
	require.Equal(t, 202, r.InputAge(f.Env))
}

func TestMinPaymentsProto(t *testing.T) {
	f := testutil.NewFixture(t, 10)
	require.Equal(t, params.MinPeerProtoBeforeEnforcement, f.Env.MinPaymentsProto())
	f.Sporks.Set(spork.PayUpdatedNodes, true)
	require.Equal(t, params.MinPeerProtoBeforeEnforcement, f.Env.MinPaymentsProto())
	f.Sporks.Set(spork.NewProtocolEnforced, true)
	require.Equal(t, params.MinPeerProtoAfterEnforcement, f.Env.MinPaymentsProto())
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "ENABLED", snode.Enabled.String())
	require.Equal(t, "VIN_SPENT", snode.VinSpent.String())
	require.Equal(t, "POSE_BAN", snode.PoSeBan.String())
}
