package payments_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnode/internal/crypto"
	"coralnode/internal/params"
	"coralnode/internal/payments"
	"coralnode/internal/proto"
	"coralnode/internal/registry"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
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

func (r *relayLog) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

type syncState struct {
	mu     sync.Mutex
	synced bool
	added  map[proto.Hash]int
	forgot map[proto.Hash]int
}

func newSyncState(synced bool) *syncState {
	return &syncState{synced: synced, added: map[proto.Hash]int{}, forgot: map[proto.Hash]int{}}
}

func (s *syncState) AddedWinner(h proto.Hash) {
	s.mu.Lock()
	s.added[h]++
	s.mu.Unlock()
}

func (s *syncState) ForgetWinner(h proto.Hash) {
	s.mu.Lock()
	s.forgot[h]++
	s.mu.Unlock()
}

func (s *syncState) IsSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

type localVoter struct {
	vin proto.Outpoint
	key *crypto.PrivateKey
}

func (v localVoter) VoterKey() (proto.Outpoint, *crypto.PrivateKey, bool) { return v.vin, v.key, true }

func payeeScript(i byte) proto.Script {
	return proto.PayToPubKey([]byte{0x02, i, i, i})
}

func voterVin(i int) proto.Outpoint {
	return proto.Outpoint{Hash: proto.HashOf([]byte{byte(i), 0xfe}), Index: uint32(i)}
}

func newLedger(t *testing.T, blocks int) (*testutil.Fixture, *registry.Registry, *payments.Ledger) {
	t.Helper()
	f := testutil.NewFixture(t, blocks)
	reg := registry.New(f.Env, registry.Options{})
	l := payments.New(f.Env, reg, payments.Options{})
	reg.SetPayments(l)
	return f, reg, l
}

func TestAddVoteDedupAndAnchor(t *testing.T) {
	_, _, l := newLedger(t, 200)
	v := proto.VoteMsg{Vin: voterVin(1), Height: 150, Payee: payeeScript(1)}

	require.NoError(t, l.AddVote(v))
	assert.ErrorIs(t, l.AddVote(v), payments.ErrDuplicateVote)
	assert.True(t, l.HasVote(v.Hash()))

	far := proto.VoteMsg{Vin: voterVin(1), Height: 400, Payee: payeeScript(1)}
	assert.ErrorIs(t, l.AddVote(far), payments.ErrUnknownAnchor)

	tally, ok := l.Tally(150)
	require.True(t, ok)
	require.Len(t, tally.Payees, 1)
	assert.Equal(t, 1, tally.Payees[0].Votes)
	votes, blocks := l.Counts()
	assert.Equal(t, 1, votes)
	assert.Equal(t, 1, blocks)
}

func TestTallyCountsOnlyGrow(t *testing.T) {
	_, _, l := newLedger(t, 200)
	a, b := payeeScript(1), payeeScript(2)
	prev := 0
	for i := 0; i < 4; i++ {
		require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(i), Height: 190, Payee: a}))
		tally, _ := l.Tally(190)
		assert.Greater(t, tally.Payees[0].Votes, prev)
		prev = tally.Payees[0].Votes
	}
	require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(9), Height: 190, Payee: b}))

	payee, ok := l.BlockPayee(190)
	require.True(t, ok)
	assert.Equal(t, a, payee)
	assert.True(t, l.HasPayeeWithVotes(190, a, 4))
	assert.False(t, l.HasPayeeWithVotes(190, b, 2))
	assert.Equal(t, a.String()+":4, "+b.String()+":1", l.RequiredPaymentsString(190))
	assert.Equal(t, "Unknown", l.RequiredPaymentsString(191))
}

func TestIsTransactionValidQuorumBoundary(t *testing.T) {
	f, _, l := newLedger(t, 200)
	const height = 190
	payee := payeeScript(7)
	required := f.Params.NodePayment(height, f.Params.BlockValue(height), f.Params.CountDrift)
	unpaid := proto.Tx{Outputs: []proto.TxOut{{Value: f.Params.BlockValue(height), Script: payeeScript(3)}}}
	paid := proto.Tx{Outputs: []proto.TxOut{
		{Value: f.Params.BlockValue(height) - required, Script: payeeScript(3)},
		{Value: required, Script: payee},
	}}

	assert.NoError(t, l.IsTransactionValid(unpaid, height), "no tally")

	for i := 0; i < params.SignaturesRequired-1; i++ {
		require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(i), Height: height, Payee: payee}))
	}
	assert.NoError(t, l.IsTransactionValid(unpaid, height), "five votes are below quorum")

	require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(99), Height: height, Payee: payee}))
	assert.ErrorIs(t, l.IsTransactionValid(unpaid, height), payments.ErrMissingPayment)
	assert.NoError(t, l.IsTransactionValid(paid, height))

	short := proto.Tx{Outputs: []proto.TxOut{{Value: required - 1, Script: payee}}}
	assert.ErrorIs(t, l.IsTransactionValid(short, height), payments.ErrMissingPayment)
}

func TestIsTransactionValidRequiresEveryQuorumPayee(t *testing.T) {
	f, _, l := newLedger(t, 200)
	const height = 195
	a, b := payeeScript(1), payeeScript(2)
	for i := 0; i < params.SignaturesRequired; i++ {
		require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(i), Height: height, Payee: a}))
		require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(i + 20), Height: height, Payee: b}))
	}
	required := f.Params.NodePayment(height, f.Params.BlockValue(height), 0)
	onlyA := proto.Tx{Outputs: []proto.TxOut{{Value: required, Script: a}}}
	both := proto.Tx{Outputs: []proto.TxOut{{Value: required, Script: a}, {Value: required, Script: b}}}
	assert.ErrorIs(t, l.IsTransactionValid(onlyA, height), payments.ErrMissingPayment)
	assert.NoError(t, l.IsTransactionValid(both, height))
}

func TestIsBlockPayeeValidHonorsSyncAndSpork(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	reg := registry.New(f.Env, registry.Options{})
	st := newSyncState(false)
	l := payments.New(f.Env, reg, payments.Options{Sync: st})
	const height = 190
	for i := 0; i < params.SignaturesRequired; i++ {
		require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(i), Height: height, Payee: payeeScript(5)}))
	}
	bad := proto.Tx{Outputs: []proto.TxOut{{Value: 1, Script: payeeScript(6)}}}

	assert.True(t, l.IsBlockPayeeValid(bad, height), "not synced")
	st.synced = true
	assert.True(t, l.IsBlockPayeeValid(bad, height), "enforcement off")
	f.Sporks.Set(spork.PaymentEnforcement, true)
	assert.False(t, l.IsBlockPayeeValid(bad, height))
}

func TestIsBlockValueValid(t *testing.T) {
	f := testutil.NewFixture(t, 200)
	st := newSyncState(false)
	l := payments.New(f.Env, registry.New(f.Env, registry.Options{}), payments.Options{Sync: st})
	cycle := f.Params.BudgetCycleBlocks

	assert.True(t, l.IsBlockValueValid(cycle*3+5, 10, 50), "start of a cycle before sync")
	assert.False(t, l.IsBlockValueValid(cycle*3+120, 10, 50))
	assert.True(t, l.IsBlockValueValid(cycle*3+120, 10, 10))

	st.synced = true
	assert.False(t, l.IsBlockValueValid(cycle*3+5, 10, 50))
}

func TestIsScheduledLooksAheadEightBlocks(t *testing.T) {
	_, _, l := newLedger(t, 200)
	a, b := payeeScript(1), payeeScript(2)
	require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(1), Height: 203, Payee: a}))
	require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(2), Height: 199 + 9, Payee: b}))

	assert.True(t, l.IsScheduled(a, 0))
	assert.False(t, l.IsScheduled(a, 203))
	assert.False(t, l.IsScheduled(b, 0), "beyond the lookahead")
}

func TestCleanPaymentListDropsOldVotes(t *testing.T) {
	f := testutil.NewFixture(t, 1200)
	reg := registry.New(f.Env, registry.Options{})
	st := newSyncState(true)
	l := payments.New(f.Env, reg, payments.Options{Sync: st})

	old := proto.VoteMsg{Vin: voterVin(1), Height: 150, Payee: payeeScript(1)}
	recent := proto.VoteMsg{Vin: voterVin(2), Height: 1100, Payee: payeeScript(2)}
	require.NoError(t, l.AddVote(old))
	require.NoError(t, l.AddVote(recent))
	assert.Equal(t, 150, l.OldestBlock())
	assert.Equal(t, 1100, l.NewestBlock())

	assert.Equal(t, 1, l.CleanPaymentList())
	assert.False(t, l.HasVote(old.Hash()))
	assert.True(t, l.HasVote(recent.Hash()))
	_, ok := l.Tally(150)
	assert.False(t, ok)
	assert.Equal(t, 1, st.forgot[old.Hash()])
	assert.Equal(t, 1100, l.OldestBlock())
}

func TestSnapshotRestore(t *testing.T) {
	_, _, l := newLedger(t, 200)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.AddVote(proto.VoteMsg{Vin: voterVin(i), Height: 180 + i, Payee: payeeScript(byte(i))}))
	}
	snap := l.Snapshot()

	_, _, other := newLedger(t, 200)
	other.Restore(snap)
	assert.Equal(t, l.Votes(), other.Votes())
	for h := 180; h < 183; h++ {
		want, _ := l.Tally(h)
		got, ok := other.Tally(h)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	l.Clear()
	votes, blocks := l.Counts()
	assert.Zero(t, votes)
	assert.Zero(t, blocks)
}

type voteHarness struct {
	f     *testutil.Fixture
	reg   *registry.Registry
	l     *payments.Ledger
	relay *relayLog
	sync  *syncState
	nodes []testutil.Node
	peer  *testutil.Remote
}

func newVoteHarness(t *testing.T, n int) *voteHarness {
	t.Helper()
	f := testutil.NewFixture(t, 200)
	reg := registry.New(f.Env, registry.Options{})
	h := &voteHarness{f: f, reg: reg, relay: &relayLog{}, sync: newSyncState(true), peer: testutil.NewRemote("9.9.9.9:27213")}
	h.l = payments.New(f.Env, reg, payments.Options{Relay: h.relay, Sync: h.sync})
	reg.SetPayments(h.l)
	for i := 0; i < n; i++ {
		node := f.NewNode(t, i)
		require.True(t, reg.Add(f.Record(t, node)))
		h.nodes = append(h.nodes, node)
	}
	return h
}

func (h *voteHarness) vote(t *testing.T, node testutil.Node, height int, payee proto.Script) proto.VoteMsg {
	t.Helper()
	v := proto.VoteMsg{Vin: node.Vin, Height: height, Payee: payee}
	sig, err := h.f.Env.Signer.Sign(node.NodeKey, v.SignatureMessage())
	require.NoError(t, err)
	v.Sig = sig
	return v
}

func TestProcessVoteAcceptsAndRelays(t *testing.T) {
	h := newVoteHarness(t, 3)
	v := h.vote(t, h.nodes[0], 205, payeeScript(1))

	require.NoError(t, h.l.ProcessVote(h.peer, v))
	assert.Equal(t, 1, h.relay.count())
	assert.Equal(t, 1, h.sync.added[v.Hash()])
	got, ok := h.l.VoteByHash(v.Hash())
	require.True(t, ok)
	assert.Equal(t, v.Payee, got.Payee)

	// The same vote again only counts as sync progress.
	require.NoError(t, h.l.ProcessVote(h.peer, v))
	assert.Equal(t, 1, h.relay.count())
	assert.Equal(t, 2, h.sync.added[v.Hash()])

	second := h.vote(t, h.nodes[0], 205, payeeScript(2))
	assert.ErrorIs(t, h.l.ProcessVote(h.peer, second), payments.ErrAlreadyVoted)
	tally, _ := h.l.Tally(205)
	assert.Len(t, tally.Payees, 1)
}

func TestProcessVoteRejects(t *testing.T) {
	t.Run("old peer", func(t *testing.T) {
		h := newVoteHarness(t, 2)
		v := h.vote(t, h.nodes[0], 205, payeeScript(1))
		old := testutil.NewRemote("9.9.9.8:27213").WithVersion(params.MinPeerProtoBeforeEnforcement - 1)
		require.NoError(t, h.l.ProcessVote(old, v))
		assert.False(t, h.l.HasVote(v.Hash()))
	})
	t.Run("out of window", func(t *testing.T) {
		h := newVoteHarness(t, 2)
		v := h.vote(t, h.nodes[0], 150, payeeScript(1))
		assert.ErrorIs(t, h.l.ProcessVote(h.peer, v), payments.ErrOutOfWindow)
		far := h.vote(t, h.nodes[0], 199+params.VoteLookahead+1, payeeScript(1))
		assert.ErrorIs(t, h.l.ProcessVote(h.peer, far), payments.ErrOutOfWindow)
	})
	t.Run("unknown voter asks for the entry", func(t *testing.T) {
		h := newVoteHarness(t, 2)
		stranger := h.f.NewNode(t, 40)
		v := h.vote(t, stranger, 205, payeeScript(1))
		err := h.l.ProcessVote(h.peer, v)
		assert.ErrorIs(t, err, payments.ErrUnknownVoter)
		assert.Zero(t, snode.DoSScore(err))
		assert.Equal(t, []string{proto.MsgTypeListRequest}, h.peer.Commands())
	})
	t.Run("bad signature", func(t *testing.T) {
		h := newVoteHarness(t, 2)
		v := h.vote(t, h.nodes[0], 205, payeeScript(1))
		v.Payee = payeeScript(2)
		err := h.l.ProcessVote(h.peer, v)
		assert.ErrorIs(t, err, snode.ErrBadSignature)
		assert.Equal(t, 20, snode.DoSScore(err))
		assert.False(t, h.l.HasVote(v.Hash()))

		// A peer still syncing is not punished for relaying it.
		h.sync.synced = false
		v.Height = 206
		err = h.l.ProcessVote(h.peer, v)
		assert.ErrorIs(t, err, snode.ErrBadSignature)
		assert.Zero(t, snode.DoSScore(err))
	})
}

func TestProcessVoteRequest(t *testing.T) {
	h := newVoteHarness(t, 2)
	h.f.Env.Params = params.MustFor("main")
	for i := 0; i < 2; i++ {
		require.NoError(t, h.l.ProcessVote(h.peer, h.vote(t, h.nodes[i], 200+i, payeeScript(byte(i)))))
	}

	asker := testutil.NewRemote("7.7.7.7:27210")
	require.NoError(t, h.l.ProcessVoteRequest(asker, proto.VoteRequestMsg{Count: 100}))
	assert.Equal(t, []string{proto.MsgTypeInv, proto.MsgTypeSyncStatus}, asker.Commands())

	err := h.l.ProcessVoteRequest(asker, proto.VoteRequestMsg{Count: 100})
	assert.ErrorIs(t, err, payments.ErrVotesRequested)
	assert.Equal(t, 20, snode.DoSScore(err))
}

func TestProcessBlockVotesForQueueWinner(t *testing.T) {
	h := newVoteHarness(t, 3)
	me := h.nodes[0]
	h.l.SetVoter(localVoter{vin: me.Vin, key: me.NodeKey})

	want, _ := h.reg.NextInQueue(210, true)
	require.NotNil(t, want)

	require.NoError(t, h.l.ProcessBlock(210))
	payee, ok := h.l.BlockPayee(210)
	require.True(t, ok)
	assert.Equal(t, want.Payee(), payee)
	assert.Equal(t, 1, h.relay.count())

	assert.ErrorIs(t, h.l.ProcessBlock(210), payments.ErrAlreadyVoted)
	assert.ErrorIs(t, h.l.ProcessBlock(209), payments.ErrAlreadyVoted)
}

func TestProcessBlockWithoutLocalNode(t *testing.T) {
	h := newVoteHarness(t, 1)
	assert.ErrorIs(t, h.l.ProcessBlock(210), payments.ErrNotServiceNode)
}

func TestFillBlockPayee(t *testing.T) {
	h := newVoteHarness(t, 2)
	tip, _ := h.f.Chain.Tip()
	payee := payeeScript(4)
	require.NoError(t, h.l.AddVote(proto.VoteMsg{Vin: voterVin(1), Height: tip.Height + 1, Payee: payee}))
	value := h.f.Params.BlockValue(tip.Height)
	payment := h.f.Params.NodePayment(tip.Height+1, value, 0)

	t.Run("proof of work", func(t *testing.T) {
		tx := proto.Tx{Outputs: []proto.TxOut{{Value: value, Script: payeeScript(9)}}}
		require.NoError(t, h.l.FillBlockPayee(&tx, 0, false))
		require.Len(t, tx.Outputs, 2)
		assert.Equal(t, value-payment, tx.Outputs[0].Value)
		assert.Equal(t, proto.TxOut{Value: payment, Script: payee}, tx.Outputs[1])
	})
	t.Run("proof of stake", func(t *testing.T) {
		stake := value * 4
		tx := proto.Tx{Outputs: []proto.TxOut{{}, {Value: stake, Script: payeeScript(8)}}}
		require.NoError(t, h.l.FillBlockPayee(&tx, 0, true))
		require.Len(t, tx.Outputs, 3)
		assert.Equal(t, stake-payment, tx.Outputs[1].Value)
		assert.Equal(t, proto.TxOut{Value: payment, Script: payee}, tx.Outputs[2])
	})
	t.Run("falls back to the top scored node", func(t *testing.T) {
		h := newVoteHarness(t, 2)
		cur, ok := h.reg.Current(1, 0, 0)
		require.True(t, ok)
		tx := proto.Tx{Outputs: []proto.TxOut{{Value: value}}}
		require.NoError(t, h.l.FillBlockPayee(&tx, 0, false))
		assert.Equal(t, cur.Payee(), tx.Outputs[1].Script)
	})
}
