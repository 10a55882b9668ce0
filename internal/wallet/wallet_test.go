package wallet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnode/internal/chain"
	"coralnode/internal/params"
	"coralnode/internal/proto"
)

func init() {
	KDFTime, KDFMemory, KDFThreads = 1, 1024, 1
}

func coin(i byte, script proto.Script, value int64) chain.Coin {
	return chain.Coin{Outpoint: proto.Outpoint{Hash: proto.Hash{i}}, Out: proto.TxOut{Value: value, Script: script}, Height: 1}
}

func TestCreateUnlockLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	mem := chain.NewMemory()
	w, err := Create(path, "hunter2", mem)
	require.NoError(t, err)
	assert.False(t, w.IsLocked())

	k, err := w.NewKey()
	require.NoError(t, err)

	_, err = Create(path, "again", mem)
	assert.ErrorIs(t, err, ErrExists)

	reopened, err := Open(path, mem)
	require.NoError(t, err)
	assert.True(t, reopened.IsLocked())
	assert.Len(t, reopened.Scripts(), 1, "public keys readable while locked")

	_, err = reopened.KeyFor(proto.PayToPubKey(k.PubKey()))
	assert.ErrorIs(t, err, ErrLocked)

	assert.ErrorIs(t, reopened.Unlock("wrong"), ErrBadPassphrase)
	require.NoError(t, reopened.Unlock("hunter2"))
	got, err := reopened.KeyFor(proto.PayToPubKey(k.PubKey()))
	require.NoError(t, err)
	assert.Equal(t, k.Hex(), got.Hex())

	reopened.Lock()
	assert.True(t, reopened.IsLocked())
	_, err = reopened.NewKey()
	assert.ErrorIs(t, err, ErrLocked)
}

func TestCollateralCoinsAndLocks(t *testing.T) {
	mem := chain.NewMemory()
	w, err := Create(filepath.Join(t.TempDir(), "wallet.json"), "pw", mem)
	require.NoError(t, err)
	k, err := w.NewKey()
	require.NoError(t, err)
	script := proto.PayToPubKey(k.PubKey())

	exact := coin(1, script, params.Collateral())
	other := coin(2, script, params.Collateral()+1)
	foreign := coin(3, proto.Script{0x51}, params.Collateral())
	for _, c := range []chain.Coin{exact, other, foreign} {
		mem.AddCoin(c)
	}

	assert.Equal(t, 2*params.Collateral()+1, w.Balance())
	coins := w.CollateralCoins()
	require.Len(t, coins, 1)
	assert.Equal(t, exact.Outpoint, coins[0].Outpoint)

	w.LockCoin(exact.Outpoint)
	assert.True(t, w.IsLockedCoin(exact.Outpoint))
	assert.Empty(t, w.CollateralCoins())
	assert.Len(t, w.CollateralCoins(exact.Outpoint), 1, "explicitly included outputs ignore the lock")
	assert.Equal(t, []string{exact.Outpoint.String()}, w.LockedCoins())
	assert.Equal(t, 2*params.Collateral()+1, w.Balance(), "locks do not change the balance")

	w.UnlockCoin(exact.Outpoint)
	assert.Len(t, w.CollateralCoins(), 1)

	mem.Spend(exact.Outpoint)
	assert.Empty(t, w.CollateralCoins())
}
