package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coralnode/internal/config"
	"coralnode/internal/crypto"
	"coralnode/internal/proto"
	"coralnode/internal/wallet"
)

func init() {
	wallet.KDFTime, wallet.KDFMemory, wallet.KDFThreads = 1, 1024, 1
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"--help"}, &out, &out))
	assert.Contains(t, out.String(), "coralnoded")
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run([]string{"bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "unknown command: bogus")
}

func TestGenkey(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, run([]string{"genkey"}, &out, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "privkey="))
	k, err := crypto.ParsePrivateKeyHex(strings.TrimPrefix(lines[0], "privkey="))
	require.NoError(t, err)
	assert.Equal(t, "pubkey="+proto.HexBytes(k.PubKey()).String(), lines[1])
}

func TestInitConfigAndWallet(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	require.Equal(t, 0, run([]string{"init-config", "--network", "regtest", "--datadir", dir}, &out, &errOut), errOut.String())
	assert.Equal(t, 1, run([]string{"init-config", "--network", "regtest", "--datadir", dir}, &out, &errOut))
	cfgPath := filepath.Join(dir, config.FileName)

	walletCmd := func(args ...string) (int, string) {
		var o, e bytes.Buffer
		code := run(append([]string{"wallet"}, args...), &o, &e)
		return code, o.String() + e.String()
	}

	code, msg := walletCmd("create", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, msg, "missing --passphrase")

	code, msg = walletCmd("create", "--config", cfgPath, "--passphrase", "pw")
	require.Equal(t, 0, code, msg)
	_, err := os.Stat(filepath.Join(dir, walletFile))
	require.NoError(t, err)

	code, msg = walletCmd("newkey", "--config", cfgPath, "--passphrase", "pw")
	require.Equal(t, 0, code, msg)
	assert.Contains(t, msg, "pubkey=")
	assert.Contains(t, msg, "script=76a914")

	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	code, msg = walletCmd("import", "--config", cfgPath, "--passphrase", "pw", k.Hex())
	require.Equal(t, 0, code, msg)
	assert.Contains(t, msg, "pubkey="+proto.HexBytes(k.PubKey()).String())

	code, _ = walletCmd("newkey", "--config", cfgPath, "--passphrase", "nope")
	assert.Equal(t, 1, code)
	code, _ = walletCmd("shred")
	assert.Equal(t, 1, code)
}

func TestRunRejectsBadConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"run", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "load config failed")
}

func TestServeUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
network: regtest
datadir: `+dir+`
listen: 127.0.0.1:0
api:
  listen: 127.0.0.1:0
`), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zap.NewNop(), out) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "READY") },
		5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	_, err = os.Stat(filepath.Join(dir, identityFile))
	assert.NoError(t, err)
}
