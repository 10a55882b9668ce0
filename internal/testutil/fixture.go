// Package testutil builds deterministic chains, clocks and service nodes
// for package tests.
package testutil

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"coralnode/internal/chain"
	"coralnode/internal/crypto"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
)

// Epoch is the fixed "now" fixtures start at.
const Epoch int64 = 1_700_000_000

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(unix int64) *Clock { return &Clock{now: time.Unix(unix, 0)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(unix int64) {
	c.mu.Lock()
	c.now = time.Unix(unix, 0)
	c.mu.Unlock()
}

// Fixture is a test network: a memory chain whose tip is one minute old,
// a spork table and an Env wired to a fixed clock.
type Fixture struct {
	Params params.Params
	Chain  *chain.Memory
	Sporks *spork.Table
	Clock  *Clock
	Env    *snode.Env
}

// NewFixture builds a testnet fixture with the given number of blocks.
func NewFixture(t testing.TB, blocks int) *Fixture {
	t.Helper()
	p := params.MustFor("test")
	clock := NewClock(Epoch)
	mem := chain.NewMemory()
	mem.Extend(blocks, Epoch-int64(blocks)*60, 60)
	sporks := spork.NewTable()
	env := snode.NewEnv(p, mem, mem, sporks)
	env.Clock = clock.Now
	return &Fixture{Params: p, Chain: mem, Sporks: sporks, Clock: clock, Env: env}
}

// Mine appends n blocks stamped at the current clock.
func (f *Fixture) Mine(n int) {
	for i := 0; i < n; i++ {
		tip, _ := f.Chain.Tip()
		var seed [16]byte
		binary.LittleEndian.PutUint64(seed[:8], uint64(tip.Height+1))
		binary.LittleEndian.PutUint64(seed[8:], uint64(f.Clock.Now().Unix()))
		f.Chain.Append(proto.HashOf(seed[:]), f.Clock.Now().Unix())
	}
}

// Node is a service node operator's key material and collateral.
type Node struct {
	CollateralKey *crypto.PrivateKey
	NodeKey       *crypto.PrivateKey
	Vin           proto.Outpoint
	Addr          string
}

// NewNode funds a collateral output at height 1 and returns its keys.
func (f *Fixture) NewNode(t testing.TB, i int) Node {
	t.Helper()
	ck, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("collateral key: %v", err)
	}
	nk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("node key: %v", err)
	}
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(i)+1<<32)
	vin := proto.Outpoint{Hash: proto.HashOf(seed[:]), Index: uint32(i % 3)}
	f.Chain.AddCoin(chain.Coin{
		Outpoint: vin,
		Out:      proto.TxOut{Value: params.Collateral(), Script: proto.PayToPubKey(ck.PubKey())},
		Height:   1,
	})
	return Node{
		CollateralKey: ck,
		NodeKey:       nk,
		Vin:           vin,
		Addr:          fmt.Sprintf("8.8.%d.%d:%d", (i/250)%250, i%250+1, f.Params.DefaultPort+1),
	}
}

// Ping signs a fresh ping for n.
func (f *Fixture) Ping(t testing.TB, n Node) proto.PingMsg {
	t.Helper()
	p, err := snode.NewPing(f.Env, n.Vin, n.NodeKey)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	return p
}

// Broadcast signs a registration with an embedded fresh ping.
func (f *Fixture) Broadcast(t testing.TB, n Node) proto.BroadcastMsg {
	t.Helper()
	b, err := snode.NewBroadcast(f.Env, n.Addr, n.Vin, n.CollateralKey, n.NodeKey, f.Ping(t, n))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	return b
}

// Record is an enabled record for n as if accepted now.
func (f *Fixture) Record(t testing.TB, n Node) *snode.Record {
	t.Helper()
	r := snode.FromBroadcast(f.Broadcast(t, n))
	r.Check(f.Env, true)
	return r
}
