package chain

import (
	"encoding/binary"
	"sync"

	"coralnode/internal/proto"
)

// Memory is an in-process chain used by regtest and tests.
type Memory struct {
	mu     sync.RWMutex
	blocks []Block
	coins  map[proto.Outpoint]Coin
	spent  map[proto.Outpoint]bool
}

func NewMemory() *Memory {
	return &Memory{
		coins: make(map[proto.Outpoint]Coin),
		spent: make(map[proto.Outpoint]bool),
	}
}

// Append adds a block on top of the tip.
func (m *Memory) Append(hash proto.Hash, t int64) Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := Block{Height: len(m.blocks), Hash: hash, Time: t}
	m.blocks = append(m.blocks, b)
	return b
}

// Extend appends n blocks with synthetic hashes spaced by spacing seconds.
func (m *Memory) Extend(n int, startTime, spacing int64) {
	for i := 0; i < n; i++ {
		m.mu.RLock()
		height := len(m.blocks)
		m.mu.RUnlock()
		var seed [8]byte
		binary.LittleEndian.PutUint64(seed[:], uint64(height))
		m.Append(proto.HashOf(seed[:]), startTime+int64(i)*spacing)
	}
}

// Truncate drops every block above height.
func (m *Memory) Truncate(height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height+1 < len(m.blocks) {
		m.blocks = m.blocks[:height+1]
	}
}

func (m *Memory) AddCoin(c Coin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coins[c.Outpoint] = c
	delete(m.spent, c.Outpoint)
}

func (m *Memory) Spend(op proto.Outpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spent[op] = true
}

func (m *Memory) Tip() (Block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.blocks) == 0 {
		return Block{}, false
	}
	return m.blocks[len(m.blocks)-1], true
}

func (m *Memory) BlockAt(height int) (Block, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if height < 0 || height >= len(m.blocks) {
		return Block{}, false
	}
	return m.blocks[height], true
}

func (m *Memory) Coin(op proto.Outpoint) (Coin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.spent[op] {
		return Coin{}, false
	}
	c, ok := m.coins[op]
	return c, ok
}

func (m *Memory) ProbeCollateral(op proto.Outpoint) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.spent[op] {
		return ErrCoinSpent
	}
	if _, ok := m.coins[op]; !ok {
		return ErrCoinNotFound
	}
	return nil
}

func (m *Memory) CoinsFor(script proto.Script) []Coin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Coin
	for op, c := range m.coins {
		if m.spent[op] || !c.Out.Script.Equal(script) {
			continue
		}
		out = append(out, c)
	}
	return out
}
