package peer

import (
	"sort"
	"sync"
	"time"

	"coralnode/internal/proto"
)

const (
	DefaultCap      = 512
	DefaultBanScore = 100
	DefaultBanTime  = 24 * time.Hour
	DefaultIdleTTL  = 90 * time.Minute
)

type Options struct {
	Cap      int
	BanScore int
	BanTime  time.Duration
	IdleTTL  time.Duration
}

// Table is the set of known peers keyed by address.
type Table struct {
	mu       sync.Mutex
	cap      int
	banScore int
	banTime  time.Duration
	idleTTL  time.Duration
	peers    map[string]*Peer
	bans     map[string]time.Time
}

func NewTable(opts Options) *Table {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.BanScore <= 0 {
		opts.BanScore = DefaultBanScore
	}
	if opts.BanTime <= 0 {
		opts.BanTime = DefaultBanTime
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	return &Table{
		cap:      opts.Cap,
		banScore: opts.BanScore,
		banTime:  opts.BanTime,
		idleTTL:  opts.IdleTTL,
		peers:    make(map[string]*Peer),
		bans:     make(map[string]time.Time),
	}
}

// Upsert returns the peer for addr, creating it with send when absent. An
// existing peer keeps its transport unless send is non-nil.
func (t *Table) Upsert(addr string, send SendFunc) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		if send != nil {
			p.send = send
		}
		p.Touch(time.Now())
		return p
	}
	if len(t.peers) >= t.cap {
		t.evictOldestLocked()
	}
	p := newPeer(addr, proto.IsLocalAddr(addr), send)
	t.peers[addr] = p
	return p
}

func (t *Table) evictOldestLocked() {
	var oldest *Peer
	for _, p := range t.peers {
		if oldest == nil || p.lastSeen.Load() < oldest.lastSeen.Load() {
			oldest = p
		}
	}
	if oldest != nil {
		delete(t.peers, oldest.addr)
	}
}

func (t *Table) Get(addr string) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	return p, ok
}

func (t *Table) Remove(addr string) {
	t.mu.Lock()
	delete(t.peers, addr)
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// List returns the peers ordered by address.
func (t *Table) List() []*Peer {
	t.mu.Lock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Remotes is List as the handler-facing interface.
func (t *Table) Remotes() []Remote {
	peers := t.List()
	out := make([]Remote, len(peers))
	for i, p := range peers {
		out[i] = p
	}
	return out
}

// Misbehaving adds score to addr and bans it once the total reaches the
// ban threshold. It reports whether the peer is now banned.
func (t *Table) Misbehaving(addr string, score int, now time.Time) bool {
	if score <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		p = newPeer(addr, proto.IsLocalAddr(addr), nil)
		t.peers[addr] = p
	}
	total := p.score.Add(int32(score))
	if int(total) < t.banScore {
		return false
	}
	t.bans[banKey(addr)] = now.Add(t.banTime)
	delete(t.peers, addr)
	return true
}

func (t *Table) IsBanned(addr string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.bans[banKey(addr)]
	return ok && now.Before(until)
}

// Bans lists active bans keyed by host.
func (t *Table) Bans(now time.Time) map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.bans))
	for k, v := range t.bans {
		if now.Before(v) {
			out[k] = v
		}
	}
	return out
}

// Prune drops expired bans and peers idle past the TTL.
func (t *Table) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, until := range t.bans {
		if !now.Before(until) {
			delete(t.bans, k)
		}
	}
	dropped := 0
	cutoff := now.Add(-t.idleTTL).Unix()
	for addr, p := range t.peers {
		if p.lastSeen.Load() < cutoff {
			delete(t.peers, addr)
			dropped++
		}
	}
	return dropped
}

// ClearFulfilled resets request flags on every peer.
func (t *Table) ClearFulfilled() {
	for _, p := range t.List() {
		p.ClearFulfilled()
	}
}

func banKey(addr string) string {
	host, _, err := proto.SplitAddr(addr)
	if err != nil {
		return addr
	}
	return host
}
