// Package metrics keeps process counters and serves them as one JSON
// snapshot.
package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"coralnode/internal/store"
)

// Reject is one recent rejected message.
type Reject struct {
	At      time.Time `json:"at"`
	Command string    `json:"command"`
	Peer    string    `json:"peer"`
	Score   int       `json:"score,omitempty"`
	Reason  string    `json:"reason"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Accepted     AcceptedMetrics   `json:"accepted"`
	Relayed      uint64            `json:"relayed"`
	SendErrors   uint64            `json:"send_errors"`
	Bans         uint64            `json:"bans"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Peers        int64             `json:"peers"`
	Nodes        int64             `json:"nodes"`
	EnabledNodes int64             `json:"enabled_nodes"`
	Recent       []Reject          `json:"recent_rejects"`
}

type AcceptedMetrics struct {
	Broadcasts uint64 `json:"broadcasts"`
	Pings      uint64 `json:"pings"`
	Votes      uint64 `json:"votes"`
	Legacy     uint64 `json:"legacy"`
}

type Metrics struct {
	broadcasts atomic.Uint64
	pings      atomic.Uint64
	votes      atomic.Uint64
	legacy     atomic.Uint64
	relayed    atomic.Uint64
	sendErrors atomic.Uint64
	bans       atomic.Uint64

	peers   atomic.Int64
	nodes   atomic.Int64
	enabled atomic.Int64

	recvByType   *xsync.Map[string, *xsync.Counter]
	dropByReason *xsync.Map[string, *xsync.Counter]
	recent       *Recent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   xsync.NewMap[string, *xsync.Counter](),
		dropByReason: xsync.NewMap[string, *xsync.Counter](),
		recent:       NewRecent(64),
	}
}

func (m *Metrics) IncBroadcastAccepted() { m.broadcasts.Add(1) }
func (m *Metrics) IncPingAccepted()      { m.pings.Add(1) }
func (m *Metrics) IncVoteAccepted()      { m.votes.Add(1) }
func (m *Metrics) IncLegacyAccepted()    { m.legacy.Add(1) }
func (m *Metrics) IncRelayed()           { m.relayed.Add(1) }
func (m *Metrics) IncSendError()         { m.sendErrors.Add(1) }
func (m *Metrics) IncBan()               { m.bans.Add(1) }

func (m *Metrics) SetPeers(n int)        { m.peers.Store(int64(n)) }
func (m *Metrics) SetNodes(total, enabled int) {
	m.nodes.Store(int64(total))
	m.enabled.Store(int64(enabled))
}

func (m *Metrics) IncRecvByType(command string) { inc(m.recvByType, command) }
func (m *Metrics) IncDropByReason(reason string) { inc(m.dropByReason, reason) }

// Rejected counts a dropped message under reason and keeps it in the
// recent list.
func (m *Metrics) Rejected(command, peer, reason string, score int) {
	m.IncDropByReason(reason)
	m.recent.Add(Reject{At: time.Now().UTC(), Command: command, Peer: peer, Score: score, Reason: reason})
}

func inc(counters *xsync.Map[string, *xsync.Counter], key string) {
	c, _ := counters.LoadOrCompute(key, func() (*xsync.Counter, bool) {
		return xsync.NewCounter(), false
	})
	c.Inc()
}

func collect(counters *xsync.Map[string, *xsync.Counter]) map[string]uint64 {
	out := make(map[string]uint64)
	counters.Range(func(k string, c *xsync.Counter) bool {
		out[k] = uint64(c.Value())
		return true
	})
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Accepted: AcceptedMetrics{
			Broadcasts: m.broadcasts.Load(),
			Pings:      m.pings.Load(),
			Votes:      m.votes.Load(),
			Legacy:     m.legacy.Load(),
		},
		Relayed:      m.relayed.Load(),
		SendErrors:   m.sendErrors.Load(),
		Bans:         m.bans.Load(),
		RecvByType:   collect(m.recvByType),
		DropByReason: collect(m.dropByReason),
		Peers:        m.peers.Load(),
		Nodes:        m.nodes.Load(),
		EnabledNodes: m.enabled.Load(),
		Recent:       m.recent.List(),
	}
}

// WriteSnapshot stores the snapshot as indented JSON; an empty path is a
// no-op.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, data, 0600)
}

// TopCommands lists received commands by count, highest first.
func (s Snapshot) TopCommands(n int) []string {
	keys := make([]string, 0, len(s.RecvByType))
	for k := range s.RecvByType {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if s.RecvByType[keys[i]] != s.RecvByType[keys[j]] {
			return s.RecvByType[keys[i]] > s.RecvByType[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Recent is a bounded ring of the latest rejects.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Reject
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e Reject) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []Reject {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reject, len(r.list))
	copy(out, r.list)
	return out
}
