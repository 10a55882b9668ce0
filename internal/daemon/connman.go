package daemon

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"coralnode/internal/proto"
)

const maxLearnedAddrs = 2048

// connMan keeps the configured peers connected and fills the remaining
// outbound slots from addresses learned through node announcements.
type connMan struct {
	r        *Runner
	static   []string
	outbound int

	mu      sync.Mutex
	learned map[string]string
}

func newConnMan(r *Runner, static []string, maxOutbound int) *connMan {
	if maxOutbound <= 0 {
		maxOutbound = DefaultMaxOutbound
	}
	return &connMan{r: r, static: append([]string(nil), static...), outbound: maxOutbound, learned: make(map[string]string)}
}

// AddAddr remembers addr as a dial candidate.
func (c *connMan) AddAddr(addr, source string) {
	if addr == "" {
		return
	}
	if c.r.Env.Params.IsMain() && !proto.IsRoutable(addr) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.learned[addr]; ok || len(c.learned) >= maxLearnedAddrs {
		return
	}
	c.learned[addr] = source
}

// Known lists the learned addresses in order.
func (c *connMan) Known() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.learned))
	for addr := range c.learned {
		out = append(out, addr)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// tick dials every configured peer that has not completed a handshake and
// tops up outbound peers from the learned set.
func (c *connMan) tick() {
	self := c.r.ListenAddr()
	connected := 0
	for _, p := range c.r.Peers.List() {
		if p.Version() > 0 {
			connected++
		}
	}
	for _, addr := range c.static {
		if addr == self {
			continue
		}
		if p, ok := c.r.Peers.Get(addr); ok && p.Version() > 0 {
			continue
		}
		c.r.connect(addr)
	}
	dialed := 0
	for _, addr := range c.Known() {
		if connected+dialed >= c.outbound {
			break
		}
		if addr == self {
			continue
		}
		if _, ok := c.r.Peers.Get(addr); ok {
			continue
		}
		c.r.log.Debug("dialing learned peer", zap.String("addr", addr))
		c.r.connect(addr)
		dialed++
	}
}
