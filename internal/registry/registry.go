// Package registry is the authoritative in-memory set of service nodes,
// the deterministic payment selector built on it and the handlers for
// node broadcasts, pings and list requests.
package registry

import (
	"bytes"
	"sort"
	"sync"

	"go.uber.org/zap"

	"coralnode/internal/dedup"
	"coralnode/internal/logging"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
)

// Payments is the part of the vote ledger the selector consults.
type Payments interface {
	IsScheduled(payee proto.Script, notBlockHeight int) bool
	HasPayeeWithVotes(height int, payee proto.Script, votes int) bool
}

// LocalNode is the local service node, if this process runs one.
type LocalNode interface {
	IsLocal(vin proto.Outpoint, nodeKey []byte) bool
	NodeKey() []byte
	EnableHotCold(vin proto.Outpoint, addr string) bool
}

// SyncTracker receives list progress.
type SyncTracker interface {
	AddedNodeList(hash proto.Hash)
	ForgetNodeList(hash proto.Hash)
}

// Relayer announces accepted objects to every peer.
type Relayer interface {
	RelayInv(item proto.InvItem)
}

// AddrSink learns the addresses of accepted nodes.
type AddrSink interface {
	AddAddr(addr, source string)
}

type Options struct {
	Logger   *zap.Logger
	Gossip   *dedup.Gossip
	Payments Payments
	Local    LocalNode
	Sync     SyncTracker
	Relay    Relayer
	Addrs    AddrSink
}

// Registry holds every known service node keyed by collateral outpoint.
type Registry struct {
	env    *snode.Env
	log    *zap.Logger
	gossip *dedup.Gossip
	limit  *logging.Limiter

	mu    sync.Mutex
	nodes map[proto.Outpoint]*snode.Record

	payments Payments
	local    LocalNode
	sync     SyncTracker
	relay    Relayer
	addrs    AddrSink
}

func New(env *snode.Env, opts Options) *Registry {
	g := opts.Gossip
	if g == nil {
		g = dedup.NewGossip(dedup.DefaultCap)
	}
	r := &Registry{
		env:    env,
		log:    logging.OrNop(opts.Logger).Named("registry"),
		gossip: g,
		limit:  logging.NewLimiter(0),
		nodes:  make(map[proto.Outpoint]*snode.Record),
	}
	r.SetPayments(opts.Payments)
	r.SetLocal(opts.Local)
	r.SetSync(opts.Sync)
	r.SetRelayer(opts.Relay)
	r.SetAddrSink(opts.Addrs)
	return r
}

// The setters close the construction cycle with the vote ledger and the
// local node controller. They are meant for startup wiring only.

func (r *Registry) SetPayments(p Payments) {
	if p == nil {
		p = noPayments{}
	}
	r.payments = p
}

func (r *Registry) SetLocal(l LocalNode) {
	if l == nil {
		l = noLocal{}
	}
	r.local = l
}

func (r *Registry) SetSync(s SyncTracker) {
	if s == nil {
		s = noSync{}
	}
	r.sync = s
}

func (r *Registry) SetRelayer(rl Relayer) {
	if rl == nil {
		rl = noRelay{}
	}
	r.relay = rl
}

func (r *Registry) SetAddrSink(a AddrSink) {
	if a == nil {
		a = noAddrs{}
	}
	r.addrs = a
}

func (r *Registry) Env() *snode.Env       { return r.env }
func (r *Registry) Gossip() *dedup.Gossip { return r.gossip }

// Add inserts an enabled record when its outpoint is unknown.
func (r *Registry) Add(rec *snode.Record) bool {
	if rec == nil || !rec.IsEnabled() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(rec.Clone())
}

func (r *Registry) addLocked(rec *snode.Record) bool {
	if _, ok := r.nodes[rec.Vin]; ok {
		return false
	}
	r.log.Debug("adding node", zap.Stringer("vin", rec.Vin), zap.String("addr", rec.Addr), zap.Int("size", len(r.nodes)+1))
	r.nodes[rec.Vin] = rec
	return true
}

// Find returns a copy of the record for vin.
func (r *Registry) Find(vin proto.Outpoint) (*snode.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[vin]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// FindByNodeKey looks a record up by its operational key.
func (r *Registry) FindByNodeKey(pub []byte) (*snode.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.nodes {
		if bytes.Equal(rec.PubKeyNode, pub) {
			return rec.Clone(), true
		}
	}
	return nil, false
}

// FindByPayee looks a record up by the script it is paid to.
func (r *Registry) FindByPayee(payee proto.Script) (*snode.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.nodes {
		if rec.Payee().Equal(payee) {
			return rec.Clone(), true
		}
	}
	return nil, false
}

func (r *Registry) Remove(vin proto.Outpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[vin]; !ok {
		return false
	}
	delete(r.nodes, vin)
	return true
}

// Update applies fn to the stored record under the registry lock.
func (r *Registry) Update(vin proto.Outpoint, fn func(rec *snode.Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[vin]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Check runs the liveness check on one record and returns its state.
func (r *Registry) Check(vin proto.Outpoint, force bool) (snode.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[vin]
	if !ok {
		return 0, false
	}
	rec.Check(r.env, force)
	return rec.State, true
}

func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// List returns copies of every record ordered by outpoint.
func (r *Registry) List() []*snode.Record {
	r.mu.Lock()
	out := make([]*snode.Record, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, rec.Clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return lessOutpoint(out[i].Vin, out[j].Vin) })
	return out
}

// CountEnabled counts enabled records at or above protocol; -1 means the
// minimum payments protocol.
func (r *Registry) CountEnabled(protocol int) int {
	if protocol == -1 {
		protocol = r.env.MinPaymentsProto()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countEnabledLocked(protocol)
}

func (r *Registry) countEnabledLocked(protocol int) int {
	n := 0
	for _, rec := range r.nodes {
		rec.Check(r.env, false)
		if rec.Protocol < protocol || !rec.IsEnabled() {
			continue
		}
		n++
	}
	return n
}

// StableSize counts enabled records on the active protocol. With payment
// enforcement on, records younger than WinnerMinimumAge are left out.
func (r *Registry) StableSize() int {
	minProto := r.env.ActiveProtocol()
	enforce := r.env.Sporks.IsActive(spork.PaymentEnforcement)
	now := r.env.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.nodes {
		if rec.Protocol < minProto {
			continue
		}
		if enforce && now-rec.SigTime < params.WinnerMinimumAge {
			continue
		}
		rec.Check(r.env, false)
		if !rec.IsEnabled() {
			continue
		}
		n++
	}
	return n
}

// NetworkCounts is the per address family breakdown of the registry.
type NetworkCounts struct {
	IPv4  int `json:"ipv4"`
	IPv6  int `json:"ipv6"`
	Onion int `json:"onion"`
}

func (r *Registry) CountNetworks() NetworkCounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c NetworkCounts
	for _, rec := range r.nodes {
		rec.Check(r.env, false)
		switch proto.AddrNetwork(rec.Addr) {
		case proto.NetIPv4:
			c.IPv4++
		case proto.NetIPv6:
			c.IPv6++
		case proto.NetOnion:
			c.Onion++
		}
	}
	return c
}

// CheckAll runs the liveness check on every record.
func (r *Registry) CheckAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.nodes {
		rec.Check(r.env, false)
	}
}

// CheckAndRemove checks every record and drops the terminal ones, with
// expired records dropped too when forced. It also ages out request
// windows and seen messages. It returns the number of records removed.
func (r *Registry) CheckAndRemove(force bool) int {
	minProto := r.env.MinPaymentsProto()
	now := r.env.Now()

	r.mu.Lock()
	var removed []proto.Outpoint
	for vin, rec := range r.nodes {
		rec.Check(r.env, false)
		if rec.State == snode.Remove || rec.State == snode.VinSpent ||
			(force && rec.State == snode.Expired) || rec.Protocol < minProto {
			r.log.Debug("removing inactive node", zap.Stringer("vin", vin), zap.Stringer("state", rec.State), zap.Int("size", len(r.nodes)-1))
			delete(r.nodes, vin)
			removed = append(removed, vin)
		}
	}
	r.mu.Unlock()

	for _, vin := range removed {
		for _, h := range r.gossip.ForgetNode(vin) {
			r.sync.ForgetNodeList(h)
		}
	}
	r.gossip.PruneRequests(now)
	for _, h := range r.gossip.PruneByAge(now - 2*params.RemovalSeconds) {
		r.sync.ForgetNodeList(h)
	}
	return len(removed)
}

// Clear drops every record and all gossip state.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.nodes = make(map[proto.Outpoint]*snode.Record)
	r.mu.Unlock()
	r.gossip.Clear()
}

// Snapshot is the persisted form of the registry.
type Snapshot struct {
	Nodes  []*snode.Record `json:"nodes"`
	Gossip dedup.Snapshot  `json:"gossip"`
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{Nodes: r.List(), Gossip: r.gossip.Snapshot()}
}

// Restore replaces the registry contents with s.
func (r *Registry) Restore(s Snapshot) {
	r.mu.Lock()
	r.nodes = make(map[proto.Outpoint]*snode.Record, len(s.Nodes))
	for _, rec := range s.Nodes {
		if rec == nil {
			continue
		}
		r.nodes[rec.Vin] = rec.Clone()
	}
	r.mu.Unlock()
	r.gossip.Restore(s.Gossip)
}

func lessOutpoint(a, b proto.Outpoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}

type noPayments struct{}

func (noPayments) IsScheduled(proto.Script, int) bool            { return false }
func (noPayments) HasPayeeWithVotes(int, proto.Script, int) bool { return false }

type noLocal struct{}

func (noLocal) IsLocal(proto.Outpoint, []byte) bool        { return false }
func (noLocal) NodeKey() []byte                           { return nil }
func (noLocal) EnableHotCold(proto.Outpoint, string) bool { return false }

type noSync struct{}

func (noSync) AddedNodeList(proto.Hash)  {}
func (noSync) ForgetNodeList(proto.Hash) {}

type noRelay struct{}

func (noRelay) RelayInv(proto.InvItem) {}

type noAddrs struct{}

func (noAddrs) AddAddr(string, string) {}
