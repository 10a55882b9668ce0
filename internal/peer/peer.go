// Package peer tracks connected peers: negotiated protocol, misbehavior
// score, bans and the per-peer fulfilled request flags used by sync.
package peer

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Remote is the handle message handlers get for the sending peer.
type Remote interface {
	Addr() string
	Version() int
	IsLocal() bool
	Send(command string, body any) error
	HasFulfilled(name string) bool
	Fulfill(name string)
}

// SendFunc delivers one message to a peer.
type SendFunc func(command string, body any) error

var ErrNoTransport = errors.New("peer has no transport")

// Peer is one entry of the peer table.
type Peer struct {
	addr      string
	local     bool
	send      SendFunc
	version   atomic.Int32
	nodeID    atomic.Value
	lastSeen  atomic.Int64
	score     atomic.Int32
	fulfilled *xsync.Map[string, struct{}]
}

func newPeer(addr string, local bool, send SendFunc) *Peer {
	p := &Peer{addr: addr, local: local, send: send, fulfilled: xsync.NewMap[string, struct{}]()}
	p.lastSeen.Store(time.Now().Unix())
	return p
}

func (p *Peer) Addr() string  { return p.addr }
func (p *Peer) Version() int  { return int(p.version.Load()) }
func (p *Peer) IsLocal() bool { return p.local }

func (p *Peer) SetVersion(v int) { p.version.Store(int32(v)) }

func (p *Peer) NodeID() string {
	id, _ := p.nodeID.Load().(string)
	return id
}

func (p *Peer) SetNodeID(id string) { p.nodeID.Store(id) }

func (p *Peer) Score() int { return int(p.score.Load()) }

func (p *Peer) LastSeen() time.Time { return time.Unix(p.lastSeen.Load(), 0) }

func (p *Peer) Touch(now time.Time) { p.lastSeen.Store(now.Unix()) }

func (p *Peer) Send(command string, body any) error {
	if p.send == nil {
		return ErrNoTransport
	}
	return p.send(command, body)
}

func (p *Peer) HasFulfilled(name string) bool {
	_, ok := p.fulfilled.Load(name)
	return ok
}

func (p *Peer) Fulfill(name string) { p.fulfilled.Store(name, struct{}{}) }

// ClearFulfilled forgets every request flag, used when sync restarts.
func (p *Peer) ClearFulfilled() { p.fulfilled.Clear() }
