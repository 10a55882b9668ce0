package registry

import (
	"fmt"

	"go.uber.org/zap"

	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
)

// AnnounceLocal records a broadcast this process signed itself and relays
// it. The broadcast and its ping are marked seen so they are not processed
// again when peers echo them back.
func (r *Registry) AnnounceLocal(b proto.BroadcastMsg) error {
	if b.LastPing.IsEmpty() {
		return fmt.Errorf("local broadcast %s: %w", b.Vin, snode.ErrNotEnabled)
	}
	h := b.Hash()
	r.gossip.Pings.Put(b.LastPing.Hash(), b.LastPing)
	r.gossip.Broadcasts.Put(h, b)
	r.sync.AddedNodeList(h)

	r.mu.Lock()
	if rec, ok := r.nodes[b.Vin]; ok {
		rec.UpdateFromNewBroadcast(b, func(proto.PingMsg) bool { return true })
		rec.Check(r.env, true)
	} else {
		r.addLocked(snode.FromBroadcast(b))
	}
	r.mu.Unlock()

	r.log.Info("announcing local node", zap.Stringer("vin", b.Vin), zap.String("addr", b.Addr))
	r.relay.RelayInv(proto.InvItem{Kind: proto.InvBroadcast, Hash: h})
	return nil
}

// ApplyLocalPing stores a ping signed by the local node and relays it. It
// fails with ErrUnknownNode when the list no longer has the node, and with
// ErrTooEarly inside PingSeconds of the previous ping.
func (r *Registry) ApplyLocalPing(p proto.PingMsg) error {
	r.mu.Lock()
	rec, ok := r.nodes[p.Vin]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("local ping %s: %w", p.Vin, snode.ErrUnknownNode)
	}
	if rec.IsPingedWithin(p.SigTime, params.PingSeconds) {
		r.mu.Unlock()
		return fmt.Errorf("local ping %s: %w", p.Vin, snode.ErrTooEarly)
	}
	r.gossip.Pings.Put(p.Hash(), p)
	r.applyPingLocked(rec, p)
	r.mu.Unlock()

	r.relay.RelayInv(proto.InvItem{Kind: proto.InvPing, Hash: p.Hash()})
	return nil
}
