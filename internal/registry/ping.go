package registry

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"coralnode/internal/params"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
)

// ProcessPing handles an fnp heartbeat. Pings for unknown nodes, or ones
// that failed for a reason worth a penalty, make us ask the sender for the
// full entry.
func (r *Registry) ProcessPing(from peer.Remote, p proto.PingMsg) error {
	if !r.gossip.Pings.Add(p.Hash(), p) {
		return nil
	}
	err := r.CheckPing(p, true)
	if err == nil {
		return nil
	}
	if snode.DoSScore(err) == 0 {
		if _, known := r.Find(p.Vin); known {
			return err
		}
	}
	r.AskForNode(from, p.Vin)
	return err
}

// CheckPing validates p against its record and applies it. Only a ping
// that arrives at least MinPingSeconds-60 after the previous one is taken.
func (r *Registry) CheckPing(p proto.PingMsg, requireEnabled bool) error {
	if err := snode.CheckPingTime(r.env, p); err != nil {
		return err
	}
	minProto := r.env.MinPaymentsProto()

	r.mu.Lock()
	rec, ok := r.nodes[p.Vin]
	if !ok || rec.Protocol < minProto {
		r.mu.Unlock()
		return fmt.Errorf("ping %s: %w", p.Vin, snode.ErrUnknownNode)
	}
	if requireEnabled && !rec.IsEnabled() {
		r.mu.Unlock()
		return fmt.Errorf("ping %s: %w", p.Vin, snode.ErrNotEnabled)
	}
	if rec.IsPingedWithin(p.SigTime, params.MinPingSeconds-60) {
		r.mu.Unlock()
		return fmt.Errorf("ping %s: %w", p.Vin, snode.ErrTooEarly)
	}
	nodeKey := append([]byte(nil), rec.PubKeyNode...)
	r.mu.Unlock()

	if err := snode.VerifyPing(r.env, p, nodeKey); err != nil {
		return err
	}

	r.mu.Lock()
	rec, ok = r.nodes[p.Vin]
	if !ok || !bytes.Equal(rec.PubKeyNode, nodeKey) || rec.IsPingedWithin(p.SigTime, params.MinPingSeconds-60) {
		r.mu.Unlock()
		return fmt.Errorf("ping %s changed during verification: %w", p.Vin, snode.ErrStale)
	}
	enabled := r.applyPingLocked(rec, p)
	r.mu.Unlock()

	if !enabled {
		return fmt.Errorf("ping %s: %w", p.Vin, snode.ErrNotEnabled)
	}
	r.log.Debug("ping accepted", zap.Stringer("vin", p.Vin), zap.Int64("sig_time", p.SigTime))
	r.relay.RelayInv(proto.InvItem{Kind: proto.InvPing, Hash: p.Hash()})
	return nil
}

// applyPingLocked stores p as the record's last ping, refreshes the cached
// broadcast and reports whether the node is enabled afterwards.
func (r *Registry) applyPingLocked(rec *snode.Record, p proto.PingMsg) bool {
	rec.LastPing = p
	r.gossip.Broadcasts.Update(rec.Broadcast().Hash(), func(b *proto.BroadcastMsg) {
		b.LastPing = p
	})
	rec.Check(r.env, true)
	return rec.IsEnabled()
}

// PingByHash serves getdata for fnp inventory.
func (r *Registry) PingByHash(h proto.Hash) (proto.PingMsg, bool) {
	return r.gossip.Pings.Get(h)
}
