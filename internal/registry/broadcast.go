package registry

import (
	"bytes"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"coralnode/internal/chain"
	"coralnode/internal/params"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
)

// ProcessBroadcast handles an fnb announcement from a peer. A nil error
// means the broadcast was new and accepted, or already known. Rejects
// carry a misbehavior score when the peer is at fault.
func (r *Registry) ProcessBroadcast(from peer.Remote, b proto.BroadcastMsg) error {
	h := b.Hash()
	if !r.gossip.Broadcasts.Add(h, b) {
		r.sync.AddedNodeList(h)
		return nil
	}
	if err := r.CheckAndUpdate(b); err != nil {
		r.limit.Debug(r.log, "fnb:"+b.Vin.String(), "broadcast rejected", zap.Stringer("vin", b.Vin), zap.String("peer", remoteAddr(from)), zap.Error(err))
		return err
	}
	if err := r.checkCollateralOwner(b); err != nil {
		return err
	}
	if err := r.CheckInputsAndAdd(b); err != nil {
		r.limit.Debug(r.log, "fnb-add:"+b.Vin.String(), "broadcast not added", zap.Stringer("vin", b.Vin), zap.Error(err))
		return err
	}
	if from != nil {
		r.addrs.AddAddr(b.Addr, from.Addr())
	}
	r.sync.AddedNodeList(h)
	return nil
}

// CheckAndUpdate validates b and, when it refreshes a known enabled node
// with the same collateral key, applies it. An unknown node passes so the
// caller can go on to add it.
func (r *Registry) CheckAndUpdate(b proto.BroadcastMsg) error {
	if err := snode.CheckBroadcastFields(r.env, b); err != nil {
		return err
	}
	// The embedded ping is signed with the broadcast's node key, which is
	// the key the record carries once updated.
	pingVerified := !b.LastPing.IsEmpty() &&
		snode.CheckPingTime(r.env, b.LastPing) == nil &&
		snode.VerifyPing(r.env, b.LastPing, b.PubKeyNode) == nil

	now := r.env.Now()
	minProto := r.env.MinPaymentsProto()
	r.mu.Lock()
	rec, ok := r.nodes[b.Vin]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if rec.SigTime > b.SigTime {
		r.mu.Unlock()
		return fmt.Errorf("broadcast %s sigTime %d behind %d: %w", b.Vin, b.SigTime, rec.SigTime, snode.ErrStale)
	}
	if !rec.IsEnabled() {
		r.mu.Unlock()
		return nil
	}
	if !bytes.Equal(rec.PubKeyCollateral, b.PubKeyCollateral) || rec.IsBroadcastedWithin(now, params.MinBroadcastSeconds) {
		r.mu.Unlock()
		return nil
	}
	var pingAccepted, relay bool
	updated := rec.UpdateFromNewBroadcast(b, func(p proto.PingMsg) bool {
		if !pingVerified || rec.Protocol < minProto || rec.IsPingedWithin(p.SigTime, params.MinPingSeconds-60) {
			return false
		}
		pingAccepted = r.applyPingLocked(rec, p)
		r.gossip.Pings.Put(p.Hash(), p)
		return true
	})
	if updated {
		rec.Check(r.env, false)
		relay = rec.IsEnabled()
	}
	r.mu.Unlock()

	r.log.Debug("updated node entry", zap.Stringer("vin", b.Vin), zap.Bool("changed", updated))
	if pingAccepted {
		r.relay.RelayInv(proto.InvItem{Kind: proto.InvPing, Hash: b.LastPing.Hash()})
	}
	if relay {
		r.relay.RelayInv(proto.InvItem{Kind: proto.InvBroadcast, Hash: b.Hash()})
	}
	r.sync.AddedNodeList(b.Hash())
	return nil
}

// checkCollateralOwner makes sure the collateral output pays the fixed
// amount to the broadcast's collateral key.
func (r *Registry) checkCollateralOwner(b proto.BroadcastMsg) error {
	coin, ok := r.env.Chain.Coin(b.Vin)
	if !ok || !coin.Out.Script.Equal(proto.PayToPubKey(b.PubKeyCollateral)) {
		return snode.DoS(33, fmt.Errorf("broadcast %s: %w", b.Vin, snode.ErrNotAssociated))
	}
	if coin.Out.Value != params.Collateral() {
		return snode.DoS(33, fmt.Errorf("broadcast %s value %d: %w", b.Vin, coin.Out.Value, snode.ErrCollateral))
	}
	return nil
}

// CheckInputsAndAdd verifies the collateral is unspent and old enough, then
// adds the node. A disabled record for the same outpoint is replaced.
func (r *Registry) CheckInputsAndAdd(b proto.BroadcastMsg) error {
	if r.local.IsLocal(b.Vin, b.PubKeyNode) {
		return nil
	}
	h := b.Hash()

	r.mu.Lock()
	if rec, ok := r.nodes[b.Vin]; ok {
		if rec.IsEnabled() {
			r.mu.Unlock()
			return nil
		}
		delete(r.nodes, b.Vin)
	}
	r.mu.Unlock()

	if err := r.env.Mempool.ProbeCollateral(b.Vin); err != nil {
		if errors.Is(err, chain.ErrCoinSpent) || errors.Is(err, chain.ErrCoinNotFound) {
			return snode.DoS(10, fmt.Errorf("broadcast %s: %w", b.Vin, err))
		}
		// Not the sender's fault, let the broadcast be checked again later.
		r.gossip.Broadcasts.Delete(h)
		r.sync.ForgetNodeList(h)
		return fmt.Errorf("broadcast %s probe: %w", b.Vin, err)
	}

	if age := chain.InputAge(r.env.Chain, b.Vin); age < params.MinConfirmations {
		r.gossip.Broadcasts.Delete(h)
		r.sync.ForgetNodeList(h)
		return fmt.Errorf("broadcast %s has %d confirmations: %w", b.Vin, age, snode.ErrInputTooNew)
	}
	if t, ok := chain.ConfirmationTime(r.env.Chain, b.Vin, params.MinConfirmations); ok && t > b.SigTime {
		return fmt.Errorf("broadcast %s sigTime %d before confirmation at %d: %w", b.Vin, b.SigTime, t, snode.ErrBadSigTime)
	}

	r.log.Debug("new node entry", zap.Stringer("vin", b.Vin), zap.Int64("sig_time", b.SigTime))
	r.mu.Lock()
	r.addLocked(snode.FromBroadcast(b))
	r.mu.Unlock()

	if key := r.local.NodeKey(); key != nil && bytes.Equal(b.PubKeyNode, key) && b.Protocol == params.ProtocolVersion {
		r.local.EnableHotCold(b.Vin, b.Addr)
	}

	local := proto.IsPrivateAddr(b.Addr) || proto.IsLocalAddr(b.Addr)
	if r.env.Params.IsRegtest() {
		local = false
	}
	if !local {
		r.relay.RelayInv(proto.InvItem{Kind: proto.InvBroadcast, Hash: h})
	}
	return nil
}

// BroadcastByHash serves getdata for fnb inventory.
func (r *Registry) BroadcastByHash(h proto.Hash) (proto.BroadcastMsg, bool) {
	return r.gossip.Broadcasts.Get(h)
}

// HasBroadcast reports whether the broadcast with hash h has been seen.
func (r *Registry) HasBroadcast(h proto.Hash) bool {
	return r.gossip.Broadcasts.Seen(h)
}

func remoteAddr(p peer.Remote) string {
	if p == nil {
		return ""
	}
	return p.Addr()
}
