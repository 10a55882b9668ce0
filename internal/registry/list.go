package registry

import (
	"fmt"

	"go.uber.org/zap"

	"coralnode/internal/params"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
)

var ErrListRequested = fmt.Errorf("peer already asked for the node list")

// ProcessListRequest answers obseg. A full request from a public peer on
// mainnet is served once per ListRequestSeconds; specific entries are
// always served.
func (r *Registry) ProcessListRequest(from peer.Remote, req proto.ListRequestMsg) error {
	now := r.env.Now()
	full := req.Vin == nil || req.Vin.IsNull()
	if full && r.env.Params.IsMain() && !isLocalPeer(from) {
		key := hostKey(from.Addr())
		if r.gossip.AskedUsForList(key, now) {
			return snode.DoS(34, fmt.Errorf("%s: %w", from.Addr(), ErrListRequested))
		}
		r.gossip.MarkAskedUsForList(key, now+params.ListRequestSeconds)
	}

	var items []proto.InvItem
	sent := 0
	r.mu.Lock()
	for _, rec := range r.sortedLocked() {
		if proto.IsPrivateAddr(rec.Addr) || !rec.IsEnabled() {
			continue
		}
		if !full && *req.Vin != rec.Vin {
			continue
		}
		b := rec.Broadcast()
		h := b.Hash()
		items = append(items, proto.InvItem{Kind: proto.InvBroadcast, Hash: h})
		sent++
		r.gossip.Broadcasts.Add(h, b)
		if !rec.LastPing.IsEmpty() {
			ph := rec.LastPing.Hash()
			items = append(items, proto.InvItem{Kind: proto.InvPing, Hash: ph})
			r.gossip.Pings.Add(ph, rec.LastPing)
		}
		if !full {
			break
		}
	}
	r.mu.Unlock()

	if len(items) > 0 {
		if err := sendInv(from, items); err != nil {
			return err
		}
	}
	if full {
		r.log.Debug("sent node list", zap.String("peer", from.Addr()), zap.Int("entries", sent))
		return from.Send(proto.MsgTypeSyncStatus, proto.SyncStatusMsg{Item: proto.SyncItemList, Count: sent})
	}
	return nil
}

// AskForNode requests a single entry from p, at most once per
// MinPingSeconds for each outpoint.
func (r *Registry) AskForNode(p peer.Remote, vin proto.Outpoint) {
	if p == nil {
		return
	}
	now := r.env.Now()
	if !r.gossip.TryAskForEntry(vin, now, now+params.MinPingSeconds) {
		return
	}
	r.log.Debug("asking for missing node entry", zap.Stringer("vin", vin), zap.String("peer", p.Addr()))
	if err := p.Send(proto.MsgTypeListRequest, proto.ListRequestMsg{Vin: &vin}); err != nil {
		r.log.Debug("ask for node failed", zap.String("peer", p.Addr()), zap.Error(err))
	}
}

// DsegUpdate asks p for its full list unless we did so within
// ListRequestSeconds. The limit only applies to public peers on mainnet.
func (r *Registry) DsegUpdate(p peer.Remote) error {
	now := r.env.Now()
	key := hostKey(p.Addr())
	if r.env.Params.IsMain() && !isLocalPeer(p) && r.gossip.WeAskedForList(key, now) {
		return nil
	}
	if err := p.Send(proto.MsgTypeListRequest, proto.ListRequestMsg{}); err != nil {
		return err
	}
	r.gossip.MarkWeAskedForList(key, now+params.ListRequestSeconds)
	return nil
}

func sendInv(p peer.Remote, items []proto.InvItem) error {
	for len(items) > 0 {
		n := len(items)
		if n > proto.MaxInvItems {
			n = proto.MaxInvItems
		}
		if err := p.Send(proto.MsgTypeInv, proto.InvMsg{Items: items[:n]}); err != nil {
			return err
		}
		items = items[n:]
	}
	return nil
}

func isLocalPeer(p peer.Remote) bool {
	return p.IsLocal() || proto.IsPrivateAddr(p.Addr()) || proto.IsLocalAddr(p.Addr())
}

func hostKey(addr string) string {
	host, _, err := proto.SplitAddr(addr)
	if err != nil {
		return addr
	}
	return host
}
