package dedup

import (
	"github.com/puzpuzpuz/xsync/v4"

	"coralnode/internal/proto"
)

// Gossip is the deduplicator for service node announcements: every
// broadcast and ping seen, and the list/entry request rate limits.
type Gossip struct {
	Broadcasts *Cache[proto.BroadcastMsg]
	Pings      *Cache[proto.PingMsg]

	askedUsForList  *xsync.Map[string, int64]
	weAskedForList  *xsync.Map[string, int64]
	weAskedForEntry *xsync.Map[proto.Outpoint, int64]
}

func NewGossip(capacity int) *Gossip {
	return &Gossip{
		Broadcasts:      NewCache[proto.BroadcastMsg](capacity),
		Pings:           NewCache[proto.PingMsg](capacity),
		askedUsForList:  xsync.NewMap[string, int64](),
		weAskedForList:  xsync.NewMap[string, int64](),
		weAskedForEntry: xsync.NewMap[proto.Outpoint, int64](),
	}
}

// AskedUsForList reports whether peer requested the full list and its
// window has not expired yet.
func (g *Gossip) AskedUsForList(peer string, now int64) bool {
	until, ok := g.askedUsForList.Load(peer)
	return ok && now < until
}

func (g *Gossip) MarkAskedUsForList(peer string, until int64) {
	g.askedUsForList.Store(peer, until)
}

func (g *Gossip) WeAskedForList(peer string, now int64) bool {
	until, ok := g.weAskedForList.Load(peer)
	return ok && now < until
}

func (g *Gossip) MarkWeAskedForList(peer string, until int64) {
	g.weAskedForList.Store(peer, until)
}

// TryAskForEntry records that we asked for vin until the given time and
// reports false when an earlier request is still pending.
func (g *Gossip) TryAskForEntry(vin proto.Outpoint, now, until int64) bool {
	asked := false
	g.weAskedForEntry.Compute(vin, func(old int64, loaded bool) (int64, xsync.ComputeOp) {
		if loaded && now < old {
			return old, xsync.CancelOp
		}
		asked = true
		return until, xsync.UpdateOp
	})
	return asked
}

// AskedForEntry reports a pending entry request for vin.
func (g *Gossip) AskedForEntry(vin proto.Outpoint, now int64) bool {
	until, ok := g.weAskedForEntry.Load(vin)
	return ok && now < until
}

// ForgetNode drops every broadcast and entry request for vin and returns
// the broadcast hashes removed.
func (g *Gossip) ForgetNode(vin proto.Outpoint) []proto.Hash {
	var removed []proto.Hash
	g.Broadcasts.DeleteFunc(func(h proto.Hash, b proto.BroadcastMsg) bool {
		if b.Vin == vin {
			removed = append(removed, h)
			return true
		}
		return false
	})
	g.weAskedForEntry.Delete(vin)
	return removed
}

// PruneRequests drops expired request windows.
func (g *Gossip) PruneRequests(now int64) {
	g.askedUsForList.Range(func(k string, until int64) bool {
		if until < now {
			g.askedUsForList.Delete(k)
		}
		return true
	})
	g.weAskedForList.Range(func(k string, until int64) bool {
		if until < now {
			g.weAskedForList.Delete(k)
		}
		return true
	})
	g.weAskedForEntry.Range(func(k proto.Outpoint, until int64) bool {
		if until < now {
			g.weAskedForEntry.Delete(k)
		}
		return true
	})
}

// PruneByAge drops broadcasts whose last ping and pings whose own time
// precede cutoff. It returns the hashes of removed broadcasts.
func (g *Gossip) PruneByAge(cutoff int64) []proto.Hash {
	var removed []proto.Hash
	g.Broadcasts.DeleteFunc(func(h proto.Hash, b proto.BroadcastMsg) bool {
		if b.LastPing.SigTime < cutoff {
			removed = append(removed, h)
			return true
		}
		return false
	})
	g.Pings.DeleteFunc(func(_ proto.Hash, p proto.PingMsg) bool {
		return p.SigTime < cutoff
	})
	return removed
}

// Clear empties every map.
func (g *Gossip) Clear() {
	g.Broadcasts.Reset(nil)
	g.Pings.Reset(nil)
	g.askedUsForList.Clear()
	g.weAskedForList.Clear()
	g.weAskedForEntry.Clear()
}

// Window is a persisted request window.
type Window struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

// EntryWindow is a persisted per-outpoint request window.
type EntryWindow struct {
	Vin   proto.Outpoint `json:"vin"`
	Until int64          `json:"until"`
}

// Snapshot is the serializable state of Gossip.
type Snapshot struct {
	Broadcasts      map[proto.Hash]proto.BroadcastMsg `json:"broadcasts"`
	Pings           map[proto.Hash]proto.PingMsg      `json:"pings"`
	AskedUsForList  []Window                          `json:"asked_us_for_list"`
	WeAskedForList  []Window                          `json:"we_asked_for_list"`
	WeAskedForEntry []EntryWindow                     `json:"we_asked_for_entry"`
}

func (g *Gossip) Snapshot() Snapshot {
	s := Snapshot{Broadcasts: g.Broadcasts.Entries(), Pings: g.Pings.Entries()}
	g.askedUsForList.Range(func(k string, v int64) bool {
		s.AskedUsForList = append(s.AskedUsForList, Window{Key: k, Until: v})
		return true
	})
	g.weAskedForList.Range(func(k string, v int64) bool {
		s.WeAskedForList = append(s.WeAskedForList, Window{Key: k, Until: v})
		return true
	})
	g.weAskedForEntry.Range(func(k proto.Outpoint, v int64) bool {
		s.WeAskedForEntry = append(s.WeAskedForEntry, EntryWindow{Vin: k, Until: v})
		return true
	})
	return s
}

func (g *Gossip) Restore(s Snapshot) {
	g.Clear()
	g.Broadcasts.Reset(s.Broadcasts)
	g.Pings.Reset(s.Pings)
	for _, w := range s.AskedUsForList {
		g.askedUsForList.Store(w.Key, w.Until)
	}
	for _, w := range s.WeAskedForList {
		g.weAskedForList.Store(w.Key, w.Until)
	}
	for _, w := range s.WeAskedForEntry {
		g.weAskedForEntry.Store(w.Vin, w.Until)
	}
}
