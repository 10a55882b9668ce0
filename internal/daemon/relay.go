package daemon

import (
	"context"

	"go.uber.org/zap"

	"coralnode/internal/peer"
	"coralnode/internal/proto"
)

// sender returns the transport hook for the peer at addr. Sends are queued
// on the worker pool, so a slow peer never holds up a handler.
func (r *Runner) sender(addr string) peer.SendFunc {
	return func(command string, body any) error {
		payload, err := proto.EncodeEnvelope(command, r.ListenAddr(), r.nodeID, body)
		if err != nil {
			return err
		}
		r.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(r.ctx, sendTimeout)
			defer cancel()
			if err := r.transport.Send(ctx, addr, payload); err != nil {
				r.Metrics.IncSendError()
				r.limit.Debug(r.log, "send:"+addr, "send failed",
					zap.String("peer", addr), zap.String("command", command), zap.Error(err))
			}
		})
		return nil
	}
}

// connect registers addr and opens the handshake with it.
func (r *Runner) connect(addr string) *peer.Peer {
	p := r.Peers.Upsert(addr, r.sender(addr))
	if err := p.Send(proto.MsgTypeVersion, r.versionMsg(false)); err != nil {
		r.log.Debug("version not sent", zap.String("peer", addr), zap.Error(err))
	}
	return p
}

func (r *Runner) versionMsg(reply bool) proto.VersionMsg {
	return proto.VersionMsg{
		Protocol:   r.Env.ActiveProtocol(),
		Network:    string(r.Env.Params.Net),
		ListenAddr: r.ListenAddr(),
		NodeID:     r.nodeID,
		Height:     r.Env.TipHeight(),
		Reply:      reply,
	}
}

// peerSet is the view of the peer table handed to the components: only
// peers that completed the version handshake are visible.
type peerSet struct {
	r *Runner
}

func (s *peerSet) ready() []*peer.Peer {
	all := s.r.Peers.List()
	out := all[:0]
	for _, p := range all {
		if p.Version() > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (s *peerSet) Remotes() []peer.Remote {
	ready := s.ready()
	out := make([]peer.Remote, 0, len(ready))
	for _, p := range ready {
		out = append(out, p)
	}
	return out
}

func (s *peerSet) ClearFulfilled() { s.r.Peers.ClearFulfilled() }

// RelayInv announces item to every connected peer.
func (s *peerSet) RelayInv(item proto.InvItem) {
	msg := proto.InvMsg{Items: []proto.InvItem{item}}
	for _, p := range s.ready() {
		if err := p.Send(proto.MsgTypeInv, msg); err != nil {
			s.r.log.Debug("relay failed", zap.String("peer", p.Addr()), zap.Error(err))
		}
	}
	s.r.Metrics.IncRelayed()
}

// PushAll sends a full message to every connected peer.
func (s *peerSet) PushAll(command string, body any) {
	for _, p := range s.ready() {
		if err := p.Send(command, body); err != nil {
			s.r.log.Debug("push failed", zap.String("peer", p.Addr()), zap.String("command", command), zap.Error(err))
		}
	}
}
