// Package snode holds the service node record, its liveness state machine
// and the stateless checks applied to broadcasts and pings.
package snode

import (
	"time"

	"coralnode/internal/chain"
	"coralnode/internal/crypto"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/spork"
)

// Env bundles the collaborators every service node rule consults.
type Env struct {
	Params  params.Params
	Chain   chain.Oracle
	Mempool chain.Mempool
	Sporks  spork.Oracle
	Signer  *crypto.MessageSigner
	Anchors *chain.AnchorCache
	Clock   func() time.Time
}

// NewEnv fills the signer, anchor cache and clock from p.
func NewEnv(p params.Params, o chain.Oracle, mp chain.Mempool, sporks spork.Oracle) *Env {
	if sporks == nil {
		sporks = spork.NewTable()
	}
	return &Env{
		Params:  p,
		Chain:   o,
		Mempool: mp,
		Sporks:  sporks,
		Signer:  crypto.NewMessageSigner(p.MessageMagic),
		Anchors: chain.NewAnchorCache(),
		Clock:   time.Now,
	}
}

// Now is the adjusted network time in unix seconds.
func (e *Env) Now() int64 {
	if e.Clock == nil {
		return time.Now().Unix()
	}
	return e.Clock().Unix()
}

// ActiveProtocol is the minimum peer protocol currently enforced.
func (e *Env) ActiveProtocol() int {
	if e.Sporks.IsActive(spork.NewProtocolEnforced) {
		return params.MinPeerProtoAfterEnforcement
	}
	return params.MinPeerProtoBeforeEnforcement
}

// MinPaymentsProto is the minimum protocol a node needs to be paid.
func (e *Env) MinPaymentsProto() int {
	if e.Sporks.IsActive(spork.PayUpdatedNodes) {
		return e.ActiveProtocol()
	}
	return params.MinPeerProtoBeforeEnforcement
}

// TipHeight is the best height, or -1 with no chain.
func (e *Env) TipHeight() int {
	tip, ok := e.Chain.Tip()
	if !ok {
		return -1
	}
	return tip.Height
}

// BlockHash resolves the score anchor for height.
func (e *Env) BlockHash(height int) (proto.Hash, bool) {
	return e.Anchors.BlockHash(e.Chain, height)
}
