package snode

import (
	"fmt"

	"coralnode/internal/crypto"
	"coralnode/internal/params"
	"coralnode/internal/proto"
)

// CheckBroadcastFields applies the broadcast rules that need no registry
// state: clock skew, protocol, key and script shape, collateral signature
// and the network port rule.
func CheckBroadcastFields(env *Env, b proto.BroadcastMsg) error {
	now := env.Now()
	if b.SigTime > now+params.MaxClockSkewSeconds {
		return DoS(1, fmt.Errorf("broadcast %s: %w", b.Vin, ErrFutureSignature))
	}
	if b.Protocol < env.MinPaymentsProto() {
		return fmt.Errorf("broadcast %s protocol %d: %w", b.Vin, b.Protocol, ErrOldProtocol)
	}
	if !crypto.ValidPubKey(b.PubKeyCollateral) || len(proto.PayToPubKey(b.PubKeyCollateral)) != proto.P2PKHScriptSize {
		return DoS(100, fmt.Errorf("collateral key: %w", ErrBadPubKeyScript))
	}
	if !crypto.ValidPubKey(b.PubKeyNode) || len(proto.PayToPubKey(b.PubKeyNode)) != proto.P2PKHScriptSize {
		return DoS(100, fmt.Errorf("node key: %w", ErrBadPubKeyScript))
	}
	if len(b.ScriptSig) != 0 {
		return fmt.Errorf("broadcast %s: %w", b.Vin, ErrScriptSigNotEmpty)
	}
	if err := env.Signer.Verify(b.PubKeyCollateral, b.Sig, b.SignatureMessage()); err != nil {
		return DoS(100, fmt.Errorf("broadcast %s: %w", b.Vin, ErrBadSignature))
	}
	return CheckPort(env.Params, b.Addr)
}

// CheckPort enforces the default port on mainnet and forbids it elsewhere.
func CheckPort(p params.Params, addr string) error {
	port := proto.AddrPort(addr)
	if p.IsMain() {
		if port != p.DefaultPort {
			return fmt.Errorf("%s: %w", addr, ErrWrongPort)
		}
		return nil
	}
	if port == 0 || port == p.DefaultPort {
		return fmt.Errorf("%s: %w", addr, ErrWrongPort)
	}
	return nil
}

// CheckPingTime rejects pings signed more than an hour away from now.
func CheckPingTime(env *Env, p proto.PingMsg) error {
	now := env.Now()
	if p.SigTime > now+params.MaxClockSkewSeconds {
		return DoS(1, fmt.Errorf("ping %s: %w", p.Vin, ErrFutureSignature))
	}
	if p.SigTime <= now-params.MaxClockSkewSeconds {
		return DoS(1, fmt.Errorf("ping %s: %w", p.Vin, ErrPastSignature))
	}
	return nil
}

// VerifyPing checks the node key signature and that the anchor block is on
// the best chain no deeper than PingAnchorMaxAge.
func VerifyPing(env *Env, p proto.PingMsg, nodeKey []byte) error {
	if err := env.Signer.Verify(nodeKey, p.Sig, p.SignatureMessage()); err != nil {
		return DoS(33, fmt.Errorf("ping %s: %w", p.Vin, ErrBadSignature))
	}
	if !anchorIsRecent(env, p.BlockHash) {
		return fmt.Errorf("ping %s: %w", p.Vin, ErrAnchorUnknown)
	}
	return nil
}

func anchorIsRecent(env *Env, hash proto.Hash) bool {
	tip := env.TipHeight()
	for h := tip; h >= 0 && h >= tip-params.PingAnchorMaxAge; h-- {
		b, ok := env.Chain.BlockAt(h)
		if ok && b.Hash == hash {
			return true
		}
	}
	return false
}

// NewPing signs a fresh ping anchored PingAnchorDepth blocks behind the tip.
func NewPing(env *Env, vin proto.Outpoint, nodeKey *crypto.PrivateKey) (proto.PingMsg, error) {
	p, err := FakePing(env, vin)
	if err != nil {
		return proto.PingMsg{}, err
	}
	sig, err := env.Signer.Sign(nodeKey, p.SignatureMessage())
	if err != nil {
		return proto.PingMsg{}, fmt.Errorf("sign ping: %w", err)
	}
	p.Sig = sig
	return p, nil
}

// FakePing is an unsigned ping stamped now, used for legacy nodes that
// never send one.
func FakePing(env *Env, vin proto.Outpoint) (proto.PingMsg, error) {
	tip := env.TipHeight()
	if tip < params.PingAnchorDepth {
		return proto.PingMsg{}, fmt.Errorf("chain too short for ping anchor: %d", tip)
	}
	b, ok := env.Chain.BlockAt(tip - params.PingAnchorDepth)
	if !ok {
		return proto.PingMsg{}, fmt.Errorf("ping anchor %d: %w", tip-params.PingAnchorDepth, ErrAnchorUnknown)
	}
	return proto.PingMsg{Vin: vin, BlockHash: b.Hash, SigTime: env.Now()}, nil
}

// NewBroadcast signs a registration with the collateral key.
func NewBroadcast(env *Env, addr string, vin proto.Outpoint, collateralKey, nodeKey *crypto.PrivateKey, ping proto.PingMsg) (proto.BroadcastMsg, error) {
	b := proto.BroadcastMsg{
		Vin:              vin,
		Addr:             addr,
		PubKeyCollateral: collateralKey.PubKey(),
		PubKeyNode:       nodeKey.PubKey(),
		SigTime:          env.Now(),
		Protocol:         params.ProtocolVersion,
		LastPing:         ping,
	}
	sig, err := env.Signer.Sign(collateralKey, b.SignatureMessage())
	if err != nil {
		return proto.BroadcastMsg{}, fmt.Errorf("sign broadcast: %w", err)
	}
	b.Sig = sig
	return b, nil
}
