// Package legacy accepts the pre-ping registration and liveness messages
// (obsee, obseep) from nodes that have not upgraded, and turns them into
// ordinary registry records. It is inert once SPORK_10 is active.
package legacy

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"coralnode/internal/chain"
	"coralnode/internal/crypto"
	"coralnode/internal/dedup"
	"coralnode/internal/logging"
	"coralnode/internal/params"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
)

// Registry is the subset of the node list the adapter writes to.
type Registry interface {
	Find(vin proto.Outpoint) (*snode.Record, bool)
	Update(vin proto.Outpoint, fn func(rec *snode.Record)) bool
	Add(rec *snode.Record) bool
	AskForNode(p peer.Remote, vin proto.Outpoint)
	Gossip() *dedup.Gossip
}

// Peers lists the connected peers legacy messages are relayed to.
type Peers interface {
	Remotes() []peer.Remote
}

// AddrSink learns the addresses of accepted nodes.
type AddrSink interface {
	AddAddr(addr, source string)
}

type Options struct {
	Logger *zap.Logger
	Peers  Peers
	Addrs  AddrSink
}

type Adapter struct {
	env   *snode.Env
	log   *zap.Logger
	reg   Registry
	peers Peers
	addrs AddrSink

	// seen remembers the collateral key of every new entry already
	// checked, so the expensive path runs once per outpoint.
	seen *xsync.Map[proto.Outpoint, string]
}

func New(env *snode.Env, reg Registry, opts Options) *Adapter {
	return &Adapter{
		env:   env,
		log:   logging.OrNop(opts.Logger).Named("legacy"),
		reg:   reg,
		peers: opts.Peers,
		addrs: opts.Addrs,
		seen:  xsync.NewMap[proto.Outpoint, string](),
	}
}

// Active reports whether legacy messages are still honored.
func (a *Adapter) Active() bool {
	return !a.env.Sporks.IsActive(spork.PayUpdatedNodes)
}

// ProcessEntry handles obsee. Entries for known nodes refresh the record
// when they are re-broadcasts (count == -1) from the same collateral key;
// unknown nodes below the headers protocol are added with a synthetic ping.
func (a *Adapter) ProcessEntry(from peer.Remote, m proto.LegacyEntryMsg) error {
	if !a.Active() {
		return nil
	}
	if err := a.checkEntryFields(m); err != nil {
		return err
	}

	fake, err := snode.FakePing(a.env, m.Vin)
	if err != nil {
		return err
	}
	now := a.env.Now()
	if _, ok := a.reg.Find(m.Vin); ok {
		var updated, enabled bool
		a.reg.Update(m.Vin, func(rec *snode.Record) {
			if m.Count != -1 || !bytes.Equal(rec.PubKeyCollateral, m.PubKey) || now-rec.LastDsee <= params.MinBroadcastSeconds {
				return
			}
			if rec.Protocol > params.HeadersVersion && m.SigTime-rec.LastPing.SigTime < params.MinBroadcastSeconds {
				return
			}
			if rec.LastDsee >= m.SigTime {
				return
			}
			if rec.Protocol < params.HeadersVersion {
				rec.PubKeyNode = append(proto.HexBytes(nil), m.PubKey2...)
				rec.SigTime = m.SigTime
				rec.Sig = append(proto.HexBytes(nil), m.Sig...)
				rec.Protocol = m.Protocol
				rec.Addr = m.Addr
				rec.LastPing = fake
			}
			rec.LastDsee = m.SigTime
			rec.Check(a.env, false)
			updated, enabled = true, rec.IsEnabled()
		})
		if updated {
			a.log.Debug("updated legacy entry", zap.Stringer("vin", m.Vin))
		}
		if enabled {
			a.relay(proto.MsgTypeLegacyEntry, m)
		}
		return nil
	}

	key := m.PubKey.String()
	if prev, ok := a.seen.Load(m.Vin); ok && prev == key {
		return nil
	}
	a.seen.Store(m.Vin, key)

	if err := a.checkCollateral(m); err != nil {
		return err
	}
	if a.addrs != nil && from != nil {
		a.addrs.AddAddr(m.Addr, from.Addr())
	}

	rec := &snode.Record{
		Vin:              m.Vin,
		Addr:             m.Addr,
		PubKeyCollateral: append(proto.HexBytes(nil), m.PubKey...),
		PubKeyNode:       append(proto.HexBytes(nil), m.PubKey2...),
		Sig:              append(proto.HexBytes(nil), m.Sig...),
		SigTime:          m.SigTime,
		Protocol:         m.Protocol,
		LastPing:         fake,
	}
	rec.Check(a.env, true)
	// Upgraded nodes are only added through fnb.
	if m.Protocol < params.HeadersVersion && a.reg.Add(rec) {
		a.log.Debug("accepted legacy entry", zap.Stringer("vin", m.Vin), zap.Int("count", m.Count), zap.Int("current", m.Current))
	}
	if rec.IsEnabled() {
		a.relay(proto.MsgTypeLegacyEntry, m)
	}
	return nil
}

func (a *Adapter) checkEntryFields(m proto.LegacyEntryMsg) error {
	if m.SigTime > a.env.Now()+params.MaxClockSkewSeconds {
		return snode.DoS(1, fmt.Errorf("obsee %s: %w", m.Vin, snode.ErrFutureSignature))
	}
	if m.Protocol < a.env.MinPaymentsProto() {
		return snode.DoS(1, fmt.Errorf("obsee %s protocol %d: %w", m.Vin, m.Protocol, snode.ErrOldProtocol))
	}
	if !crypto.ValidPubKey(m.PubKey) {
		return snode.DoS(100, fmt.Errorf("obsee pubkey: %w", snode.ErrBadPubKeyScript))
	}
	if !crypto.ValidPubKey(m.PubKey2) {
		return snode.DoS(100, fmt.Errorf("obsee pubkey2: %w", snode.ErrBadPubKeyScript))
	}
	if len(m.ScriptSig) != 0 {
		return snode.DoS(100, fmt.Errorf("obsee %s: %w", m.Vin, snode.ErrScriptSigNotEmpty))
	}
	if err := a.env.Signer.Verify(m.PubKey, m.Sig, m.SignatureMessage()); err != nil {
		return snode.DoS(100, fmt.Errorf("obsee %s: %w", m.Vin, snode.ErrBadSignature))
	}
	return snode.CheckPort(a.env.Params, m.Addr)
}

func (a *Adapter) checkCollateral(m proto.LegacyEntryMsg) error {
	coin, ok := a.env.Chain.Coin(m.Vin)
	if !ok || !coin.Out.Script.Equal(proto.PayToPubKey(m.PubKey)) || coin.Out.Value != params.Collateral() {
		return snode.DoS(100, fmt.Errorf("obsee %s: %w", m.Vin, snode.ErrNotAssociated))
	}
	if err := a.env.Mempool.ProbeCollateral(m.Vin); err != nil {
		if errors.Is(err, chain.ErrCoinSpent) || errors.Is(err, chain.ErrCoinNotFound) {
			return snode.DoS(10, fmt.Errorf("obsee %s: %w", m.Vin, err))
		}
		return fmt.Errorf("obsee %s probe: %w", m.Vin, err)
	}
	if age := chain.InputAge(a.env.Chain, m.Vin); age < params.MinConfirmations {
		return snode.DoS(20, fmt.Errorf("obsee %s has %d confirmations: %w", m.Vin, age, snode.ErrInputTooNew))
	}
	if t, ok := chain.ConfirmationTime(a.env.Chain, m.Vin, params.MinConfirmations); ok && t > m.SigTime {
		return fmt.Errorf("obsee %s sigTime %d before confirmation at %d: %w", m.Vin, m.SigTime, t, snode.ErrBadSigTime)
	}
	return nil
}

// ProcessPing handles obseep. Legacy nodes get a synthetic ping; upgraded
// nodes only have their legacy timestamp refreshed.
func (a *Adapter) ProcessPing(from peer.Remote, m proto.LegacyPingMsg) error {
	if !a.Active() {
		return nil
	}
	now := a.env.Now()
	if m.SigTime > now+params.MaxClockSkewSeconds {
		return snode.DoS(1, fmt.Errorf("obseep %s: %w", m.Vin, snode.ErrFutureSignature))
	}
	if m.SigTime <= now-params.MaxClockSkewSeconds {
		return snode.DoS(1, fmt.Errorf("obseep %s: %w", m.Vin, snode.ErrPastSignature))
	}
	if a.reg.Gossip().AskedForEntry(m.Vin, now) {
		return nil
	}

	rec, ok := a.reg.Find(m.Vin)
	if !ok || rec.Protocol < a.env.MinPaymentsProto() {
		a.reg.AskForNode(from, m.Vin)
		return fmt.Errorf("obseep %s: %w", m.Vin, snode.ErrUnknownNode)
	}
	if m.SigTime-rec.LastDseep <= params.MinPingSeconds {
		return nil
	}
	if err := a.env.Signer.Verify(rec.PubKeyNode, m.Sig, proto.LegacyPingMessage(rec.Addr, m.SigTime, m.Stop)); err != nil {
		return fmt.Errorf("obseep %s: %w", m.Vin, snode.ErrBadSignature)
	}
	fake, err := snode.FakePing(a.env, m.Vin)
	if err != nil {
		return err
	}

	var enabled bool
	a.reg.Update(m.Vin, func(rec *snode.Record) {
		if m.SigTime-rec.LastDseep <= params.MinPingSeconds {
			return
		}
		if rec.Protocol < params.HeadersVersion {
			rec.LastPing = fake
		}
		rec.LastDseep = m.SigTime
		rec.Check(a.env, false)
		enabled = rec.IsEnabled()
	})
	if enabled {
		a.log.Debug("relaying legacy ping", zap.Stringer("vin", m.Vin))
		a.relay(proto.MsgTypeLegacyPing, m)
	}
	return nil
}

func (a *Adapter) relay(command string, body any) {
	if a.peers == nil {
		return
	}
	minProto := a.env.MinPaymentsProto()
	for _, p := range a.peers.Remotes() {
		if p.Version() < minProto {
			continue
		}
		if err := p.Send(command, body); err != nil {
			a.log.Debug("legacy relay failed", zap.String("peer", p.Addr()), zap.Error(err))
		}
	}
}
