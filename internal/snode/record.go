package snode

import (
	"errors"

	"github.com/holiman/uint256"

	"coralnode/internal/arith"
	"coralnode/internal/chain"
	"coralnode/internal/params"
	"coralnode/internal/proto"
)

// State is the liveness state of a record.
type State int

const (
	PreEnabled State = iota
	Enabled
	Expired
	OutpointSpent
	Remove
	WatchdogExpired
	PoSeBan
	VinSpent
)

func (s State) String() string {
	switch s {
	case PreEnabled:
		return "PRE_ENABLED"
	case Enabled:
		return "ENABLED"
	case Expired:
		return "EXPIRED"
	case OutpointSpent:
		return "OUTPOINT_SPENT"
	case Remove:
		return "REMOVE"
	case WatchdogExpired:
		return "WATCHDOG_EXPIRED"
	case PoSeBan:
		return "POSE_BAN"
	case VinSpent:
		return "VIN_SPENT"
	default:
		return "UNKNOWN"
	}
}

// Record is the registry's view of one service node.
type Record struct {
	Vin              proto.Outpoint `json:"vin"`
	Addr             string         `json:"addr"`
	PubKeyCollateral proto.HexBytes `json:"pubkey_collateral"`
	PubKeyNode       proto.HexBytes `json:"pubkey_node"`
	Sig              proto.HexBytes `json:"sig"`
	SigTime          int64          `json:"sig_time"`
	Protocol         int            `json:"protocol"`
	LastPing         proto.PingMsg  `json:"last_ping"`
	State            State          `json:"state"`

	CacheInputAge      int   `json:"cache_input_age"`
	CacheInputAgeBlock int   `json:"cache_input_age_block"`
	LastChecked        int64 `json:"last_checked"`

	// Carried for legacy peers only.
	LastDsq   int64 `json:"last_dsq,omitempty"`
	LastDsee  int64 `json:"last_dsee,omitempty"`
	LastDseep int64 `json:"last_dseep,omitempty"`
}

// FromBroadcast builds a fresh record from an accepted broadcast.
func FromBroadcast(b proto.BroadcastMsg) *Record {
	return &Record{
		Vin:              b.Vin,
		Addr:             b.Addr,
		PubKeyCollateral: append(proto.HexBytes(nil), b.PubKeyCollateral...),
		PubKeyNode:       append(proto.HexBytes(nil), b.PubKeyNode...),
		Sig:              append(proto.HexBytes(nil), b.Sig...),
		SigTime:          b.SigTime,
		Protocol:         b.Protocol,
		LastPing:         b.LastPing,
		State:            Enabled,
		LastDsq:          b.LastDsq,
	}
}

// Broadcast converts the record back to its wire announcement.
func (r *Record) Broadcast() proto.BroadcastMsg {
	return proto.BroadcastMsg{
		Vin:              r.Vin,
		Addr:             r.Addr,
		PubKeyCollateral: append(proto.HexBytes(nil), r.PubKeyCollateral...),
		PubKeyNode:       append(proto.HexBytes(nil), r.PubKeyNode...),
		Sig:              append(proto.HexBytes(nil), r.Sig...),
		SigTime:          r.SigTime,
		Protocol:         r.Protocol,
		LastPing:         r.LastPing,
		LastDsq:          r.LastDsq,
	}
}

// Clone returns a deep copy safe to hand out of the registry lock.
func (r *Record) Clone() *Record {
	c := *r
	c.PubKeyCollateral = append(proto.HexBytes(nil), r.PubKeyCollateral...)
	c.PubKeyNode = append(proto.HexBytes(nil), r.PubKeyNode...)
	c.Sig = append(proto.HexBytes(nil), r.Sig...)
	c.LastPing.Sig = append(proto.HexBytes(nil), r.LastPing.Sig...)
	return &c
}

// Payee is the script paid when this node wins.
func (r *Record) Payee() proto.Script { return proto.PayToPubKey(r.PubKeyCollateral) }

func (r *Record) IsEnabled() bool { return r.State == Enabled }

func (r *Record) IsBroadcastedWithin(now, seconds int64) bool {
	return now-r.SigTime < seconds
}

func (r *Record) IsPingedWithin(now, seconds int64) bool {
	if r.LastPing.IsEmpty() {
		return false
	}
	return now-r.LastPing.SigTime < seconds
}

// Check advances the liveness state. Without force it runs at most once
// per CheckSeconds. VinSpent is terminal.
func (r *Record) Check(env *Env, force bool) {
	now := env.Now()
	if !force && now-r.LastChecked < params.CheckSeconds {
		return
	}
	r.LastChecked = now
	if r.State == VinSpent {
		return
	}
	if !r.IsPingedWithin(now, params.RemovalSeconds) {
		r.State = Remove
		return
	}
	if !r.IsPingedWithin(now, params.ExpirationSeconds) {
		r.State = Expired
		return
	}
	if env.Mempool != nil {
		if err := env.Mempool.ProbeCollateral(r.Vin); err != nil {
			if errors.Is(err, chain.ErrCoinSpent) || errors.Is(err, chain.ErrCoinNotFound) {
				r.State = VinSpent
			}
			return
		}
	}
	r.State = Enabled
}

// InputAge returns the collateral confirmation count, caching the first
// answer and extrapolating from the tip afterwards.
func (r *Record) InputAge(env *Env) int {
	tip := env.TipHeight()
	if tip < 0 {
		return 0
	}
	if r.CacheInputAge == 0 {
		r.CacheInputAge = chain.InputAge(env.Chain, r.Vin)
		r.CacheInputAgeBlock = tip
	}
	return r.CacheInputAge + (tip - r.CacheInputAgeBlock)
}

// UpdateFromNewBroadcast copies a strictly newer broadcast into the record
// and returns whether anything changed. An embedded ping is taken when it
// is empty or checkPing accepts it.
func (r *Record) UpdateFromNewBroadcast(b proto.BroadcastMsg, checkPing func(proto.PingMsg) bool) bool {
	if b.SigTime <= r.SigTime {
		return false
	}
	r.PubKeyNode = append(proto.HexBytes(nil), b.PubKeyNode...)
	r.PubKeyCollateral = append(proto.HexBytes(nil), b.PubKeyCollateral...)
	r.SigTime = b.SigTime
	r.Sig = append(proto.HexBytes(nil), b.Sig...)
	r.Protocol = b.Protocol
	r.Addr = b.Addr
	r.LastChecked = 0
	if b.LastPing.IsEmpty() || (checkPing != nil && checkPing(b.LastPing)) {
		r.LastPing = b.LastPing
	}
	return true
}

// CalculateScore is |Hash(anchor || txid+index) - Hash(anchor)| read as
// little-endian 256-bit integers.
func CalculateScore(anchor proto.Hash, vin proto.Outpoint) *uint256.Int {
	aux := new(uint256.Int).Add(arith.FromHash(vin.Hash), uint256.NewInt(uint64(vin.Index)))
	hash2 := proto.HashOf(anchor[:])
	hash3 := proto.ScoreInput(anchor, arith.ToHash(aux))
	return arith.AbsDiff(arith.FromHash(hash3), arith.FromHash(hash2))
}

// Score is CalculateScore against the anchor for height. The modulus is
// part of the call contract but does not change the result. Zero when the
// anchor is unknown.
func (r *Record) Score(env *Env, mod int, height int) *uint256.Int {
	anchor, ok := env.BlockHash(height)
	if !ok {
		return new(uint256.Int)
	}
	return CalculateScore(anchor, r.Vin)
}

// TieBreak is the compact form of Hash(vin || sigTime), a per-node value
// peers agree on.
func (r *Record) TieBreak() uint32 {
	return arith.Compact(arith.FromHash(proto.OutpointTimeHash(r.Vin, r.SigTime)))
}
