// Package params holds the per-network constants shared by every coralnode
// component.
package params

import (
	"fmt"
	"strings"
)

// Coin is the number of base units in one coin.
const Coin int64 = 100_000_000

const (
	// ProtocolVersion is the wire protocol spoken by this build.
	ProtocolVersion = 70920
	// MinPeerProtoBeforeEnforcement is accepted while the pay-updated-nodes spork is off.
	MinPeerProtoBeforeEnforcement = 70910
	// MinPeerProtoAfterEnforcement is required once protocol enforcement is on.
	MinPeerProtoAfterEnforcement = 70920
	// HeadersVersion separates legacy nodes (fake pings) from ping-capable ones.
	HeadersVersion = 70077
)

// Service node timing and sizing rules, in seconds unless noted.
const (
	MinConfirmations    = 15
	MinPingSeconds      = 10 * 60
	MinBroadcastSeconds = 5 * 60
	PingSeconds         = 5 * 60
	ExpirationSeconds   = 120 * 60
	RemovalSeconds      = 130 * 60
	CheckSeconds        = 5
	WinnerMinimumAge    = 8000
	MaxClockSkewSeconds = 60 * 60
	ListRequestSeconds  = 3 * 60 * 60

	// CollateralCoins is the exact amount locked by a service node.
	CollateralCoins = 10000

	SignaturesRequired = 6
	SignaturesTotal    = 10

	// PingAnchorDepth is how far behind the tip a fresh ping anchors.
	PingAnchorDepth = 12
	// PingAnchorMaxAge bounds how stale an accepted ping anchor may be.
	PingAnchorMaxAge = 24
	// VoteAnchorDepth is the distance between a vote target height and its score anchor.
	VoteAnchorDepth = 100
	// VoteLookahead is how far past the tip votes are accepted and served.
	VoteLookahead = 20
	// ScheduleLookahead is the number of heights checked by IsScheduled.
	ScheduleLookahead = 8
)

// Collateral is the exact registration amount in base units.
func Collateral() int64 { return CollateralCoins * Coin }

// Network identifies a chain.
type Network string

const (
	Main    Network = "main"
	Test    Network = "test"
	Regtest Network = "regtest"
)

// Params describes one network.
type Params struct {
	Net          Network
	Magic        [4]byte
	DefaultPort  int
	MessageMagic string
	// CountDrift is added to the node count when computing the required payment.
	CountDrift int
	// BlockReward is the subsidy per block in base units.
	BlockReward int64
	// NodeShareNum/NodeShareDen is the fraction of the block value paid to the winner.
	NodeShareNum int64
	NodeShareDen int64
	// BudgetCycleBlocks is the superblock spacing.
	BudgetCycleBlocks int
}

var (
	mainParams = Params{
		Net:               Main,
		Magic:             [4]byte{0xc0, 0x7a, 0x1e, 0xd3},
		DefaultPort:       27210,
		MessageMagic:      "Coralnode Signed Message:\n",
		CountDrift:        20,
		BlockReward:       50 * Coin,
		NodeShareNum:      3,
		NodeShareDen:      5,
		BudgetCycleBlocks: 43200,
	}
	testParams = Params{
		Net:               Test,
		Magic:             [4]byte{0xc1, 0x7b, 0x1f, 0xd4},
		DefaultPort:       27212,
		MessageMagic:      "Coralnode Signed Message:\n",
		CountDrift:        4,
		BlockReward:       50 * Coin,
		NodeShareNum:      3,
		NodeShareDen:      5,
		BudgetCycleBlocks: 144,
	}
	regtestParams = Params{
		Net:               Regtest,
		Magic:             [4]byte{0xc2, 0x7c, 0x20, 0xd5},
		DefaultPort:       27214,
		MessageMagic:      "Coralnode Signed Message:\n",
		CountDrift:        4,
		BlockReward:       50 * Coin,
		NodeShareNum:      3,
		NodeShareDen:      5,
		BudgetCycleBlocks: 144,
	}
)

// For returns the parameters of the named network.
func For(name string) (Params, error) {
	switch Network(strings.ToLower(strings.TrimSpace(name))) {
	case Main, "mainnet", "":
		return mainParams, nil
	case Test, "testnet":
		return testParams, nil
	case Regtest:
		return regtestParams, nil
	default:
		return Params{}, fmt.Errorf("unknown network: %s", name)
	}
}

// MustFor is For for compile-time known names.
func MustFor(name string) Params {
	p, err := For(name)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Params) IsMain() bool    { return p.Net == Main }
func (p Params) IsRegtest() bool { return p.Net == Regtest }

// BlockValue is the total minted value for a block at height.
func (p Params) BlockValue(height int) int64 {
	if height <= 0 {
		return 0
	}
	return p.BlockReward
}

// NodePayment is the share of blockValue owed to the selected service node.
// nodeCount is the drift-adjusted node count; it does not change the share
// on these networks but is part of the schedule contract.
func (p Params) NodePayment(height int, blockValue int64, nodeCount int) int64 {
	if height <= 0 || blockValue <= 0 || p.NodeShareDen == 0 {
		return 0
	}
	return blockValue * p.NodeShareNum / p.NodeShareDen
}

// IsBudgetCycleBlock reports whether height falls on a superblock.
func (p Params) IsBudgetCycleBlock(height int) bool {
	return p.BudgetCycleBlocks > 0 && height > 0 && height%p.BudgetCycleBlocks == 0
}
