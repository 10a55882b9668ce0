// Package chain is the read-only view of the underlying blockchain that the
// service node layer consumes.
package chain

import (
	"errors"
	"sync"

	"coralnode/internal/proto"
)

var (
	ErrCoinNotFound = errors.New("collateral output not found")
	ErrCoinSpent    = errors.New("collateral output spent")
	ErrNoTip        = errors.New("chain tip unknown")
)

// Block is a best-chain block header summary.
type Block struct {
	Height int        `json:"height"`
	Hash   proto.Hash `json:"hash"`
	Time   int64      `json:"time"`
}

// Coin is an unspent output and the height of the block that created it.
type Coin struct {
	Outpoint proto.Outpoint `json:"outpoint"`
	Out      proto.TxOut    `json:"out"`
	Height   int            `json:"height"`
}

// Oracle answers best-chain queries.
type Oracle interface {
	Tip() (Block, bool)
	BlockAt(height int) (Block, bool)
	Coin(op proto.Outpoint) (Coin, bool)
}

// Mempool admits a zero-value probe spending op; an error means the output
// is spent or otherwise unusable as collateral.
type Mempool interface {
	ProbeCollateral(op proto.Outpoint) error
}

// CoinSource lists unspent outputs locked to a script.
type CoinSource interface {
	CoinsFor(script proto.Script) []Coin
}

// InputAge is the confirmation count of op's output, 0 if unknown or
// unconfirmed.
func InputAge(o Oracle, op proto.Outpoint) int {
	tip, ok := o.Tip()
	if !ok {
		return 0
	}
	c, ok := o.Coin(op)
	if !ok || c.Height <= 0 || c.Height > tip.Height {
		return 0
	}
	return tip.Height + 1 - c.Height
}

// ConfirmationTime is the time of the block at which op reached confs
// confirmations.
func ConfirmationTime(o Oracle, op proto.Outpoint, confs int) (int64, bool) {
	c, ok := o.Coin(op)
	if !ok || c.Height <= 0 {
		return 0, false
	}
	b, ok := o.BlockAt(c.Height + confs - 1)
	if !ok {
		return 0, false
	}
	return b.Time, true
}

// AnchorCache resolves score anchors and remembers them per height. The
// cache is dropped when the tip moves backwards or changes at the same
// height.
type AnchorCache struct {
	mu      sync.Mutex
	tip     Block
	entries map[int]proto.Hash
}

func NewAnchorCache() *AnchorCache {
	return &AnchorCache{entries: make(map[int]proto.Hash)}
}

// BlockHash returns the anchor for height h: the hash of block h-1, with
// h == 0 meaning the tip. It fails when the tip is unknown or h is beyond
// tip+1.
func (c *AnchorCache) BlockHash(o Oracle, h int) (proto.Hash, bool) {
	tip, ok := o.Tip()
	if !ok || tip.Height <= 0 {
		return proto.Hash{}, false
	}
	if h == 0 {
		h = tip.Height
	}
	if h > tip.Height+1 || h < 1 {
		return proto.Hash{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tip.Height < c.tip.Height || (tip.Height == c.tip.Height && tip.Hash != c.tip.Hash) {
		c.entries = make(map[int]proto.Hash)
	}
	c.tip = tip
	if hash, ok := c.entries[h]; ok {
		return hash, true
	}
	b, ok := o.BlockAt(h - 1)
	if !ok {
		return proto.Hash{}, false
	}
	c.entries[h] = b.Hash
	return b.Hash, true
}
