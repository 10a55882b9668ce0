package proto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"coralnode/internal/crypto"
)

// Hash is a 32-byte chain hash in storage byte order. Its text form is
// the byte-reversed hex used by block explorers.
type Hash [32]byte

func (h Hash) String() string {
	var rev [32]byte
	for i := range h {
		rev[i] = h[31-i]
	}
	return hex.EncodeToString(rev[:])
}

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes the reversed hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("decode hash: %w", err)
	}
	if len(raw) != 32 {
		return h, fmt.Errorf("bad hash length: %d", len(raw))
	}
	for i := range raw {
		h[i] = raw[31-i]
	}
	return h, nil
}

// HashOf is the chain's double SHA-256 of b.
func HashOf(b []byte) Hash {
	return Hash(crypto.DoubleSHA256(b))
}

// HexBytes is a byte slice carried as hex text.
type HexBytes []byte

func (b HexBytes) String() string { return hex.EncodeToString(b) }

func (b HexBytes) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(b)), nil }

func (b *HexBytes) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*b = nil
		return nil
	}
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

// Outpoint references a transaction output. It is the collateral
// reference that keys a service node.
type Outpoint struct {
	Hash  Hash   `json:"hash"`
	Index uint32 `json:"index"`
}

func (o Outpoint) IsNull() bool { return o.Hash.IsZero() && o.Index == 0 }

func (o Outpoint) String() string { return o.Hash.String() + ":" + strconv.FormatUint(uint64(o.Index), 10) }

// ShortString is the txid-index form used in vote signatures.
func (o Outpoint) ShortString() string {
	return o.Hash.String() + "-" + strconv.FormatUint(uint64(o.Index), 10)
}

// ParseOutpoint accepts "txid:index" or "txid-index".
func ParseOutpoint(s string) (Outpoint, error) {
	s = strings.TrimSpace(s)
	sep := strings.LastIndexAny(s, ":-")
	if sep <= 0 {
		return Outpoint{}, fmt.Errorf("bad outpoint: %q", s)
	}
	h, err := ParseHash(s[:sep])
	if err != nil {
		return Outpoint{}, err
	}
	idx, err := strconv.ParseUint(s[sep+1:], 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("bad outpoint index: %w", err)
	}
	return Outpoint{Hash: h, Index: uint32(idx)}, nil
}

// Script is an output locking script.
type Script []byte

const (
	opDup         = 0x76
	opHash160     = 0xa9
	opEqualVerify = 0x88
	opCheckSig    = 0xac
)

// P2PKHScriptSize is the length of a pay-to-pubkey-hash script.
const P2PKHScriptSize = 25

// PayToPubKey returns the pay-to-pubkey-hash script for pub.
func PayToPubKey(pub []byte) Script {
	id := crypto.Hash160(pub)
	s := make(Script, 0, P2PKHScriptSize)
	s = append(s, opDup, opHash160, byte(len(id)))
	s = append(s, id...)
	s = append(s, opEqualVerify, opCheckSig)
	return s
}

func (s Script) Equal(o Script) bool { return bytes.Equal(s, o) }

func (s Script) String() string { return hex.EncodeToString(s) }

func (s Script) MarshalText() ([]byte, error) { return []byte(hex.EncodeToString(s)), nil }

func (s *Script) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = nil
		return nil
	}
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*s = raw
	return nil
}

// TxOut is a transaction output.
type TxOut struct {
	Value  int64  `json:"value"`
	Script Script `json:"script"`
}

// Tx carries the outputs of a coinbase or coinstake transaction, which is
// all block payee validation looks at.
type Tx struct {
	Outputs []TxOut `json:"outputs"`
}

// Pays reports whether tx has an output to script worth at least amount.
func (tx Tx) Pays(script Script, amount int64) bool {
	for _, out := range tx.Outputs {
		if out.Script.Equal(script) && out.Value >= amount {
			return true
		}
	}
	return false
}
