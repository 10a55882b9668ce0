package crypto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var (
	ErrBadSignature = errors.New("signature does not match public key")
	ErrEmptyKey     = errors.New("empty key material")
)

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

func GenerateKey() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: k}, nil
}

// ParsePrivateKeyHex decodes a 32-byte hex secret.
func ParsePrivateKeyHex(s string) (*PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("bad private key size: %d", len(raw))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// PubKey returns the 33-byte compressed public key.
func (k *PrivateKey) PubKey() []byte {
	if k == nil || k.key == nil {
		return nil
	}
	return k.key.PubKey().SerializeCompressed()
}

func (k *PrivateKey) Hex() string {
	if k == nil || k.key == nil {
		return ""
	}
	return hex.EncodeToString(k.key.Serialize())
}

func (k *PrivateKey) String() string   { return "PrivateKey{REDACTED}" }
func (k *PrivateKey) GoString() string { return "crypto.PrivateKey{REDACTED}" }

// ValidPubKey reports whether pub parses as a secp256k1 point.
func ValidPubKey(pub []byte) bool {
	_, err := secp256k1.ParsePubKey(pub)
	return err == nil
}

// SaveKey writes the key as hex to dir/name with owner-only permissions.
func SaveKey(dir, name string, k *PrivateKey) error {
	if k == nil {
		return ErrEmptyKey
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(k.Hex()), 0600)
}

func LoadKey(dir, name string) (*PrivateKey, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	return ParsePrivateKeyHex(string(raw))
}

// LoadOrCreateKey loads dir/name or generates and saves a new key.
func LoadOrCreateKey(dir, name string) (*PrivateKey, error) {
	k, err := LoadKey(dir, name)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	k, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := SaveKey(dir, name, k); err != nil {
		return nil, err
	}
	return k, nil
}

// -----------------------------------------------------------------------------
// Message signatures
// -----------------------------------------------------------------------------

// MessageSigner signs and verifies text messages under a network magic
// prefix using recoverable compact signatures.
type MessageSigner struct {
	magic string
	cache *verifyCache
}

func NewMessageSigner(magic string) *MessageSigner {
	return &MessageSigner{magic: magic, cache: newVerifyCache()}
}

func (s *MessageSigner) digest(message string) []byte {
	var buf bytes.Buffer
	writeVarString(&buf, s.magic)
	writeVarString(&buf, message)
	sum := DoubleSHA256(buf.Bytes())
	return sum[:]
}

func (s *MessageSigner) Sign(k *PrivateKey, message string) ([]byte, error) {
	if k == nil || k.key == nil {
		return nil, ErrEmptyKey
	}
	return ecdsa.SignCompact(k.key, s.digest(message), true), nil
}

// Verify checks that sig over message recovers to pub.
func (s *MessageSigner) Verify(pub, sig []byte, message string) error {
	if len(pub) == 0 || len(sig) == 0 {
		return ErrEmptyKey
	}
	key := s.cache.key(pub, sig, message)
	if s.cache.has(key) {
		return nil
	}
	recovered, _, err := ecdsa.RecoverCompact(sig, s.digest(message))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	want, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	if !recovered.IsEqual(want) {
		return ErrBadSignature
	}
	s.cache.put(key)
	return nil
}

func writeVarString(buf *bytes.Buffer, s string) {
	var tmp [9]byte
	n := len(s)
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		tmp[0] = 0xfd
		binary.LittleEndian.PutUint16(tmp[1:], uint16(n))
		buf.Write(tmp[:3])
	default:
		tmp[0] = 0xfe
		binary.LittleEndian.PutUint32(tmp[1:], uint32(n))
		buf.Write(tmp[:5])
	}
	buf.WriteString(s)
}
