// Package wallet keeps the collateral keys of a service node operator in an
// encrypted keystore and answers which chain outputs they own.
package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"

	"coralnode/internal/chain"
	"coralnode/internal/crypto"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/store"
)

var (
	ErrLocked        = errors.New("wallet is locked")
	ErrBadPassphrase = errors.New("wrong passphrase")
	ErrUnknownKey    = errors.New("no key for script")
	ErrExists        = errors.New("keystore already exists")
)

const (
	keystoreVersion = 1
	saltSize        = 16
	sealLabel       = "coralnode:wallet:v1"
)

// Argon2id cost; tests lower it.
var (
	KDFTime    uint32 = 2
	KDFMemory  uint32 = 64 * 1024
	KDFThreads uint8  = 2
)

type keystoreFile struct {
	Version int              `json:"version"`
	KDF     string           `json:"kdf"`
	Time    uint32           `json:"time"`
	Memory  uint32           `json:"memory"`
	Threads uint8            `json:"threads"`
	Salt    proto.HexBytes   `json:"salt"`
	Nonce   proto.HexBytes   `json:"nonce"`
	Sealed  proto.HexBytes   `json:"sealed"`
	PubKeys []proto.HexBytes `json:"pubkeys"`
}

// Wallet is an encrypted set of collateral keys plus the coin locks the
// operator placed. Public keys stay readable while locked so balances can
// be shown.
type Wallet struct {
	path  string
	coins chain.CoinSource

	mu     sync.Mutex
	file   keystoreFile
	secret []byte
	keys   map[string]*crypto.PrivateKey
	locks  map[proto.Outpoint]bool
}

// Create writes an empty keystore sealed under passphrase. The wallet is
// returned unlocked.
func Create(path, passphrase string, coins chain.CoinSource) (*Wallet, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrExists)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	w := &Wallet{
		path:  path,
		coins: coins,
		file: keystoreFile{
			Version: keystoreVersion,
			KDF:     "argon2id",
			Time:    KDFTime,
			Memory:  KDFMemory,
			Threads: KDFThreads,
			Salt:    salt,
		},
		keys:  make(map[string]*crypto.PrivateKey),
		locks: make(map[proto.Outpoint]bool),
	}
	w.secret = w.deriveKey(passphrase)
	if err := w.saveLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// Open reads an existing keystore. The wallet starts locked.
func Open(path string, coins chain.CoinSource) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f keystoreFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if f.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", f.Version)
	}
	return &Wallet{path: path, coins: coins, file: f, locks: make(map[proto.Outpoint]bool)}, nil
}

func (w *Wallet) deriveKey(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), w.file.Salt, w.file.Time, w.file.Memory, w.file.Threads, crypto.XKeySize)
}

// Unlock decrypts the private keys.
func (w *Wallet) Unlock(passphrase string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	secret := w.deriveKey(passphrase)
	keys := make(map[string]*crypto.PrivateKey)
	if len(w.file.Sealed) > 0 {
		plain, err := crypto.XOpen(secret, w.file.Nonce, w.file.Sealed, []byte(sealLabel))
		if err != nil {
			return ErrBadPassphrase
		}
		var hexKeys []string
		if err := json.Unmarshal(plain, &hexKeys); err != nil {
			return fmt.Errorf("keystore payload: %w", err)
		}
		for _, s := range hexKeys {
			k, err := crypto.ParsePrivateKeyHex(s)
			if err != nil {
				return fmt.Errorf("keystore key: %w", err)
			}
			keys[proto.PayToPubKey(k.PubKey()).String()] = k
		}
	}
	w.secret = secret
	w.keys = keys
	return nil
}

// Lock forgets the decrypted keys.
func (w *Wallet) Lock() {
	w.mu.Lock()
	w.secret = nil
	w.keys = nil
	w.mu.Unlock()
}

func (w *Wallet) IsLocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.keys == nil
}

// Import adds k to the keystore and rewrites it.
func (w *Wallet) Import(k *crypto.PrivateKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.keys == nil {
		return ErrLocked
	}
	script := proto.PayToPubKey(k.PubKey()).String()
	if _, ok := w.keys[script]; ok {
		return nil
	}
	w.keys[script] = k
	w.file.PubKeys = append(w.file.PubKeys, k.PubKey())
	return w.saveLocked()
}

// NewKey generates, stores and returns a fresh collateral key.
func (w *Wallet) NewKey() (*crypto.PrivateKey, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := w.Import(k); err != nil {
		return nil, err
	}
	return k, nil
}

func (w *Wallet) saveLocked() error {
	hexKeys := make([]string, 0, len(w.keys))
	for _, k := range w.keys {
		hexKeys = append(hexKeys, k.Hex())
	}
	sort.Strings(hexKeys)
	plain, err := json.Marshal(hexKeys)
	if err != nil {
		return err
	}
	nonce, sealed, err := crypto.XSeal(w.secret, plain, []byte(sealLabel))
	if err != nil {
		return fmt.Errorf("seal keystore: %w", err)
	}
	w.file.Nonce, w.file.Sealed = nonce, sealed
	raw, err := json.MarshalIndent(w.file, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(w.path, raw, 0600)
}

// Scripts lists the payee scripts of every stored key.
func (w *Wallet) Scripts() []proto.Script {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]proto.Script, 0, len(w.file.PubKeys))
	for _, pub := range w.file.PubKeys {
		out = append(out, proto.PayToPubKey(pub))
	}
	return out
}

// KeyFor returns the private key paying to script.
func (w *Wallet) KeyFor(script proto.Script) (*crypto.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.keys == nil {
		return nil, ErrLocked
	}
	k, ok := w.keys[script.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", script, ErrUnknownKey)
	}
	return k, nil
}

// Coins lists every unspent output owned by the wallet, locked or not.
func (w *Wallet) Coins() []chain.Coin {
	var out []chain.Coin
	for _, s := range w.Scripts() {
		out = append(out, w.coins.CoinsFor(s)...)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Outpoint, out[j].Outpoint
		if a.Hash != b.Hash {
			return a.Hash.String() < b.Hash.String()
		}
		return a.Index < b.Index
	})
	return out
}

func (w *Wallet) Balance() int64 {
	var total int64
	for _, c := range w.Coins() {
		total += c.Out.Value
	}
	return total
}

// AvailableCoins are the owned outputs not locked by the operator. Outputs
// in include count as available even when locked.
func (w *Wallet) AvailableCoins(include ...proto.Outpoint) []chain.Coin {
	extra := make(map[proto.Outpoint]bool, len(include))
	for _, op := range include {
		extra[op] = true
	}
	all := w.Coins()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := all[:0]
	for _, c := range all {
		if !w.locks[c.Outpoint] || extra[c.Outpoint] {
			out = append(out, c)
		}
	}
	return out
}

// CollateralCoins are the available outputs of exactly the collateral
// amount.
func (w *Wallet) CollateralCoins(include ...proto.Outpoint) []chain.Coin {
	var out []chain.Coin
	for _, c := range w.AvailableCoins(include...) {
		if c.Out.Value == params.Collateral() {
			out = append(out, c)
		}
	}
	return out
}

// LockCoin keeps op out of coin selection.
func (w *Wallet) LockCoin(op proto.Outpoint) {
	w.mu.Lock()
	w.locks[op] = true
	w.mu.Unlock()
}

func (w *Wallet) UnlockCoin(op proto.Outpoint) {
	w.mu.Lock()
	delete(w.locks, op)
	w.mu.Unlock()
}

func (w *Wallet) IsLockedCoin(op proto.Outpoint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locks[op]
}

// LockedCoins lists the locked outpoints as txid:index strings.
func (w *Wallet) LockedCoins() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.locks))
	for op := range w.locks {
		out = append(out, op.String())
	}
	sort.Strings(out)
	return out
}

// Fingerprint identifies the keystore without revealing keys.
func (w *Wallet) Fingerprint() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return hex.EncodeToString(crypto.KDF("coralnode:wallet:fp", w.file.Salt)[:8])
}
