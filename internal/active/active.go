// Package active runs this process's own service node: registering its
// collateral with the network and keeping it alive with pings.
package active

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"coralnode/internal/chain"
	"coralnode/internal/crypto"
	"coralnode/internal/logging"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
)

// Status is the local node's activation state.
type Status int

const (
	Initial Status = iota
	SyncInProcess
	InputTooNew
	NotCapable
	Started
)

func (s Status) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case SyncInProcess:
		return "SYNC_IN_PROCESS"
	case InputTooNew:
		return "INPUT_TOO_NEW"
	case NotCapable:
		return "NOT_CAPABLE"
	case Started:
		return "STARTED"
	}
	return "UNKNOWN"
}

var (
	ErrNotStarted   = errors.New("service node is not in a running status")
	ErrDisabled     = errors.New("service node mode is off")
	ErrChainSyncing = errors.New("blockchain is not synced")
	ErrNoCollateral = errors.New("no suitable collateral output")
)

// Registry is the node list as seen by the local node.
type Registry interface {
	FindByNodeKey(pub []byte) (*snode.Record, bool)
	Check(vin proto.Outpoint, force bool) (snode.State, bool)
	AnnounceLocal(b proto.BroadcastMsg) error
	ApplyLocalPing(p proto.PingMsg) error
}

// ChainSync reports whether the chain tip is recent.
type ChainSync interface {
	IsBlockchainSynced() bool
}

// Wallet holds the collateral keys.
type Wallet interface {
	IsLocked() bool
	Balance() int64
	CollateralCoins(include ...proto.Outpoint) []chain.Coin
	KeyFor(script proto.Script) (*crypto.PrivateKey, error)
	LockCoin(op proto.Outpoint)
}

// Dialer checks that addr accepts inbound connections.
type Dialer interface {
	CheckInbound(ctx context.Context, addr string) error
}

// Peers pushes a message to every connected peer.
type Peers interface {
	PushAll(command string, body any)
}

type Options struct {
	Logger *zap.Logger
	// NodeKey is the operational key; nil disables service node mode.
	NodeKey *crypto.PrivateKey
	// ExternalAddr is the host:port announced to the network.
	ExternalAddr string
	Wallet       Wallet
	Dialer       Dialer
	Peers        Peers
	// Reserved are collateral outputs of configured aliases. Coin
	// selection sees them even though the wallet keeps them locked.
	Reserved []proto.Outpoint
}

// Controller is the local service node. The zero Options value gives a
// controller that is never a service node.
type Controller struct {
	env    *snode.Env
	log    *zap.Logger
	reg    Registry
	sync   ChainSync
	wallet Wallet
	dialer Dialer
	peers  Peers

	nodeKey  *crypto.PrivateKey
	extAddr  string
	reserved []proto.Outpoint

	manage sync.Mutex

	mu     sync.Mutex
	status Status
	reason string
	vin    proto.Outpoint
	addr   string
}

func New(env *snode.Env, reg Registry, cs ChainSync, opts Options) *Controller {
	return &Controller{
		env:      env,
		log:      logging.OrNop(opts.Logger).Named("active"),
		reg:      reg,
		sync:     cs,
		wallet:   opts.Wallet,
		dialer:   opts.Dialer,
		peers:    opts.Peers,
		nodeKey:  opts.NodeKey,
		extAddr:  opts.ExternalAddr,
		reserved: opts.Reserved,
	}
}

// Enabled reports whether this process is configured as a service node.
func (c *Controller) Enabled() bool { return c.nodeKey != nil }

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StatusMessage is the operator facing description of the status.
func (c *Controller) StatusMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case Initial:
		return "Node just started, not yet activated"
	case SyncInProcess:
		return "Sync in progress. Must wait until sync is complete to start service node"
	case InputTooNew:
		return fmt.Sprintf("Service node input must have at least %d confirmations", params.MinConfirmations)
	case NotCapable:
		return "Not capable service node: " + c.reason
	case Started:
		return "Service node successfully started"
	}
	return "unknown"
}

// Info is the local node summary served by the API.
type Info struct {
	Vin     string `json:"vin,omitempty"`
	Addr    string `json:"addr,omitempty"`
	PubKey  string `json:"pubkey,omitempty"`
	Status  int    `json:"status"`
	State   string `json:"state"`
	Message string `json:"message"`
}

func (c *Controller) Info() Info {
	msg := c.StatusMessage()
	c.mu.Lock()
	defer c.mu.Unlock()
	in := Info{Addr: c.addr, Status: int(c.status), State: c.status.String(), Message: msg}
	if !c.vin.IsNull() {
		in.Vin = c.vin.String()
	}
	if c.nodeKey != nil {
		in.PubKey = proto.HexBytes(c.nodeKey.PubKey()).String()
	}
	return in
}

func (c *Controller) setStatus(s Status, reason string) {
	c.mu.Lock()
	changed := c.status != s || c.reason != reason
	c.status, c.reason = s, reason
	c.mu.Unlock()
	if !changed {
		return
	}
	if s == NotCapable {
		c.log.Info("service node not capable", zap.String("reason", reason))
		return
	}
	c.log.Info("service node status", zap.Stringer("status", s))
}

// IsLocal reports whether vin and nodeKey are this running node.
func (c *Controller) IsLocal(vin proto.Outpoint, nodeKey []byte) bool {
	if c.nodeKey == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vin == vin && string(nodeKey) == string(c.nodeKey.PubKey())
}

// NodeKey is the operational public key, nil when not a service node.
func (c *Controller) NodeKey() []byte {
	if c.nodeKey == nil {
		return nil
	}
	return c.nodeKey.PubKey()
}

// EnableHotCold starts the node from a registration made elsewhere, such
// as a cold wallet holding the collateral.
func (c *Controller) EnableHotCold(vin proto.Outpoint, addr string) bool {
	if c.nodeKey == nil {
		return false
	}
	c.mu.Lock()
	c.vin, c.addr = vin, addr
	c.mu.Unlock()
	c.setStatus(Started, "")
	c.log.Info("enabled by remote activation, the cold wallet may be shut down", zap.Stringer("vin", vin))
	return true
}

// VoterKey hands the payment ledger the key votes are signed with.
func (c *Controller) VoterKey() (proto.Outpoint, *crypto.PrivateKey, bool) {
	if c.nodeKey == nil {
		return proto.Outpoint{}, nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != Started {
		return proto.Outpoint{}, nil, false
	}
	return c.vin, c.nodeKey, true
}

// ManageStatus is the periodic management step: wait for the chain, pick
// up a remote activation, register from the local wallet, or ping.
func (c *Controller) ManageStatus(ctx context.Context) {
	if c.nodeKey == nil {
		return
	}
	c.manage.Lock()
	defer c.manage.Unlock()

	if !c.env.Params.IsRegtest() && !c.sync.IsBlockchainSynced() {
		c.setStatus(SyncInProcess, "")
		return
	}
	if c.Status() == SyncInProcess {
		c.setStatus(Initial, "")
	}
	if c.Status() == Initial {
		if rec, ok := c.reg.FindByNodeKey(c.nodeKey.PubKey()); ok {
			state, _ := c.reg.Check(rec.Vin, false)
			if state == snode.Enabled && rec.Protocol == params.ProtocolVersion {
				c.EnableHotCold(rec.Vin, rec.Addr)
			}
		}
	}
	if c.Status() != Started {
		c.activate(ctx)
		return
	}
	if err := c.SendPing(); err != nil {
		c.log.Debug("ping not sent", zap.Error(err))
	}
}

// activate tries to register from the local wallet. Every failure leaves
// the node NOT_CAPABLE with the reason, except a young collateral.
func (c *Controller) activate(ctx context.Context) {
	if c.wallet == nil || c.wallet.IsLocked() {
		c.setStatus(NotCapable, "Wallet is locked.")
		return
	}
	if c.wallet.Balance() == 0 {
		c.setStatus(NotCapable, "Hot node, waiting for remote activation.")
		return
	}
	addr := c.extAddr
	if addr == "" {
		c.setStatus(NotCapable, "Can't detect external address. Please set external_addr.")
		return
	}
	if reason := portProblem(c.env.Params, addr); reason != "" {
		c.setStatus(NotCapable, reason)
		return
	}
	if c.dialer != nil {
		if err := c.dialer.CheckInbound(ctx, addr); err != nil {
			c.setStatus(NotCapable, "Could not connect to "+addr)
			c.log.Debug("inbound check failed", zap.String("addr", addr), zap.Error(err))
			return
		}
	}

	coins := c.wallet.CollateralCoins(c.reserved...)
	if len(coins) == 0 {
		c.setStatus(NotCapable, "Could not find suitable coins!")
		return
	}
	coin := coins[0]
	if age := chain.InputAge(c.env.Chain, coin.Outpoint); age < params.MinConfirmations {
		c.setStatus(InputTooNew, fmt.Sprintf("%d confirmations", age))
		return
	}
	collateralKey, err := c.wallet.KeyFor(coin.Out.Script)
	if err != nil {
		c.setStatus(NotCapable, "Could not find suitable coins!")
		return
	}
	c.wallet.LockCoin(coin.Outpoint)

	if err := c.register(coin.Outpoint, addr, collateralKey, c.nodeKey); err != nil {
		c.setStatus(NotCapable, "Error on Register: "+err.Error())
		return
	}
	c.mu.Lock()
	c.vin, c.addr = coin.Outpoint, addr
	c.mu.Unlock()
	c.setStatus(Started, "")
}

// Register announces a service node whose operational key is keyHex and
// whose collateral is txid:index in the local wallet. It serves
// start-alias and start-many, where the node itself runs elsewhere.
func (c *Controller) Register(addr, keyHex, txid, index string) error {
	if !c.sync.IsBlockchainSynced() {
		return fmt.Errorf("%s: %w", c.StatusMessage(), ErrChainSyncing)
	}
	nodeKey, err := crypto.ParsePrivateKeyHex(keyHex)
	if err != nil {
		return fmt.Errorf("can't find keys for service node %s: %w", addr, err)
	}
	coin, collateralKey, err := c.collateral(txid, index)
	if err != nil {
		return fmt.Errorf("could not allocate vin %s:%s for service node %s: %w", txid, index, addr, err)
	}
	if reason := portProblem(c.env.Params, addr); reason != "" {
		return fmt.Errorf("service node %s: %s: %w", addr, reason, snode.ErrWrongPort)
	}
	return c.register(coin.Outpoint, addr, collateralKey, nodeKey)
}

func (c *Controller) collateral(txid, index string) (chain.Coin, *crypto.PrivateKey, error) {
	if c.wallet == nil {
		return chain.Coin{}, nil, ErrNoCollateral
	}
	op, err := proto.ParseOutpoint(txid + ":" + index)
	if err != nil {
		return chain.Coin{}, nil, err
	}
	for _, coin := range c.wallet.CollateralCoins(append([]proto.Outpoint{op}, c.reserved...)...) {
		if coin.Outpoint != op {
			continue
		}
		k, err := c.wallet.KeyFor(coin.Out.Script)
		if err != nil {
			return chain.Coin{}, nil, err
		}
		return coin, k, nil
	}
	return chain.Coin{}, nil, ErrNoCollateral
}

func (c *Controller) register(vin proto.Outpoint, addr string, collateralKey, nodeKey *crypto.PrivateKey) error {
	ping, err := snode.NewPing(c.env, vin, nodeKey)
	if err != nil {
		return fmt.Errorf("ping for %s: %w", vin, err)
	}
	b, err := snode.NewBroadcast(c.env, addr, vin, collateralKey, nodeKey, ping)
	if err != nil {
		return fmt.Errorf("broadcast for %s: %w", vin, err)
	}
	if err := c.reg.AnnounceLocal(b); err != nil {
		return err
	}
	c.log.Info("registered service node", zap.Stringer("vin", vin), zap.String("addr", addr))

	if c.env.Sporks.IsActive(spork.PayUpdatedNodes) || c.peers == nil {
		return nil
	}
	// Nodes that predate fnb only learn about us from obsee.
	entry := proto.LegacyEntryMsg{
		Vin:         vin,
		Addr:        addr,
		SigTime:     c.env.Now(),
		PubKey:      collateralKey.PubKey(),
		PubKey2:     nodeKey.PubKey(),
		Count:       -1,
		Current:     -1,
		LastUpdated: c.env.Now(),
		Protocol:    params.ProtocolVersion,
	}
	if entry.Sig, err = c.signChecked(collateralKey, entry.SignatureMessage()); err != nil {
		return fmt.Errorf("obsee: %w", err)
	}
	c.peers.PushAll(proto.MsgTypeLegacyEntry, entry)
	return nil
}

// SendPing signs and relays a fresh ping for the running node. When the
// network forgot the node it drops back to NOT_CAPABLE.
func (c *Controller) SendPing() error {
	c.mu.Lock()
	status, vin, addr := c.status, c.vin, c.addr
	c.mu.Unlock()
	if status != Started {
		return ErrNotStarted
	}

	p, err := snode.NewPing(c.env, vin, c.nodeKey)
	if err != nil {
		return err
	}
	if err := c.reg.ApplyLocalPing(p); err != nil {
		if errors.Is(err, snode.ErrUnknownNode) {
			reason := "Service node list doesn't include our node, shutting down pinging service! " + vin.String()
			c.setStatus(NotCapable, reason)
		}
		return err
	}
	c.log.Debug("relayed ping", zap.Stringer("vin", vin))

	if c.env.Sporks.IsActive(spork.PayUpdatedNodes) || c.peers == nil {
		return nil
	}
	lp := proto.LegacyPingMsg{Vin: vin, SigTime: c.env.Now()}
	if lp.Sig, err = c.signChecked(c.nodeKey, proto.LegacyPingMessage(addr, lp.SigTime, false)); err != nil {
		return fmt.Errorf("obseep: %w", err)
	}
	c.peers.PushAll(proto.MsgTypeLegacyPing, lp)
	return nil
}

func (c *Controller) signChecked(k *crypto.PrivateKey, msg string) ([]byte, error) {
	sig, err := c.env.Signer.Sign(k, msg)
	if err != nil {
		return nil, err
	}
	if err := c.env.Signer.Verify(k.PubKey(), sig, msg); err != nil {
		return nil, err
	}
	return sig, nil
}

func portProblem(p params.Params, addr string) string {
	if snode.CheckPort(p, addr) == nil {
		return ""
	}
	port := strconv.Itoa(proto.AddrPort(addr))
	def := strconv.Itoa(p.DefaultPort)
	if p.IsMain() {
		return "Invalid port: " + port + " - only " + def + " is supported on mainnet."
	}
	return "Invalid port: " + port + " - " + def + " is only supported on mainnet."
}
