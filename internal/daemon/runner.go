// Package daemon wires the service node components into one process: the
// QUIC listener and inbound dispatch, relay fan-out, the periodic
// scheduler, cache files and outbound connections.
package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"coralnode/internal/active"
	"coralnode/internal/chain"
	"coralnode/internal/crypto"
	"coralnode/internal/legacy"
	"coralnode/internal/logging"
	"coralnode/internal/metrics"
	"coralnode/internal/network"
	"coralnode/internal/nodesync"
	"coralnode/internal/params"
	"coralnode/internal/payments"
	"coralnode/internal/peer"
	"coralnode/internal/proto"
	"coralnode/internal/registry"
	"coralnode/internal/snode"
	"coralnode/internal/spork"
	"coralnode/internal/store"
	"coralnode/internal/wallet"
)

const (
	cacheFile    = "fncache.dat"
	paymentsFile = "fnpayments.dat"
	metricsFile  = "metrics.json"

	cacheMagic    = "CoralnodeCache"
	paymentsMagic = "CoralnodePayments"

	DefaultWorkers      = 8
	DefaultDumpInterval = 15 * time.Minute
	DefaultMaxOutbound  = 8
	sendTimeout         = 10 * time.Second
)

// Transport moves framed envelopes between nodes.
type Transport interface {
	Listen(ctx context.Context, addr string, ready chan<- net.Addr, handle network.Handler) error
	Send(ctx context.Context, addr string, payload []byte) error
	CheckInbound(ctx context.Context, addr string) error
	Close() error
}

type Options struct {
	Logger    *zap.Logger
	Params    params.Params
	DataDir   string
	Chain     *chain.LevelStore
	Sporks    *spork.Table
	Transport Transport
	Metrics   *metrics.Metrics
	// Wallet holds the collateral keys; nil runs without one.
	Wallet *wallet.Wallet
	// Identity keys the transport node id; a fresh key is used when nil.
	Identity *crypto.PrivateKey
	// NodeKey is the service node operational key; nil disables service
	// node mode.
	NodeKey      *crypto.PrivateKey
	ExternalAddr string
	Reserved     []proto.Outpoint
	// Peers are dialed at start and kept connected.
	Peers        []string
	MaxOutbound  int
	Workers      int
	TipMaxAge    int64
	DumpInterval time.Duration
	Clock        func() time.Time
}

// Runner owns every component of a running node.
type Runner struct {
	DataDir  string
	Env      *snode.Env
	Chain    *chain.LevelStore
	Sporks   *spork.Table
	Registry *registry.Registry
	Votes    *payments.Ledger
	Sync     *nodesync.Syncer
	Local    *active.Controller
	Legacy   *legacy.Adapter
	Peers    *peer.Table
	Metrics  *metrics.Metrics
	Wallet   *wallet.Wallet

	log       *zap.Logger
	limit     *logging.Limiter
	transport Transport
	pool      pond.Pool
	set       *peerSet
	conns     *connMan
	nodeID    string
	extAddr   string
	dumpEvery time.Duration

	regCache *store.File[registry.Snapshot]
	payCache *store.File[payments.Snapshot]

	ctx    context.Context
	cancel context.CancelFunc

	listenMu   sync.RWMutex
	listenAddr string

	tipMu   sync.Mutex
	lastTip int

	cron *cron.Cron
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("missing data dir")
	}
	if opts.Chain == nil {
		return nil, fmt.Errorf("missing chain index")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}
	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, err
	}
	log := logging.OrNop(opts.Logger)
	sporks := opts.Sporks
	if sporks == nil {
		sporks = spork.NewTable()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	id := opts.Identity
	if id == nil {
		k, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		id = k
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	dumpEvery := opts.DumpInterval
	if dumpEvery <= 0 {
		dumpEvery = DefaultDumpInterval
	}

	env := snode.NewEnv(opts.Params, opts.Chain, opts.Chain, sporks)
	if opts.Clock != nil {
		env.Clock = opts.Clock
	}
	nodeID := crypto.DeriveNodeID(id.PubKey())
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		DataDir:   opts.DataDir,
		Env:       env,
		Chain:     opts.Chain,
		Sporks:    sporks,
		Peers:     peer.NewTable(peer.Options{}),
		Metrics:   m,
		Wallet:    opts.Wallet,
		log:       log.Named("daemon"),
		limit:     logging.NewLimiter(5 * time.Second),
		transport: opts.Transport,
		pool:      pond.NewPool(workers, pond.WithQueueSize(workers*256)),
		nodeID:    hex.EncodeToString(nodeID[:]),
		extAddr:   opts.ExternalAddr,
		dumpEvery: dumpEvery,
		ctx:       ctx,
		cancel:    cancel,
		lastTip:   -1,
	}
	r.set = &peerSet{r: r}
	r.conns = newConnMan(r, opts.Peers, opts.MaxOutbound)

	r.Registry = registry.New(env, registry.Options{Logger: log, Relay: r.set, Addrs: r.conns})
	r.Votes = payments.New(env, r.Registry, payments.Options{Logger: log, Relay: r.set})
	r.Sync = nodesync.New(env, r.Registry, r.Votes, r.set, nodesync.Options{
		Logger:     log,
		TipMaxAge:  opts.TipMaxAge,
		OnFinished: r.onSynced,
	})
	var w active.Wallet
	if opts.Wallet != nil {
		w = opts.Wallet
	}
	r.Local = active.New(env, r.Registry, r.Sync, active.Options{
		Logger:       log,
		NodeKey:      opts.NodeKey,
		ExternalAddr: opts.ExternalAddr,
		Wallet:       w,
		Dialer:       opts.Transport,
		Peers:        r.set,
		Reserved:     opts.Reserved,
	})
	r.Legacy = legacy.New(env, r.Registry, legacy.Options{Logger: log, Peers: r.set, Addrs: r.conns})

	r.Registry.SetPayments(r.Votes)
	r.Registry.SetLocal(r.Local)
	r.Registry.SetSync(r.Sync)
	r.Votes.SetSync(r.Sync)
	r.Votes.SetVoter(r.Local)

	magic := opts.Params.Magic
	r.regCache = store.NewFile[registry.Snapshot](filepath.Join(opts.DataDir, cacheFile), cacheMagic, magic, log)
	r.payCache = store.NewFile[payments.Snapshot](filepath.Join(opts.DataDir, paymentsFile), paymentsMagic, magic, log)
	return r, nil
}

// NodeID is the hex id this node announces in version messages.
func (r *Runner) NodeID() string { return r.nodeID }

// Run loads the caches, listens on addr and drives the scheduler until ctx
// ends. The bound address is sent on ready once the listener is up. The
// caches are written on the way out.
func (r *Runner) Run(ctx context.Context, addr string, ready chan<- string) error {
	r.LoadCaches()

	bound := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.transport.Listen(ctx, addr, bound, func(hctx context.Context, remote string, payload []byte) {
			_ = r.HandleRaw(hctx, remote, payload)
		})
	}()

	select {
	case actual := <-bound:
		r.setListenAddr(actual.String())
		r.log.Info("listening", zap.String("addr", actual.String()), zap.String("node_id", r.nodeID))
		if ready != nil {
			select {
			case ready <- actual.String():
			default:
			}
		}
	case err := <-errCh:
		r.shutdown()
		return err
	case <-ctx.Done():
		r.shutdown()
		return ctx.Err()
	}

	if err := r.StartScheduler(); err != nil {
		r.shutdown()
		return err
	}
	r.pool.Submit(func() {
		r.conns.tick()
		r.Local.ManageStatus(r.ctx)
	})

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	r.shutdown()
	return err
}

func (r *Runner) shutdown() {
	r.StopScheduler()
	if err := r.DumpCaches(context.Background()); err != nil {
		r.log.Warn("cache dump on shutdown failed", zap.Error(err))
	}
	r.cancel()
	r.pool.StopAndWait()
	if err := r.transport.Close(); err != nil {
		r.log.Debug("transport close", zap.Error(err))
	}
	if err := r.Metrics.WriteSnapshot(filepath.Join(r.DataDir, metricsFile)); err != nil {
		r.log.Debug("metrics snapshot", zap.Error(err))
	}
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

// ListenAddr is the address peers are told to reach us on: the external
// address when configured, else the bound listener.
func (r *Runner) ListenAddr() string {
	if r.extAddr != "" {
		return r.extAddr
	}
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) onSynced() {
	r.log.Info("service node sync finished")
	r.pool.Submit(func() { r.Local.ManageStatus(r.ctx) })
}
