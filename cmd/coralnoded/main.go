package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"coralnode/internal/api"
	"coralnode/internal/chain"
	"coralnode/internal/config"
	"coralnode/internal/crypto"
	"coralnode/internal/daemon"
	"coralnode/internal/logging"
	"coralnode/internal/network"
	"coralnode/internal/pprofutil"
	"coralnode/internal/proto"
	"coralnode/internal/wallet"
)

const (
	chainDir      = "chain"
	walletFile    = "wallet.json"
	identityFile  = "identity.key"
	passphraseEnv = "CORALNODE_WALLET_PASSPHRASE"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "genkey":
		return runGenkey(args[1:], stdout, stderr)
	case "init-config":
		return runInitConfig(args[1:], stdout, stderr)
	case "wallet":
		return runWallet(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: coralnoded <run|genkey|init-config|wallet> [args]")
	fmt.Fprintln(w, "  run         [--config <path>]")
	fmt.Fprintln(w, "  genkey")
	fmt.Fprintln(w, "  init-config [--network main|test|regtest] [--datadir <dir>]")
	fmt.Fprintln(w, "  wallet      <create|newkey|import> [--config <path>] [--passphrase <p>] [hex]")
	fmt.Fprintf(w, "the wallet passphrase may also be given in %s\n", passphraseEnv)
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (default <datadir>/"+config.FileName+")")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, log, stdout); err != nil {
		log.Error("node stopped", zap.Error(err))
		return 1
	}
	return 0
}

// serve runs the p2p node and the HTTP API until ctx ends or either fails.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, stdout io.Writer) error {
	st, err := chain.OpenLevelStore(filepath.Join(cfg.DataDir, chainDir))
	if err != nil {
		return fmt.Errorf("open chain index: %w", err)
	}
	defer func() { _ = st.Close() }()

	nodeKey, err := cfg.NodeKey()
	if err != nil {
		return err
	}
	identity, err := crypto.LoadOrCreateKey(cfg.DataDir, identityFile)
	if err != nil {
		return fmt.Errorf("identity key: %w", err)
	}
	w, err := openWallet(filepath.Join(cfg.DataDir, walletFile), st, log)
	if err != nil {
		return err
	}
	tr, err := network.New(network.Config{Logger: log})
	if err != nil {
		return err
	}
	runner, err := daemon.NewRunner(daemon.Options{
		Logger:       log,
		Params:       cfg.Params(),
		DataDir:      cfg.DataDir,
		Chain:        st,
		Sporks:       cfg.SporkTable(),
		Transport:    tr,
		Wallet:       w,
		Identity:     identity,
		NodeKey:      nodeKey,
		ExternalAddr: cfg.ExternalAddr,
		Reserved:     cfg.Reserved(),
		Peers:        cfg.Peers,
		MaxOutbound:  cfg.MaxOutbound,
		Workers:      cfg.Workers,
		TipMaxAge:    cfg.Chain.TipMaxAge,
		DumpInterval: cfg.DumpInterval,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Debug.Pprof {
		if _, err := pprofutil.Start(ctx, cfg.Debug.PprofAddr, log); err != nil {
			return err
		}
	}
	h := api.NewHandler(runner, api.Options{
		Logger:      log,
		Aliases:     cfg.Coralnode.Entries,
		ServiceNode: cfg.Coralnode.Enabled,
	})

	apiReady, nodeReady := make(chan string, 1), make(chan string, 1)
	apiErr, nodeErr := make(chan error, 1), make(chan error, 1)
	go func() { apiErr <- api.Serve(ctx, cfg.API.Listen, h, apiReady) }()
	go func() { nodeErr <- runner.Run(ctx, cfg.Listen, nodeReady) }()

	var apiAddr, nodeAddr string
	for apiAddr == "" || nodeAddr == "" {
		select {
		case apiAddr = <-apiReady:
		case nodeAddr = <-nodeReady:
		case err := <-apiErr:
			cancel()
			return errors.Join(named("api", err), named("p2p", <-nodeErr))
		case err := <-nodeErr:
			cancel()
			return errors.Join(named("p2p", err), named("api", <-apiErr))
		}
	}
	fmt.Fprintf(stdout, "READY addr=%s api=%s node_id=%s\n", nodeAddr, apiAddr, runner.NodeID())

	select {
	case err := <-apiErr:
		cancel()
		return errors.Join(named("api", err), named("p2p", <-nodeErr))
	case err := <-nodeErr:
		cancel()
		return errors.Join(named("p2p", err), named("api", <-apiErr))
	}
}

func named(what string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

// openWallet loads the keystore when one exists. It is unlocked at start
// when the passphrase is in the environment, else it stays locked until
// the API unlocks it.
func openWallet(path string, coins chain.CoinSource, log *zap.Logger) (*wallet.Wallet, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Info("no wallet, collateral commands disabled", zap.String("path", path))
		return nil, nil
	}
	w, err := wallet.Open(path, coins)
	if err != nil {
		return nil, fmt.Errorf("open wallet: %w", err)
	}
	if pass := os.Getenv(passphraseEnv); pass != "" {
		if err := w.Unlock(pass); err != nil {
			return nil, fmt.Errorf("unlock wallet: %w", err)
		}
	}
	return w, nil
}

func runGenkey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("genkey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	k, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(stderr, "genkey: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "privkey=%s\n", k.Hex())
	fmt.Fprintf(stdout, "pubkey=%s\n", proto.HexBytes(k.PubKey()))
	return 0
}

func runInitConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	netName := fs.String("network", "main", "main, test or regtest")
	dataDir := fs.String("datadir", config.DefaultDataDir(), "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := filepath.Join(*dataDir, config.FileName)
	if err := config.WriteDefault(path, *netName, *dataDir); err != nil {
		fmt.Fprintf(stderr, "init-config: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return 0
}

func runWallet(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(stdout, "usage: coralnoded wallet <create|newkey|import> [--config <path>] [--passphrase <p>] [hex]")
		return 0
	}
	sub := args[0]
	switch sub {
	case "create", "newkey", "import":
	default:
		fmt.Fprintf(stdout, "unknown wallet subcommand: %s\n", sub)
		return 1
	}
	fs := flag.NewFlagSet("wallet "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (default <datadir>/"+config.FileName+")")
	pass := fs.String("passphrase", os.Getenv(passphraseEnv), "wallet passphrase")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if *pass == "" {
		fmt.Fprintf(stderr, "missing --passphrase or %s\n", passphraseEnv)
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	path := filepath.Join(cfg.DataDir, walletFile)
	// Keys are managed offline; balances come from the running daemon.
	coins := chain.NewMemory()

	switch sub {
	case "create":
		if _, err := wallet.Create(path, *pass, coins); err != nil {
			fmt.Fprintf(stderr, "wallet create: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote %s\n", path)
		return 0
	case "newkey", "import":
		w, err := wallet.Open(path, coins)
		if err != nil {
			fmt.Fprintf(stderr, "open wallet: %v\n", err)
			return 1
		}
		if err := w.Unlock(*pass); err != nil {
			fmt.Fprintf(stderr, "unlock wallet: %v\n", err)
			return 1
		}
		defer w.Lock()
		var k *crypto.PrivateKey
		if sub == "newkey" {
			k, err = w.NewKey()
		} else if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: coralnoded wallet import [--passphrase <p>] <hex>")
			return 1
		} else if k, err = crypto.ParsePrivateKeyHex(fs.Arg(0)); err == nil {
			err = w.Import(k)
		}
		if err != nil {
			fmt.Fprintf(stderr, "wallet %s: %v\n", sub, err)
			return 1
		}
		fmt.Fprintf(stdout, "pubkey=%s\n", proto.HexBytes(k.PubKey()))
		fmt.Fprintf(stdout, "script=%s\n", proto.PayToPubKey(k.PubKey()))
		return 0
	}
	return 1
}
