// Package config loads the daemon settings from coralnode.yaml, a .env file
// and CORALNODE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"coralnode/internal/crypto"
	"coralnode/internal/params"
	"coralnode/internal/proto"
	"coralnode/internal/spork"
)

const (
	FileName  = "coralnode.yaml"
	EnvPrefix = "CORALNODE"

	// The API binds to the P2P port plus this offset unless configured.
	apiPortOffset = 100
)

// Entry is one alias line: a remote service node this wallet funds.
type Entry struct {
	Alias   string `mapstructure:"alias" json:"alias"`
	Addr    string `mapstructure:"addr" json:"address"`
	PrivKey string `mapstructure:"privkey" json:"privateKey"`
	TxID    string `mapstructure:"txid" json:"txHash"`
	Index   string `mapstructure:"index" json:"outputIndex"`
}

// Outpoint parses the collateral reference of e.
func (e Entry) Outpoint() (proto.Outpoint, error) {
	return proto.ParseOutpoint(e.TxID + ":" + e.Index)
}

type Coralnode struct {
	Enabled bool    `mapstructure:"enabled"`
	PrivKey string  `mapstructure:"privkey"`
	Entries []Entry `mapstructure:"entries"`
}

type API struct {
	Listen string `mapstructure:"listen"`
}

type Log struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type Chain struct {
	TipMaxAge int64 `mapstructure:"tip_max_age"`
}

type Debug struct {
	Pprof     bool   `mapstructure:"pprof"`
	PprofAddr string `mapstructure:"pprof_addr"`
}

type Config struct {
	Network      string          `mapstructure:"network"`
	DataDir      string          `mapstructure:"datadir"`
	Listen       string          `mapstructure:"listen"`
	ExternalAddr string          `mapstructure:"external_addr"`
	Peers        []string        `mapstructure:"peers"`
	MaxOutbound  int             `mapstructure:"max_outbound"`
	Workers      int             `mapstructure:"workers"`
	DumpInterval time.Duration   `mapstructure:"dump_interval"`
	API          API             `mapstructure:"api"`
	Coralnode    Coralnode       `mapstructure:"coralnode"`
	Sporks       map[string]bool `mapstructure:"sporks"`
	Log          Log             `mapstructure:"log"`
	Chain        Chain           `mapstructure:"chain"`
	Debug        Debug           `mapstructure:"debug"`

	// File is the config file that was read, empty when none existed.
	File string `mapstructure:"-"`
}

// DefaultDataDir is ~/.coralnode.
func DefaultDataDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".coralnode")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", string(params.Main))
	v.SetDefault("datadir", DefaultDataDir())
	v.SetDefault("listen", "")
	v.SetDefault("external_addr", "")
	v.SetDefault("peers", []string{})
	v.SetDefault("max_outbound", 8)
	v.SetDefault("workers", 8)
	v.SetDefault("dump_interval", 15*time.Minute)
	v.SetDefault("api.listen", "")
	v.SetDefault("coralnode.enabled", false)
	v.SetDefault("coralnode.privkey", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("chain.tip_max_age", 60*60)
	v.SetDefault("debug.pprof", false)
	v.SetDefault("debug.pprof_addr", "127.0.0.1:6060")
}

// Load reads the configuration. An empty path looks for coralnode.yaml in
// the data dir and tolerates its absence; an explicit path must exist.
// A .env file in the working directory is applied first and never
// overrides variables already set.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(v.GetString("datadir"), FileName)
	}
	v.SetConfigFile(path)
	file := path
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		file = ""
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish validates the settings and fills the network dependent defaults.
func (c *Config) finish() error {
	p, err := params.For(c.Network)
	if err != nil {
		return err
	}
	c.Network = string(p.Net)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0:" + strconv.Itoa(p.DefaultPort)
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:" + strconv.Itoa(p.DefaultPort+apiPortOffset)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive: %d", c.Workers)
	}
	if c.DumpInterval < time.Minute {
		return fmt.Errorf("dump_interval too short: %s", c.DumpInterval)
	}
	if c.Coralnode.Enabled {
		if c.Coralnode.PrivKey == "" {
			return errors.New("coralnode.enabled requires coralnode.privkey")
		}
		if _, err := crypto.ParsePrivateKeyHex(c.Coralnode.PrivKey); err != nil {
			return fmt.Errorf("coralnode.privkey: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Coralnode.Entries))
	for i, e := range c.Coralnode.Entries {
		if e.Alias == "" {
			return fmt.Errorf("coralnode.entries[%d]: missing alias", i)
		}
		if seen[e.Alias] {
			return fmt.Errorf("coralnode.entries: duplicate alias %q", e.Alias)
		}
		seen[e.Alias] = true
		if _, err := e.Outpoint(); err != nil {
			return fmt.Errorf("alias %s: %w", e.Alias, err)
		}
	}
	if _, err := spork.FromConfig(c.Sporks); err != nil {
		return err
	}
	return nil
}

// Params returns the network parameters; Load already validated the name.
func (c *Config) Params() params.Params {
	return params.MustFor(c.Network)
}

// SporkTable builds the feature flag table from the sporks section.
func (c *Config) SporkTable() *spork.Table {
	t, err := spork.FromConfig(c.Sporks)
	if err != nil {
		return spork.NewTable()
	}
	return t
}

// NodeKey parses the operational key, nil when service node mode is off.
func (c *Config) NodeKey() (*crypto.PrivateKey, error) {
	if !c.Coralnode.Enabled {
		return nil, nil
	}
	return crypto.ParsePrivateKeyHex(c.Coralnode.PrivKey)
}

// Entry looks up an alias.
func (c *Config) Entry(alias string) (Entry, bool) {
	for _, e := range c.Coralnode.Entries {
		if e.Alias == alias {
			return e, true
		}
	}
	return Entry{}, false
}

// Reserved lists the collateral outputs of every alias.
func (c *Config) Reserved() []proto.Outpoint {
	out := make([]proto.Outpoint, 0, len(c.Coralnode.Entries))
	for _, e := range c.Coralnode.Entries {
		if op, err := e.Outpoint(); err == nil {
			out = append(out, op)
		}
	}
	return out
}

const template = `# coralnode configuration
network: %s
datadir: %s
listen: ""
external_addr: ""
peers: []
workers: 8
dump_interval: 15m

api:
  listen: ""

coralnode:
  enabled: false
  privkey: ""
  # entries:
  #   - alias: mn1
  #     addr: 203.0.113.7:27210
  #     privkey: <hex operational key>
  #     txid: <collateral txid>
  #     index: 0

sporks: {}

log:
  level: info
  encoding: json

chain:
  tip_max_age: 3600

debug:
  pprof: false
`

// WriteDefault writes a commented starter config for network to path and
// refuses to overwrite an existing file.
func WriteDefault(path, network, dataDir string) error {
	p, err := params.For(network)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf(template, p.Net, dataDir)), 0o600)
}
