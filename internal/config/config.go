// Package config loads the gateway configuration: built-in defaults,
// overridden by an optional YAML file, overridden by ANSIBLE_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Node tiers.
const (
	TierBackbone = "backbone"
	TierEdge     = "edge"
)

// DefaultListenPort is the default backbone sync listener port.
const DefaultListenPort = 1235

// LockSweep configures the stale session-lock reaper.
type LockSweep struct {
	Enabled      bool `koanf:"enabled"`
	EverySeconds int  `koanf:"everySeconds"`
	StaleSeconds int  `koanf:"staleSeconds"`
}

// SLASweep configures the coordinator SLA breach detector.
type SLASweep struct {
	Enabled             bool     `koanf:"enabled"`
	EverySeconds        int      `koanf:"everySeconds"`
	RecordOnly          bool     `koanf:"recordOnly"`
	MaxMessagesPerSweep int      `koanf:"maxMessagesPerSweep"`
	FyiAgents           []string `koanf:"fyiAgents"`
}

// Config holds the gateway's runtime configuration.
type Config struct {
	Tier           string   `koanf:"tier"`
	ListenHost     string   `koanf:"listenHost"`
	ListenPort     int      `koanf:"listenPort"`
	BackbonePeers  []string `koanf:"backbonePeers"`
	NodeIDOverride string   `koanf:"nodeIdOverride"`
	Capabilities   []string `koanf:"capabilities"`

	InjectContext       bool     `koanf:"injectContext"`
	InjectContextAgents []string `koanf:"injectContextAgents"`
	DispatchIncoming    bool     `koanf:"dispatchIncoming"`

	LockSweep LockSweep `koanf:"lockSweep"`
	SLASweep  SLASweep  `koanf:"slaSweep"`

	DataDir    string `koanf:"dataDir"`
	SessionDir string `koanf:"sessionDir"`
	LogLevel   string `koanf:"logLevel"`
}

func defaults() map[string]any {
	return map[string]any{
		"tier":                         TierEdge,
		"listenHost":                   "",
		"listenPort":                   DefaultListenPort,
		"injectContext":                true,
		"dispatchIncoming":             true,
		"lockSweep.enabled":            true,
		"lockSweep.everySeconds":       60,
		"lockSweep.staleSeconds":       300,
		"slaSweep.enabled":             false,
		"slaSweep.everySeconds":        300,
		"slaSweep.recordOnly":          false,
		"slaSweep.maxMessagesPerSweep": 20,
		"dataDir":                      defaultDataDir(),
		"logLevel":                     "info",
	}
}

// Load reads configuration from defaults, then the YAML file at path
// (skipped when path is empty or missing), then ANSIBLE_* environment
// variables (ANSIBLE_LISTENPORT, ANSIBLE_LOCKSWEEP_STALESECONDS, ...).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// Env names are case-folded onto the canonical camelCase keys, so
	// ANSIBLE_LOCKSWEEP_STALESECONDS lands on lockSweep.staleSeconds.
	canonical := make(map[string]string)
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}
	if err := k.Load(env.Provider("ANSIBLE_", ".", func(s string) string {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "ANSIBLE_")), "_", ".")
		if canon, ok := canonical[key]; ok {
			return canon
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values, applies floors, and
// ensures required directories exist.
func (c *Config) Validate() error {
	switch c.Tier {
	case TierBackbone, TierEdge:
	default:
		return fmt.Errorf("tier must be %q or %q, got %q", TierBackbone, TierEdge, c.Tier)
	}
	if c.Tier == TierEdge && len(c.BackbonePeers) == 0 {
		return fmt.Errorf("edge tier requires at least one backbone peer URL")
	}
	for _, peer := range c.BackbonePeers {
		if !strings.HasPrefix(peer, "ws://") && !strings.HasPrefix(peer, "wss://") {
			return fmt.Errorf("backbone peer %q must be a ws:// or wss:// URL", peer)
		}
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listenPort %d out of range", c.ListenPort)
	}

	// Sweep cadence floors: anything below 30s is raised, not rejected.
	if c.LockSweep.EverySeconds < 30 {
		c.LockSweep.EverySeconds = 30
	}
	if c.LockSweep.StaleSeconds < 30 {
		c.LockSweep.StaleSeconds = 30
	}
	if c.SLASweep.EverySeconds < 30 {
		c.SLASweep.EverySeconds = 30
	}
	if c.SLASweep.MaxMessagesPerSweep <= 0 {
		c.SLASweep.MaxMessagesPerSweep = 20
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if c.SessionDir == "" {
		c.SessionDir = filepath.Join(c.DataDir, "agents")
	}
	return nil
}

// NodeID returns the effective node id: the override when set,
// otherwise the hostname.
func (c *Config) NodeID() (string, error) {
	if c.NodeIDOverride != "" {
		return c.NodeIDOverride, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve hostname: %w", err)
	}
	return host, nil
}

// SnapshotPath returns the path of the persisted state snapshot.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "ansible-state.yjs")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "ansible")
	}
	return filepath.Join(home, ".config", "ansible")
}
