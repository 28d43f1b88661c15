// Package config handles pulsewire configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pulsewire/config.yaml, /config/config.yaml,
// /etc/pulsewire/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pulsewire", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/pulsewire/config.yaml")
	return paths
}

// searchPathsFunc is indirected for tests, which override it to avoid
// finding real config files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all pulsewire configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	Store        StoreConfig        `yaml:"store"`
	Distribution DistributionConfig `yaml:"distribution"`
	ChainMirror  ChainMirrorConfig  `yaml:"chain_mirror"`
	Adapters     AdaptersConfig     `yaml:"adapters"`
}

// ListenConfig defines the HTTP/WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StoreConfig defines alert-store retention tunables.
type StoreConfig struct {
	// MaxAlerts is the global retention cap (§4.2). Default 10000.
	MaxAlerts int `yaml:"max_alerts"`
	// HashTTL bounds how long a dedup hash outlives its evicted alert.
	HashTTL time.Duration `yaml:"hash_ttl"`
}

// DistributionConfig defines distribution-fabric tunables.
type DistributionConfig struct {
	// TrialMode forces PricePerAlert to 0, disabling the Charge side-effect.
	TrialMode bool `yaml:"trial_mode"`
	// PricePerAlert is the USDC amount charged per delivered alert when
	// TrialMode is false.
	PricePerAlert float64 `yaml:"price_per_alert"`
	// StreamBufferSize bounds each live stream's outbound buffer.
	StreamBufferSize int `yaml:"stream_buffer_size"`
	// BackpressureInterval is the minimum gap between consolidated
	// BACKPRESSURE warnings sent to the same stream.
	BackpressureInterval time.Duration `yaml:"backpressure_interval"`
}

// ChainMirrorConfig defines the external authoritative-balance client.
type ChainMirrorConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether the chain mirror connection has both a
// URL and a token. A partial configuration is treated as unconfigured,
// and subscribers fall back to local-only balances.
func (c ChainMirrorConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// AdaptersConfig is the source-adapter table (§4.1/§6).
type AdaptersConfig struct {
	HTTPNews        []HTTPNewsSourceConfig  `yaml:"http_news"`
	RegulatoryEmail RegulatoryEmailConfig   `yaml:"regulatory_email"`
	GitHubAdvisory  GitHubAdvisoryConfig    `yaml:"github_advisory"`
	MQTTBridge      MQTTBridgeConfig        `yaml:"mqtt_bridge"`
	ChangeDetect    []ChangeDetectSourceCfg `yaml:"change_detect"`
}

// AdapterCommon holds the fields shared by every adapter table row.
type AdapterCommon struct {
	Enabled bool          `yaml:"enabled"`
	Cadence time.Duration `yaml:"cadence"`
	Mock    bool          `yaml:"mock"`
}

// HTTPNewsSourceConfig configures one general-interest/press-release HTTP source.
type HTTPNewsSourceConfig struct {
	AdapterCommon `yaml:",inline"`
	Key           string   `yaml:"key"`
	URL           string   `yaml:"url"`
	Channel       string   `yaml:"channel"`
	SourceType    string   `yaml:"source_type"`
	Keywords      []string `yaml:"keywords"`
}

// RegulatoryEmailConfig configures the IMAP-polled regulatory mailbox adapter.
type RegulatoryEmailConfig struct {
	AdapterCommon `yaml:",inline"`
	Accounts      []RegulatoryEmailAccount `yaml:"accounts"`
}

// RegulatoryEmailAccount binds one mailbox to a channel.
type RegulatoryEmailAccount struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Folder   string `yaml:"folder"`
	Channel  string `yaml:"channel"`
}

// GitHubAdvisoryConfig configures the repository security-advisory polling adapter.
type GitHubAdvisoryConfig struct {
	AdapterCommon `yaml:",inline"`
	Token         string   `yaml:"token"`
	Repos         []string `yaml:"repos"` // "owner/name"
	Channel       string   `yaml:"channel"`
}

// MQTTBridgeConfig configures the whale-movement MQTT bridge adapter.
type MQTTBridgeConfig struct {
	AdapterCommon `yaml:",inline"`
	Broker        string `yaml:"broker"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Topic         string `yaml:"topic"`
	Channel       string `yaml:"channel"`
}

// ChangeDetectSourceCfg configures one yield/TVL change-detection endpoint.
type ChangeDetectSourceCfg struct {
	AdapterCommon  `yaml:",inline"`
	Key            string  `yaml:"key"`
	URL            string  `yaml:"url"`
	Channel        string  `yaml:"channel"`
	ChangeThreshold float64 `yaml:"change_threshold"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${DATA_DIR}, ${GITHUB_TOKEN}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Store.MaxAlerts == 0 {
		c.Store.MaxAlerts = 10000
	}
	if c.Store.HashTTL == 0 {
		c.Store.HashTTL = 7 * 24 * time.Hour
	}
	if c.Distribution.StreamBufferSize == 0 {
		c.Distribution.StreamBufferSize = 64
	}
	if c.Distribution.BackpressureInterval == 0 {
		c.Distribution.BackpressureInterval = 30 * time.Second
	}
	if c.Distribution.TrialMode {
		c.Distribution.PricePerAlert = 0
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Store.MaxAlerts < 1 {
		return fmt.Errorf("store.max_alerts must be positive")
	}
	if c.Distribution.PricePerAlert < 0 {
		return fmt.Errorf("distribution.price_per_alert must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development
// in mock mode (no external credentials required). All defaults applied.
func Default() *Config {
	cfg := &Config{
		Distribution: DistributionConfig{
			TrialMode: true,
		},
		Adapters: AdaptersConfig{
			HTTPNews: []HTTPNewsSourceConfig{
				{
					AdapterCommon: AdapterCommon{Enabled: true, Cadence: 5 * time.Minute, Mock: true},
					Key:           "mock-news",
					Channel:       "news/general",
					SourceType:    "news",
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}
