package oracleguardd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for oracleguardd.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	PollInterval  Duration          `yaml:"poll_interval"`
	AlertWebhook  string            `yaml:"alert_webhook"`
	Ledger        LedgerConfig      `yaml:"ledger"`
	Oracle        OracleConfig      `yaml:"oracle"`
	Feed          FeedConfig        `yaml:"feed"`
	Assets        []AssetYAMLConfig `yaml:"assets"`
	Log           LogConfig         `yaml:"log"`
}

// LedgerConfig configures the ledger client.
type LedgerConfig struct {
	Endpoint      string `yaml:"endpoint"`
	ChainID       int64  `yaml:"chain_id"`
	SignerKey     string `yaml:"signer_key"`
	SignerKeyFile string `yaml:"signer_key_file"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
}

// OracleConfig binds the keeper to the oracle contract.
type OracleConfig struct {
	Contract       string `yaml:"contract"`
	ReadSelector   string `yaml:"read_selector"`
	UnsafeSelector string `yaml:"unsafe_selector"`
	ResetSelector  string `yaml:"reset_selector"`
	GasLimit       uint64 `yaml:"gas_limit"`
}

// FeedConfig configures the independent reference feed.
type FeedConfig struct {
	Endpoint string            `yaml:"endpoint"`
	AssetIDs map[string]string `yaml:"asset_ids"`
}

// AssetYAMLConfig is the YAML form of one monitored asset.
type AssetYAMLConfig struct {
	Symbol              string `yaml:"symbol"`
	MaxStalenessSeconds uint64 `yaml:"max_staleness_seconds"`
	MaxDeviationBps     uint64 `yaml:"max_deviation_bps"`
}

// LogConfig enables optional rotating file output.
type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger signer: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7092"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = time.Minute
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger endpoint must be configured")
	}
	if cfg.Ledger.ChainID == 0 {
		return fmt.Errorf("ledger chain_id must be configured")
	}
	if strings.TrimSpace(cfg.Oracle.Contract) == "" {
		return fmt.Errorf("oracle contract must be configured")
	}
	for name, sel := range map[string]string{
		"read_selector":   cfg.Oracle.ReadSelector,
		"unsafe_selector": cfg.Oracle.UnsafeSelector,
		"reset_selector":  cfg.Oracle.ResetSelector,
	} {
		if _, err := decodeSelector(sel); err != nil {
			return fmt.Errorf("oracle %s: %w", name, err)
		}
	}
	if len(cfg.Assets) == 0 {
		return fmt.Errorf("at least one asset must be configured")
	}
	for i, asset := range cfg.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("assets[%d]: symbol must be configured", i)
		}
		if asset.MaxStalenessSeconds == 0 {
			return fmt.Errorf("assets[%d]: max_staleness_seconds must be configured", i)
		}
		if asset.MaxDeviationBps == 0 {
			return fmt.Errorf("assets[%d]: max_deviation_bps must be configured", i)
		}
	}
	return nil
}

func decodeSelector(raw string) ([]byte, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode selector: %w", err)
	}
	if len(decoded) != 4 {
		return nil, fmt.Errorf("selector must be 4 bytes")
	}
	return decoded, nil
}

func (c *LedgerConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("ledger configuration missing")
	}
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}
