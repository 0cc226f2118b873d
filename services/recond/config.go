package recond

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

// Config captures the runtime configuration for recond.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	PollInterval  Duration     `yaml:"poll_interval"`
	AlertWebhook  string       `yaml:"alert_webhook"`
	Ledger        LedgerConfig `yaml:"ledger"`
	Debt          DebtConfig   `yaml:"debt"`
	Log           LogConfig    `yaml:"log"`
}

// LedgerConfig configures the ledger client.
type LedgerConfig struct {
	Endpoint      string `yaml:"endpoint"`
	ChainID       int64  `yaml:"chain_id"`
	SignerKey     string `yaml:"signer_key"`
	SignerKeyFile string `yaml:"signer_key_file"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
	MaxBlockSpan  uint64 `yaml:"max_block_span"`
	QueryRate     int    `yaml:"query_rate"`
}

// DebtConfig binds the keeper to the debt and correction contracts.
type DebtConfig struct {
	Contract           string `yaml:"contract"`
	CorrectionContract string `yaml:"correction_contract"`
	OpenedEvent        string `yaml:"opened_event"`
	RepaidEvent        string `yaml:"repaid_event"`
	ForceAdjustedEvent string `yaml:"force_adjusted_event"`
	DriftEvent         string `yaml:"drift_event"`
	PositionSelector   string `yaml:"position_selector"`
	CorrectionSelector string `yaml:"correction_selector"`
	StartBlock         uint64 `yaml:"start_block"`
	BatchSize          uint64 `yaml:"batch_size"`
	GasCeilingGwei     uint64 `yaml:"gas_ceiling_gwei"`
	GasLimit           uint64 `yaml:"gas_limit"`
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
		cfg.ListenAddress = ":7093"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 10 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger endpoint must be configured")
	}
	if cfg.Ledger.ChainID == 0 {
		return fmt.Errorf("ledger chain_id must be configured")
	}
	if strings.TrimSpace(cfg.Debt.Contract) == "" {
		return fmt.Errorf("debt contract must be configured")
	}
	if strings.TrimSpace(cfg.Debt.CorrectionContract) == "" {
		return fmt.Errorf("correction contract must be configured")
	}
	for name, sig := range map[string]string{
		"opened_event":         cfg.Debt.OpenedEvent,
		"repaid_event":         cfg.Debt.RepaidEvent,
		"force_adjusted_event": cfg.Debt.ForceAdjustedEvent,
	} {
		if strings.TrimSpace(sig) == "" {
			return fmt.Errorf("debt %s must be configured", name)
		}
	}
	for name, sel := range map[string]string{
		"position_selector":   cfg.Debt.PositionSelector,
		"correction_selector": cfg.Debt.CorrectionSelector,
	} {
		if _, err := decodeSelector(sel); err != nil {
			return fmt.Errorf("debt %s: %w", name, err)
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
