package bridged

import (
	"encoding/hex"
	"fmt"
	"math/big"
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

// Config captures the runtime configuration for bridged.
type Config struct {
	ListenAddress    string         `yaml:"listen"`
	PauseOnStart     bool           `yaml:"pause"`
	PollInterval     Duration       `yaml:"poll_interval"`
	MaxAttempts      int            `yaml:"max_attempts"`
	RetryBackoff     Duration       `yaml:"retry_backoff"`
	RetryBackoffMax  Duration       `yaml:"retry_backoff_max"`
	SubmitTimeout    Duration       `yaml:"submit_timeout"`
	AnomalyThreshold uint           `yaml:"anomaly_threshold"`
	Health           HealthConfig   `yaml:"health"`
	Idempotency      IdemConfig     `yaml:"idempotency"`
	DatabasePath     string         `yaml:"database"`
	AlertWebhook     string         `yaml:"alert_webhook"`
	Ledger           LedgerConfig   `yaml:"ledger"`
	Sources          []SourceConfig `yaml:"sources"`
	Attestation      AttestConfig   `yaml:"attestation"`
	Admin            AdminConfig    `yaml:"admin"`
	Log              LogConfig      `yaml:"log"`
}

// AttestConfig enables the validator attestation ingest endpoint.
type AttestConfig struct {
	Enabled            bool            `yaml:"enabled"`
	ChainID            uint64          `yaml:"chain_id"`
	Contract           string          `yaml:"contract"`
	Validators         []string        `yaml:"validators"`
	MinSignatures      int             `yaml:"min_signatures"`
	ClockSkewTolerance Duration        `yaml:"clock_skew_tolerance"`
	MinSpacing         Duration        `yaml:"min_spacing"`
	InitialSupplyCap   string          `yaml:"initial_supply_cap"`
	ArchivePath        string          `yaml:"archive_path"`
	Limits             RateLimitConfig `yaml:"limits"`
}

// RateLimitConfig caps accepted attestation volume per rolling window.
// Amounts are decimal strings; empty means unlimited.
type RateLimitConfig struct {
	MinuteTxLimit   int    `yaml:"minute_tx_limit"`
	MinuteAmountCap string `yaml:"minute_amount_cap"`
	HourAmountCap   string `yaml:"hour_amount_cap"`
	DayAmountCap    string `yaml:"day_amount_cap"`
}

// HealthConfig sets the per-direction failure thresholds.
type HealthConfig struct {
	SoftThreshold uint `yaml:"soft_threshold"`
	HardThreshold uint `yaml:"hard_threshold"`
}

// IdemConfig bounds the idempotency cache.
type IdemConfig struct {
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"max_entries"`
}

// LedgerConfig configures the destination ledger client.
type LedgerConfig struct {
	Endpoint      string `yaml:"endpoint"`
	ChainID       int64  `yaml:"chain_id"`
	SignerKey     string `yaml:"signer_key"`
	SignerKeyFile string `yaml:"signer_key_file"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
	GasLimit      uint64 `yaml:"gas_limit"`
	MaxBlockSpan  uint64 `yaml:"max_block_span"`
	QueryRate     int    `yaml:"query_rate"`
}

// SourceConfig describes one watched source contract.
type SourceConfig struct {
	Direction      string `yaml:"direction"`
	Contract       string `yaml:"contract"`
	EventSignature string `yaml:"event_signature"`
	StartBlock     uint64 `yaml:"start_block"`
	Confirmations  uint64 `yaml:"confirmations"`
	BatchSize      uint64 `yaml:"batch_size"`
	DestContract   string `yaml:"dest_contract"`
	DestSelector   string `yaml:"dest_selector"`
	DestGasLimit   uint64 `yaml:"dest_gas_limit"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
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
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7091"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff.Duration == 0 {
		cfg.RetryBackoff.Duration = defaultBackoffBase
	}
	if cfg.RetryBackoffMax.Duration == 0 {
		cfg.RetryBackoffMax.Duration = defaultBackoffMax
	}
	if cfg.SubmitTimeout.Duration == 0 {
		cfg.SubmitTimeout.Duration = defaultSubmitTimeout
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "bridged.db"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger endpoint must be configured")
	}
	if cfg.Ledger.ChainID == 0 {
		return fmt.Errorf("ledger chain_id must be configured")
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for i, source := range cfg.Sources {
		direction := strings.ToLower(strings.TrimSpace(source.Direction))
		if direction == "" {
			return fmt.Errorf("sources[%d]: direction must be configured", i)
		}
		if _, dup := seen[direction]; dup {
			return fmt.Errorf("sources[%d]: duplicate direction %s", i, direction)
		}
		seen[direction] = struct{}{}
		if strings.TrimSpace(source.Contract) == "" {
			return fmt.Errorf("sources[%d]: contract must be configured", i)
		}
		if strings.TrimSpace(source.EventSignature) == "" {
			return fmt.Errorf("sources[%d]: event_signature must be configured", i)
		}
		if strings.TrimSpace(source.DestContract) == "" {
			return fmt.Errorf("sources[%d]: dest_contract must be configured", i)
		}
		if _, err := source.selectorBytes(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}
	if cfg.Attestation.Enabled {
		if cfg.Attestation.ChainID == 0 {
			return fmt.Errorf("attestation chain_id must be configured")
		}
		if strings.TrimSpace(cfg.Attestation.Contract) == "" {
			return fmt.Errorf("attestation contract must be configured")
		}
		if cfg.Attestation.MinSignatures < 1 {
			return fmt.Errorf("attestation min_signatures must be at least 1")
		}
		if len(cfg.Attestation.Validators) < cfg.Attestation.MinSignatures {
			return fmt.Errorf("attestation validators must cover min_signatures")
		}
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	return nil
}

func parseCap(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must be a non-negative decimal", raw)
	}
	return value, nil
}

func (s SourceConfig) selectorBytes() ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s.DestSelector), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode dest_selector: %w", err)
	}
	if len(decoded) != 4 {
		return nil, fmt.Errorf("dest_selector must be 4 bytes")
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

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
