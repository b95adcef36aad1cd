// Package config loads the service configuration from a YAML file, an
// optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stakewise/v3-core-sub000/internal/synth"
	"github.com/stakewise/v3-core-sub000/internal/vault"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Vault   VaultConfig   `yaml:"vault"`
	Synth   *SynthConfig  `yaml:"synthetic"` // nil disables the synthetic token
	Faucet  bool          `yaml:"faucet"`    // lets anyone mint underlying assets; development only
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit"` // requests per second per caller
	RateBurst    int           `yaml:"rate_burst"`
}

// StorageConfig selects the store. DatabaseURL wins over SQLitePath; with
// neither set the engine runs on the in-memory store.
type StorageConfig struct {
	DatabaseURL   string        `yaml:"database_url"`
	RedisURL      string        `yaml:"redis_url"`
	SQLitePath    string        `yaml:"sqlite_path"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	SnapshotEvery int           `yaml:"snapshot_every"` // commits between snapshots
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// VaultConfig configures the vault. Addresses are 0x-prefixed hex and
// amounts decimal strings.
type VaultConfig struct {
	Address       string        `yaml:"address"`
	Admin         string        `yaml:"admin"`
	Keeper        string        `yaml:"keeper"`
	Validators    string        `yaml:"validators"`
	MevEscrow     string        `yaml:"mev_escrow"`
	ChainID       uint64        `yaml:"chain_id"`
	FeeRecipient  string        `yaml:"fee_recipient"`
	FeePercent    uint64        `yaml:"fee_percent"` // basis points
	Capacity      string        `yaml:"capacity"`
	ClaimDelay    time.Duration `yaml:"claim_delay"`
	Blocklist     bool          `yaml:"blocklist"`
	InstantSettle bool          `yaml:"instant_settle"`
	InstantBuffer string        `yaml:"instant_buffer"`
}

// SynthConfig configures the synthetic token.
type SynthConfig struct {
	Pool                string        `yaml:"pool"`
	Escrow              string        `yaml:"escrow"`
	Admin               string        `yaml:"admin"`
	Redeemer            string        `yaml:"redeemer"`
	Treasury            string        `yaml:"treasury"`
	FeePercent          uint64        `yaml:"fee_percent"`
	RewardPerSecond     string        `yaml:"reward_per_second"` // WAD-scaled
	Capacity            string        `yaml:"capacity"`
	LtvPercent          uint64        `yaml:"ltv_percent"`
	LiqThresholdPercent uint64        `yaml:"liq_threshold_percent"` // 0 disables liquidations
	LiqBonusPercent     uint64        `yaml:"liq_bonus_percent"`
	RedemptionDelay     time.Duration `yaml:"redemption_delay"`
}

// Load reads the YAML file at path, if any, and the .env file if it exists.
// Environment variables override values from the file.
func Load(path string) (*Config, error) {
	// Load .env if present (missing file is not an error).
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides overrides values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults fills values left empty.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.RateLimit <= 0 {
		cfg.Server.RateLimit = 20
	}
	if cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = 40
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Storage.SnapshotEvery <= 0 {
		cfg.Storage.SnapshotEvery = 1
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Vault.ChainID == 0 {
		cfg.Vault.ChainID = 1
	}
	if s := cfg.Synth; s != nil {
		if s.Admin == "" {
			s.Admin = cfg.Vault.Admin
		}
		if s.LtvPercent == 0 {
			s.LtvPercent = 9000
		}
	}
}

// Validate checks that every address and amount parses.
func (c *Config) Validate() error {
	if _, err := c.VaultConfig(); err != nil {
		return err
	}
	if c.Synth != nil {
		if _, err := c.SynthConfig(); err != nil {
			return err
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// VaultConfig converts the vault section.
func (c *Config) VaultConfig() (vault.Config, error) {
	v := c.Vault
	var p parser
	out := vault.Config{
		Address:       p.required("vault.address", v.Address),
		Admin:         p.required("vault.admin", v.Admin),
		Keeper:        p.required("vault.keeper", v.Keeper),
		Validators:    p.required("vault.validators", v.Validators),
		MevEscrow:     p.address("vault.mev_escrow", v.MevEscrow),
		ChainID:       v.ChainID,
		FeeRecipient:  p.address("vault.fee_recipient", v.FeeRecipient),
		FeePercent:    v.FeePercent,
		Capacity:      p.amount("vault.capacity", v.Capacity),
		ClaimDelay:    v.ClaimDelay,
		InstantSettle: v.InstantSettle,
		InstantBuffer: p.amount("vault.instant_buffer", v.InstantBuffer),
	}
	if v.Blocklist {
		out.Capabilities |= vault.CapBlocklist
	}
	if c.Synth != nil {
		out.Capabilities |= vault.CapSyntheticToken
	}
	return out, p.err
}

// SynthConfig converts the synthetic section. It returns nil when the
// synthetic token is disabled.
func (c *Config) SynthConfig() (*synth.Config, error) {
	s := c.Synth
	if s == nil {
		return nil, nil
	}
	var p parser
	threshold := s.LiqThresholdPercent
	if threshold == 0 {
		threshold = synth.LiquidationDisabled
	}
	out := &synth.Config{
		Pool:            p.required("synthetic.pool", s.Pool),
		Escrow:          p.required("synthetic.escrow", s.Escrow),
		Admin:           p.required("synthetic.admin", s.Admin),
		Redeemer:        p.address("synthetic.redeemer", s.Redeemer),
		Treasury:        p.address("synthetic.treasury", s.Treasury),
		FeePercent:      s.FeePercent,
		RewardPerSecond: p.amount("synthetic.reward_per_second", s.RewardPerSecond),
		Capacity:        p.amount("synthetic.capacity", s.Capacity),
		Ltv: synth.LtvConfig{
			LtvPercent:          s.LtvPercent,
			LiqThresholdPercent: threshold,
			LiqBonusPercent:     s.LiqBonusPercent,
		},
		RedemptionDelay: s.RedemptionDelay,
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := out.Ltv.Validate(); err != nil {
		return nil, fmt.Errorf("synthetic ltv: %w", err)
	}
	return out, nil
}

// parser collects the first conversion error.
type parser struct{ err error }

var errRequired = errors.New("required")

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (p *parser) address(key, s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		p.fail(key, fmt.Errorf("invalid address %q", s))
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *parser) required(key, s string) common.Address {
	if s == "" {
		p.fail(key, errRequired)
		return common.Address{}
	}
	return p.address(key, s)
}

func (p *parser) amount(key, s string) *uint256.Int {
	if s == "" {
		return nil
	}
	x, err := uint256.FromDecimal(s)
	if err != nil {
		p.fail(key, err)
		return nil
	}
	return x
}
