package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"tradesim/internal/domain"
)

const (
	// DefaultPath is used when TRADESIM_CONFIG is unset.
	DefaultPath = "config/tradesim.yaml"

	// JournalDisabled as storage.journal_path turns the fill journal off.
	JournalDisabled = "none"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradesim server.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Logging  Logging  `yaml:"logging"`
	Emulator Emulator `yaml:"emulator"`
	Risk     Risk     `yaml:"risk"`
}

// Storage holds paths for data persistence. Empty paths are derived from
// DataDir.
type Storage struct {
	DataDir      string `yaml:"data_dir"`
	SnapshotPath string `yaml:"snapshot_path"`
	JournalPath  string `yaml:"journal_path"`
	// ArchiveBars writes generated history to Parquet under DataDir.
	ArchiveBars bool `yaml:"archive_bars"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
	// Backend is "emulator" or "alpaca".
	Backend string `yaml:"backend"`
}

// HTTPAddr returns host:port of the HTTP listener.
func (s Server) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCAddr returns host:port of the gRPC listener, or "" when disabled.
func (s Server) GRPCAddr() string {
	if s.GRPCPort <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Emulator controls the simulated brokerage.
type Emulator struct {
	TickInterval    time.Duration      `yaml:"tick_interval"`
	Seed            uint64             `yaml:"seed"`
	AccountID       string             `yaml:"account_id"`
	Currency        string             `yaml:"currency"`
	SeedMonths      int                `yaml:"seed_months"`
	HistoryDays     int                `yaml:"history_days"`
	CommissionRate  float64            `yaml:"commission_rate"`
	TickVolatility  float64            `yaml:"tick_volatility"`
	SpreadBps       float64            `yaml:"spread_bps"`
	MaxFillLots     float64            `yaml:"max_fill_lots"`
	MarketHoursOnly bool               `yaml:"market_hours_only"`
	Instruments     []InstrumentConfig `yaml:"instruments"`
}

// InstrumentConfig describes one tradable symbol. Zero fields take the
// generator defaults.
type InstrumentConfig struct {
	Symbol     string  `yaml:"symbol"`
	Name       string  `yaml:"name"`
	Currency   string  `yaml:"currency"`
	LotSize    float64 `yaml:"lot_size"`
	Decimals   int     `yaml:"decimals"`
	StartPrice float64 `yaml:"start_price"`
	Volatility float64 `yaml:"volatility"`
	Drift      float64 `yaml:"drift"`
	BaseVolume int64   `yaml:"base_volume"`
}

// Instrument converts to the domain type, filling currency and lot size.
func (ic InstrumentConfig) Instrument(defaultCurrency string) domain.Instrument {
	inst := domain.Instrument{
		Symbol:     ic.Symbol,
		Name:       ic.Name,
		Currency:   ic.Currency,
		LotSize:    ic.LotSize,
		Decimals:   ic.Decimals,
		StartPrice: ic.StartPrice,
		Volatility: ic.Volatility,
		Drift:      ic.Drift,
		BaseVolume: ic.BaseVolume,
	}
	if inst.Currency == "" {
		inst.Currency = defaultCurrency
	}
	if inst.LotSize <= 0 {
		inst.LotSize = 1
	}
	if inst.Decimals <= 0 {
		inst.Decimals = 2
	}
	return inst
}

// Risk defines pre-trade limits.
type Risk struct {
	MaxPositionPct float64 `yaml:"max_position_pct"`
}

// Default returns the configuration used for any field the file leaves
// unset.
func Default() *Config {
	return &Config{
		Storage: Storage{DataDir: "data"},
		Server:  Server{Host: "0.0.0.0", Port: 8080, GRPCPort: 9090, Backend: "emulator"},
		Alpaca:  Alpaca{BaseURL: "https://paper-api.alpaca.markets", RateLimitPerMin: 200},
		Logging: Logging{Level: "info", Format: "json"},
		Emulator: Emulator{
			TickInterval:   5 * time.Second,
			AccountID:      "demo",
			Currency:       "USD",
			SeedMonths:     6,
			HistoryDays:    365,
			CommissionRate: 0.0005,
			TickVolatility: 0.005,
			SpreadBps:      2,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file path from TRADESIM_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("TRADESIM_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over Default(),
// then applies environment variable overrides and validates the result. A
// missing file is not an error; defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SNAPSHOT_PATH"); v != "" {
		cfg.Storage.SnapshotPath = v
	}
	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		cfg.Storage.JournalPath = v
	}
	if v := os.Getenv("TRADESIM_BACKEND"); v != "" {
		cfg.Server.Backend = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("TRADESIM_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TRADESIM_SEED: %w", err)
		}
		cfg.Emulator.Seed = seed
	}
	if v := os.Getenv("TRADESIM_TICK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TRADESIM_TICK: %w", err)
		}
		cfg.Emulator.TickInterval = d
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// Standard Alpaca env vars win over the ALPACA_* names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.Storage.SnapshotPath == "" {
		c.Storage.SnapshotPath = filepath.Join(c.Storage.DataDir, "tradesim-state.json")
	}
	if c.Storage.JournalPath == "" {
		c.Storage.JournalPath = filepath.Join(c.Storage.DataDir, "tradesim-journal.db")
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Server.Backend {
	case "emulator":
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			return fmt.Errorf("config: alpaca backend requires api_key and api_secret")
		}
	default:
		return fmt.Errorf("config: unknown server.backend %q", c.Server.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	e := c.Emulator
	if e.TickInterval < time.Second {
		return fmt.Errorf("config: emulator.tick_interval %s is below 1s", e.TickInterval)
	}
	if e.AccountID == "" || e.Currency == "" {
		return fmt.Errorf("config: emulator.account_id and emulator.currency are required")
	}
	if e.CommissionRate < 0 || e.CommissionRate >= 1 {
		return fmt.Errorf("config: emulator.commission_rate %v out of range", e.CommissionRate)
	}
	if e.MaxFillLots < 0 {
		return fmt.Errorf("config: emulator.max_fill_lots must not be negative")
	}
	if c.Risk.MaxPositionPct < 0 {
		return fmt.Errorf("config: risk.max_position_pct must not be negative")
	}
	seen := make(map[string]bool, len(e.Instruments))
	for i, inst := range e.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("config: emulator.instruments[%d] has no symbol", i)
		}
		if seen[inst.Symbol] {
			return fmt.Errorf("config: instrument %s listed twice", inst.Symbol)
		}
		seen[inst.Symbol] = true
		if inst.StartPrice < 0 || inst.Volatility < 0 || inst.LotSize < 0 {
			return fmt.Errorf("config: instrument %s has negative parameters", inst.Symbol)
		}
	}
	return nil
}

// InstrumentList returns the configured instruments as domain types, or nil
// when none are configured.
func (c *Config) InstrumentList() []domain.Instrument {
	if len(c.Emulator.Instruments) == 0 {
		return nil
	}
	out := make([]domain.Instrument, 0, len(c.Emulator.Instruments))
	for _, ic := range c.Emulator.Instruments {
		out = append(out, ic.Instrument(c.Emulator.Currency))
	}
	return out
}
