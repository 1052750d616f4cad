// Package config loads facilitator settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	facilitator "github.com/apitoll/facilitator"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreRemote   = "remote"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

const (
	DefaultPort           = "4022"
	DefaultRPCURL         = "https://mainnet.base.org"
	DefaultMaxAmount      = "100"
	DefaultSQLitePath     = "data/facilitator.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultAllowedOrigins = "*"
)

// Config holds every runtime setting.
type Config struct {
	Port           string
	PrivateKey     string
	RPCURL         string
	Chain          string
	AllowedOrigins []string
	APIKeys        string
	MaxAmount      decimal.Decimal

	RateLimit     int
	RateWindow    time.Duration
	SweepInterval time.Duration

	Confirmations       uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	Retention           time.Duration
	PruneInterval       time.Duration
	ForwardTimeout      time.Duration

	StoreDriver string
	StoreURL    string
	StoreSecret string
	StoreDSN    string
	Resume      bool

	LogLevel  string
	LogFormat string
}

// Load reads .env (when present, never overriding real variables) and then the
// process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Parse errors for every variable are
// reported together.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		Port:           p.str("PORT", DefaultPort),
		PrivateKey:     p.str("EVM_PRIVATE_KEY", ""),
		RPCURL:         p.str("EVM_RPC_URL", DefaultRPCURL),
		Chain:          strings.ToLower(p.str("CHAIN", facilitator.DefaultChain)),
		AllowedOrigins: splitList(p.str("ALLOWED_ORIGINS", defaultAllowedOrigins)),
		APIKeys:        p.str("FACILITATOR_API_KEYS", ""),
		MaxAmount:      p.decimal("MAX_PAYMENT_AMOUNT", DefaultMaxAmount),

		RateLimit:     p.int("RATE_LIMIT_MAX", 30),
		RateWindow:    p.duration("RATE_LIMIT_WINDOW", 60*time.Second),
		SweepInterval: p.duration("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),

		Confirmations:       uint64(p.int("CONFIRMATIONS", 1)),
		ConfirmationTimeout: p.duration("CONFIRMATION_TIMEOUT", 120*time.Second),
		PollInterval:        p.duration("RECEIPT_POLL_INTERVAL", 2*time.Second),
		Retention:           p.duration("LEDGER_RETENTION", facilitator.DefaultRetention),
		PruneInterval:       p.duration("LEDGER_PRUNE_INTERVAL", facilitator.DefaultPruneInterval),
		ForwardTimeout:      p.duration("FORWARD_TIMEOUT", facilitator.DefaultForwardTimeout),

		StoreURL:    p.str("STORE_URL", ""),
		StoreSecret: p.str("STORE_SECRET", ""),
		StoreDSN:    p.str("STORE_DSN", ""),
		Resume:      p.bool("RECOVERY_RESUME", true),

		LogLevel:  strings.ToLower(p.str("LOG_LEVEL", defaultLogLevel)),
		LogFormat: strings.ToLower(p.str("LOG_FORMAT", defaultLogFormat)),
	}

	defaultDriver := StoreSQLite
	if cfg.StoreURL != "" {
		defaultDriver = StoreRemote
	}
	cfg.StoreDriver = strings.ToLower(p.str("STORE_DRIVER", defaultDriver))

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if _, err := facilitator.GetChainConfig(c.Chain); err != nil {
		errs = append(errs, fmt.Errorf("CHAIN: %w (known: %s)", err, strings.Join(facilitator.KnownChainNames(), ", ")))
	}
	if !c.MaxAmount.IsPositive() {
		errs = append(errs, fmt.Errorf("MAX_PAYMENT_AMOUNT must be greater than 0"))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be greater than 0"))
	}
	if c.Confirmations == 0 {
		errs = append(errs, fmt.Errorf("CONFIRMATIONS must be at least 1"))
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StoreRemote:
		if c.StoreURL == "" {
			errs = append(errs, fmt.Errorf("STORE_URL is required for the remote store"))
		}
		if c.StoreSecret == "" {
			errs = append(errs, fmt.Errorf("STORE_SECRET is required for the remote store"))
		}
	case StoreSQLite:
	case StorePostgres:
		if c.StoreDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q is not one of memory, remote, sqlite, postgres", c.StoreDriver))
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not one of json, text", c.LogFormat))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ChainConfig returns the registry entry of the enabled chain.
func (c *Config) ChainConfig() (facilitator.ChainConfig, error) {
	return facilitator.GetChainConfig(c.Chain)
}

// SQLitePath returns the database path for the sqlite driver.
func (c *Config) SQLitePath() string {
	if c.StoreDSN != "" {
		return c.StoreDSN
	}
	return DefaultSQLitePath
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// ParseLevel converts a level name into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
	}
}

// parser reads typed variables and collects every parse error.
type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return def
	}
	return v
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return v
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	raw := p.str(key, def)
	v, err := decimal.NewFromString(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid decimal %q", key, raw))
		return decimal.RequireFromString(def)
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
