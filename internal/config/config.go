// Package config reads process settings from BLOODNET_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the validated process configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string // empty disables the gRPC health listener

	StoreDriver string
	PGDSN       string
	SQLitePath  string

	OutboxPath string // empty keeps failed notifications only in the log

	AuthSecret string
	TokenTTL   time.Duration
	DevTokens  bool // POST /v1/auth/token issues tokens for registered users

	NotifyTimeout time.Duration
	WebhookURL    string
	PublicURL     string

	ReceiptBucket    string
	ReceiptRegion    string
	ReceiptEndpoint  string
	ReceiptPathStyle bool

	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string

	BootstrapAdminID       string
	BootstrapAdminUsername string
}

// Load reads the environment through getenv (os.Getenv when nil) and
// validates the result.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	var errs []error
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}
	duration := func(key string, def time.Duration) time.Duration {
		raw := env(key, "")
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
			return def
		}
		return d
	}
	boolean := func(key string, def bool) bool {
		raw := env(key, "")
		if raw == "" {
			return def
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid bool %q", key, raw))
			return def
		}
		return b
	}

	cfg := Config{
		HTTPAddr:               env("BLOODNET_HTTP_ADDR", ":8080"),
		GRPCAddr:               env("BLOODNET_GRPC_ADDR", ""),
		StoreDriver:            strings.ToLower(env("BLOODNET_STORE", DriverMemory)),
		PGDSN:                  env("BLOODNET_PG_DSN", ""),
		SQLitePath:             env("BLOODNET_SQLITE_PATH", "data/bloodnet.db"),
		OutboxPath:             env("BLOODNET_OUTBOX_PATH", ""),
		AuthSecret:             env("BLOODNET_AUTH_SECRET", ""),
		TokenTTL:               duration("BLOODNET_TOKEN_TTL", time.Hour),
		DevTokens:              boolean("BLOODNET_DEV_TOKENS", false),
		NotifyTimeout:          duration("BLOODNET_NOTIFY_TIMEOUT", 5*time.Second),
		WebhookURL:             env("BLOODNET_NOTIFY_WEBHOOK_URL", ""),
		PublicURL:              env("BLOODNET_PUBLIC_URL", ""),
		ReceiptBucket:          env("BLOODNET_RECEIPTS_S3_BUCKET", ""),
		ReceiptRegion:          env("BLOODNET_RECEIPTS_S3_REGION", "us-east-1"),
		ReceiptEndpoint:        env("BLOODNET_RECEIPTS_S3_ENDPOINT", ""),
		ReceiptPathStyle:       boolean("BLOODNET_RECEIPTS_S3_PATH_STYLE", false),
		RateLimitRPS:           20,
		RateLimitBurst:         40,
		BootstrapAdminID:       env("BLOODNET_BOOTSTRAP_ADMIN_ID", ""),
		BootstrapAdminUsername: env("BLOODNET_BOOTSTRAP_ADMIN_USERNAME", "admin"),
	}
	if raw := env("BLOODNET_RATE_LIMIT_RPS", ""); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			errs = append(errs, fmt.Errorf("BLOODNET_RATE_LIMIT_RPS: invalid value %q", raw))
		} else {
			cfg.RateLimitRPS = v
		}
	}
	if raw := env("BLOODNET_RATE_LIMIT_BURST", ""); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			errs = append(errs, fmt.Errorf("BLOODNET_RATE_LIMIT_BURST: invalid value %q", raw))
		} else {
			cfg.RateLimitBurst = v
		}
	}
	for _, origin := range strings.Split(env("BLOODNET_ALLOWED_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	switch cfg.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			errs = append(errs, errors.New("BLOODNET_SQLITE_PATH is required for the sqlite store"))
		}
	case DriverPostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, errors.New("BLOODNET_PG_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("BLOODNET_STORE: unknown driver %q", cfg.StoreDriver))
	}
	if cfg.AuthSecret == "" {
		errs = append(errs, errors.New("BLOODNET_AUTH_SECRET is required"))
	}
	if cfg.HTTPAddr == "" {
		errs = append(errs, errors.New("BLOODNET_HTTP_ADDR must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
