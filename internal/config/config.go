package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings for the API and its background workers.
type Config struct {
	HTTPAddr         string
	PGDSN            string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	JWTSecret        string
	JWTTTL           time.Duration
	ReaperInterval   time.Duration
	WebhookTimeout   time.Duration
	LogLevel         string
	PublicBotURL     string
	RateBurst        int
	RatePerSec       float64
	OTPTTL           time.Duration
	LinkTokenTTL     time.Duration
	MetricsNamespace string
	SuperAdmins      []string
	OperatorApps     []string
}

var ErrMissingJWTSecret = errors.New("config: BIFROST_JWT_SECRET is required")

// Load reads an optional .env file followed by BIFROST_* variables.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config using getenv for lookups.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		HTTPAddr:         p.str("BIFROST_HTTP_ADDR", ":8080"),
		PGDSN:            p.str("BIFROST_PG_DSN", ""),
		RedisAddr:        p.str("BIFROST_REDIS_ADDR", ""),
		RedisPassword:    p.str("BIFROST_REDIS_PASSWORD", ""),
		RedisDB:          p.int("BIFROST_REDIS_DB", 0),
		JWTSecret:        p.str("BIFROST_JWT_SECRET", ""),
		JWTTTL:           p.duration("BIFROST_JWT_TTL", 24*time.Hour),
		ReaperInterval:   p.duration("BIFROST_REAPER_INTERVAL", time.Hour),
		WebhookTimeout:   p.duration("BIFROST_WEBHOOK_TIMEOUT", 5*time.Second),
		LogLevel:         p.str("BIFROST_LOG_LEVEL", "info"),
		PublicBotURL:     p.str("BIFROST_PUBLIC_BOT_URL", ""),
		RateBurst:        p.int("BIFROST_RATE_BURST", 50),
		RatePerSec:       p.float("BIFROST_RATE_PER_SEC", 25),
		OTPTTL:           p.duration("BIFROST_OTP_TTL", 10*time.Minute),
		LinkTokenTTL:     p.duration("BIFROST_LINK_TOKEN_TTL", 15*time.Minute),
		MetricsNamespace: p.str("BIFROST_METRICS_NAMESPACE", "bifrost"),
		SuperAdmins:      splitList(p.str("BIFROST_SUPER_ADMINS", "")),
		OperatorApps:     splitList(p.str("BIFROST_OPERATOR_APPS", "")),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, cfg.Validate()
}

// RegisterFlags binds command-line overrides onto cfg. Call after Load and
// before fs.Parse.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.PGDSN, "dsn", c.PGDSN, "Postgres DSN; empty selects the in-memory store")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for the reaper lock")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&c.ReaperInterval, "reaper-interval", c.ReaperInterval, "expiry reaper interval")
}

// Validate checks invariants that cannot be defaulted.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return ErrMissingJWTSecret
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("config: reaper interval must be positive")
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("config: rate limit must be positive")
	}
	return nil
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: parse %s: %w", key, err)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
