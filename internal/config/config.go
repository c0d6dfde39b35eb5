package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/engine"
	"github.com/ent0n29/parley/internal/session"
)

// Config contains all runtime settings for the gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	TokenCookie string
	// AdminIDs may change the status of any assistant; others only of the
	// assistants they own.
	AdminIDs []string

	// AutoOptimizeAllowAnonymous opts the one-shot endpoint into an
	// unauthenticated preview mode.
	AutoOptimizeAllowAnonymous bool

	BindPolicy          session.Policy
	UnknownConversation engine.UnknownConversationPolicy
	LeaseTTL            time.Duration

	WSReadLimit    int64
	WSPongWait     time.Duration
	WSWriteTimeout time.Duration
	WSInboundRate  float64
	WSInboundBurst int

	DatabaseURL string
	RedisURL    string

	BrainMode       string
	BrainHTTPURL    string
	BrainHTTPToken  string
	BrainHTTPStrict bool
	BrainMaxRetries int
	BrainTimeout    time.Duration

	AssistantCatalogPath string
	HistoryLimit         int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		LogLevel:             envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("APP_LOG_FORMAT", "json"),
		JWTSecret:            stringsTrimSpace("AUTH_JWT_SECRET"),
		JWTIssuer:            stringsTrimSpace("AUTH_JWT_ISSUER"),
		JWTAudience:          stringsTrimSpace("AUTH_JWT_AUDIENCE"),
		TokenCookie:          envOrDefault("AUTH_TOKEN_COOKIE", "access_token_cookie"),
		AdminIDs:             listFromEnv("AUTH_ADMIN_IDS"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		RedisURL:             stringsTrimSpace("REDIS_URL"),
		BrainMode:            envOrDefault("BRAIN_MODE", "auto"),
		BrainHTTPURL:         stringsTrimSpace("BRAIN_HTTP_URL"),
		BrainHTTPToken:       stringsTrimSpace("BRAIN_HTTP_TOKEN"),
		AssistantCatalogPath: stringsTrimSpace("ASSISTANT_CATALOG_PATH"),
		ShutdownTimeout:      15 * time.Second,
		LeaseTTL:             30 * time.Second,
		WSReadLimit:          1 << 20,
		WSPongWait:           60 * time.Second,
		WSWriteTimeout:       10 * time.Second,
		WSInboundRate:        5,
		WSInboundBurst:       10,
		BrainMaxRetries:      2,
		BrainTimeout:         60 * time.Second,
		HistoryLimit:         20,
	}

	var err error
	if cfg.BindPolicy, err = session.ParsePolicy(os.Getenv("SESSION_BIND_POLICY")); err != nil {
		return Config{}, fmt.Errorf("SESSION_BIND_POLICY: %w", err)
	}
	if cfg.UnknownConversation, err = engine.ParseUnknownConversationPolicy(os.Getenv("SESSION_UNKNOWN_CONVERSATION")); err != nil {
		return Config{}, fmt.Errorf("SESSION_UNKNOWN_CONVERSATION: %w", err)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_LEASE_TTL", &cfg.LeaseTTL},
		{"WS_PONG_WAIT", &cfg.WSPongWait},
		{"WS_WRITE_TIMEOUT", &cfg.WSWriteTimeout},
		{"BRAIN_TIMEOUT", &cfg.BrainTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"WS_INBOUND_BURST", &cfg.WSInboundBurst},
		{"BRAIN_MAX_RETRIES", &cfg.BrainMaxRetries},
		{"CONVERSATION_HISTORY_LIMIT", &cfg.HistoryLimit},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	readLimit, err := intFromEnv("WS_READ_LIMIT", int(cfg.WSReadLimit))
	if err != nil {
		return Config{}, err
	}
	cfg.WSReadLimit = int64(readLimit)
	if cfg.WSInboundRate, err = floatFromEnv("WS_INBOUND_RATE", cfg.WSInboundRate); err != nil {
		return Config{}, err
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"APP_AUTO_OPTIMIZE_ALLOW_ANONYMOUS", &cfg.AutoOptimizeAllowAnonymous},
		{"BRAIN_HTTP_STRICT", &cfg.BrainHTTPStrict},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if cfg.WSPongWait < time.Second {
		return Config{}, fmt.Errorf("WS_PONG_WAIT must be at least 1s")
	}
	if cfg.WSReadLimit <= 0 {
		return Config{}, fmt.Errorf("WS_READ_LIMIT must be positive")
	}
	if cfg.WSInboundRate <= 0 || cfg.WSInboundBurst <= 0 {
		return Config{}, fmt.Errorf("WS_INBOUND_RATE and WS_INBOUND_BURST must be positive")
	}
	if cfg.BrainMaxRetries < 0 {
		return Config{}, fmt.Errorf("BRAIN_MAX_RETRIES must be >= 0")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("CONVERSATION_HISTORY_LIMIT must be positive")
	}
	if cfg.LeaseTTL < time.Second {
		return Config{}, fmt.Errorf("SESSION_LEASE_TTL must be at least 1s")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func listFromEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(stringsTrimSpace(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
