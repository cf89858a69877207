package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures the reference sync server.
type ServerConfig struct {
	ServerPort       string
	DatabaseURL      string
	RedisURL         string
	JWTSecret        string
	JWTExpiry        time.Duration
	IdempotencyTTL   time.Duration
	StrictVersioning bool
	LogLevel         string
}

// ClientConfig configures a syncctl session against a sync server.
type ClientConfig struct {
	ServerURL           string
	WebSocketURL        string
	Token               string
	DispatchTimeout     time.Duration
	RetryMax            int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	DispatchDelay       time.Duration
	ReconnectDelay      time.Duration
	LogLevel            string
}

func LoadServerConfig() (*ServerConfig, error) {
	var p parser
	cfg := &ServerConfig{
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTExpiry:        p.duration("JWT_EXPIRY", "24h"),
		IdempotencyTTL:   p.duration("IDEMPOTENCY_TTL", "24h"),
		StrictVersioning: p.bool("STRICT_VERSIONING", "false"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
	if p.err != nil {
		return nil, p.err
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

func LoadClientConfig() (*ClientConfig, error) {
	var p parser
	cfg := &ClientConfig{
		ServerURL:           getEnv("SYNC_SERVER_URL", "http://localhost:8080"),
		WebSocketURL:        os.Getenv("SYNC_WS_URL"),
		Token:               os.Getenv("SYNC_TOKEN"),
		DispatchTimeout:     p.duration("DISPATCH_TIMEOUT", "5s"),
		RetryMax:            p.int("RETRY_MAX", "3"),
		RetryInitialBackoff: p.duration("RETRY_INITIAL_BACKOFF", "200ms"),
		RetryMaxBackoff:     p.duration("RETRY_MAX_BACKOFF", "5s"),
		RetryMultiplier:     p.float("RETRY_MULTIPLIER", "2.0"),
		DispatchDelay:       p.duration("DISPATCH_DELAY", "0s"),
		ReconnectDelay:      p.duration("RECONNECT_DELAY", "2s"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.RetryMax < 0 {
		return nil, errors.New("RETRY_MAX must not be negative")
	}
	if cfg.RetryMultiplier < 1 {
		return nil, errors.New("RETRY_MULTIPLIER must be at least 1")
	}
	if cfg.WebSocketURL == "" {
		cfg.WebSocketURL = DeriveWebSocketURL(cfg.ServerURL)
	}

	return cfg, nil
}

// DeriveWebSocketURL derives the event stream endpoint from the HTTP base URL.
func DeriveWebSocketURL(serverURL string) string {
	base := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/v1/events"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/v1/events"
	}
	return base + "/v1/events"
}

// parser keeps the first conversion error so Load* can report it once.
type parser struct {
	err error
}

func (p *parser) duration(key, def string) time.Duration {
	v, err := time.ParseDuration(getEnv(key, def))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s format", key)
	}
	return v
}

func (p *parser) int(key, def string) int {
	v, err := strconv.Atoi(getEnv(key, def))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s format", key)
	}
	return v
}

func (p *parser) float(key, def string) float64 {
	v, err := strconv.ParseFloat(getEnv(key, def), 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s format", key)
	}
	return v
}

func (p *parser) bool(key, def string) bool {
	v, err := strconv.ParseBool(getEnv(key, def))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s format", key)
	}
	return v
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
