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
)

// Config of the messaging server.
type Config struct {
	DBFile         string
	AdminAddr      string
	APIAddr        string
	AuthSecret     string
	TokenExpiry    time.Duration
	AllowedOrigins []string
	LogLevel       slog.Level
}

// ClientConfig of the terminal client.
type ClientConfig struct {
	URL               string
	Token             string
	Identity          string
	PerPage           int
	PendingTimeout    time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	LogLevel          slog.Level
}

// Load reads the server configuration from the environment. A .env file in
// the working directory is loaded first when present. cliMode skips checks
// that only the running server needs.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load()

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:         getEnv("NEXUM_DB", "nexum.db"),
		AdminAddr:      getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:        getEnv("API_ADDR", ":8080"),
		AuthSecret:     os.Getenv("AUTH_SECRET"),
		TokenExpiry:    tokenExpiry,
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		LogLevel:       level,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	return nil
}

// LoadClient reads the terminal client configuration.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	var errs []error
	duration := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return d
	}
	integer := func(key, fallback string) int {
		n, err := strconv.Atoi(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return n
	}

	cfg := &ClientConfig{
		URL:               getEnv("NEXUM_URL", "http://localhost:8080"),
		Token:             os.Getenv("NEXUM_TOKEN"),
		Identity:          os.Getenv("NEXUM_IDENTITY"),
		PerPage:           integer("NEXUM_PER_PAGE", "20"),
		PendingTimeout:    duration("NEXUM_PENDING_TIMEOUT", "30s"),
		ReconnectMin:      duration("NEXUM_RECONNECT_MIN", "1s"),
		ReconnectMax:      duration("NEXUM_RECONNECT_MAX", "30s"),
		ReconnectAttempts: integer("NEXUM_RECONNECT_ATTEMPTS", "0"),
	}
	level, err := parseLevel(getEnv("LOG_LEVEL", "warn"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.LogLevel = level

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.Token == "" {
		return errors.New("NEXUM_TOKEN is required")
	}
	if c.Identity == "" {
		return errors.New("NEXUM_IDENTITY is required")
	}
	if c.PerPage <= 0 {
		return errors.New("NEXUM_PER_PAGE must be greater than 0")
	}
	if c.PendingTimeout <= 0 {
		return errors.New("NEXUM_PENDING_TIMEOUT must be greater than 0")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return errors.New("NEXUM_RECONNECT_MIN must be positive and not above NEXUM_RECONNECT_MAX")
	}
	if c.ReconnectAttempts < 0 {
		return errors.New("NEXUM_RECONNECT_ATTEMPTS must not be negative")
	}
	return nil
}

// WebsocketURL derives the push channel address from the API base URL.
func (c *ClientConfig) WebsocketURL() string {
	u := strings.TrimRight(c.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/chat"
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return level, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
