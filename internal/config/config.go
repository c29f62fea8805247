// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/threatwatch/internal/notify"
)

// Engine transports.
const (
	EngineGRPC = "grpc"
	EngineA2A  = "a2a"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	CORSOrigins []string
	DBPath      string
	LogLevel    slog.Level

	Engine EngineConfig
	Scan   ScanConfig
	NATS   NATSConfig
	SMTP   notify.SMTPConfig
}

// EngineConfig selects and addresses the agent-execution engine.
type EngineConfig struct {
	Kind    string
	Addr    string
	A2AURL  string
	Connect time.Duration
}

// ScanConfig bounds scan execution and fan-out.
type ScanConfig struct {
	Timeout        time.Duration
	TraceQueueSize int
	ObserverBuffer int
}

// NATSConfig controls the optional trace mirror.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// Enabled reports whether a NATS server is configured.
func (n NATSConfig) Enabled() bool { return n.URL != "" }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		DBPath:      getEnv("DB_PATH", "./data/threatwatch.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Engine: EngineConfig{
			Kind:    strings.ToLower(getEnv("ENGINE_KIND", EngineGRPC)),
			Addr:    getEnv("ENGINE_ADDR", "localhost:50051"),
			A2AURL:  getEnv("A2A_URL", ""),
			Connect: getEnvDuration("ENGINE_CONNECT_TIMEOUT", 5*time.Second),
		},
		Scan: ScanConfig{
			Timeout:        getEnvDuration("SCAN_TIMEOUT", 30*time.Minute),
			TraceQueueSize: getEnvInt("TRACE_QUEUE_SIZE", 256),
			ObserverBuffer: getEnvInt("OBSERVER_BUFFER", 64),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "threatwatch.trace"),
		},
		SMTP: notify.SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
	}

	if cfg.FrontendURL != "" && !contains(cfg.CORSOrigins, cfg.FrontendURL) {
		cfg.CORSOrigins = append(cfg.CORSOrigins, cfg.FrontendURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Engine.Kind {
	case EngineGRPC:
		if c.Engine.Addr == "" {
			return fmt.Errorf("ENGINE_ADDR cannot be empty when ENGINE_KIND=grpc")
		}
	case EngineA2A:
		if c.Engine.A2AURL == "" {
			return fmt.Errorf("A2A_URL cannot be empty when ENGINE_KIND=a2a")
		}
	default:
		return fmt.Errorf("ENGINE_KIND must be %q or %q, got %q", EngineGRPC, EngineA2A, c.Engine.Kind)
	}
	if c.Scan.Timeout < 0 {
		return fmt.Errorf("SCAN_TIMEOUT must be >= 0")
	}
	if c.Scan.TraceQueueSize <= 0 {
		return fmt.Errorf("TRACE_QUEUE_SIZE must be > 0")
	}
	if c.Scan.ObserverBuffer <= 0 {
		return fmt.Errorf("OBSERVER_BUFFER must be > 0")
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("SMTP_PORT must be a valid port")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("90s", "30m") or a bare
// number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
