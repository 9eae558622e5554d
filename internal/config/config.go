// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64

	// Phoenix tracing backend.
	PhoenixURL   string // Base URL; /graphql is appended. Empty means discover via CML.
	APIKey       string // Bearer token for Phoenix and CML (CDSW_APIV2_KEY).
	CABundlePath string // PEM bundle for TLS roots. Empty uses the system pool.
	CDSWDomain   string
	CDSWProject  string

	// Agent Studio management service (JSON proxy in front of gRPC).
	StudioURL string

	// Execution driver settings.
	PollInterval        time.Duration
	FetchTimeout        time.Duration
	MaxSessions         int
	SessionIdleTTL      time.Duration
	TranscriptIncludeCompletions bool

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		PhoenixURL:   envStr("KANSOKU_PHOENIX_URL", ""),
		APIKey:       envStr("CDSW_APIV2_KEY", ""),
		CABundlePath: envStr("KANSOKU_CA_BUNDLE", ""),
		CDSWDomain:   envStr("CDSW_DOMAIN", ""),
		CDSWProject:  envStr("CDSW_PROJECT_ID", ""),
		StudioURL:    envStr("KANSOKU_STUDIO_URL", "http://127.0.0.1:3000"),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "kansoku"),
		LogLevel:     envStr("KANSOKU_LOG_LEVEL", "info"),
	}

	var err error
	cfg.Port, err = envInt("KANSOKU_PORT", 8090)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KANSOKU_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KANSOKU_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("KANSOKU_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)
	maxBody, err := envInt("KANSOKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)

	cfg.PollInterval, err = envDuration("KANSOKU_POLL_INTERVAL", time.Second)
	collect(err)
	cfg.FetchTimeout, err = envDuration("KANSOKU_FETCH_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.MaxSessions, err = envInt("KANSOKU_MAX_SESSIONS", 256)
	collect(err)
	cfg.SessionIdleTTL, err = envDuration("KANSOKU_SESSION_IDLE_TTL", 30*time.Minute)
	collect(err)
	cfg.TranscriptIncludeCompletions, err = envBool("KANSOKU_TRANSCRIPT_INCLUDE_COMPLETIONS", false)
	collect(err)

	cfg.RateLimitEnabled, err = envBool("KANSOKU_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("KANSOKU_RATE_LIMIT_RPS", 50)
	collect(err)
	cfg.RateLimitBurst, err = envInt("KANSOKU_RATE_LIMIT_BURST", 100)
	collect(err)
	cfg.OTELInsecure, err = envBool("KANSOKU_OTEL_INSECURE", false)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KANSOKU_PORT must be between 1 and 65535")
	}
	if c.PhoenixURL != "" {
		if err := validateURL("KANSOKU_PHOENIX_URL", c.PhoenixURL); err != nil {
			return err
		}
	}
	if err := validateURL("KANSOKU_STUDIO_URL", c.StudioURL); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: KANSOKU_POLL_INTERVAL must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("config: KANSOKU_FETCH_TIMEOUT must be positive")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: KANSOKU_MAX_SESSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KANSOKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: KANSOKU_RATE_LIMIT_RPS and KANSOKU_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

// ValidatePhoenix checks that the Phoenix URL is set or can be discovered.
// Callers that bring their own trace source skip it.
func (c Config) ValidatePhoenix() error {
	if c.PhoenixURL == "" && (c.CDSWDomain == "" || c.CDSWProject == "") {
		return fmt.Errorf("config: KANSOKU_PHOENIX_URL is required unless CDSW_DOMAIN and CDSW_PROJECT_ID are set")
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s=%q is not an absolute URL", key, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: %s must use http or https", key)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
