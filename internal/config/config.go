// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/pagepilot/internal/security"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxBrowserPoolSize = 20
	maxMaxSessions     = 1000
	maxMaxMemoryMB     = 16384
	maxTimeout         = 30 * time.Minute
	maxRateLimitRPM    = 10000
	minAPIKeyLength    = 16
	minRulesRefresh    = 30 * time.Second
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Server settings
	Host string
	Port int

	// Browser settings
	Headless           bool
	BrowserPath        string
	StealthEnabled     bool
	AutoDismissDialogs bool // accept alert() dialogs so pages never stay blocked
	IgnoreCertErrors   bool
	ProxyURL           string

	// AllowPrivateTargets lets page runs reach loopback and private networks.
	AllowPrivateTargets bool

	// Pool settings
	BrowserPoolSize    int
	BrowserPoolTimeout time.Duration
	MaxMemoryMB        int

	// Session settings
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	MaxSessions            int

	// Timeouts bound how long scripts may run on a page.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string
	APIKeyEnabled      bool
	APIKey             string

	// Rules
	RulesPath            string
	RulesHotReload       bool
	RulesRemoteURL       string
	RulesRefreshInterval time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Localhost by default; set HOST=0.0.0.0 to expose.
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8390),

		Headless:           getEnvBool("HEADLESS", true),
		BrowserPath:        getEnvString("BROWSER_PATH", ""),
		StealthEnabled:     getEnvBool("STEALTH_ENABLED", true),
		AutoDismissDialogs: getEnvBool("AUTO_DISMISS_DIALOGS", true),
		IgnoreCertErrors:   getEnvBool("IGNORE_CERT_ERRORS", false),
		ProxyURL:           getEnvString("PROXY_URL", ""),

		AllowPrivateTargets: getEnvBool("ALLOW_PRIVATE_TARGETS", false),

		BrowserPoolSize:    getEnvInt("BROWSER_POOL_SIZE", 2),
		BrowserPoolTimeout: getEnvDuration("BROWSER_POOL_TIMEOUT", 30*time.Second),
		MaxMemoryMB:        getEnvInt("MAX_MEMORY_MB", 2048),

		SessionTTL:             getEnvDuration("SESSION_TTL", 30*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Minute),
		MaxSessions:            getEnvInt("MAX_SESSIONS", 50),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 15*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 5*time.Minute),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", 9390),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		APIKeyEnabled:      getEnvBool("API_KEY_ENABLED", false),
		APIKey:             getEnvString("API_KEY", ""),

		RulesPath:            getEnvString("RULES_PATH", ""),
		RulesHotReload:       getEnvBool("RULES_HOT_RELOAD", false),
		RulesRemoteURL:       getEnvString("RULES_REMOTE_URL", ""),
		RulesRefreshInterval: getEnvDuration("RULES_REFRESH_INTERVAL", 10*time.Minute),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8390")
		c.Port = 8390
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().
			Str("path", c.BrowserPath).
			Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	c.BrowserPoolSize = clampInt("BROWSER_POOL_SIZE", c.BrowserPoolSize, 1, maxBrowserPoolSize, 2)
	c.MaxMemoryMB = clampInt("MAX_MEMORY_MB", c.MaxMemoryMB, 256, maxMaxMemoryMB, 2048)
	c.MaxSessions = clampInt("MAX_SESSIONS", c.MaxSessions, 1, maxMaxSessions, 50)

	// MaxTimeout first so DefaultTimeout can be checked against it.
	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("Max timeout too short, using 5m")
		c.MaxTimeout = 5 * time.Minute
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().
			Dur("timeout", c.MaxTimeout).
			Dur("max", maxTimeout).
			Msg("Max timeout too high, capping to maximum")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("Default timeout too short, using 15s")
		c.DefaultTimeout = 15 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().
			Dur("default", c.DefaultTimeout).
			Dur("max", c.MaxTimeout).
			Msg("Default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	c.SessionTTL = clampDuration("SESSION_TTL", c.SessionTTL, time.Minute, 24*time.Hour)
	c.SessionCleanupInterval = clampDuration("SESSION_CLEANUP_INTERVAL", c.SessionCleanupInterval, 10*time.Second, time.Hour)
	if c.SessionCleanupInterval >= c.SessionTTL {
		log.Warn().
			Dur("cleanup_interval", c.SessionCleanupInterval).
			Dur("ttl", c.SessionTTL).
			Msg("SESSION_CLEANUP_INTERVAL should be less than SESSION_TTL for timely cleanup")
	}
	c.BrowserPoolTimeout = clampDuration("BROWSER_POOL_TIMEOUT", c.BrowserPoolTimeout, time.Second, 5*time.Minute)

	if c.RateLimitEnabled {
		c.RateLimitRPM = clampInt("RATE_LIMIT_RPM", c.RateLimitRPM, 1, maxRateLimitRPM, 60)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Info().Msg("CORS_ALLOWED_ORIGINS not set - browser clients on other origins are rejected")
	}

	if c.IgnoreCertErrors {
		log.Warn().Msg("IGNORE_CERT_ERRORS enabled - pages are exposed to MITM attacks")
	}

	if err := security.ValidateProxyURL(c.ProxyURL, true); err != nil {
		log.Error().Err(err).Str("proxy", security.RedactProxyURL(c.ProxyURL)).Msg("Invalid PROXY_URL, ignoring")
		c.ProxyURL = ""
	}
	if c.AllowPrivateTargets {
		log.Warn().Msg("ALLOW_PRIVATE_TARGETS enabled - page runs may reach internal networks")
	}

	c.validatePorts()
	c.validateRules()

	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - authentication will always fail")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().
				Int("length", len(c.APIKey)).
				Int("min_required", minAPIKeyLength).
				Msg("API_KEY is too short for secure authentication - consider using a longer key")
		}
	}
}

// validatePorts moves auxiliary servers off ports that are already taken.
func (c *Config) validatePorts() {
	used := map[int]string{}
	if c.Port > 0 {
		used[c.Port] = "PORT"
	}

	claim := func(name string, port *int, enabled *bool) {
		if !*enabled {
			return
		}
		if other, taken := used[*port]; taken {
			log.Error().
				Int("port", *port).
				Str("conflicts_with", other).
				Msgf("%s conflicts with another port, adjusting", name)
			for used[*port] != "" {
				*port++
				if *port > 65535 {
					log.Warn().Msgf("Could not find a free port for %s, disabling", name)
					*enabled = false
					return
				}
			}
		}
		used[*port] = name
	}

	claim("PROMETHEUS_PORT", &c.PrometheusPort, &c.PrometheusEnabled)
	claim("PPROF_PORT", &c.PProfPort, &c.PProfEnabled)
}

func (c *Config) validateRules() {
	if c.RulesPath != "" {
		if strings.Contains(c.RulesPath, "..") {
			log.Error().
				Str("path", c.RulesPath).
				Msg("RulesPath contains path traversal sequence (..), ignoring")
			c.RulesPath = ""
		} else if c.RulesHotReload {
			if _, err := os.Stat(c.RulesPath); os.IsNotExist(err) {
				log.Warn().
					Str("path", c.RulesPath).
					Msg("RulesPath does not exist - hot-reload cannot watch it")
			}
		}
	}

	if c.RulesHotReload && c.RulesPath == "" {
		log.Warn().Msg("RULES_HOT_RELOAD enabled but RULES_PATH not set - hot-reload disabled")
		c.RulesHotReload = false
	}

	if c.RulesRemoteURL != "" {
		if !strings.HasPrefix(c.RulesRemoteURL, "https://") && !strings.HasPrefix(c.RulesRemoteURL, "http://") {
			log.Error().Str("url", c.RulesRemoteURL).Msg("RULES_REMOTE_URL must be http(s), ignoring")
			c.RulesRemoteURL = ""
		}
		if c.RulesRefreshInterval < minRulesRefresh {
			log.Warn().
				Dur("interval", c.RulesRefreshInterval).
				Dur("min", minRulesRefresh).
				Msg("Rules refresh interval too short, using minimum")
			c.RulesRefreshInterval = minRulesRefresh
		}
	}
}

func clampInt(key string, v, lo, hi, def int) int {
	switch {
	case v < lo:
		log.Warn().Str("key", key).Int("value", v).Int("default", def).Msg("Value too low, using default")
		return def
	case v > hi:
		log.Warn().Str("key", key).Int("value", v).Int("max", hi).Msg("Value too high, capping to maximum")
		return hi
	}
	return v
}

func clampDuration(key string, v, lo, hi time.Duration) time.Duration {
	switch {
	case v < lo:
		log.Warn().Str("key", key).Dur("value", v).Dur("min", lo).Msg("Duration too short, using minimum")
		return lo
	case v > hi:
		log.Warn().Str("key", key).Dur("value", v).Dur("max", hi).Msg("Duration too long, using maximum")
		return hi
	}
	return v
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return int(n)
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
