package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for the EcoTrade server.
type Config struct {
	HTTPPort      int
	DatabaseURL   string
	LogLevel      string
	JWTSecret     string
	CORSOrigins   []string
	MQTTBrokerURL string
	MQTTClientID  string
	MDNSEnabled   bool
	Locale        string

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	MistralAPIKey  string
	MistralAgentID string
	MistralBaseURL string
}

const (
	defaultHTTPPort         = 8080
	defaultDatabaseURL      = "data/ecotrade.db"
	defaultLogLevel         = "info"
	defaultMQTTClientID     = "ecotrade-server"
	defaultRetryMaxAttempts = 3
	defaultRetryBaseDelay   = time.Second
	defaultRetryMaxDelay    = 10 * time.Second
	defaultMistralBaseURL   = "https://api.mistral.ai"
	defaultLocale           = "id"
)

// Load derives configuration values from environment variables, falling back to defaults.
// A .env file in the working directory is read first when present.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := Config{
		HTTPPort:         defaultHTTPPort,
		DatabaseURL:      defaultDatabaseURL,
		LogLevel:         defaultLogLevel,
		CORSOrigins:      []string{"*"},
		MQTTClientID:     defaultMQTTClientID,
		MDNSEnabled:      true,
		Locale:           defaultLocale,
		RetryMaxAttempts: defaultRetryMaxAttempts,
		RetryBaseDelay:   defaultRetryBaseDelay,
		RetryMaxDelay:    defaultRetryMaxDelay,
		MistralBaseURL:   defaultMistralBaseURL,
	}

	if v := os.Getenv("ECOTRADE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ECOTRADE_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("ECOTRADE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}

	if v := os.Getenv("ECOTRADE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.JWTSecret = os.Getenv("ECOTRADE_JWT_SECRET")
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("ECOTRADE_JWT_SECRET is required")
	}

	if v := os.Getenv("ECOTRADE_CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORSOrigins = origins
	}

	cfg.MQTTBrokerURL = os.Getenv("ECOTRADE_MQTT_BROKER_URL")
	if v := os.Getenv("ECOTRADE_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}

	if v := os.Getenv("ECOTRADE_MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ECOTRADE_MDNS_ENABLED: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	if v := os.Getenv("ECOTRADE_LOCALE"); v != "" {
		cfg.Locale = v
	}

	if v := os.Getenv("ECOTRADE_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ECOTRADE_RETRY_MAX_ATTEMPTS: %w", err)
		}
		if n < 1 {
			return Config{}, fmt.Errorf("ECOTRADE_RETRY_MAX_ATTEMPTS must be at least 1")
		}
		cfg.RetryMaxAttempts = n
	}

	if v := os.Getenv("ECOTRADE_RETRY_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ECOTRADE_RETRY_BASE_DELAY: %w", err)
		}
		cfg.RetryBaseDelay = d
	}

	if v := os.Getenv("ECOTRADE_RETRY_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ECOTRADE_RETRY_MAX_DELAY: %w", err)
		}
		cfg.RetryMaxDelay = d
	}

	cfg.MistralAPIKey = os.Getenv("MISTRAL_API_KEY")
	cfg.MistralAgentID = os.Getenv("MISTRAL_AGENT_ID")
	if v := os.Getenv("MISTRAL_API_BASE"); v != "" {
		cfg.MistralBaseURL = strings.TrimRight(v, "/")
	}

	return cfg, nil
}
