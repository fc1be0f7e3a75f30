package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Run modes.
const (
	RunModeLocal = "local"
	RunModeProd  = "prod"
)

type BusConfig struct {
	Type              string
	Channel           string
	NATSURL           string
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type PresenceConfig struct {
	TTL           time.Duration
	PingInterval  time.Duration
	SweepInterval time.Duration
	MaxSessions   int
}

type DispatchConfig struct {
	Event        string
	PushAttempts int
	PushBackoff  time.Duration
}

type PushConfig struct {
	QueuePrefix   string
	Concurrency   int
	BatchSize     int
	SendAttempts  int
	BatchesPerSec float64
	DefaultTTL    time.Duration
}

type TokenStoreConfig struct {
	Type       string
	Collection string
}

type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ServiceName    string
	RunMode        string
	HTTPPort       string
	AllowedOrigins []string
	SQLitePath     string
	OTLPEndpoint   string
	RedisAddr      string
	InternalToken  string
	Bus            BusConfig
	Auth           AuthConfig
	Presence       PresenceConfig
	Dispatch       DispatchConfig
	Push           PushConfig
	TokenStore     TokenStoreConfig
	FCM            FCMConfig
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	override := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
			*dst = v
		}
	}

	override("RUN_MODE", &cfg.RunMode)
	override("HTTP_PORT", &cfg.HTTPPort)
	override("REDIS_ADDR", &cfg.RedisAddr)
	override("BUS_TYPE", &cfg.Bus.Type)
	override("NATS_URL", &cfg.Bus.NATSURL)
	override("JWT_SECRET", &cfg.Auth.JWTSecret)
	override("JWT_ISSUER", &cfg.Auth.Issuer)
	override("INTERNAL_TOKEN", &cfg.InternalToken)
	override("SQLITE_PATH", &cfg.SQLitePath)
	override("TOKEN_STORE", &cfg.TokenStore.Type)
	override("GCP_PROJECT_ID", &cfg.FCM.ProjectID)
	override("FCM_PROJECT_ID", &cfg.FCM.ProjectID)
	override("FCM_CREDENTIALS_FILE", &cfg.FCM.CredentialsFile)
	override("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		logger.Debug().Str("key", "ALLOWED_ORIGINS").Str("source", "env").Msg("Overriding config value")
		var clean []string
		for _, o := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				clean = append(clean, trimmed)
			}
		}
		cfg.AllowedOrigins = clean
	}

	if err := validate(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *AppConfig) error {
	switch cfg.RunMode {
	case RunModeLocal, RunModeProd:
	default:
		return fmt.Errorf("RUN_MODE must be %q or %q, got %q", RunModeLocal, RunModeProd, cfg.RunMode)
	}
	if cfg.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is not set in config or env var")
	}
	if cfg.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is not set in config or env var")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set in config or env var")
	}

	switch cfg.Bus.Type {
	case "redis":
	case "nats":
		if cfg.Bus.NATSURL == "" {
			return fmt.Errorf("NATS_URL is not set in config or env var")
		}
	default:
		return fmt.Errorf("BUS_TYPE must be redis or nats, got %q", cfg.Bus.Type)
	}

	switch cfg.TokenStore.Type {
	case "sqlite":
	case "firestore":
		if cfg.FCM.ProjectID == "" {
			return fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
	default:
		return fmt.Errorf("TOKEN_STORE must be sqlite or firestore, got %q", cfg.TokenStore.Type)
	}

	if cfg.RunMode == RunModeProd {
		if cfg.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is not set in config or env var")
		}
		if cfg.InternalToken == "" {
			return fmt.Errorf("INTERNAL_TOKEN is not set in config or env var")
		}
		if cfg.FCM.ProjectID == "" {
			return fmt.Errorf("FCM_PROJECT_ID is not set in config or env var")
		}
	}
	return nil
}
