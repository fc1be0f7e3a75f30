package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlBusConfig struct {
	Type              string `yaml:"type"` // "redis" or "nats"
	Channel           string `yaml:"channel"`
	NATSURL           string `yaml:"nats_url"`
	ReconnectBase     string `yaml:"reconnect_base"`
	ReconnectMax      string `yaml:"reconnect_max"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
}

type YamlAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type YamlPresenceConfig struct {
	TTL           string `yaml:"ttl"`
	PingInterval  string `yaml:"ping_interval"`
	SweepInterval string `yaml:"sweep_interval"`
	MaxSessions   int    `yaml:"max_sessions"`
}

type YamlDispatchConfig struct {
	Event        string `yaml:"event"`
	PushAttempts int    `yaml:"push_attempts"`
	PushBackoff  string `yaml:"push_backoff"`
}

type YamlPushConfig struct {
	QueuePrefix   string  `yaml:"queue_prefix"`
	Concurrency   int     `yaml:"concurrency"`
	BatchSize     int     `yaml:"batch_size"`
	SendAttempts  int     `yaml:"send_attempts"`
	BatchesPerSec float64 `yaml:"batches_per_sec"`
	DefaultTTL    string  `yaml:"default_ttl"`
}

type YamlTokenStoreConfig struct {
	Type       string `yaml:"type"` // "sqlite" or "firestore"
	Collection string `yaml:"collection"`
}

type YamlFCMConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ServiceName    string               `yaml:"service_name"`
	RunMode        string               `yaml:"run_mode"`
	HTTPPort       string               `yaml:"http_port"`
	AllowedOrigins []string             `yaml:"allowed_origins"`
	SQLitePath     string               `yaml:"sqlite_path"`
	OTLPEndpoint   string               `yaml:"otlp_endpoint"`
	Redis          YamlRedisConfig      `yaml:"redis"`
	Bus            YamlBusConfig        `yaml:"bus"`
	Auth           YamlAuthConfig       `yaml:"auth"`
	Presence       YamlPresenceConfig   `yaml:"presence"`
	Dispatch       YamlDispatchConfig   `yaml:"dispatch"`
	Push           YamlPushConfig       `yaml:"push"`
	TokenStore     YamlTokenStoreConfig `yaml:"token_store"`
	FCM            YamlFCMConfig        `yaml:"fcm"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data into a base AppConfig.
// Duration strings are parsed here; an empty string leaves the zero value so
// component defaults apply.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Mapping YAML config to base config struct")

	p := durationParser{}
	appCfg := &AppConfig{
		ServiceName:    yamlCfg.ServiceName,
		RunMode:        yamlCfg.RunMode,
		HTTPPort:       yamlCfg.HTTPPort,
		AllowedOrigins: yamlCfg.AllowedOrigins,
		SQLitePath:     yamlCfg.SQLitePath,
		OTLPEndpoint:   yamlCfg.OTLPEndpoint,
		RedisAddr:      yamlCfg.Redis.Addr,
		Bus: BusConfig{
			Type:              yamlCfg.Bus.Type,
			Channel:           yamlCfg.Bus.Channel,
			NATSURL:           yamlCfg.Bus.NATSURL,
			ReconnectBase:     p.parse("bus.reconnect_base", yamlCfg.Bus.ReconnectBase),
			ReconnectMax:      p.parse("bus.reconnect_max", yamlCfg.Bus.ReconnectMax),
			ReconnectAttempts: yamlCfg.Bus.ReconnectAttempts,
		},
		Auth: AuthConfig{
			JWTSecret: yamlCfg.Auth.JWTSecret,
			Issuer:    yamlCfg.Auth.Issuer,
		},
		Presence: PresenceConfig{
			TTL:           p.parse("presence.ttl", yamlCfg.Presence.TTL),
			PingInterval:  p.parse("presence.ping_interval", yamlCfg.Presence.PingInterval),
			SweepInterval: p.parse("presence.sweep_interval", yamlCfg.Presence.SweepInterval),
			MaxSessions:   yamlCfg.Presence.MaxSessions,
		},
		Dispatch: DispatchConfig{
			Event:        yamlCfg.Dispatch.Event,
			PushAttempts: yamlCfg.Dispatch.PushAttempts,
			PushBackoff:  p.parse("dispatch.push_backoff", yamlCfg.Dispatch.PushBackoff),
		},
		Push: PushConfig{
			QueuePrefix:   yamlCfg.Push.QueuePrefix,
			Concurrency:   yamlCfg.Push.Concurrency,
			BatchSize:     yamlCfg.Push.BatchSize,
			SendAttempts:  yamlCfg.Push.SendAttempts,
			BatchesPerSec: yamlCfg.Push.BatchesPerSec,
			DefaultTTL:    p.parse("push.default_ttl", yamlCfg.Push.DefaultTTL),
		},
		TokenStore: TokenStoreConfig{
			Type:       yamlCfg.TokenStore.Type,
			Collection: yamlCfg.TokenStore.Collection,
		},
		FCM: FCMConfig{
			ProjectID:       yamlCfg.FCM.ProjectID,
			CredentialsFile: yamlCfg.FCM.CredentialsFile,
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	logger.Debug().
		Str("run_mode", appCfg.RunMode).
		Str("http_port", appCfg.HTTPPort).
		Str("bus_type", appCfg.Bus.Type).
		Str("token_store", appCfg.TokenStore.Type).
		Msg("YAML config mapping complete")

	return appCfg, nil
}

// durationParser keeps the first parse error so the mapping above stays flat.
type durationParser struct {
	err error
}

func (p *durationParser) parse(key, raw string) time.Duration {
	if raw == "" || p.err != nil {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid duration for %s: %w", key, err)
		return 0
	}
	return d
}
