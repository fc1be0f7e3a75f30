package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/auth"
	"github.com/tinywideclouds/go-notify-service/internal/bus"
	"github.com/tinywideclouds/go-notify-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-notify-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-notify-service/internal/test/fakes"
	"github.com/tinywideclouds/go-notify-service/notifyservice/config"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// closers releases resources in reverse order of acquisition.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) closeAll(logger zerolog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn().Err(err).Msg("Failed to release resource")
		}
	}
}

// tokenStore is what the commands need from either token backend.
type tokenStore interface {
	notify.DeviceTokenStore
	RegisterToken(ctx context.Context, t notify.DeviceToken) error
}

func newRedisClient(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*redis.Client, error) {
	logger.Debug().Str("addr", cfg.RedisAddr).Msg("Connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

// newBusTransport creates the pluggable bus transport based on config.
func newBusTransport(cfg *config.AppConfig, rdb *redis.Client, cl *closers, logger zerolog.Logger) (bus.Transport, error) {
	logger.Info().Str("type", cfg.Bus.Type).Msg("Initializing bus transport...")
	switch cfg.Bus.Type {
	case "redis":
		return bus.NewRedisTransport(rdb)
	case "nats":
		t, err := bus.NewNATSTransport(cfg.Bus.NATSURL, cfg.ServiceName, logger)
		if err != nil {
			return nil, err
		}
		cl.add(t.Close)
		return t, nil
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Bus.Type)
	}
}

func openSQLite(ctx context.Context, cfg *config.AppConfig, cl *closers, logger zerolog.Logger) (*persistence.SQLite, error) {
	db, err := persistence.OpenSQLite(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}
	cl.add(db.Close)
	return db, nil
}

// newTokenStore creates the pluggable device token store based on config.
func newTokenStore(ctx context.Context, cfg *config.AppConfig, db *persistence.SQLite, cl *closers, logger zerolog.Logger) (tokenStore, error) {
	logger.Info().Str("type", cfg.TokenStore.Type).Msg("Initializing device token store...")
	switch cfg.TokenStore.Type {
	case "sqlite":
		return db, nil
	case "firestore":
		logger.Debug().Str("project_id", cfg.FCM.ProjectID).Msg("Connecting to Firestore")
		client, err := firestore.NewClient(ctx, cfg.FCM.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		cl.add(client.Close)
		return persistence.NewFirestoreTokenStore(client, cfg.TokenStore.Collection, logger)
	default:
		return nil, fmt.Errorf("unknown token store type %q", cfg.TokenStore.Type)
	}
}

// newProvider returns the FCM provider, or in local mode one that only logs.
func newProvider(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (notify.Provider, error) {
	if cfg.RunMode == config.RunModeLocal {
		logger.Warn().Msg("Local run mode: push notifications are logged, not sent")
		return fakes.NewProvider(logger), nil
	}
	return fcm.NewProvider(ctx, cfg.FCM.ProjectID, cfg.FCM.CredentialsFile, logger)
}

// newAuthenticator verifies socket tokens. Outside local mode the user must
// also be active in the directory.
func newAuthenticator(cfg *config.AppConfig, db *persistence.SQLite) (notify.Authenticator, error) {
	var active auth.ActiveChecker
	if cfg.RunMode != config.RunModeLocal {
		active = db
	}
	return auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, active)
}
