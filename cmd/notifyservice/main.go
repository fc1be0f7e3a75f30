// Command notifyservice runs the realtime notification service and its push
// worker, plus a few operator commands.
package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-notify-service/internal/app"
	"github.com/tinywideclouds/go-notify-service/internal/auth"
	"github.com/tinywideclouds/go-notify-service/internal/bus"
	"github.com/tinywideclouds/go-notify-service/internal/dispatch"
	"github.com/tinywideclouds/go-notify-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-notify-service/internal/presence"
	"github.com/tinywideclouds/go-notify-service/internal/push"
	"github.com/tinywideclouds/go-notify-service/internal/pushqueue"
	"github.com/tinywideclouds/go-notify-service/internal/realtime"
	"github.com/tinywideclouds/go-notify-service/internal/telemetry"
	"github.com/tinywideclouds/go-notify-service/notifyservice"
	"github.com/tinywideclouds/go-notify-service/notifyservice/config"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

//go:embed config.yaml
var configFile []byte

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"))
	if err := newRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "go-notify-service").Logger()
}

func newRootCmd(logger zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "notifyservice",
		Short:         "Realtime notification delivery with offline push fallback",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(logger),
		newWorkerCmd(logger),
		newTokenCmd(logger),
		newUpsertUserCmd(logger),
		newRegisterDeviceCmd(logger),
		newFailedCmd(logger),
	)
	return root
}

// loadConfig runs the three configuration stages: unmarshal, map, override.
func loadConfig(logger zerolog.Logger) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration from yaml: %w", err)
	}
	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}

func initTelemetry(ctx context.Context, cfg *config.AppConfig, cl *closers, logger zerolog.Logger) (*telemetry.Metrics, error) {
	shutdown, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint, 0, logger)
	if err != nil {
		return nil, err
	}
	cl.add(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})
	return telemetry.NewMetrics()
}

func newServeCmd(logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the websocket gateway and the presence sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			var cl closers
			defer cl.closeAll(logger)

			metrics, err := initTelemetry(ctx, cfg, &cl, logger)
			if err != nil {
				return err
			}
			rdb, err := newRedisClient(ctx, cfg, logger)
			if err != nil {
				return err
			}
			cl.add(rdb.Close)
			db, err := openSQLite(ctx, cfg, &cl, logger)
			if err != nil {
				return err
			}

			transport, err := newBusTransport(cfg, rdb, &cl, logger)
			if err != nil {
				return err
			}
			b, err := bus.New(transport, bus.Config{
				BaseDelay:   cfg.Bus.ReconnectBase,
				MaxDelay:    cfg.Bus.ReconnectMax,
				MaxAttempts: cfg.Bus.ReconnectAttempts,
			}, logger, bus.WithStateListener(func(s bus.State) {
				if s == bus.StateReconnecting {
					metrics.BusReconnect(context.Background())
				}
			}))
			if err != nil {
				return err
			}

			presenceStore, err := presence.NewStore(rdb, cfg.Presence.MaxSessions, logger)
			if err != nil {
				return err
			}
			queue, err := pushqueue.NewRedisQueue(rdb, cfg.Push.QueuePrefix, logger)
			if err != nil {
				return err
			}
			authenticator, err := newAuthenticator(cfg, db)
			if err != nil {
				return err
			}

			gw, err := realtime.NewGateway(authenticator, presenceStore, b, realtime.Config{
				Channel:        cfg.Bus.Channel,
				PresenceTTL:    cfg.Presence.TTL,
				PingInterval:   cfg.Presence.PingInterval,
				AllowedOrigins: cfg.AllowedOrigins,
			}, metrics, logger)
			if err != nil {
				return err
			}
			sweeper, err := realtime.NewSweeper(presenceStore, cfg.Presence.SweepInterval, cfg.Presence.TTL, logger)
			if err != nil {
				return err
			}
			dispatcher, err := dispatch.NewDispatcher(db, db, presenceStore, b, gw, queue, dispatch.Config{
				Channel:      cfg.Bus.Channel,
				Event:        cfg.Dispatch.Event,
				PushAttempts: cfg.Dispatch.PushAttempts,
				PushBackoff:  cfg.Dispatch.PushBackoff,
			}, metrics, logger)
			if err != nil {
				return err
			}

			svc, err := notifyservice.New(cfg, notifyservice.Dependencies{
				Sender:  dispatcher,
				Gateway: gw,
				Bus:     b,
				Sweeper: sweeper,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create notify service: %w", err)
			}

			app.Run(ctx, logger, app.Component{Name: "notify-service", Service: svc})
			return nil
		},
	}
}

func newWorkerCmd(logger zerolog.Logger) *cobra.Command {
	var requeueActive bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the push worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			var cl closers
			defer cl.closeAll(logger)

			metrics, err := initTelemetry(ctx, cfg, &cl, logger)
			if err != nil {
				return err
			}
			rdb, err := newRedisClient(ctx, cfg, logger)
			if err != nil {
				return err
			}
			cl.add(rdb.Close)
			db, err := openSQLite(ctx, cfg, &cl, logger)
			if err != nil {
				return err
			}
			tokens, err := newTokenStore(ctx, cfg, db, &cl, logger)
			if err != nil {
				return err
			}
			provider, err := newProvider(ctx, cfg, logger)
			if err != nil {
				return err
			}

			queue, err := pushqueue.NewRedisQueue(rdb, cfg.Push.QueuePrefix, logger)
			if err != nil {
				return err
			}
			if requeueActive {
				if _, err := queue.RequeueActive(ctx); err != nil {
					return err
				}
			}

			worker, err := push.NewWorker(queue, tokens, db, provider, push.Config{
				BatchSize:     cfg.Push.BatchSize,
				SendAttempts:  cfg.Push.SendAttempts,
				BatchesPerSec: cfg.Push.BatchesPerSec,
				Concurrency:   cfg.Push.Concurrency,
				DefaultTTL:    cfg.Push.DefaultTTL,
			}, metrics, logger)
			if err != nil {
				return err
			}

			app.Run(ctx, logger, app.Component{Name: "push-worker", Service: worker})
			return nil
		},
	}
	cmd.Flags().BoolVar(&requeueActive, "requeue-active", false,
		"move jobs left reserved by a crashed worker back to the wait list before starting")
	return cmd
}

func newTokenCmd(logger zerolog.Logger) *cobra.Command {
	var id notify.Identity
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed connection token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			token, err := auth.GenerateToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, id, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&id.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&id.AgencyID, "agency", "", "agency id")
	cmd.Flags().StringVar(&id.TeamID, "team", "", "team id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newUpsertUserCmd(logger zerolog.Logger) *cobra.Command {
	var u persistence.User
	cmd := &cobra.Command{
		Use:   "upsert-user",
		Short: "Add or update a user in the directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			var cl closers
			defer cl.closeAll(logger)
			db, err := openSQLite(ctx, cfg, &cl, logger)
			if err != nil {
				return err
			}
			return db.UpsertUser(ctx, u)
		},
	}
	cmd.Flags().StringVar(&u.ID, "user", "", "user id")
	cmd.Flags().StringVar(&u.AgencyID, "agency", "", "agency id")
	cmd.Flags().StringVar(&u.TeamID, "team", "", "team id")
	cmd.Flags().BoolVar(&u.Active, "active", true, "whether the user may connect and receive group notifications")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRegisterDeviceCmd(logger zerolog.Logger) *cobra.Command {
	var t notify.DeviceToken
	cmd := &cobra.Command{
		Use:   "register-device",
		Short: "Register a push token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			var cl closers
			defer cl.closeAll(logger)
			db, err := openSQLite(ctx, cfg, &cl, logger)
			if err != nil {
				return err
			}
			tokens, err := newTokenStore(ctx, cfg, db, &cl, logger)
			if err != nil {
				return err
			}
			return tokens.RegisterToken(ctx, t)
		},
	}
	cmd.Flags().StringVar(&t.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&t.Token, "token", "", "provider device token")
	cmd.Flags().StringVar(&t.Platform, "platform", "", "ios, android or web")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newFailedCmd(logger zerolog.Logger) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List dead-lettered push jobs as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			rdb, err := newRedisClient(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()
			queue, err := pushqueue.NewRedisQueue(rdb, cfg.Push.QueuePrefix, logger)
			if err != nil {
				return err
			}
			entries, err := queue.Failed(ctx, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "maximum number of jobs to list")
	return cmd
}
