package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// StaleStore is the subset of presence.Store the sweeper needs.
type StaleStore interface {
	FindStale(ctx context.Context, ttl time.Duration) ([]notify.Identity, error)
	MarkOffline(ctx context.Context, id notify.Identity) error
}

// Sweeper marks users offline whose presence outlived every session, which
// happens when a process dies before its disconnect cleanup runs.
type Sweeper struct {
	store    StaleStore
	interval time.Duration
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper that runs every interval and treats entries
// older than ttl as stale.
func NewSweeper(store StaleStore, interval, ttl time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("stale store cannot be nil")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if ttl <= 0 {
		ttl = DefaultConfig().PresenceTTL
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		ttl:      ttl,
		logger:   logger.With().Str("component", "Sweeper").Logger(),
	}, nil
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Msg("Presence sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Presence sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Presence sweep failed")
			}
		}
	}
}

// Sweep runs one pass and returns how many users were marked offline.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.FindStale(ctx, s.ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale presence: %w", err)
	}
	swept := 0
	for _, id := range stale {
		if err := s.store.MarkOffline(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("user", id.UserID).Msg("Failed to mark stale user offline")
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info().Int("swept", swept).Msg("Marked stale users offline")
	}
	return swept, nil
}
