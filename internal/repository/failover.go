package repository

import (
	"context"
	"sync/atomic"
	"time"

	"fiscalprint/internal/domain"
	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
)

const failoverRecheck = time.Minute

// FailoverChangeFeed publishes through the primary feed and switches to the
// fallback when the primary errors. Subscribers listen on both.
type FailoverChangeFeed struct {
	primary   domain.ChangeFeed
	fallback  domain.ChangeFeed
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverChangeFeed(primary, fallback domain.ChangeFeed, logger *zerolog.Logger) *FailoverChangeFeed {
	return &FailoverChangeFeed{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (f *FailoverChangeFeed) markDown(err error) {
	f.logger.Error().Err(err).Msg("Primary change feed failed, falling back to in-process feed")
	f.isDown.Store(true)
	f.lastCheck.Store(time.Now().UnixNano())
}

func (f *FailoverChangeFeed) Publish(ctx context.Context, change models.PrintRequestChange) error {
	if !f.isDown.Load() {
		err := f.primary.Publish(ctx, change)
		if err == nil {
			return nil
		}
		f.markDown(err)
	} else if time.Since(time.Unix(0, f.lastCheck.Load())) > failoverRecheck {
		// Try to recover after a minute
		if err := f.primary.Publish(ctx, change); err == nil {
			f.logger.Info().Msg("Primary change feed recovered")
			f.isDown.Store(false)
			return nil
		}
		f.lastCheck.Store(time.Now().UnixNano())
	}

	return f.fallback.Publish(ctx, change)
}

func (f *FailoverChangeFeed) Subscribe(handler func(models.PrintRequestChange)) func() {
	unsubPrimary := f.primary.Subscribe(handler)
	unsubFallback := f.fallback.Subscribe(handler)
	return func() {
		unsubPrimary()
		unsubFallback()
	}
}
