package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"fiscalprint/internal/config"
	"fiscalprint/internal/domain"
	"fiscalprint/internal/events"
	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
)

// PassRunner is satisfied by *Processor.
type PassRunner interface {
	RunPass(ctx context.Context) (PassResult, error)
}

type PendingCounter interface {
	CountPendingPrintRequests(ctx context.Context) (int, error)
}

// AutoPrinter turns store and configuration changes into queue passes while
// auto-print is on. Changes that arrive during a pass collapse into a single
// follow-up pass.
type AutoPrinter struct {
	runner       PassRunner
	pending      PendingCounter
	feed         domain.ChangeFeed
	printers     domain.PrinterConfigStore
	publisher    domain.EventPublisher
	pollInterval time.Duration
	logger       *zerolog.Logger

	enabled atomic.Bool
	trigger chan struct{}
	passes  atomic.Int64
}

func NewAutoPrinter(
	runner PassRunner,
	pending PendingCounter,
	feed domain.ChangeFeed,
	printers domain.PrinterConfigStore,
	publisher domain.EventPublisher,
	cfg config.QueueConfig,
	logger *zerolog.Logger,
) *AutoPrinter {
	l := logger.With().Str("component", "auto_printer").Logger()
	a := &AutoPrinter{
		runner:       runner,
		pending:      pending,
		feed:         feed,
		printers:     printers,
		publisher:    publisher,
		pollInterval: cfg.PollInterval,
		logger:       &l,
		trigger:      make(chan struct{}, 1),
	}
	a.enabled.Store(cfg.AutoPrint)
	return a
}

// AutoPrint reports whether passes run automatically.
func (a *AutoPrinter) AutoPrint() bool {
	return a.enabled.Load()
}

// SetAutoPrint toggles automatic passes. Turning it on counts as a state
// change; turning it off never interrupts a pass already running.
func (a *AutoPrinter) SetAutoPrint(on bool) {
	prev := a.enabled.Swap(on)
	if prev == on {
		return
	}
	a.logger.Info().Bool("auto_print", on).Msg("Auto-print toggled")
	if a.publisher != nil {
		if err := a.publisher.PublishJSON(events.EventAutoPrintToggled, map[string]bool{"auto_print": on}); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to publish auto-print event")
		}
	}
	if on {
		a.Trigger()
	}
}

// Trigger requests a pass attempt. It never blocks; at most one attempt is queued.
func (a *AutoPrinter) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// RunNow runs a pass regardless of the auto-print flag.
func (a *AutoPrinter) RunNow(ctx context.Context) (PassResult, error) {
	return a.runner.RunPass(ctx)
}

// Passes returns how many automatic passes were started.
func (a *AutoPrinter) Passes() int64 {
	return a.passes.Load()
}

// Start blocks until ctx is done.
func (a *AutoPrinter) Start(ctx context.Context) {
	a.logger.Info().Dur("poll_interval", a.pollInterval).Bool("auto_print", a.AutoPrint()).Msg("Auto-printer started")
	defer a.logger.Info().Msg("Auto-printer stopped")

	if a.feed != nil {
		unsubscribe := a.feed.Subscribe(func(models.PrintRequestChange) { a.Trigger() })
		defer unsubscribe()
	}
	if a.printers != nil {
		unsubscribe := a.printers.Subscribe(func(models.PrinterConfiguration) { a.Trigger() })
		defer unsubscribe()
	}

	var tick <-chan time.Time
	if a.pollInterval > 0 {
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Requests left over from a previous run count as the first snapshot.
	a.Trigger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.trigger:
			a.attempt(ctx)
		case <-tick:
			a.attempt(ctx)
		}
	}
}

func (a *AutoPrinter) attempt(ctx context.Context) {
	if !a.AutoPrint() {
		return
	}

	count, err := a.pending.CountPendingPrintRequests(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to count pending requests")
		return
	}
	if count == 0 {
		return
	}

	a.passes.Add(1)
	result, err := a.runner.RunPass(ctx)
	switch {
	case errors.Is(err, ErrPassInProgress):
		a.logger.Debug().Msg("Pass already running, skipping trigger")
	case err != nil && ctx.Err() == nil:
		a.logger.Error().Err(err).Msg("Automatic pass failed")
	case err == nil:
		a.logger.Debug().Int("total", result.Total).Int("completed", result.Completed).Msg("Automatic pass done")
	}
}
