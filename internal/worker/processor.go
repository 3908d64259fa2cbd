package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fiscalprint/internal/bridge"
	"fiscalprint/internal/config"
	"fiscalprint/internal/database"
	"fiscalprint/internal/domain"
	"fiscalprint/internal/metrics"
	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
)

// terminalWriteTimeout bounds the final status write when no step timeout is set.
const terminalWriteTimeout = 30 * time.Second

// InterruptedMessage is stored on requests found printing when the agent starts.
const InterruptedMessage = "interrupted: the agent stopped before the print was confirmed"

var (
	ErrPassInProgress = errors.New("queue pass already in progress")
	// ErrTimedOut is the timed-out case of a dispatch failure.
	ErrTimedOut = errors.New("timed out")
)

type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeFailed          Outcome = "failed"
	OutcomeParkedNoPrinter Outcome = "parked_no_printer"
	OutcomeParkedNotReady  Outcome = "parked_not_ready"
	OutcomeSkipped         Outcome = "skipped"
)

// PassResult counts what happened to each request of one pass snapshot.
type PassResult struct {
	Total           int `json:"total"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	ParkedNoPrinter int `json:"parked_no_printer"`
	ParkedNotReady  int `json:"parked_not_ready"`
	Skipped         int `json:"skipped"`
}

func (r *PassResult) add(o Outcome) {
	switch o {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeFailed:
		r.Failed++
	case OutcomeParkedNoPrinter:
		r.ParkedNoPrinter++
	case OutcomeParkedNotReady:
		r.ParkedNotReady++
	default:
		r.Skipped++
	}
}

// Processor sweeps pending print requests through the bridge, one at a time.
type Processor struct {
	store       domain.PrintRequestStore
	bridge      bridge.Bridge
	printers    domain.PrinterConfigStore
	notifier    domain.Notifier
	actor       string
	stepTimeout time.Duration
	batchSize   int
	logger      *zerolog.Logger
	now         func() time.Time

	running sync.Mutex
}

// NewProcessor builds a processor. actor is written to updated_by and
// printed_by for every transition it makes.
func NewProcessor(
	store domain.PrintRequestStore,
	b bridge.Bridge,
	printers domain.PrinterConfigStore,
	notifier domain.Notifier,
	cfg config.QueueConfig,
	actor string,
	logger *zerolog.Logger,
) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	l := logger.With().Str("component", "queue_processor").Logger()
	return &Processor{
		store:       store,
		bridge:      b,
		printers:    printers,
		notifier:    notifier,
		actor:       actor,
		stepTimeout: cfg.StepTimeout,
		batchSize:   cfg.BatchSize,
		logger:      &l,
		now:         time.Now,
	}
}

// RunPass processes the pending requests that exist when it starts. Requests
// created during the pass wait for the next one. Only one pass runs at a time;
// a concurrent call returns ErrPassInProgress.
func (p *Processor) RunPass(ctx context.Context) (PassResult, error) {
	if !p.running.TryLock() {
		return PassResult{}, ErrPassInProgress
	}
	defer p.running.Unlock()

	started := time.Now()
	pending, err := withTimeout(ctx, p.stepTimeout, func(ctx context.Context) ([]*models.PrintRequest, error) {
		return p.store.GetPendingPrintRequests(ctx, p.batchSize)
	})
	if err != nil {
		return PassResult{}, fmt.Errorf("load pending requests: %w", err)
	}

	result := PassResult{Total: len(pending)}
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			p.logger.Warn().Err(err).Int("remaining", result.Total-result.processed()).Msg("Pass interrupted")
			return result, err
		}
		outcome := p.processOne(ctx, req)
		result.add(outcome)
		metrics.IncOutcome(string(outcome))
	}

	metrics.ObservePass(len(pending), time.Since(started))
	p.logger.Info().
		Int("total", result.Total).
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Int("parked", result.ParkedNoPrinter+result.ParkedNotReady).
		Dur("duration", time.Since(started)).
		Msg("Queue pass finished")
	return result, nil
}

func (r PassResult) processed() int {
	return r.Completed + r.Failed + r.ParkedNoPrinter + r.ParkedNotReady + r.Skipped
}

func (p *Processor) processOne(ctx context.Context, req *models.PrintRequest) (outcome Outcome) {
	log := p.logger.With().Str("request_id", req.ID).Str("note_id", req.NoteID).Logger()

	var attempted *string
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Print request panicked")
			p.fail(ctx, req, attempted, fmt.Errorf("internal error: %v", r))
			outcome = OutcomeFailed
		}
	}()

	if req.Status != models.StatusPending {
		return OutcomeSkipped
	}

	printer := p.printers.Get().PrinterFor(req.PrintType)
	if printer == "" {
		p.notify(ctx, models.NotifyWarning, req, "", fmt.Sprintf("No printer configured for %s documents", req.PrintType))
		return OutcomeParkedNoPrinter
	}

	status, err := withTimeout(ctx, p.stepTimeout, func(ctx context.Context) (string, error) {
		return p.bridge.GetPrinterStatus(ctx, printer), nil
	})
	if err != nil {
		log.Warn().Err(err).Str("printer", printer).Msg("Printer status check failed")
		status = models.PrinterStatusUnknown
	}
	if status != models.PrinterStatusReady {
		p.notify(ctx, models.NotifyError, req, printer, fmt.Sprintf("Printer %s is not ready (status %s)", printer, status))
		return OutcomeParkedNotReady
	}

	_, err = withTimeout(ctx, p.stepTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.ClaimPrintRequest(ctx, req.ID, printer, p.actor)
	})
	switch {
	case errors.Is(err, database.ErrNotClaimed), errors.Is(err, database.ErrNotFound):
		log.Debug().Err(err).Msg("Request taken by another processor")
		return OutcomeSkipped
	case errors.Is(err, ErrTimedOut), ctx.Err() != nil:
		// The claim may still commit after we stop waiting for it.
		log.Error().Err(err).Str("printer", printer).Msg("Claim did not finish")
		p.fail(ctx, req, &printer, fmt.Errorf("claim request: %w", err))
		return OutcomeFailed
	case err != nil:
		log.Error().Err(err).Str("printer", printer).Msg("Failed to mark request as printing")
		return OutcomeSkipped
	}
	attempted = &printer

	_, err = withTimeout(ctx, p.stepTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.bridge.PrintDocument(ctx, printer, payload(req.NoteData), bridge.PrintOptions{Copies: req.EffectiveCopies()})
	})
	if err != nil {
		p.fail(ctx, req, attempted, err)
		return OutcomeFailed
	}

	_, err = p.finalWrite(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.CompletePrintRequest(ctx, req.ID, p.actor)
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark request as completed")
		p.fail(ctx, req, attempted, fmt.Errorf("record completion: %w", err))
		return OutcomeFailed
	}

	log.Info().Str("printer", printer).Int("copies", req.EffectiveCopies()).Msg("Print request completed")
	p.notify(context.WithoutCancel(ctx), models.NotifySuccess, req, printer,
		fmt.Sprintf("Note %s printed on %s (%d copies)", req.NoteID, printer, req.EffectiveCopies()))
	return OutcomeCompleted
}

// fail is best-effort: a failed write is only logged. It runs even when ctx
// is already cancelled.
func (p *Processor) fail(ctx context.Context, req *models.PrintRequest, printer *string, cause error) {
	ctx = context.WithoutCancel(ctx)
	message := cause.Error()
	_, err := p.finalWrite(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.FailPrintRequest(ctx, req.ID, printer, message, p.actor)
	})
	if err != nil {
		p.logger.Error().Err(err).Str("request_id", req.ID).Str("cause", message).Msg("Failed to mark request as failed")
	}

	name := req.PrinterName()
	if printer != nil {
		name = *printer
	}
	p.notify(ctx, models.NotifyError, req, name, fmt.Sprintf("Printing note %s failed: %s", req.NoteID, message))
}

// finalWrite runs a terminal status write detached from cancellation of the
// pass, so a request that left pending is always moved to completed or failed.
func (p *Processor) finalWrite(ctx context.Context, fn func(context.Context) (struct{}, error)) (struct{}, error) {
	timeout := p.stepTimeout
	if timeout <= 0 {
		timeout = terminalWriteTimeout
	}
	return withTimeout(context.WithoutCancel(ctx), timeout, fn)
}

// RecoverInterrupted fails requests left printing by a previous run. Whether
// their copies came out is unknown, so they are not retried automatically.
func (p *Processor) RecoverInterrupted(ctx context.Context) (int, error) {
	ids, err := p.store.FailInterruptedPrintRequests(ctx, InterruptedMessage, p.actor)
	for _, id := range ids {
		p.logger.Warn().Str("request_id", id).Msg("Print request was interrupted by a restart")
		p.notifier.Notify(ctx, models.Notification{
			Level:     models.NotifyError,
			RequestID: id,
			Message:   "Print request " + id + " was interrupted before completion",
			At:        p.now().UTC(),
		})
	}
	if err != nil {
		return len(ids), fmt.Errorf("recover interrupted requests: %w", err)
	}
	return len(ids), nil
}

func (p *Processor) notify(ctx context.Context, level string, req *models.PrintRequest, printer, message string) {
	p.notifier.Notify(ctx, models.Notification{
		Level:     level,
		RequestID: req.ID,
		Printer:   printer,
		Message:   message,
		At:        p.now().UTC(),
	})
}

// payload turns note_data into the bytes handed to the bridge. A JSON string
// holds a pre-rendered document and is sent unquoted; anything else is sent as JSON text.
func payload(noteData json.RawMessage) []byte {
	var text string
	if err := json.Unmarshal(noteData, &text); err == nil {
		return []byte(text)
	}
	return []byte(noteData)
}

// withTimeout runs fn under timeout and returns ErrTimedOut when it does not
// finish in time, even if fn ignores its context.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("internal error: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s: %v", ErrTimedOut, timeout, r.err)
		}
		return r.value, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
		}
		return zero, ctx.Err()
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Notification) {}
