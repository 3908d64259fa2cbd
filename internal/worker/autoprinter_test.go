package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"fiscalprint/internal/config"
	"fiscalprint/internal/events"
	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (r *countingRunner) RunPass(ctx context.Context) (PassResult, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	return PassResult{}, nil
}

type fixedCounter struct{ n atomic.Int32 }

func (c *fixedCounter) CountPendingPrintRequests(context.Context) (int, error) {
	return int(c.n.Load()), nil
}

func startAutoPrinter(t *testing.T, a *AutoPrinter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestAutoPrinter_ProcessesNewRequests(t *testing.T) {
	f := newFixture(t)
	bus := events.NewEventBus()
	feed := events.NewChangeFeed(bus)
	f.db.SetChangeFeed(feed)

	logger := zerolog.Nop()
	a := NewAutoPrinter(f.processor, f.db, feed, f.printers, bus, config.QueueConfig{AutoPrint: true}, &logger)
	startAutoPrinter(t, a)

	req := &models.PrintRequest{
		NoteID:    "NF-7",
		NoteData:  json.RawMessage(`{"n":7}`),
		PrintType: models.PrintTypeFiscalNote,
		CreatedBy: "seller",
	}
	require.NoError(t, f.db.CreatePrintRequest(context.Background(), req))

	require.Eventually(t, func() bool {
		got, err := f.db.GetPrintRequest(context.Background(), req.ID)
		return err == nil && got.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoPrinter_DisabledRunsNothingUntilEnabled(t *testing.T) {
	runner := &countingRunner{}
	counter := &fixedCounter{}
	counter.n.Store(3)
	bus := events.NewEventBus()

	var toggled atomic.Int32
	bus.Subscribe(events.EventAutoPrintToggled, func(*events.Event) error {
		toggled.Add(1)
		return nil
	})

	logger := zerolog.Nop()
	a := NewAutoPrinter(runner, counter, nil, nil, bus, config.QueueConfig{}, &logger)
	startAutoPrinter(t, a)

	a.Trigger()
	a.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runner.calls.Load())

	a.SetAutoPrint(true)
	assert.True(t, a.AutoPrint())
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), toggled.Load())

	// Setting the same value again is not a state change.
	a.SetAutoPrint(true)
	assert.Equal(t, int32(1), toggled.Load())
}

func TestAutoPrinter_SkipsWhenNothingPending(t *testing.T) {
	runner := &countingRunner{}
	logger := zerolog.Nop()
	a := NewAutoPrinter(runner, &fixedCounter{}, nil, nil, nil, config.QueueConfig{AutoPrint: true}, &logger)
	startAutoPrinter(t, a)

	a.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runner.calls.Load())
	assert.Equal(t, int64(0), a.Passes())
}

func TestAutoPrinter_CoalescesTriggersDuringPass(t *testing.T) {
	runner := &countingRunner{release: make(chan struct{})}
	counter := &fixedCounter{}
	counter.n.Store(1)
	logger := zerolog.Nop()
	a := NewAutoPrinter(runner, counter, nil, nil, nil, config.QueueConfig{AutoPrint: true}, &logger)
	startAutoPrinter(t, a)

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 20; i++ {
		a.Trigger()
	}

	// Turning auto-print off does not abort the running pass.
	a.SetAutoPrint(false)
	a.SetAutoPrint(true)
	close(runner.release)

	require.Eventually(t, func() bool { return runner.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), runner.calls.Load())
}

func TestAutoPrinter_ConfigChangeTriggersPass(t *testing.T) {
	runner := &countingRunner{}
	counter := &fixedCounter{}
	printers := &fakePrinterConfig{}
	logger := zerolog.Nop()
	a := NewAutoPrinter(runner, counter, nil, printers, nil, config.QueueConfig{AutoPrint: true}, &logger)
	startAutoPrinter(t, a)

	time.Sleep(20 * time.Millisecond)
	counter.n.Store(2)
	require.NoError(t, printers.Set(models.PrinterConfiguration{FiscalNotePrinter: "HP"}))

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAutoPrinter_PollInterval(t *testing.T) {
	runner := &countingRunner{}
	counter := &fixedCounter{}
	counter.n.Store(1)
	logger := zerolog.Nop()
	a := NewAutoPrinter(runner, counter, nil, nil, nil, config.QueueConfig{AutoPrint: true, PollInterval: 10 * time.Millisecond}, &logger)
	startAutoPrinter(t, a)

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestAutoPrinter_RunNowIgnoresFlag(t *testing.T) {
	runner := &countingRunner{}
	logger := zerolog.Nop()
	a := NewAutoPrinter(runner, &fixedCounter{}, nil, nil, nil, config.QueueConfig{}, &logger)

	_, err := a.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), runner.calls.Load())
}
