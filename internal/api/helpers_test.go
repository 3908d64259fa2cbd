package api

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"fiscalprint/internal/bridge"
	"fiscalprint/internal/config"
	"fiscalprint/internal/database"
	"fiscalprint/internal/events"
	"fiscalprint/internal/models"
	"fiscalprint/internal/repository"
	"fiscalprint/internal/service"
	"fiscalprint/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type printCall struct {
	printer string
	data    []byte
	copies  int
}

type fakeBridge struct {
	mu       sync.Mutex
	printers []models.PrinterInfo
	statuses map[string]string
	printErr error
	pdfErr   error
	pdfPath  string
	prints   []printCall
	pdfData  [][]byte
	pdfOpts  []bridge.PDFOptions
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		printers: []models.PrinterInfo{
			{Name: "HP LaserJet", Status: models.PrinterStatusReady, IsDefault: true},
			{Name: "Epson TM-T20", Status: models.PrinterStatusOffline},
		},
		statuses: map[string]string{
			"HP LaserJet":  models.PrinterStatusReady,
			"Epson TM-T20": models.PrinterStatusOffline,
		},
		pdfPath: "/tmp/out/print_1.pdf",
	}
}

func (b *fakeBridge) ListPrinters(context.Context) []models.PrinterInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.PrinterInfo(nil), b.printers...)
}

func (b *fakeBridge) GetPrinterStatus(_ context.Context, name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.statuses[name]; ok {
		return s
	}
	return models.PrinterStatusUnknown
}

func (b *fakeBridge) PrintDocument(_ context.Context, printer string, data []byte, opts bridge.PrintOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prints = append(b.prints, printCall{printer: printer, data: append([]byte(nil), data...), copies: opts.Copies})
	return b.printErr
}

func (b *fakeBridge) PrintToPDF(_ context.Context, data []byte, opts bridge.PDFOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pdfData = append(b.pdfData, append([]byte(nil), data...))
	b.pdfOpts = append(b.pdfOpts, opts)
	if b.pdfErr != nil {
		return "", b.pdfErr
	}
	return b.pdfPath, nil
}

func (b *fakeBridge) printCalls() []printCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]printCall(nil), b.prints...)
}

type fakeQueue struct {
	mu        sync.Mutex
	autoPrint bool
	result    worker.PassResult
	runErr    error
	runs      int
}

func (q *fakeQueue) RunNow(context.Context) (worker.PassResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runs++
	return q.result, q.runErr
}

func (q *fakeQueue) AutoPrint() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.autoPrint
}

func (q *fakeQueue) SetAutoPrint(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.autoPrint = on
}

type testEnv struct {
	server   *httptest.Server
	db       *database.DB
	bus      *events.EventBus
	bridge   *fakeBridge
	queue    *fakeQueue
	printers *repository.FilePrinterConfigStore
	hub      *Hub
}

func newTestEnv(t *testing.T, cfg config.APIConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "print.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	feed := events.NewChangeFeed(bus)
	db.SetChangeFeed(feed)

	printers, err := repository.NewFilePrinterConfigStore(filepath.Join(t.TempDir(), "printers.yaml"), &logger)
	require.NoError(t, err)

	env := &testEnv{
		db:       db,
		bus:      bus,
		bridge:   newFakeBridge(),
		queue:    &fakeQueue{},
		printers: printers,
	}
	env.hub = NewHub(func() any { return map[string]any{"auto_print": env.queue.AutoPrint()} }, &logger)
	detach := env.hub.Attach(bus, feed)
	t.Cleanup(detach)

	srv := NewHTTPServer(cfg, HTTPDeps{
		Requests:  service.NewPrintService(db, "printd", &logger),
		Queue:     env.queue,
		Printers:  printers,
		Bridge:    env.bridge,
		Hub:       env.hub,
		Publisher: bus,
	}, &logger)

	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		env.hub.Close()
		env.server.Close()
	})
	return env
}

func openAPIConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
	}
}

func authAPIConfig() config.APIConfig {
	cfg := openAPIConfig()
	cfg.Auth = config.APIAuthConfig{
		Enabled: true,
		APIKeys: []config.APIClientKey{
			{Key: "reader-key", Extra: "reader-extra", Name: "ui", Permissions: []string{PermReadRequests, PermReadPrinters}},
			{Key: "admin-key", Extra: "admin-extra", Name: "admin"},
		},
	}
	return cfg
}
