package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fiscalprint/internal/config"
	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpooler struct {
	mu        sync.Mutex
	printers  []models.PrinterInfo
	listErr   error
	statuses  map[string]string
	statusErr error
	failOn    int
	printErr  error
	prints    []string
	contents  [][]byte
}

func (s *fakeSpooler) Printers(context.Context) ([]models.PrinterInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]models.PrinterInfo(nil), s.printers...), nil
}

func (s *fakeSpooler) Status(_ context.Context, name string) (string, error) {
	if s.statusErr != nil {
		return "", s.statusErr
	}
	return s.statuses[name], nil
}

func (s *fakeSpooler) Print(_ context.Context, printer, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prints = append(s.prints, printer)
	data, _ := os.ReadFile(path)
	s.contents = append(s.contents, data)
	if s.failOn > 0 && len(s.prints) == s.failOn {
		return s.printErr
	}
	return nil
}

type fakeRenderer struct {
	calls []string
	err   error
}

func (r *fakeRenderer) Render(_ context.Context, html string, _ PDFOptions) ([]byte, error) {
	r.calls = append(r.calls, html)
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF-1.7 rendered"), nil
}

func newTestBridge(t *testing.T, spooler Spooler, renderer Renderer, readerPaths ...string) *OSBridge {
	t.Helper()
	if len(readerPaths) == 0 {
		readerPaths = []string{filepath.Join(t.TempDir(), "no-reader")}
	}
	logger := zerolog.Nop()
	cfg := config.BridgeConfig{
		OutputDir:   filepath.Join(t.TempDir(), "pdf"),
		ReaderPaths: readerPaths,
		PDF:         config.PDFConfig{PageSize: "A4"},
	}
	return NewOSBridge(spooler, renderer, cfg, &logger)
}

func TestListPrinters_Filtering(t *testing.T) {
	spooler := &fakeSpooler{printers: []models.PrinterInfo{
		{Name: "Fax", Status: models.PrinterStatusReady},
		{Name: "Microsoft XPS Document Writer", Status: models.PrinterStatusReady},
		{Name: "HP LaserJet", Status: models.PrinterStatusReady, IsDefault: true},
	}}
	b := newTestBridge(t, spooler, nil)

	printers := b.ListPrinters(context.Background())
	require.Len(t, printers, 1)
	assert.Equal(t, "HP LaserJet", printers[0].Name)
	assert.True(t, printers[0].IsDefault)
}

func TestListPrinters_SyntheticPDF(t *testing.T) {
	t.Run("ReaderDetected", func(t *testing.T) {
		reader := filepath.Join(t.TempDir(), "evince")
		require.NoError(t, os.WriteFile(reader, []byte{}, 0o755))

		spooler := &fakeSpooler{printers: []models.PrinterInfo{
			{Name: "Fax"}, {Name: "HP LaserJet", Status: models.PrinterStatusReady},
		}}
		b := newTestBridge(t, spooler, nil, reader)

		printers := b.ListPrinters(context.Background())
		require.Len(t, printers, 2)
		assert.Equal(t, "HP LaserJet", printers[0].Name)
		assert.Equal(t, models.PrinterInfo{Name: models.PDFPrinterName, Status: models.PrinterStatusReady}, printers[1])
	})

	t.Run("AdvertisedByPrinterName", func(t *testing.T) {
		spooler := &fakeSpooler{printers: []models.PrinterInfo{
			{Name: "Microsoft Print to PDF"}, {Name: "OneNote for Windows 10"},
		}}
		b := newTestBridge(t, spooler, nil)

		printers := b.ListPrinters(context.Background())
		require.Len(t, printers, 1)
		assert.Equal(t, models.PDFPrinterName, printers[0].Name)
		assert.False(t, printers[0].IsDefault)
	})

	t.Run("NoReader", func(t *testing.T) {
		spooler := &fakeSpooler{printers: []models.PrinterInfo{{Name: "Epson"}}}
		b := newTestBridge(t, spooler, nil)

		printers := b.ListPrinters(context.Background())
		require.Len(t, printers, 1)
		assert.Equal(t, "Epson", printers[0].Name)
	})
}

func TestListPrinters_FailsOpen(t *testing.T) {
	spooler := &fakeSpooler{listErr: errors.New("lpstat missing")}
	b := newTestBridge(t, spooler, nil)

	printers := b.ListPrinters(context.Background())
	assert.NotNil(t, printers)
	assert.Empty(t, printers)
}

func TestSyntheticPDF_ListAndStatusAgree(t *testing.T) {
	reader := filepath.Join(t.TempDir(), "evince")
	require.NoError(t, os.WriteFile(reader, []byte{}, 0o755))

	cases := []struct {
		name     string
		spooler  *fakeSpooler
		renderer Renderer
		readers  []string
		ready    bool
	}{
		{name: "AdvertisedByPrinterName", spooler: &fakeSpooler{printers: []models.PrinterInfo{{Name: "Microsoft Print to PDF"}}}, ready: true},
		{name: "ReaderDetected", spooler: &fakeSpooler{}, readers: []string{reader}, ready: true},
		{name: "RendererConfigured", spooler: &fakeSpooler{}, renderer: &fakeRenderer{}, ready: true},
		{name: "NothingAvailable", spooler: &fakeSpooler{printers: []models.PrinterInfo{{Name: "Epson"}}}},
		{name: "EnumerationError", spooler: &fakeSpooler{listErr: errors.New("lpstat missing")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBridge(t, tc.spooler, tc.renderer, tc.readers...)
			ctx := context.Background()

			listed := false
			for _, p := range b.ListPrinters(ctx) {
				if p.Name == models.PDFPrinterName {
					listed = true
					assert.Equal(t, models.PrinterStatusReady, p.Status)
				}
			}
			assert.Equal(t, tc.ready, listed)

			want := models.PrinterStatusUnknown
			if tc.ready {
				want = models.PrinterStatusReady
			}
			assert.Equal(t, want, b.GetPrinterStatus(ctx, models.PDFPrinterName))
		})
	}
}

func TestGetPrinterStatus(t *testing.T) {
	spooler := &fakeSpooler{statuses: map[string]string{"HP": models.PrinterStatusReady, "Epson": models.PrinterStatusOffline}}
	b := newTestBridge(t, spooler, nil)
	ctx := context.Background()

	assert.Equal(t, models.PrinterStatusReady, b.GetPrinterStatus(ctx, "HP"))
	assert.Equal(t, models.PrinterStatusOffline, b.GetPrinterStatus(ctx, "Epson"))
	assert.Equal(t, models.PrinterStatusUnknown, b.GetPrinterStatus(ctx, models.PDFPrinterName))

	spooler.statusErr = errors.New("boom")
	assert.Equal(t, models.PrinterStatusUnknown, b.GetPrinterStatus(ctx, "HP"))

	withRenderer := newTestBridge(t, spooler, &fakeRenderer{})
	assert.Equal(t, models.PrinterStatusReady, withRenderer.GetPrinterStatus(ctx, models.PDFPrinterName))
}

func TestPrintDocument_Copies(t *testing.T) {
	spooler := &fakeSpooler{printers: []models.PrinterInfo{{Name: "HP LaserJet", Status: models.PrinterStatusReady}}}
	b := newTestBridge(t, spooler, nil)

	err := b.PrintDocument(context.Background(), "HP LaserJet", []byte(`{"number":"1"}`), PrintOptions{Copies: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"HP LaserJet", "HP LaserJet", "HP LaserJet"}, spooler.prints)
	assert.Equal(t, `{"number":"1"}`, string(spooler.contents[0]))
}

func TestPrintDocument_CopyFloor(t *testing.T) {
	for _, copies := range []int{0, -2} {
		spooler := &fakeSpooler{printers: []models.PrinterInfo{{Name: "HP"}}}
		b := newTestBridge(t, spooler, nil)

		require.NoError(t, b.PrintDocument(context.Background(), "HP", []byte("text"), PrintOptions{Copies: copies}))
		assert.Len(t, spooler.prints, 1)
	}
}

func TestPrintDocument_StopsAtFirstFailingCopy(t *testing.T) {
	spooler := &fakeSpooler{
		printers: []models.PrinterInfo{{Name: "HP"}},
		failOn:   2,
		printErr: errors.New("spooler offline"),
	}
	b := newTestBridge(t, spooler, nil)

	err := b.PrintDocument(context.Background(), "HP", []byte("text"), PrintOptions{Copies: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy 2 of 4")
	assert.Contains(t, err.Error(), "spooler offline")
	assert.Len(t, spooler.prints, 2)
}

func TestPrintDocument_PDFFallback(t *testing.T) {
	html := []byte("<html><body>Nota fiscal</body></html>")

	cases := []struct {
		name    string
		spooler *fakeSpooler
		target  string
	}{
		{name: "SyntheticTarget", spooler: &fakeSpooler{printers: []models.PrinterInfo{{Name: "HP"}}}, target: models.PDFPrinterName},
		{name: "NoPrinters", spooler: &fakeSpooler{}, target: "HP"},
		{name: "OnlyVirtualPrinters", spooler: &fakeSpooler{printers: []models.PrinterInfo{{Name: "Fax"}}}, target: "HP"},
		{name: "EnumerationError", spooler: &fakeSpooler{listErr: errors.New("lpstat missing")}, target: "HP"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			renderer := &fakeRenderer{}
			b := newTestBridge(t, tc.spooler, renderer)

			err := b.PrintDocument(context.Background(), tc.target, html, PrintOptions{Copies: 2})
			require.NoError(t, err)
			assert.Empty(t, tc.spooler.prints)
			require.Len(t, renderer.calls, 1)

			files, err := os.ReadDir(b.config.OutputDir)
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.True(t, strings.HasPrefix(files[0].Name(), "print-"))
			assert.True(t, strings.HasSuffix(files[0].Name(), ".pdf"))
		})
	}
}

func TestPrintToPDF(t *testing.T) {
	t.Run("PassthroughPDF", func(t *testing.T) {
		b := newTestBridge(t, &fakeSpooler{}, nil)
		b.now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) }

		path, err := b.PrintToPDF(context.Background(), []byte("%PDF-1.4 data"), PDFOptions{})
		require.NoError(t, err)
		assert.Equal(t, "print-20260301-103000.000000.pdf", filepath.Base(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "%PDF-1.4 data", string(data))
	})

	t.Run("NoRenderer", func(t *testing.T) {
		b := newTestBridge(t, &fakeSpooler{}, nil)
		_, err := b.PrintToPDF(context.Background(), []byte("<html></html>"), PDFOptions{})
		assert.ErrorIs(t, err, ErrRendererUnavailable)
	})

	t.Run("WrapsText", func(t *testing.T) {
		renderer := &fakeRenderer{}
		b := newTestBridge(t, &fakeSpooler{}, renderer)

		_, err := b.PrintToPDF(context.Background(), []byte(`{"a":"<b>"}`), PDFOptions{PrintBackground: true})
		require.NoError(t, err)
		require.Len(t, renderer.calls, 1)
		assert.Contains(t, renderer.calls[0], "<pre>")
		assert.Contains(t, renderer.calls[0], "&lt;b&gt;")
	})

	t.Run("RenderError", func(t *testing.T) {
		b := newTestBridge(t, &fakeSpooler{}, &fakeRenderer{err: errors.New("chrome missing")})
		_, err := b.PrintToPDF(context.Background(), []byte("<html></html>"), PDFOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "chrome missing")
	})
}

func TestPrintDocument_RendersHTMLForSpooler(t *testing.T) {
	spooler := &fakeSpooler{printers: []models.PrinterInfo{{Name: "HP"}}}
	renderer := &fakeRenderer{}
	b := newTestBridge(t, spooler, renderer)

	require.NoError(t, b.PrintDocument(context.Background(), "HP", []byte("<div>note</div>"), PrintOptions{Copies: 1}))
	require.Len(t, spooler.contents, 1)
	assert.Equal(t, "%PDF-1.7 rendered", string(spooler.contents[0]))
}
