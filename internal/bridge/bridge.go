package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fiscalprint/internal/config"
	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
)

var ErrRendererUnavailable = errors.New("pdf renderer is not configured")

// Bridge is the only way the rest of the daemon reaches OS printing.
// ListPrinters and GetPrinterStatus never fail; errors surface as an empty
// list and UNKNOWN respectively.
type Bridge interface {
	ListPrinters(ctx context.Context) []models.PrinterInfo
	GetPrinterStatus(ctx context.Context, name string) string
	PrintDocument(ctx context.Context, printerName string, data []byte, opts PrintOptions) error
	PrintToPDF(ctx context.Context, data []byte, opts PDFOptions) (string, error)
}

type PrintOptions struct {
	Copies int `json:"copies"`
}

type PDFOptions struct {
	PrintBackground bool   `json:"printBackground"`
	PageSize        string `json:"pageSize"`
}

// OSBridge drives the host spooler and falls back to PDF output.
type OSBridge struct {
	spooler  Spooler
	renderer Renderer
	config   config.BridgeConfig
	readers  *ReaderDetector
	logger   *zerolog.Logger
	now      func() time.Time
}

// NewOSBridge builds a bridge. renderer may be nil, in which case only
// payloads that are already PDF can go to the PDF fallback.
func NewOSBridge(spooler Spooler, renderer Renderer, cfg config.BridgeConfig, logger *zerolog.Logger) *OSBridge {
	return &OSBridge{
		spooler:  spooler,
		renderer: renderer,
		config:   cfg,
		readers:  NewReaderDetector(cfg.ReaderPaths),
		logger:   logger,
		now:      time.Now,
	}
}

func (b *OSBridge) ListPrinters(ctx context.Context) []models.PrinterInfo {
	raw, err := b.spooler.Printers(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Printer enumeration failed")
		return []models.PrinterInfo{}
	}

	printers, advertisesPDF := FilterPrinters(raw)
	if b.pdfTargetReady(advertisesPDF) {
		printers = append(printers, models.PrinterInfo{
			Name:   models.PDFPrinterName,
			Status: models.PrinterStatusReady,
		})
	}
	return printers
}

func (b *OSBridge) GetPrinterStatus(ctx context.Context, name string) string {
	if name == models.PDFPrinterName {
		raw, err := b.spooler.Printers(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Printer enumeration failed during pdf status check")
		}
		_, advertisesPDF := FilterPrinters(raw)
		if b.pdfTargetReady(advertisesPDF) {
			return models.PrinterStatusReady
		}
		return models.PrinterStatusUnknown
	}

	status, err := b.spooler.Status(ctx, name)
	if err != nil {
		b.logger.Warn().Err(err).Str("printer", name).Msg("Printer status query failed")
		return models.PrinterStatusUnknown
	}
	return status
}

// pdfTargetReady is the single rule for the synthetic PDF printer, shared by
// ListPrinters and GetPrinterStatus: a renderer, a detected reader, or a spooler
// printer whose name advertises pdf.
func (b *OSBridge) pdfTargetReady(advertisesPDF bool) bool {
	return b.renderer != nil || advertisesPDF || b.readers.Detected()
}

// PrintDocument prints every copy sequentially and stops at the first failing copy.
func (b *OSBridge) PrintDocument(ctx context.Context, printerName string, data []byte, opts PrintOptions) error {
	if printerName == models.PDFPrinterName {
		return b.fallbackToPDF(ctx, data, "pdf target")
	}

	raw, err := b.spooler.Printers(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Printer enumeration failed before print")
		raw = nil
	}
	if physical, _ := FilterPrinters(raw); len(physical) == 0 {
		return b.fallbackToPDF(ctx, data, "no physical printers")
	}

	copies := opts.Copies
	if copies < 1 {
		copies = 1
	}

	path, cleanup, err := b.stage(ctx, data)
	if err != nil {
		return err
	}
	defer cleanup()

	for i := 1; i <= copies; i++ {
		if err := b.spooler.Print(ctx, printerName, path); err != nil {
			return fmt.Errorf("copy %d of %d on %s: %w", i, copies, printerName, err)
		}
		b.logger.Debug().Str("printer", printerName).Int("copy", i).Int("copies", copies).Msg("Copy sent to spooler")
	}

	b.logger.Info().Str("printer", printerName).Int("copies", copies).Msg("Document printed")
	return nil
}

func (b *OSBridge) fallbackToPDF(ctx context.Context, data []byte, reason string) error {
	path, err := b.PrintToPDF(ctx, data, PDFOptions{PrintBackground: true, PageSize: b.config.PDF.PageSize})
	if err != nil {
		return fmt.Errorf("pdf fallback: %w", err)
	}
	b.logger.Info().Str("reason", reason).Str("path", path).Msg("Document redirected to PDF")
	return nil
}

// PrintToPDF renders the payload and writes print-<timestamp>.pdf under the output dir.
func (b *OSBridge) PrintToPDF(ctx context.Context, data []byte, opts PDFOptions) (string, error) {
	if opts.PageSize == "" {
		opts.PageSize = b.config.PDF.PageSize
	}

	var pdf []byte
	switch {
	case DetectKind(data) == KindPDF:
		pdf = data
	case b.renderer == nil:
		return "", ErrRendererUnavailable
	default:
		rendered, err := b.renderer.Render(ctx, AsHTML(data), opts)
		if err != nil {
			return "", fmt.Errorf("render pdf: %w", err)
		}
		pdf = rendered
	}

	if err := os.MkdirAll(b.config.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create pdf output directory: %w", err)
	}

	name := fmt.Sprintf("print-%s.pdf", b.now().Format("20060102-150405.000000"))
	path := filepath.Join(b.config.OutputDir, name)
	if err := os.WriteFile(path, pdf, 0o644); err != nil {
		return "", fmt.Errorf("write pdf: %w", err)
	}
	return path, nil
}

// stage writes the payload to a temp file in a format the spooler accepts.
func (b *OSBridge) stage(ctx context.Context, data []byte) (string, func(), error) {
	kind := DetectKind(data)
	content := data
	ext := ".txt"

	switch kind {
	case KindPDF:
		ext = ".pdf"
	case KindHTML:
		ext = ".html"
		if b.renderer != nil {
			rendered, err := b.renderer.Render(ctx, string(data), PDFOptions{PrintBackground: true, PageSize: b.config.PDF.PageSize})
			if err != nil {
				return "", nil, fmt.Errorf("render document: %w", err)
			}
			content = rendered
			ext = ".pdf"
		}
	}

	f, err := os.CreateTemp("", "fiscalprint-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("create temp document: %w", err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }

	if _, err := f.Write(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp document: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp document: %w", err)
	}
	return path, cleanup, nil
}
