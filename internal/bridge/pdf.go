package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fiscalprint/internal/config"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// Renderer turns an HTML document into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, html string, opts PDFOptions) ([]byte, error)
}

// Paper sizes in inches.
var paperSizes = map[string][2]float64{
	"A4":     {8.27, 11.69},
	"A5":     {5.83, 8.27},
	"LETTER": {8.5, 11},
	"LEGAL":  {8.5, 14},
	// Thermal receipt rolls; the tall page keeps a fiscal note on one sheet.
	"80MM": {3.15, 118},
	"58MM": {2.28, 118},
}

// ChromedpRenderer renders off-screen with headless Chrome.
type ChromedpRenderer struct {
	config      config.PDFConfig
	logger      *zerolog.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewChromedpRenderer(cfg config.PDFConfig, logger *zerolog.Logger) *ChromedpRenderer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := &ChromedpRenderer{config: cfg, logger: logger}

	if cfg.RemoteURL != "" {
		r.allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		return r
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("font-render-hinting", "none"),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return r
}

func (r *ChromedpRenderer) Render(ctx context.Context, html string, opts PDFOptions) ([]byte, error) {
	if strings.TrimSpace(html) == "" {
		return nil, errors.New("html content is empty")
	}

	width, height := PaperDimensions(opts.PageSize)

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	browserCtx, browserCancel := chromedp.NewContext(r.allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			r.logger.Debug().Msgf(format, args...)
		}),
	)
	defer browserCancel()

	// The browser context must also stop when the caller's deadline passes.
	stop := context.AfterFunc(ctx, browserCancel)
	defer stop()

	started := time.Now()
	var pdf []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().
				WithPrintBackground(opts.PrintBackground).
				WithPaperWidth(width).
				WithPaperHeight(height).
				WithMarginTop(0.2).
				WithMarginBottom(0.2).
				WithMarginLeft(0.2).
				WithMarginRight(0.2).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = data
			return nil
		}),
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("pdf rendering timed out after %s: %w", r.config.Timeout, err)
		}
		return nil, fmt.Errorf("chromedp execution failed: %w", err)
	}
	if len(pdf) == 0 {
		return nil, errors.New("generated pdf is empty")
	}

	r.logger.Debug().Int("bytes", len(pdf)).Dur("duration", time.Since(started)).Msg("PDF rendered")
	return pdf, nil
}

func (r *ChromedpRenderer) Close() error {
	if r.allocCancel != nil {
		r.allocCancel()
	}
	return nil
}

// PaperDimensions returns width and height in inches, defaulting to A4.
func PaperDimensions(pageSize string) (float64, float64) {
	if dims, ok := paperSizes[strings.ToUpper(strings.TrimSpace(pageSize))]; ok {
		return dims[0], dims[1]
	}
	dims := paperSizes["A4"]
	return dims[0], dims[1]
}
