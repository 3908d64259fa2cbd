package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"fiscalprint/internal/bridge"
	"fiscalprint/internal/config"
	"fiscalprint/internal/models"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrOperationNotAllowed = errors.New("bridge operation not allowed")

// BridgeClient drives a bridge served by another process. It implements
// bridge.Bridge, so the queue processor cannot tell it from a local one.
type BridgeClient struct {
	conn   *grpc.ClientConn
	apiKey string
	extra  string
	logger *zerolog.Logger
}

var _ bridge.Bridge = (*BridgeClient)(nil)

func NewBridgeClient(cfg config.BridgeGRPCConfig, logger *zerolog.Logger) (*BridgeClient, error) {
	creds := insecure.NewCredentials()
	if cfg.TLS.Enabled {
		tc := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			pool, err := loadCertPool(cfg.TLS.CAFile)
			if err != nil {
				return nil, err
			}
			tc.RootCAs = pool
		}
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("load grpc client keypair: %w", err)
			}
			tc.Certificates = []tls.Certificate{cert}
		}
		creds = credentials.NewTLS(tc)
	}

	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", cfg.Address, err)
	}
	return NewBridgeClientConn(conn, cfg.APIKey, cfg.Extra, logger), nil
}

// NewBridgeClientConn wraps an existing connection.
func NewBridgeClientConn(conn *grpc.ClientConn, apiKey, extra string, logger *zerolog.Logger) *BridgeClient {
	l := logger.With().Str("component", "bridge_client").Logger()
	return &BridgeClient{conn: conn, apiKey: apiKey, extra: extra, logger: &l}
}

func (c *BridgeClient) Close() error {
	return c.conn.Close()
}

// Invoke sends one named operation across the channel. Names outside the
// allow-list fail with ErrOperationNotAllowed before anything is sent.
func (c *BridgeClient) Invoke(ctx context.Context, operation string, req map[string]any) (*structpb.Struct, error) {
	method, ok := allowedOperations[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotAllowed, operation)
	}
	if req == nil {
		req = map[string]any{}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", operation, err)
	}

	if c.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, apiKeyHeaderDefault, c.apiKey, apiExtraHeaderDefault, c.extra)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(operation, err)
	}
	return out, nil
}

func (c *BridgeClient) ListPrinters(ctx context.Context) []models.PrinterInfo {
	out, err := c.Invoke(ctx, "getPrinters", nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Remote printer enumeration failed")
		return []models.PrinterInfo{}
	}
	return printersFromStruct(out)
}

func (c *BridgeClient) GetPrinterStatus(ctx context.Context, name string) string {
	out, err := c.Invoke(ctx, "getPrinterStatus", map[string]any{"name": name})
	if err != nil {
		c.logger.Warn().Err(err).Str("printer", name).Msg("Remote printer status failed")
		return models.PrinterStatusUnknown
	}
	if s := stringField(out, "status"); s != "" {
		return s
	}
	return models.PrinterStatusUnknown
}

func (c *BridgeClient) PrintDocument(ctx context.Context, printerName string, data []byte, opts bridge.PrintOptions) error {
	req := map[string]any{
		"printerName": printerName,
		"options":     map[string]any{"copies": opts.Copies},
	}
	encodeData(req, data)

	out, err := c.Invoke(ctx, "printDocument", req)
	if err != nil {
		return err
	}
	if !boolField(out, "success") {
		return errors.New("printDocument: bridge reported failure")
	}
	return nil
}

func (c *BridgeClient) PrintToPDF(ctx context.Context, data []byte, opts bridge.PDFOptions) (string, error) {
	req := map[string]any{
		"options": map[string]any{"printBackground": opts.PrintBackground, "pageSize": opts.PageSize},
	}
	encodeData(req, data)

	out, err := c.Invoke(ctx, "printToPDF", req)
	if err != nil {
		return "", err
	}
	path := stringField(out, "filePath")
	if !boolField(out, "success") || path == "" {
		return "", errors.New("printToPDF: bridge returned no file")
	}
	return path, nil
}

// fromStatus turns a gRPC status back into the errors a local bridge returns.
func fromStatus(operation string, err error) error {
	st := status.Convert(err)
	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %s: %w", operation, st.Message(), context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %s: %w", operation, st.Message(), context.Canceled)
	case codes.Unavailable:
		if st.Message() == bridge.ErrRendererUnavailable.Error() {
			return fmt.Errorf("%s: %w", operation, bridge.ErrRendererUnavailable)
		}
	case codes.PermissionDenied:
		if strings.HasSuffix(st.Message(), "is not allowed") {
			return fmt.Errorf("%s: %s: %w", operation, st.Message(), ErrOperationNotAllowed)
		}
	}
	return fmt.Errorf("%s: %s", operation, st.Message())
}
