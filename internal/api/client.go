package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fiscalprint/internal/models"
	"fiscalprint/internal/service"
	"fiscalprint/internal/worker"
)

// Client talks to the agent HTTP API. It backs printctl.
type Client struct {
	baseURL      string
	apiKey       string
	extra        string
	headerAPIKey string
	headerExtra  string
	http         *http.Client
}

// APIError is a non-2xx answer from the agent.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.StatusCode, e.Message)
}

func NewClient(baseURL, apiKey, extra string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		extra:        extra,
		headerAPIKey: apiKeyHeaderDefault,
		headerExtra:  apiExtraHeaderDefault,
		// Manual passes wait for every pending request.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

// WithHeaders overrides the credential header names.
func (c *Client) WithHeaders(apiKey, extra string) *Client {
	if apiKey != "" {
		c.headerAPIKey = apiKey
	}
	if extra != "" {
		c.headerExtra = extra
	}
	return c
}

func (c *Client) Enqueue(ctx context.Context, in service.EnqueueInput) (*models.PrintRequest, error) {
	var out models.PrintRequest
	if err := c.do(ctx, http.MethodPost, "/api/v1/print-requests", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context, status string, limit int) ([]*models.PrintRequest, error) {
	var out struct {
		Requests []*models.PrintRequest `json:"requests"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/print-requests"+listQuery(status, limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *Client) Get(ctx context.Context, id string) (*models.PrintRequest, error) {
	var out models.PrintRequest
	if err := c.do(ctx, http.MethodGet, "/api/v1/print-requests/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RunPass(ctx context.Context) (worker.PassResult, error) {
	var out worker.PassResult
	err := c.do(ctx, http.MethodPost, "/api/v1/queue/pass", nil, &out)
	return out, err
}

func (c *Client) AutoPrint(ctx context.Context) (bool, error) {
	var out autoPrintBody
	if err := c.do(ctx, http.MethodGet, "/api/v1/queue/auto-print", nil, &out); err != nil {
		return false, err
	}
	return out.AutoPrint != nil && *out.AutoPrint, nil
}

func (c *Client) SetAutoPrint(ctx context.Context, on bool) (bool, error) {
	var out autoPrintBody
	if err := c.do(ctx, http.MethodPut, "/api/v1/queue/auto-print", autoPrintBody{AutoPrint: &on}, &out); err != nil {
		return false, err
	}
	return out.AutoPrint != nil && *out.AutoPrint, nil
}

func (c *Client) Printers(ctx context.Context) ([]models.PrinterInfo, error) {
	var out struct {
		Printers []models.PrinterInfo `json:"printers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/printers", nil, &out); err != nil {
		return nil, err
	}
	return out.Printers, nil
}

func (c *Client) PrinterConfig(ctx context.Context) (models.PrinterConfiguration, error) {
	var out models.PrinterConfiguration
	err := c.do(ctx, http.MethodGet, "/api/v1/printer-config", nil, &out)
	return out, err
}

func (c *Client) SetPrinterConfig(ctx context.Context, cfg models.PrinterConfiguration) (models.PrinterConfiguration, error) {
	var out models.PrinterConfiguration
	err := c.do(ctx, http.MethodPut, "/api/v1/printer-config", cfg, &out)
	return out, err
}

// Export streams the xlsx workbook into w.
func (c *Client) Export(ctx context.Context, status string, limit int, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/print-requests/export"+listQuery(status, limit), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	return nil
}

func listQuery(status string, limit int) string {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs the request and turns non-2xx answers into *APIError.
func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.headerAPIKey, c.apiKey)
		req.Header.Set(c.headerExtra, c.extra)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var payload struct {
		Error string `json:"error"`
	}
	msg := http.StatusText(resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
}
