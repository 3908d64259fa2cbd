package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"fiscalprint/internal/bridge"
	"fiscalprint/internal/config"
	"fiscalprint/internal/domain"
	"fiscalprint/internal/metrics"
	"fiscalprint/internal/models"
	"fiscalprint/internal/service"
	"fiscalprint/internal/worker"

	"github.com/rs/zerolog"
)

// PrintRequests is satisfied by *service.PrintService.
type PrintRequests interface {
	Enqueue(ctx context.Context, in service.EnqueueInput) (*models.PrintRequest, error)
	List(ctx context.Context, status string, limit int) ([]*models.PrintRequest, error)
	Get(ctx context.Context, id string) (*models.PrintRequest, error)
}

// QueueController is satisfied by *worker.AutoPrinter.
type QueueController interface {
	RunNow(ctx context.Context) (worker.PassResult, error)
	AutoPrint() bool
	SetAutoPrint(on bool)
}

// HTTPDeps groups what the HTTP API serves.
type HTTPDeps struct {
	Requests  PrintRequests
	Queue     QueueController
	Printers  domain.PrinterConfigStore
	Bridge    bridge.Bridge
	Hub       *Hub
	Publisher domain.EventPublisher
}

// HTTPServer is the local agent API used by the UI and printctl.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   HTTPDeps
	server *http.Server
	auth   *HTTPAuth
	mux    *http.ServeMux
	log    zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps HTTPDeps, logger *zerolog.Logger) *HTTPServer {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "http").Logger()
	}

	srv := &HTTPServer{
		cfg:  cfg,
		deps: deps,
		auth: NewHTTPAuth(cfg),
		mux:  http.NewServeMux(),
		log:  l,
	}

	srv.mux.HandleFunc("GET /healthz", srv.handleHealth)
	srv.route("POST /api/v1/print-requests", PermWriteRequests, srv.handleCreateRequest)
	srv.route("GET /api/v1/print-requests", PermReadRequests, srv.handleListRequests)
	srv.route("GET /api/v1/print-requests/export", PermReadRequests, srv.handleExportRequests)
	srv.route("GET /api/v1/print-requests/{id}", PermReadRequests, srv.handleGetRequest)
	srv.route("POST /api/v1/queue/pass", PermManageQueue, srv.handleRunPass)
	srv.route("GET /api/v1/queue/auto-print", PermReadRequests, srv.handleGetAutoPrint)
	srv.route("PUT /api/v1/queue/auto-print", PermManageQueue, srv.handleSetAutoPrint)
	srv.route("GET /api/v1/printer-config", PermReadPrinters, srv.handleGetPrinterConfig)
	srv.route("PUT /api/v1/printer-config", PermManageConfig, srv.handleSetPrinterConfig)
	srv.route("GET /api/v1/printers", PermReadPrinters, srv.handleListPrinters)
	srv.route("GET /api/v1/printers/{name}/status", PermReadPrinters, srv.handlePrinterStatus)
	if deps.Hub != nil {
		srv.route("GET /ws", PermReadRequests, deps.Hub.ServeWS)
	}

	// WriteTimeout stays unset: queue passes and websocket streams outlive any fixed bound.
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv
}

func (s *HTTPServer) route(pattern, permission string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.auth.Require(permission, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		h(w, r)
	})))
}

// Handler returns the full middleware stack, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return loggingMiddleware(&s.log, s.mux)
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.server.Shutdown(ctx)
}

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

// Require wraps next with authentication for the given permission and the
// rate limit.
func (a *HTTPAuth) Require(permission string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			apiKey, extra := a.credentials(r)
			client, err := a.keys.authenticate(apiKey, extra)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if err := authorize(client, permission); err != nil {
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// credentials reads the key pair from headers. Browsers cannot set headers on
// a websocket handshake, so the query string is accepted as a fallback.
func (a *HTTPAuth) credentials(r *http.Request) (string, string) {
	apiKey := strings.TrimSpace(r.Header.Get(a.keys.headerAPIKey))
	extra := strings.TrimSpace(r.Header.Get(a.keys.headerExtra))
	if apiKey == "" && extra == "" {
		q := r.URL.Query()
		apiKey = strings.TrimSpace(q.Get("api_key"))
		extra = strings.TrimSpace(q.Get("api_extra"))
	}
	return apiKey, extra
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey, _ := a.credentials(r); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func loggingMiddleware(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		event := logger.Debug()
		if recorder.status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("pattern", r.Pattern).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed for websocket upgrades behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
