package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sentinel-Gate/guard-proxy/internal/service"
)

// HTTPTransport is the inbound adapter that serves the OpenAI-compatible
// API and routes chat completions through the MediationService.
type HTTPTransport struct {
	mediation     *service.MediationService
	server        *http.Server
	addr          string
	certFile      string
	keyFile       string
	blockStatus   int
	logger        *slog.Logger
	registry      *prometheus.Registry
	metrics       *Metrics       // Prometheus metrics
	healthChecker *HealthChecker // Health check handler
	listener      net.Listener
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8000" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithBlockStatus sets the HTTP status used for guardrail refusals.
func WithBlockStatus(status int) Option {
	return func(t *HTTPTransport) {
		if status >= 400 && status < 500 {
			t.blockStatus = status
		}
	}
}

// WithMetrics sets the registry served on /metrics and the metrics recorded
// by the middleware. Without it Start creates its own.
func WithMetrics(reg *prometheus.Registry, metrics *Metrics) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
		t.metrics = metrics
	}
}

// WithListener serves on an existing listener instead of addr.
func WithListener(l net.Listener) Option {
	return func(t *HTTPTransport) {
		t.listener = l
	}
}

// NewHTTPTransport creates an HTTP transport adapter wrapping the given mediation service.
func NewHTTPTransport(mediation *service.MediationService, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		mediation:   mediation,
		addr:        "127.0.0.1:8000",
		blockStatus: http.StatusForbidden,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// NewRegistry creates a Prometheus registry with the Go and process
// collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler builds the routed handler with its middleware chain.
func (t *HTTPTransport) Handler() http.Handler {
	if t.registry == nil {
		t.registry = NewRegistry()
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(t.registry)
	}

	h := &chatHandler{
		mediation:   t.mediation,
		blockStatus: t.blockStatus,
		metrics:     t.metrics,
	}

	// Middleware order (outermost first):
	// 1. MetricsMiddleware - Record duration and status (MUST be outermost to capture full duration)
	// 2. RequestID - Extract/generate request ID and enrich logger
	// 3. RealIP - Add client IP to the logger
	// 4. CORS - Answer preflight requests
	// 5. Handler - Chat completion or model listing
	api := http.NewServeMux()
	api.HandleFunc("/v1/chat/completions", h.chatCompletions)
	api.HandleFunc("/chat/completions", h.chatCompletions)
	api.HandleFunc("/v1/models", h.models)
	api.HandleFunc("/models", h.models)
	api.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "", "unknown endpoint "+r.URL.Path)
	}))

	var apiHandler http.Handler = api
	apiHandler = CORSMiddleware(apiHandler)
	apiHandler = RealIPMiddleware(apiHandler)
	apiHandler = RequestIDMiddleware(t.logger)(apiHandler)
	apiHandler = MetricsMiddleware(t.metrics)(apiHandler)

	mux := http.NewServeMux()
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		// Fallback to simple handler if no checker configured
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	// Favicon handler to prevent browser 500 errors
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle("/", apiHandler)
	return mux
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Configure TLS if certificates provided
	tlsEnabled := t.certFile != "" && t.keyFile != ""
	if tlsEnabled {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	listener := t.listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.addr)
		if err != nil {
			return err
		}
	}

	// Channel for server errors
	errCh := make(chan error, 1)

	// Start server in goroutine
	go func() {
		var err error
		if tlsEnabled {
			t.logger.Info("starting HTTPS server", "addr", listener.Addr().String())
			err = t.server.ServeTLS(listener, t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", listener.Addr().String())
			err = t.server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	// Create timeout context for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown server gracefully
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
