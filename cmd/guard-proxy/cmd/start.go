package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/guard-proxy/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/guard-proxy/internal/adapter/outbound/backend"
	"github.com/Sentinel-Gate/guard-proxy/internal/adapter/outbound/guardrails"
	"github.com/Sentinel-Gate/guard-proxy/internal/config"
	"github.com/Sentinel-Gate/guard-proxy/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	Long: `Start the guard-proxy server.

The server exposes /v1/chat/completions and /v1/models (also without the
/v1 prefix), /health and /metrics.

Examples:
  # Start with config file settings
  guard-proxy start

  # Start with debug logging
  guard-proxy start --dev

  # Start with a specific config file
  guard-proxy --config /path/to/guard-proxy.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	settings, err := cfg.Settings()
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := newLogger(os.Stderr, settings)
	slog.SetDefault(logger)
	logger.Debug("log level configured", "level", settings.LogLevel, "format", settings.LogFormat)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "guard-proxy stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer func() { _ = os.Remove(pidPath) }()
	}

	if err := run(ctx, settings, logger); err != nil {
		return err
	}

	logger.Info("guard-proxy stopped")
	return nil
}

// run wires the components together and serves until ctx is cancelled.
func run(ctx context.Context, settings *config.Settings, logger *slog.Logger) error {
	if settings.TracingEnabled {
		shutdown, err := setupTracing(os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("failed to flush spans", "error", err)
			}
		}()
		logger.Info("tracing enabled", "exporter", "stdout")
	}

	transport, cleanup := buildTransport(settings, logger)
	defer cleanup()

	printBanner(os.Stderr, Version, settings)
	return transport.Start(ctx)
}

// buildTransport assembles the backend and guardrail clients, the mediation
// service and the HTTP transport. cleanup releases pooled connections.
func buildTransport(settings *config.Settings, logger *slog.Logger) (*http.HTTPTransport, func()) {
	be := backend.NewClient(settings.BackendURL,
		backend.WithAPIKey(settings.APIKey),
		backend.WithModel(settings.Model),
		backend.WithSystemPrompt(settings.SystemPrompt),
		backend.WithQuery(settings.BackendQuery),
		backend.WithTimeout(settings.BackendTimeout),
	)
	cleanups := []func(){be.CloseIdleConnections}

	reg := http.NewRegistry()
	metrics := http.NewMetrics(reg)

	opts := []service.Option{
		service.WithDefaults(settings.Defaults),
		service.WithFailureMode(settings.FailureMode),
		service.WithScanTimeout(settings.ScanTimeout),
		service.WithChunkSize(settings.ChunkSize),
		service.WithRecorder(metrics),
	}
	if settings.GuardrailsConfigured() {
		scanner := guardrails.NewClient(settings.GuardrailsURL, settings.GuardrailsToken, settings.GuardrailsProject,
			guardrails.WithTimeout(settings.ScanTimeout),
		)
		cleanups = append(cleanups, scanner.CloseIdleConnections)
		opts = append(opts, service.WithScanner(scanner))
	} else {
		logger.Warn("guardrails service not configured, scans requested by header will be skipped")
	}

	mediation := service.NewMediationService(be, logger, opts...)
	healthChecker := http.NewHealthChecker(mediation, string(settings.FailureMode), Version)

	transportOpts := []http.Option{
		http.WithAddr(settings.HTTPAddr),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithMetrics(reg, metrics),
		http.WithBlockStatus(settings.BlockStatus),
	}
	if settings.TLSEnabled() {
		transportOpts = append(transportOpts, http.WithTLS(settings.TLSCertFile, settings.TLSKeyFile))
	}
	transport := http.NewHTTPTransport(mediation, transportOpts...)

	return transport, func() {
		for _, c := range cleanups {
			c()
		}
	}
}

// newLogger builds the process logger writing to w.
// Priority: DevMode=true -> debug, otherwise use configured log_level
func newLogger(w io.Writer, settings *config.Settings) *slog.Logger {
	level := parseLogLevel(settings.LogLevel)
	if settings.DevMode {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if settings.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a startup summary: where to point clients, where
// requests go and which scans run by default.
func printBanner(w io.Writer, version string, settings *config.Settings) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	scheme := "http"
	if settings.TLSEnabled() {
		scheme = "https"
	}
	proxyURL := fmt.Sprintf("%s://%s/v1", scheme, settings.HTTPAddr)
	if strings.HasPrefix(settings.HTTPAddr, ":") {
		proxyURL = fmt.Sprintf("%s://localhost%s/v1", scheme, settings.HTTPAddr)
	}

	guardrailsStr := yellow + "not configured" + reset
	if settings.GuardrailsConfigured() {
		guardrailsStr = green + settings.GuardrailsURL + reset + dim + " (fail " + string(settings.FailureMode) + ")" + reset
	}

	onOff := func(b bool) string {
		if b {
			return green + "on" + reset
		}
		return dim + "off" + reset
	}
	d := settings.Defaults

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  %s%s guard-proxy %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(w, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(w, "  %-14s %s\n", "Proxy:", proxyURL)
	fmt.Fprintf(w, "  %-14s %s\n", "Backend:", settings.BackendURL)
	fmt.Fprintf(w, "  %-14s %s\n", "Guardrails:", guardrailsStr)
	fmt.Fprintf(w, "  %-14s scan %s / redact %s\n", "Prompt:", onOff(d.ScanPrompt), onOff(d.RedactPrompt))
	fmt.Fprintf(w, "  %-14s scan %s / redact %s\n", "Response:", onOff(d.ScanResponse), onOff(d.RedactResponse))
	if settings.Model != "" {
		fmt.Fprintf(w, "  %-14s %s\n", "Model:", settings.Model)
	}
	fmt.Fprintf(w, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(w, "\n")
}
