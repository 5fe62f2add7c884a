package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/guard-proxy/internal/ctxkey"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/chat"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/policy"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/stream"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/upstream"
	"github.com/Sentinel-Gate/guard-proxy/internal/port/outbound"
)

const tracerName = "github.com/Sentinel-Gate/guard-proxy/internal/service"

// DefaultScanTimeout bounds a single scan when no timeout is configured.
const DefaultScanTimeout = 30 * time.Second

// loggerFromContext extracts the enriched logger from context.
// Returns nil if no logger is in context (caller should use fallback).
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// Outcome is a mediated response ready to be written to the client.
// Exactly one of Body and Stream is set.
type Outcome struct {
	Status int
	Header http.Header
	Body   []byte
	// Stream must be closed by the caller.
	Stream stream.Sequence
	// Live is set when Stream relays backend fragments as they arrive.
	Live   bool
	Policy policy.Policy
}

// MediationService runs one chat completion through prompt scanning, the
// backend and response scanning.
type MediationService struct {
	backend     outbound.Backend
	scanner     outbound.Scanner
	defaults    policy.Policy
	failureMode scan.FailureMode
	scanTimeout time.Duration
	chunkSize   int
	recorder    Recorder
	tracer      trace.Tracer
	logger      *slog.Logger
}

// Option configures a MediationService.
type Option func(*MediationService)

// WithScanner sets the guardrail scanner. Without one, scans requested by
// policy are skipped with a warning.
func WithScanner(s outbound.Scanner) Option {
	return func(m *MediationService) { m.scanner = s }
}

// WithDefaults sets the policy applied before header overrides.
func WithDefaults(p policy.Policy) Option {
	return func(m *MediationService) { m.defaults = p }
}

// WithFailureMode sets how scan service failures are treated.
func WithFailureMode(mode scan.FailureMode) Option {
	return func(m *MediationService) { m.failureMode = mode }
}

// WithScanTimeout bounds each scan call.
func WithScanTimeout(d time.Duration) Option {
	return func(m *MediationService) {
		if d > 0 {
			m.scanTimeout = d
		}
	}
}

// WithChunkSize sets the rune count of replayed stream chunks.
func WithChunkSize(n int) Option {
	return func(m *MediationService) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *MediationService) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithTracer sets the tracer used for mediation spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *MediationService) {
		if t != nil {
			m.tracer = t
		}
	}
}

// NewMediationService creates a new MediationService.
func NewMediationService(backend outbound.Backend, logger *slog.Logger, opts ...Option) *MediationService {
	m := &MediationService{
		backend:     backend,
		failureMode: scan.FailClosed,
		scanTimeout: DefaultScanTimeout,
		chunkSize:   stream.DefaultChunkSize,
		recorder:    nopRecorder{},
		tracer:      otel.Tracer(tracerName),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Defaults returns the operator policy defaults.
func (s *MediationService) Defaults() policy.Policy {
	return s.defaults
}

// ScannerConfigured reports whether a guardrail scanner is wired in.
func (s *MediationService) ScannerConfigured() bool {
	return s.scanner != nil
}

func (s *MediationService) loggerFor(ctx context.Context) *slog.Logger {
	if l := loggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Mediate processes a raw chat completion request body.
//
// Errors are either wrapped chat.ErrInvalidRequest, *BlockedError,
// *upstream.BackendError, or the context's error when the client went away.
func (s *MediationService) Mediate(ctx context.Context, raw []byte, header http.Header, in upstream.Inbound) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "mediation.Mediate")
	defer span.End()
	logger := s.loggerFor(ctx)

	req, err := chat.ParseRequest(raw)
	if err != nil {
		return nil, s.fail(span, StageReceived, err)
	}

	pol := policy.Resolve(s.defaults, header)
	span.SetAttributes(
		attribute.Bool("guard.stream", req.Stream),
		attribute.Bool("guard.scan_prompt", pol.ScanPrompt),
		attribute.Bool("guard.scan_response", pol.ScanResponse),
		attribute.Bool("guard.redact_prompt", pol.RedactPrompt),
		attribute.Bool("guard.redact_response", pol.RedactResponse),
	)
	logger.Debug("mediation policy resolved",
		"stream", req.Stream,
		"scan_prompt", pol.ScanPrompt,
		"scan_response", pol.ScanResponse,
		"redact_prompt", pol.RedactPrompt,
		"redact_response", pol.RedactResponse,
	)

	if err := s.promptStage(ctx, logger, req, pol); err != nil {
		return nil, s.fail(span, StagePrompt, err)
	}

	originalModel := req.Model
	resp, err := s.forward(ctx, req, in)
	if err != nil {
		return nil, s.fail(span, StageForward, err)
	}
	restore := ""
	if originalModel != "" && req.Model != originalModel {
		restore = originalModel
	}

	var out *Outcome
	if resp.Streaming() {
		out, err = s.streamStage(ctx, logger, pol, resp, restore)
	} else {
		out, err = s.payloadStage(ctx, logger, pol, resp, restore)
	}
	if err != nil {
		return nil, s.fail(span, StageResponse, err)
	}
	if req.Stream && out.Stream == nil {
		s.frameAsStream(logger, out)
	}
	out.Policy = pol
	span.SetAttributes(attribute.Bool("guard.live", out.Live))
	return out, nil
}

// ListModels proxies the backend's model list.
func (s *MediationService) ListModels(ctx context.Context, in upstream.Inbound) (*upstream.Response, error) {
	ctx, span := s.tracer.Start(ctx, "mediation.ListModels")
	defer span.End()

	resp, err := s.backend.Models(ctx, in)
	if err != nil {
		return nil, s.fail(span, StageForward, err)
	}
	return resp, nil
}

func (s *MediationService) forward(ctx context.Context, req *chat.Request, in upstream.Inbound) (*upstream.Response, error) {
	ctx, span := s.tracer.Start(ctx, "backend.ChatCompletion", trace.WithAttributes(
		attribute.String("guard.model", req.Model),
		attribute.Bool("guard.stream", req.Stream),
	))
	defer span.End()

	resp, err := s.backend.ChatCompletion(ctx, req, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	return resp, nil
}

func (s *MediationService) fail(span trace.Span, stage Stage, err error) error {
	span.SetAttributes(attribute.String("guard.stage", string(stage)))
	if be, ok := IsBlocked(err); ok {
		s.recorder.Blocked(be.Direction)
		span.SetAttributes(attribute.String("guard.blocked", string(be.Direction)))
		return stageError(stage, err)
	}
	var backendErr *upstream.BackendError
	if errors.As(err, &backendErr) {
		s.recorder.BackendError(backendErr.Kind())
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return stageError(stage, err)
}

func (s *MediationService) promptStage(ctx context.Context, logger *slog.Logger, req *chat.Request, pol policy.Policy) error {
	if !pol.ScanPrompt {
		return nil
	}
	if s.scanner == nil {
		logger.Warn("prompt scan requested but no guardrail service is configured")
		return nil
	}

	last := req.LastMessage()
	if last.Role != chat.RoleUser {
		return fmt.Errorf("%w: last message must have role %q when prompt scanning is enabled", chat.ErrInvalidRequest, chat.RoleUser)
	}

	v, err := s.scanText(ctx, logger, scan.DirectionPrompt, last.Text())
	if err != nil {
		return err
	}
	switch scan.Decide(v, pol.RedactPrompt) {
	case scan.ActionBlock:
		logger.Info("prompt blocked", "outcome", v.Outcome, "scan_id", v.ScanID)
		return &BlockedError{Direction: scan.DirectionPrompt, Verdict: v}
	case scan.ActionSubstitute:
		logger.Info("prompt redacted", "scan_id", v.ScanID)
		req.SetLastMessageText(v.Content)
	}
	return nil
}

func (s *MediationService) payloadStage(ctx context.Context, logger *slog.Logger, pol policy.Policy, resp *upstream.Response, restore string) (*Outcome, error) {
	scanning := pol.ScanResponse
	if scanning && s.scanner == nil {
		logger.Warn("response scan requested but no guardrail service is configured")
		scanning = false
	}
	out := &Outcome{Status: resp.Status, Header: resp.Header, Body: resp.Body}

	comp, err := chat.ParseCompletion(resp.Body)
	if err != nil {
		if !scanning {
			return out, nil
		}
		// Without a JSON envelope the whole body is the text.
		logger.Warn("backend response is not JSON, scanning raw body", "error", err)
		body, err := s.checkText(ctx, logger, scan.DirectionResponse, string(resp.Body), pol.RedactResponse)
		if err != nil {
			return nil, err
		}
		out.Body = []byte(body)
		return out, nil
	}

	if scanning {
		if text, ok := comp.Text(); ok {
			checked, err := s.checkText(ctx, logger, scan.DirectionResponse, text, pol.RedactResponse)
			if err != nil {
				return nil, err
			}
			if checked != text {
				comp.SetText(checked)
			}
		} else {
			logger.Debug("completion carries no text content, skipping response scan")
		}
	}
	if restore != "" {
		comp.SetModel(restore)
	}
	body, err := comp.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode completion: %w", err)
	}
	out.Body = body
	return out, nil
}

func (s *MediationService) streamStage(ctx context.Context, logger *slog.Logger, pol policy.Policy, resp *upstream.Response, restore string) (*Outcome, error) {
	scanning := pol.ScanResponse
	if scanning && s.scanner == nil {
		logger.Warn("response scan requested but no guardrail service is configured")
		scanning = false
	}
	if !scanning {
		seq := resp.Stream
		if restore != "" {
			seq = stream.WithModel(seq, restore)
		}
		return &Outcome{Status: resp.Status, Header: resp.Header, Stream: seq, Live: true}, nil
	}
	defer func() { _ = resp.Stream.Close() }()

	drainCtx, span := s.tracer.Start(ctx, "stream.Drain")
	t, err := stream.Drain(drainCtx, resp.Stream)
	span.SetAttributes(attribute.Int("guard.fragments", t.Fragments))
	span.End()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, stream.ErrTruncatedStream) {
			err = fmt.Errorf("%w: %w", upstream.ErrBackendUnavailable, err)
		}
		return nil, &upstream.BackendError{Status: http.StatusBadGateway, Err: err}
	}
	logger.Debug("stream drained", "fragments", t.Fragments, "text_hash", textHash(t.Text))

	checked, err := s.checkText(ctx, logger, scan.DirectionResponse, t.Text, pol.RedactResponse)
	if err != nil {
		return nil, err
	}
	t.Text = checked
	if restore != "" {
		t.Model = restore
	}
	return &Outcome{
		Status: resp.Status,
		Header: resp.Header,
		Stream: stream.Reencode(t, stream.ReencodeOptions{ChunkSize: s.chunkSize}),
	}, nil
}

// frameAsStream re-encodes a payload answered to a stream request so the
// client still receives an event stream. Payloads without completion text
// are left as they are.
func (s *MediationService) frameAsStream(logger *slog.Logger, out *Outcome) {
	comp, err := chat.ParseCompletion(out.Body)
	if err != nil {
		logger.Warn("backend answered a stream request with a non-JSON body, relaying as is", "error", err)
		return
	}
	text, ok := comp.Text()
	if !ok {
		logger.Debug("backend answered a stream request without completion text, relaying as is")
		return
	}
	logger.Debug("backend answered a stream request with a payload, re-encoding as a stream")
	out.Stream = stream.Reencode(stream.Transcript{
		ID:           comp.ID(),
		Model:        comp.Model(),
		Created:      comp.Created(),
		Text:         text,
		FinishReason: comp.FinishReason(),
	}, stream.ReencodeOptions{ChunkSize: s.chunkSize})
	out.Body = nil
}

// checkText scans text and returns what may be emitted in its place.
func (s *MediationService) checkText(ctx context.Context, logger *slog.Logger, dir scan.Direction, text string, redact bool) (string, error) {
	v, err := s.scanText(ctx, logger, dir, text)
	if err != nil {
		return "", err
	}
	switch scan.Decide(v, redact) {
	case scan.ActionBlock:
		logger.Info("content blocked", "direction", dir, "outcome", v.Outcome, "scan_id", v.ScanID)
		return "", &BlockedError{Direction: dir, Verdict: v}
	case scan.ActionSubstitute:
		logger.Info("content redacted", "direction", dir, "scan_id", v.ScanID)
		return v.Content, nil
	default:
		return text, nil
	}
}

// scanText calls the scanner and applies the failure mode. The scan runs
// detached from client cancellation, but its result is discarded when the
// client has gone away in the meantime.
func (s *MediationService) scanText(ctx context.Context, logger *slog.Logger, dir scan.Direction, text string) (scan.Verdict, error) {
	ctx, span := s.tracer.Start(ctx, "guardrail.Scan", trace.WithAttributes(
		attribute.String("guard.direction", string(dir)),
		attribute.Int("guard.text_length", len(text)),
	))
	defer span.End()

	scanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.scanTimeout)
	defer cancel()

	start := time.Now()
	v, err := s.scanner.Scan(scanCtx, text)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return scan.Verdict{}, ctxErr
	}
	if err != nil {
		span.RecordError(err)
		s.recorder.ScanError(dir, s.failureMode)
		logger.Error("guardrail scan failed",
			"direction", dir,
			"failure_mode", s.failureMode,
			"duration", time.Since(start),
			"error", err,
		)
		fallback := s.failureMode.Fallback()
		if fallback.Outcome == scan.OutcomeCleared {
			return fallback, nil
		}
		return scan.Verdict{}, &BlockedError{Direction: dir, Verdict: fallback, Cause: err}
	}

	s.recorder.ScanVerdict(dir, v.Outcome)
	span.SetAttributes(attribute.String("guard.outcome", string(v.Outcome)))
	logger.Debug("guardrail scan completed",
		"direction", dir,
		"outcome", v.Outcome,
		"scan_id", v.ScanID,
		"text_hash", textHash(text),
		"duration", time.Since(start),
	)
	return v, nil
}

// textHash identifies scanned text in logs without revealing it.
func textHash(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 16)
}
