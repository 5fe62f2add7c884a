package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/chat"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/stream"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/upstream"
	"github.com/Sentinel-Gate/guard-proxy/internal/service"
)

const (
	// maxRequestBodySize bounds a chat completion request body.
	maxRequestBodySize = 10 * 1024 * 1024 // 10MB

	// blockedHeader names the direction a refusal came from.
	blockedHeader = "X-Guardrail-Blocked"
)

// chatHandler serves the OpenAI-compatible endpoints.
type chatHandler struct {
	mediation   *service.MediationService
	blockStatus int
	metrics     *Metrics
}

func (h *chatHandler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, chat.ErrorTypeInvalidRequest, "", "method not allowed")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, chat.ErrorTypeInvalidRequest, "", "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, chat.ErrorTypeInvalidRequest, "", "failed to read request body")
		return
	}

	in := upstream.Inbound{Query: r.URL.Query(), Header: r.Header}
	out, err := h.mediation.Mediate(r.Context(), raw, r.Header, in)
	if err != nil {
		h.writeMediationError(w, r, err, wantsStream(raw))
		return
	}

	if out.Stream != nil {
		h.writeStream(w, r, out)
		return
	}
	copyHeaders(w.Header(), out.Header)
	w.WriteHeader(out.Status)
	_, _ = w.Write(out.Body)
}

func (h *chatHandler) models(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, chat.ErrorTypeInvalidRequest, "", "method not allowed")
		return
	}

	in := upstream.Inbound{Query: r.URL.Query(), Header: r.Header}
	resp, err := h.mediation.ListModels(r.Context(), in)
	if err != nil {
		h.writeMediationError(w, r, err, false)
		return
	}
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// writeStream emits a streamed outcome. Each fragment is flushed as it is
// written; a failed write means the client left and ends the loop.
func (h *chatHandler) writeStream(w http.ResponseWriter, r *http.Request, out *service.Outcome) {
	logger := LoggerFromContext(r.Context())
	defer func() { _ = out.Stream.Close() }()

	if h.metrics != nil {
		h.metrics.ActiveStreams.Inc()
		defer h.metrics.ActiveStreams.Dec()
	}

	copyHeaders(w.Header(), out.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(out.Status)

	n, err := stream.Copy(r.Context(), stream.NewEncoder(w), out.Stream)
	switch {
	case err == nil:
		logger.Debug("stream complete", "fragments", n, "live", out.Live)
	case r.Context().Err() != nil:
		logger.Info("client disconnected during stream", "stage", service.StageEmit, "fragments", n)
	default:
		// Headers are gone; the client sees a stream without [DONE].
		logger.Warn("stream aborted", "stage", service.StageEmit, "fragments", n, "error", err)
	}
}

func (h *chatHandler) writeMediationError(w http.ResponseWriter, r *http.Request, err error, streamWanted bool) {
	logger := LoggerFromContext(r.Context())

	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		logger.Info("client disconnected", "error", err)
		return
	}

	if blocked, ok := service.IsBlocked(err); ok {
		logger.Info("request blocked by guardrail", "direction", blocked.Direction, "outcome", blocked.Verdict.Outcome)
		w.Header().Set(blockedHeader, string(blocked.Direction))
		writeError(w, h.blockStatus, chat.NewErrorBody(blocked.Error(), chat.ErrorTypeContentPolicy, chat.ErrorCodeContentBlocked), streamWanted)
		return
	}

	if errors.Is(err, chat.ErrInvalidRequest) {
		logger.Debug("invalid request", "error", err)
		writeError(w, http.StatusBadRequest, chat.NewErrorBody(clientMessage(err, chat.ErrInvalidRequest), chat.ErrorTypeInvalidRequest, ""), streamWanted)
		return
	}

	var backendErr *upstream.BackendError
	if errors.As(err, &backendErr) {
		if backendErr.Relayable() {
			logger.Warn("backend returned error status", "status", backendErr.Status)
			copyHeaders(w.Header(), backendErr.Header)
			w.WriteHeader(backendErr.Status)
			_, _ = w.Write(backendErr.Body)
			return
		}
		logger.Error("backend request failed", "status", backendErr.Status, "error", err)
		message := "backend unavailable"
		if errors.Is(err, stream.ErrTruncatedStream) {
			message = "backend stream ended unexpectedly"
		}
		writeError(w, backendErr.Status, chat.NewErrorBody(message, chat.ErrorTypeUpstream, ""), streamWanted)
		return
	}

	logger.Error("mediation failed", "error", err)
	writeError(w, http.StatusInternalServerError, chat.NewErrorBody("internal error", chat.ErrorTypeInternal, ""), streamWanted)
}

// writeError writes body as JSON, or as a single SSE event when the client
// asked for a stream.
func writeError(w http.ResponseWriter, status int, body chat.ErrorBody, asStream bool) {
	if !asStream {
		writeJSON(w, status, body)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = stream.NewEncoder(w).WriteJSON(body)
}

// writeJSONError writes an OpenAI-style JSON error.
func writeJSONError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, chat.NewErrorBody(message, errType, code))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientMessage strips internal stage prefixes, keeping the message from
// sentinel onwards.
func clientMessage(err, sentinel error) string {
	msg := err.Error()
	if i := strings.Index(msg, sentinel.Error()); i >= 0 {
		return msg[i:]
	}
	return msg
}

// wantsStream peeks at the stream flag of a request body that may not parse.
func wantsStream(raw []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.Stream
}

// copyHeaders replaces dst's values with src's, keeping the proxy's own
// request ID.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if k == "X-Request-Id" {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
}
