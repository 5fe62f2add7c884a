package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/chat"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/policy"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/stream"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeScanner returns verdicts chosen by a function of the scanned text.
type fakeScanner struct {
	mu      sync.Mutex
	verdict func(text string) (scan.Verdict, error)
	texts   []string
}

func (f *fakeScanner) Scan(ctx context.Context, text string) (scan.Verdict, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.verdict == nil {
		return scan.Cleared(), nil
	}
	return f.verdict(text)
}

func (f *fakeScanner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// fakeBackend echoes the last user message as the completion text.
type fakeBackend struct {
	mu       sync.Mutex
	requests []string
	model    string
	reply    func(prompt string) string
	err      error
	sse      string
}

func (f *fakeBackend) ChatCompletion(ctx context.Context, req *chat.Request, in upstream.Inbound) (*upstream.Response, error) {
	body, err := req.Body()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, string(body))
	f.mu.Unlock()
	if f.model != "" {
		req.SetModel(f.model)
	}
	if f.err != nil {
		return nil, f.err
	}

	prompt := req.LastMessage().Text()
	text := "echo: " + prompt
	if f.reply != nil {
		text = f.reply(prompt)
	}
	model := req.Model
	header := http.Header{}
	if req.Stream {
		header.Set("Content-Type", "text/event-stream")
		raw := f.sse
		if raw == "" {
			raw = sseFor(text, model)
		}
		return &upstream.Response{
			Status: http.StatusOK,
			Header: header,
			Stream: stream.NewDecoder(io.NopCloser(strings.NewReader(raw))),
		}, nil
	}
	header.Set("Content-Type", "application/json")
	return &upstream.Response{Status: http.StatusOK, Header: header, Body: completionFor(text, model)}, nil
}

func (f *fakeBackend) Models(ctx context.Context, in upstream.Inbound) (*upstream.Response, error) {
	return &upstream.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(`{"object":"list","data":[]}`)}, nil
}

func (f *fakeBackend) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func completionFor(text, model string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
	})
	return b
}

func sseFor(text, model string) string {
	var b strings.Builder
	for _, word := range strings.SplitAfter(text, " ") {
		chunk, _ := json.Marshal(map[string]any{
			"id": "chatcmpl-test", "object": "chat.completion.chunk", "created": 1700000000, "model": model,
			"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": word}, "finish_reason": nil}},
		})
		b.WriteString("data: " + string(chunk) + "\n\n")
	}
	b.WriteString(`data: {"id":"chatcmpl-test","object":"chat.completion.chunk","created":1700000000,"model":"` + model + `","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func drainOutcome(t *testing.T, out *Outcome) (string, int) {
	t.Helper()
	defer out.Stream.Close()
	var raw strings.Builder
	if _, err := stream.Copy(context.Background(), stream.NewEncoder(&raw), out.Stream); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	return raw.String(), strings.Count(raw.String(), "data: [DONE]")
}

func completionText(t *testing.T, body []byte) string {
	t.Helper()
	c, err := chat.ParseCompletion(body)
	if err != nil {
		t.Fatalf("ParseCompletion() error = %v", err)
	}
	text, _ := c.Text()
	return text
}

const ssnRequest = `{"model":"m","messages":[{"role":"user","content":"secret: 123-45-6789"}]}`

func TestMediate_NoopIsByteEquivalent(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{}
	scanner := &fakeScanner{}
	svc := NewMediationService(backend, testLogger(), WithScanner(scanner))

	out, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatalf("Mediate() error = %v", err)
	}
	direct, _ := (&fakeBackend{}).ChatCompletion(context.Background(), mustParse(t, ssnRequest), upstream.Inbound{})
	if string(out.Body) != string(direct.Body) {
		t.Errorf("mediated body differs from direct:\n got %s\nwant %s", out.Body, direct.Body)
	}
	if got := backend.calls(); len(got) != 1 || got[0] != ssnRequest {
		t.Errorf("backend received %v, want the verbatim request", got)
	}
	if len(scanner.calls()) != 0 {
		t.Error("scanner should not be called with scanning disabled")
	}
}

func TestMediate_NoopStreamIsLiveAndByteEquivalent(t *testing.T) {
	backend := &fakeBackend{}
	svc := NewMediationService(backend, testLogger(), WithScanner(&fakeScanner{}))

	req := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hello there"}]}`
	out, err := svc.Mediate(context.Background(), []byte(req), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Live {
		t.Error("expected live pass-through")
	}
	raw, done := drainOutcome(t, out)
	if raw != sseFor("echo: hello there", "m") {
		t.Errorf("stream altered:\n got %q", raw)
	}
	if done != 1 {
		t.Errorf("saw %d [DONE] markers", done)
	}
}

func TestMediate_SSNRedactedPromptForwarded(t *testing.T) {
	backend := &fakeBackend{}
	scanner := &fakeScanner{verdict: func(text string) (scan.Verdict, error) {
		if strings.Contains(text, "123-45-6789") {
			return scan.Redacted("secret: [REDACTED]"), nil
		}
		return scan.Cleared(), nil
	}}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(scanner),
		WithDefaults(policy.Policy{ScanPrompt: true, RedactPrompt: true}),
	)

	out, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatalf("Mediate() error = %v", err)
	}
	calls := backend.calls()
	if len(calls) != 1 {
		t.Fatalf("backend called %d times, want 1", len(calls))
	}
	forwarded := mustParse(t, calls[0])
	if got := forwarded.LastMessage().Text(); got != "secret: [REDACTED]" {
		t.Errorf("backend received %q, want redacted prompt", got)
	}
	if strings.Contains(calls[0], "123-45-6789") {
		t.Error("original SSN reached the backend")
	}
	if got := completionText(t, out.Body); got != "echo: secret: [REDACTED]" {
		t.Errorf("client received %q", got)
	}
}

func TestMediate_SSNFlaggedPromptBlocked(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{}
	scanner := &fakeScanner{verdict: func(string) (scan.Verdict, error) { return scan.Flagged(), nil }}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(scanner),
		WithDefaults(policy.Policy{ScanPrompt: true}),
	)

	out, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	if out != nil {
		t.Error("blocked request must not produce an outcome")
	}
	be, ok := IsBlocked(err)
	if !ok {
		t.Fatalf("Mediate() error = %v, want BlockedError", err)
	}
	if be.Direction != scan.DirectionPrompt || !errors.Is(err, scan.ErrBlocked) {
		t.Errorf("blocked error = %+v", be)
	}
	if be.Error() != "Prompt blocked by Guardrail" {
		t.Errorf("message = %q", be.Error())
	}
	if n := len(backend.calls()); n != 0 {
		t.Errorf("backend called %d times, want 0", n)
	}
}

func TestMediate_FlaggedBlocksEvenWithRedact(t *testing.T) {
	backend := &fakeBackend{}
	scanner := &fakeScanner{verdict: func(string) (scan.Verdict, error) { return scan.Flagged(), nil }}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(scanner),
		WithDefaults(policy.Policy{ScanPrompt: true, RedactPrompt: true}),
	)
	_, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	if _, ok := IsBlocked(err); !ok {
		t.Fatalf("Mediate() error = %v, want BlockedError", err)
	}
	if len(backend.calls()) != 0 {
		t.Error("backend should not be called")
	}
}

func TestMediate_RedactedWithoutRedactionForwardsOriginal(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{}
	scanner := &fakeScanner{verdict: func(string) (scan.Verdict, error) {
		return scan.Redacted("secret: [REDACTED]"), nil
	}}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(scanner),
		WithDefaults(policy.Policy{ScanPrompt: true, ScanResponse: true}),
	)
	out, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatalf("Mediate() error = %v", err)
	}

	calls := backend.calls()
	if len(calls) != 1 {
		t.Fatalf("backend called %d times, want 1", len(calls))
	}
	if !strings.Contains(calls[0], "secret: 123-45-6789") || strings.Contains(calls[0], "[REDACTED]") {
		t.Errorf("forwarded body = %s, want original prompt", calls[0])
	}
	if got := completionText(t, out.Body); got != "echo: secret: 123-45-6789" {
		t.Errorf("completion text = %q, want original echo", got)
	}
	if n := len(scanner.calls()); n != 2 {
		t.Errorf("scanner called %d times, want 2", n)
	}
}

func TestMediate_ResponseBlocked(t *testing.T) {
	backend := &fakeBackend{reply: func(string) string { return "the password is hunter2" }}
	scanner := &fakeScanner{verdict: func(text string) (scan.Verdict, error) {
		if strings.Contains(text, "hunter2") {
			return scan.Flagged(), nil
		}
		return scan.Cleared(), nil
	}}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(scanner),
		WithDefaults(policy.Policy{ScanPrompt: true, ScanResponse: true}),
	)

	for _, body := range []string{
		`{"messages":[{"role":"user","content":"tell me"}]}`,
		`{"stream":true,"messages":[{"role":"user","content":"tell me"}]}`,
	} {
		_, err := svc.Mediate(context.Background(), []byte(body), http.Header{}, upstream.Inbound{})
		be, ok := IsBlocked(err)
		if !ok {
			t.Fatalf("Mediate(%s) error = %v, want BlockedError", body, err)
		}
		if be.Direction != scan.DirectionResponse || be.Error() != "Response blocked by Guardrail" {
			t.Errorf("blocked error = %+v (%s)", be, be.Error())
		}
	}
}

func TestMediate_StreamingMatchesNonStreaming(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := &fakeBackend{reply: func(string) string { return "Sure, my SSN is 123-45-6789 and ünïcode ✓ too" }}
	scanner := &fakeScanner{verdict: func(text string) (scan.Verdict, error) {
		if strings.Contains(text, "123-45-6789") {
			return scan.Redacted(strings.ReplaceAll(text, "123-45-6789", "[REDACTED]")), nil
		}
		return scan.Cleared(), nil
	}}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(scanner),
		WithDefaults(policy.Policy{ScanResponse: true, RedactResponse: true}),
		WithChunkSize(5),
	)

	plain, err := svc.Mediate(context.Background(), []byte(`{"model":"m","messages":[{"role":"user","content":"q"}]}`), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatal(err)
	}
	want := completionText(t, plain.Body)
	if strings.Contains(want, "123-45-6789") {
		t.Fatalf("non-streamed response not redacted: %q", want)
	}

	streamed, err := svc.Mediate(context.Background(), []byte(`{"model":"m","stream":true,"messages":[{"role":"user","content":"q"}]}`), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatal(err)
	}
	if streamed.Live {
		t.Error("scanned stream must be buffered")
	}
	raw, done := drainOutcome(t, streamed)
	if done != 1 {
		t.Errorf("saw %d [DONE] markers, want 1", done)
	}
	if !strings.HasSuffix(raw, "data: [DONE]\n\n") {
		t.Error("stream must end with [DONE]")
	}

	tr, err := stream.Drain(context.Background(), stream.NewDecoder(io.NopCloser(strings.NewReader(raw))))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Text != want {
		t.Errorf("reassembled %q, want %q", tr.Text, want)
	}
}

func TestMediate_TruncatedStream(t *testing.T) {
	backend := &fakeBackend{sse: "data: {\"choices\":[{\"delta\":{\"content\":\"half\"}}]}\n\n"}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(&fakeScanner{}),
		WithDefaults(policy.Policy{ScanResponse: true}),
	)
	_, err := svc.Mediate(context.Background(), []byte(`{"stream":true,"messages":[{"role":"user","content":"q"}]}`), http.Header{}, upstream.Inbound{})
	if !errors.Is(err, stream.ErrTruncatedStream) {
		t.Fatalf("Mediate() error = %v, want ErrTruncatedStream", err)
	}
	var be *upstream.BackendError
	if !errors.As(err, &be) || be.Status != http.StatusBadGateway {
		t.Errorf("want 502 BackendError, got %v", err)
	}
}

func TestMediate_HeaderPrecedence(t *testing.T) {
	t.Run("header enables", func(t *testing.T) {
		scanner := &fakeScanner{}
		svc := NewMediationService(&fakeBackend{}, testLogger(), WithScanner(scanner))
		h := http.Header{}
		h.Set(policy.HeaderEnableGuardrail, "true")
		if _, err := svc.Mediate(context.Background(), []byte(ssnRequest), h, upstream.Inbound{}); err != nil {
			t.Fatal(err)
		}
		prompts := 0
		for _, text := range scanner.calls() {
			if text == "secret: 123-45-6789" {
				prompts++
			}
		}
		if prompts != 1 {
			t.Errorf("prompt scanned %d times, want 1", prompts)
		}
	})

	t.Run("header disables", func(t *testing.T) {
		scanner := &fakeScanner{}
		svc := NewMediationService(&fakeBackend{}, testLogger(),
			WithScanner(scanner),
			WithDefaults(policy.Policy{ScanPrompt: true, ScanResponse: true}),
		)
		h := http.Header{}
		h.Set(policy.HeaderEnableGuardrail, "false")
		if _, err := svc.Mediate(context.Background(), []byte(ssnRequest), h, upstream.Inbound{}); err != nil {
			t.Fatal(err)
		}
		if n := len(scanner.calls()); n != 0 {
			t.Errorf("scanner called %d times, want 0", n)
		}
	})
}

func TestMediate_FailureModes(t *testing.T) {
	down := func(string) (scan.Verdict, error) {
		return scan.Verdict{}, errors.Join(scan.ErrGuardrailService, errors.New("connection refused"))
	}

	t.Run("closed blocks", func(t *testing.T) {
		backend := &fakeBackend{}
		rec := &countingRecorder{}
		svc := NewMediationService(backend, testLogger(),
			WithScanner(&fakeScanner{verdict: down}),
			WithDefaults(policy.Policy{ScanPrompt: true}),
			WithFailureMode(scan.FailClosed),
			WithRecorder(rec),
		)
		_, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
		be, ok := IsBlocked(err)
		if !ok {
			t.Fatalf("Mediate() error = %v, want BlockedError", err)
		}
		if !errors.Is(err, scan.ErrGuardrailService) {
			t.Error("blocked error should carry the scan failure")
		}
		if be.Error() != "Prompt blocked by Guardrail: guardrail unavailable" {
			t.Errorf("message = %q", be.Error())
		}
		if len(backend.calls()) != 0 {
			t.Error("backend should not be called")
		}
		if rec.scanErrors != 1 || rec.blocked != 1 {
			t.Errorf("recorder = %+v", rec)
		}
	})

	t.Run("open passes", func(t *testing.T) {
		backend := &fakeBackend{}
		svc := NewMediationService(backend, testLogger(),
			WithScanner(&fakeScanner{verdict: down}),
			WithDefaults(policy.Policy{ScanPrompt: true, ScanResponse: true}),
			WithFailureMode(scan.FailOpen),
		)
		out, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
		if err != nil {
			t.Fatalf("Mediate() error = %v", err)
		}
		if got := completionText(t, out.Body); got != "echo: secret: 123-45-6789" {
			t.Errorf("client received %q", got)
		}
	})
}

func TestMediate_InvalidRequests(t *testing.T) {
	svc := NewMediationService(&fakeBackend{}, testLogger(),
		WithScanner(&fakeScanner{}),
		WithDefaults(policy.Policy{ScanPrompt: true}),
	)
	for _, body := range []string{
		`not json`,
		`{"messages":[]}`,
		`{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]}`,
	} {
		_, err := svc.Mediate(context.Background(), []byte(body), http.Header{}, upstream.Inbound{})
		if !errors.Is(err, chat.ErrInvalidRequest) {
			t.Errorf("Mediate(%s) error = %v, want ErrInvalidRequest", body, err)
		}
	}
}

func TestMediate_ModelOverrideRestored(t *testing.T) {
	backend := &fakeBackend{model: "forced"}
	svc := NewMediationService(backend, testLogger(), WithScanner(&fakeScanner{}))

	out, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatal(err)
	}
	c, _ := chat.ParseCompletion(out.Body)
	if c.Model() != "m" {
		t.Errorf("model = %q, want original m", c.Model())
	}

	out, err = svc.Mediate(context.Background(), []byte(`{"model":"m","stream":true,"messages":[{"role":"user","content":"x"}]}`), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := drainOutcome(t, out)
	if strings.Contains(raw, `"model":"forced"`) || !strings.Contains(raw, `"model":"m"`) {
		t.Errorf("stream model not restored: %s", raw)
	}
}

func TestMediate_BackendErrorCounted(t *testing.T) {
	rec := &countingRecorder{}
	backend := &fakeBackend{err: &upstream.BackendError{Status: 500, Body: []byte("oops"), Err: upstream.ErrBackendStatus}}
	svc := NewMediationService(backend, testLogger(), WithRecorder(rec))
	_, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	var be *upstream.BackendError
	if !errors.As(err, &be) || be.Status != 500 {
		t.Fatalf("Mediate() error = %v", err)
	}
	if rec.backendErrors["status"] != 1 {
		t.Errorf("backend errors = %v", rec.backendErrors)
	}
}

func TestMediate_NonJSONPayloadScannedRaw(t *testing.T) {
	backend := &nonJSONBackend{body: "plain text with 123-45-6789"}
	scanner := &fakeScanner{verdict: func(text string) (scan.Verdict, error) {
		return scan.Redacted(strings.ReplaceAll(text, "123-45-6789", "***")), nil
	}}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(scanner),
		WithDefaults(policy.Policy{ScanResponse: true, RedactResponse: true}),
	)
	out, err := svc.Mediate(context.Background(), []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Body) != "plain text with ***" {
		t.Errorf("body = %q", out.Body)
	}
}

func TestMediate_ClientGoneDuringScanDiscardsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{}
	scanner := &fakeScanner{verdict: func(string) (scan.Verdict, error) {
		cancel()
		return scan.Cleared(), nil
	}}
	svc := NewMediationService(backend, testLogger(),
		WithScanner(scanner),
		WithDefaults(policy.Policy{ScanPrompt: true}),
	)
	_, err := svc.Mediate(ctx, []byte(ssnRequest), http.Header{}, upstream.Inbound{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Mediate() error = %v, want context.Canceled", err)
	}
	if len(backend.calls()) != 0 {
		t.Error("backend should not be called after the client left")
	}
}

func TestListModels(t *testing.T) {
	svc := NewMediationService(&fakeBackend{}, testLogger())
	resp, err := svc.ListModels(context.Background(), upstream.Inbound{})
	if err != nil || resp.Status != http.StatusOK {
		t.Fatalf("ListModels() = %v, %v", resp, err)
	}
}

type nonJSONBackend struct {
	fakeBackend
	body string
}

func (b *nonJSONBackend) ChatCompletion(ctx context.Context, req *chat.Request, in upstream.Inbound) (*upstream.Response, error) {
	return &upstream.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(b.body)}, nil
}

// payloadBackend answers every request with a JSON completion, ignoring
// the stream flag.
type payloadBackend struct {
	text string
}

func (b *payloadBackend) ChatCompletion(ctx context.Context, req *chat.Request, in upstream.Inbound) (*upstream.Response, error) {
	return &upstream.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   completionFor(b.text, req.Model),
	}, nil
}

func (b *payloadBackend) Models(ctx context.Context, in upstream.Inbound) (*upstream.Response, error) {
	return nil, errors.New("not implemented")
}

func TestMediate_StreamRequestAnsweredWithPayload(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name     string
		defaults policy.Policy
		want     string
	}{
		{"no scanning", policy.Policy{}, "card 123-45-6789 on file"},
		{"redacted response", policy.Policy{ScanResponse: true, RedactResponse: true}, "card [REDACTED] on file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner := &fakeScanner{verdict: func(text string) (scan.Verdict, error) {
				return scan.Redacted(strings.ReplaceAll(text, "123-45-6789", "[REDACTED]")), nil
			}}
			svc := NewMediationService(&payloadBackend{text: "card 123-45-6789 on file"}, testLogger(),
				WithScanner(scanner),
				WithDefaults(tt.defaults),
				WithChunkSize(4),
			)

			raw := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`
			out, err := svc.Mediate(context.Background(), []byte(raw), http.Header{}, upstream.Inbound{})
			if err != nil {
				t.Fatalf("Mediate() error = %v", err)
			}
			if out.Stream == nil || out.Body != nil {
				t.Fatalf("outcome = %+v, want a stream", out)
			}
			if out.Live {
				t.Error("re-encoded payload must not be marked live")
			}

			sse, done := drainOutcome(t, out)
			if done != 1 {
				t.Errorf("[DONE] markers = %d, want 1", done)
			}
			tr, err := stream.Drain(context.Background(), stream.NewDecoder(io.NopCloser(strings.NewReader(sse))))
			if err != nil {
				t.Fatalf("Drain() error = %v", err)
			}
			if tr.Text != tt.want {
				t.Errorf("text = %q, want %q", tr.Text, tt.want)
			}
			if tr.ID != "chatcmpl-test" || tr.Model != "m" || tr.Created != 1700000000 || tr.FinishReason != "stop" {
				t.Errorf("transcript = %+v, want completion metadata carried over", tr)
			}
		})
	}
}

type countingRecorder struct {
	mu            sync.Mutex
	verdicts      int
	scanErrors    int
	blocked       int
	backendErrors map[string]int
}

func (r *countingRecorder) ScanVerdict(scan.Direction, scan.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts++
}

func (r *countingRecorder) ScanError(scan.Direction, scan.FailureMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErrors++
}

func (r *countingRecorder) Blocked(scan.Direction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked++
}

func (r *countingRecorder) BackendError(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backendErrors == nil {
		r.backendErrors = map[string]int{}
	}
	r.backendErrors[kind]++
}

func mustParse(t *testing.T, body string) *chat.Request {
	t.Helper()
	req, err := chat.ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	return req
}
