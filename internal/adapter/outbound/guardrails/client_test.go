package guardrails

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"
)

// ignoreConnLoops tolerates idle keep-alive goroutines that the transport
// tears down asynchronously after the test server closes.
var ignoreConnLoops = []goleak.Option{
	goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
}

func newScanServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := NewClient(srv.URL+"/", "secret-token", "project-1", WithTimeout(2*time.Second))
	t.Cleanup(func() {
		client.CloseIdleConnections()
		srv.Close()
	})
	return srv, client
}

func TestClient_ScanRequestShape(t *testing.T) {
	var got scanRequest
	var gotAuth, gotPath, gotType string
	_, client := newScanServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"forceEnabled":[]`) {
			t.Errorf("forceEnabled should be an empty array: %s", body)
		}
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, `{"id":"scan-1","result":{"outcome":"cleared"}}`)
	})

	v, err := client.Scan(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if v.Outcome != scan.OutcomeCleared || v.ScanID != "scan-1" {
		t.Errorf("verdict = %+v", v)
	}
	if gotPath != "/scans" {
		t.Errorf("path = %q, want /scans", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if got.Input != "hello" || got.Project != "project-1" || got.Verbose {
		t.Errorf("payload = %+v", got)
	}
}

func TestClient_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantOutcome scan.Outcome
		wantContent string
	}{
		{"cleared", `{"result":{"outcome":"cleared"}}`, scan.OutcomeCleared, ""},
		{"flagged", `{"result":{"outcome":"flagged","scannerResults":[{"outcome":"failed"}]}}`, scan.OutcomeFlagged, ""},
		{"redacted inside result", `{"result":{"outcome":"redacted","redactedInput":"My SSN is [REDACTED]"}}`, scan.OutcomeRedacted, "My SSN is [REDACTED]"},
		{"redacted top level", `{"result":{"outcome":"redacted"},"redactedInput":"***"}`, scan.OutcomeRedacted, "***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newScanServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})
			v, err := client.Scan(context.Background(), "text")
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if v.Outcome != tt.wantOutcome || v.Content != tt.wantContent {
				t.Errorf("verdict = %+v, want outcome %s content %q", v, tt.wantOutcome, tt.wantContent)
			}
		})
	}
}

func TestClient_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"unauthorized", http.StatusUnauthorized, `nope`},
		{"invalid json", http.StatusOK, `not json`},
		{"missing result", http.StatusOK, `{"id":"x"}`},
		{"unknown outcome", http.StatusOK, `{"result":{"outcome":"maybe"}}`},
		{"redacted without content", http.StatusOK, `{"result":{"outcome":"redacted"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newScanServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := client.Scan(context.Background(), "text")
			if !errors.Is(err, scan.ErrGuardrailService) {
				t.Errorf("Scan() error = %v, want ErrGuardrailService", err)
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreConnLoops...)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.URL, "t", "p", WithTimeout(50*time.Millisecond))
	defer client.CloseIdleConnections()

	_, err := client.Scan(context.Background(), "slow")
	if !errors.Is(err, scan.ErrGuardrailService) {
		t.Fatalf("Scan() error = %v, want ErrGuardrailService", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreConnLoops...)

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, "t", "p")
	defer client.CloseIdleConnections()

	_, err := client.Scan(context.Background(), "text")
	if !errors.Is(err, scan.ErrGuardrailService) {
		t.Fatalf("Scan() error = %v, want ErrGuardrailService", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	_, client := newScanServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"result":{"outcome":"cleared"}}`)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Scan(ctx, "text")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled in chain", err)
	}
	if !errors.Is(err, scan.ErrGuardrailService) {
		t.Errorf("Scan() error = %v, want ErrGuardrailService in chain", err)
	}
}

func TestClient_SameTextSameVerdict(t *testing.T) {
	calls := 0
	_, client := newScanServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = io.WriteString(w, `{"id":"scan-9","result":{"outcome":"redacted","redactedInput":"call ***"}}`)
	})

	first, err := client.Scan(context.Background(), "call 555-0100")
	if err != nil {
		t.Fatal(err)
	}
	second, err := client.Scan(context.Background(), "call 555-0100")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("verdicts differ: %+v vs %+v", first, second)
	}
	// Verdicts are not cached; every scan reaches the service.
	if calls != 2 {
		t.Errorf("service calls = %d, want 2", calls)
	}
}
