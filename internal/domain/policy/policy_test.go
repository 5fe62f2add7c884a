package policy

import (
	"net/http"
	"testing"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestParseHeaderBool(t *testing.T) {
	tests := []struct {
		in     string
		want   bool
		wantOK bool
	}{
		{"true", true, true},
		{"TRUE", true, true},
		{" True ", true, true},
		{"false", false, true},
		{"FaLsE", false, true},
		{"1", false, false},
		{"yes", false, false},
		{"", false, false},
		{"truthy", false, false},
	}
	for _, tt := range tests {
		got, ok := ParseHeaderBool(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseHeaderBool(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestResolve_NoHeadersKeepsDefaults(t *testing.T) {
	defaults := Policy{ScanPrompt: true, RedactResponse: true}
	got := Resolve(defaults, http.Header{})
	if got != defaults {
		t.Errorf("Resolve() = %+v, want %+v", got, defaults)
	}
	if got := Resolve(defaults, nil); got != defaults {
		t.Errorf("Resolve(nil) = %+v, want %+v", got, defaults)
	}
}

func TestResolve_CombinedHeaders(t *testing.T) {
	got := Resolve(Policy{}, header(HeaderEnableGuardrail, "true", HeaderRedact, "true"))
	want := Policy{ScanPrompt: true, ScanResponse: true, RedactPrompt: true, RedactResponse: true}
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}

	all := Policy{ScanPrompt: true, ScanResponse: true, RedactPrompt: true, RedactResponse: true}
	got = Resolve(all, header(HeaderEnableGuardrail, "false"))
	want = Policy{RedactPrompt: true, RedactResponse: true}
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}
}

func TestResolve_PerDirectionWins(t *testing.T) {
	h := header(
		HeaderEnableGuardrail, "true",
		HeaderScanResponse, "false",
		HeaderRedact, "false",
		HeaderRedactPrompt, "true",
	)
	got := Resolve(Policy{}, h)
	want := Policy{ScanPrompt: true, ScanResponse: false, RedactPrompt: true, RedactResponse: false}
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}
}

func TestResolve_InvalidValueTreatedAsAbsent(t *testing.T) {
	defaults := Policy{ScanPrompt: true, ScanResponse: true}
	got := Resolve(defaults, header(HeaderEnableGuardrail, "maybe", HeaderScanPrompt, "0"))
	if got != defaults {
		t.Errorf("Resolve() = %+v, want defaults %+v", got, defaults)
	}
}

func TestResolve_HeaderNameCaseInsensitive(t *testing.T) {
	h := http.Header{}
	h.Set("x-enable-guardrail", "TRUE")
	got := Resolve(Policy{}, h)
	if !got.ScanPrompt || !got.ScanResponse {
		t.Errorf("expected scanning enabled, got %+v", got)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	h := header(HeaderEnableGuardrail, "true", HeaderRedactResponse, "true")
	first := Resolve(Policy{}, h)
	for i := 0; i < 10; i++ {
		if got := Resolve(Policy{}, h); got != first {
			t.Fatalf("iteration %d: Resolve() = %+v, want %+v", i, got, first)
		}
	}
}
