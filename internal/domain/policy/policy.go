// Package policy resolves the effective guardrail policy for a request.
//
// A Policy starts from the operator defaults and is then adjusted by the
// control headers a client sends. Resolution is pure: the same defaults and
// headers always produce the same Policy.
package policy

import (
	"net/http"
	"strings"
)

// Control headers understood by the proxy. They are consumed here and never
// forwarded to the backend.
const (
	// HeaderEnableGuardrail toggles prompt and response scanning together.
	HeaderEnableGuardrail = "X-Enable-Guardrail"
	// HeaderRedact toggles prompt and response redaction together.
	HeaderRedact = "X-Redact"
	// HeaderScanPrompt toggles prompt scanning only.
	HeaderScanPrompt = "X-Scan-Prompt"
	// HeaderScanResponse toggles response scanning only.
	HeaderScanResponse = "X-Scan-Response"
	// HeaderRedactPrompt toggles prompt redaction only.
	HeaderRedactPrompt = "X-Redact-Prompt"
	// HeaderRedactResponse toggles response redaction only.
	HeaderRedactResponse = "X-Redact-Response"
)

// ControlHeaders lists every header Resolve reads.
var ControlHeaders = []string{
	HeaderEnableGuardrail,
	HeaderRedact,
	HeaderScanPrompt,
	HeaderScanResponse,
	HeaderRedactPrompt,
	HeaderRedactResponse,
}

// Policy is the per-request guardrail configuration.
type Policy struct {
	// ScanPrompt sends the last user message to the scan service before forwarding.
	ScanPrompt bool `json:"scan_prompt"`
	// ScanResponse sends the completion text to the scan service before emitting.
	ScanResponse bool `json:"scan_response"`
	// RedactPrompt allows a redacted prompt to replace the original.
	RedactPrompt bool `json:"redact_prompt"`
	// RedactResponse allows a redacted completion to replace the original.
	RedactResponse bool `json:"redact_response"`
}

// Resolve applies the control headers in h on top of defaults.
//
// The combined headers are applied first and the per-direction headers
// afterwards, so a per-direction header wins over its combined counterpart.
// A header whose value is not a recognised boolean is treated as absent.
func Resolve(defaults Policy, h http.Header) Policy {
	p := defaults
	if v, ok := HeaderBool(h, HeaderEnableGuardrail); ok {
		p.ScanPrompt, p.ScanResponse = v, v
	}
	if v, ok := HeaderBool(h, HeaderRedact); ok {
		p.RedactPrompt, p.RedactResponse = v, v
	}
	override(&p.ScanPrompt, h, HeaderScanPrompt)
	override(&p.ScanResponse, h, HeaderScanResponse)
	override(&p.RedactPrompt, h, HeaderRedactPrompt)
	override(&p.RedactResponse, h, HeaderRedactResponse)
	return p
}

func override(dst *bool, h http.Header, name string) {
	if v, ok := HeaderBool(h, name); ok {
		*dst = v
	}
}

// HeaderBool reads the first value of header name and parses it with
// ParseHeaderBool. ok is false when the header is missing or unparseable.
func HeaderBool(h http.Header, name string) (value bool, ok bool) {
	if h == nil {
		return false, false
	}
	values := h.Values(name)
	if len(values) == 0 {
		return false, false
	}
	return ParseHeaderBool(values[0])
}

// ParseHeaderBool accepts "true" and "false" in any case, ignoring
// surrounding whitespace.
func ParseHeaderBool(s string) (value bool, ok bool) {
	s = strings.TrimSpace(s)
	switch {
	case strings.EqualFold(s, "true"):
		return true, true
	case strings.EqualFold(s, "false"):
		return false, true
	default:
		return false, false
	}
}
