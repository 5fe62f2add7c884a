package scan

import (
	"fmt"
	"strings"
)

// FailureMode decides the verdict used when the scan service cannot answer.
type FailureMode string

const (
	// FailOpen treats an unavailable scan service as a cleared verdict.
	FailOpen FailureMode = "open"
	// FailClosed treats an unavailable scan service as a flagged verdict.
	FailClosed FailureMode = "closed"
)

// ParseFailureMode parses "open" or "closed". An empty string yields FailClosed.
func ParseFailureMode(s string) (FailureMode, error) {
	switch m := FailureMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return FailClosed, nil
	case FailOpen, FailClosed:
		return m, nil
	default:
		return "", fmt.Errorf("invalid failure mode %q (expected open or closed)", s)
	}
}

// Fallback returns the verdict substituted for a failed scan.
func (m FailureMode) Fallback() Verdict {
	if m == FailOpen {
		return Cleared()
	}
	return Flagged()
}
