// Package scan defines the verdicts returned by the guardrail scan service
// and the rules for acting on them.
package scan

import (
	"errors"
	"fmt"
	"strings"
)

// ErrGuardrailService is wrapped by every failure to obtain a verdict:
// transport errors, timeouts, non-2xx statuses, malformed replies.
var ErrGuardrailService = errors.New("guardrail service error")

// ErrBlocked is matched by errors that end a request because a verdict
// forbade it.
var ErrBlocked = errors.New("blocked by guardrail")

// Outcome is the scan service's classification of a text.
type Outcome string

const (
	// OutcomeCleared means the text may pass unchanged.
	OutcomeCleared Outcome = "cleared"
	// OutcomeFlagged means the text must not pass.
	OutcomeFlagged Outcome = "flagged"
	// OutcomeRedacted means the text may pass only in its redacted form.
	OutcomeRedacted Outcome = "redacted"
)

// ParseOutcome maps a scan service outcome string onto an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeCleared, OutcomeFlagged, OutcomeRedacted:
		return o, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q", ErrGuardrailService, s)
	}
}

// Verdict is the result of scanning one text.
type Verdict struct {
	Outcome Outcome
	// Content holds the replacement text when Outcome is OutcomeRedacted.
	Content string
	// ScanID is the scan service's identifier, when it returned one.
	ScanID string
}

// Cleared returns a cleared verdict.
func Cleared() Verdict { return Verdict{Outcome: OutcomeCleared} }

// Flagged returns a flagged verdict.
func Flagged() Verdict { return Verdict{Outcome: OutcomeFlagged} }

// Redacted returns a redacted verdict carrying content.
func Redacted(content string) Verdict {
	return Verdict{Outcome: OutcomeRedacted, Content: content}
}

// Direction says which side of the exchange a scan covers.
type Direction string

const (
	// DirectionPrompt is the client's last user message.
	DirectionPrompt Direction = "prompt"
	// DirectionResponse is the backend's completion text.
	DirectionResponse Direction = "response"
)

// Action is what the proxy does with the scanned text.
type Action int

const (
	// ActionPass forwards the original text.
	ActionPass Action = iota
	// ActionSubstitute forwards Verdict.Content instead of the original.
	ActionSubstitute
	// ActionBlock ends the request.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionSubstitute:
		return "substitute"
	case ActionBlock:
		return "block"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decide maps a verdict onto an action. A flagged verdict always blocks.
// A redacted verdict substitutes when redaction is allowed for the
// direction and passes the original text otherwise.
func Decide(v Verdict, redactAllowed bool) Action {
	switch v.Outcome {
	case OutcomeCleared:
		return ActionPass
	case OutcomeRedacted:
		if redactAllowed {
			return ActionSubstitute
		}
		return ActionPass
	default:
		return ActionBlock
	}
}
