package service

import (
	"errors"
	"fmt"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"
)

// BlockedError ends a request whose prompt or response a verdict forbade.
type BlockedError struct {
	Direction scan.Direction
	Verdict   scan.Verdict
	// Cause is set when the block comes from a failed scan under the
	// closed failure mode.
	Cause error
}

// Error returns the client-facing refusal message.
func (e *BlockedError) Error() string {
	msg := "Prompt blocked by Guardrail"
	if e.Direction == scan.DirectionResponse {
		msg = "Response blocked by Guardrail"
	}
	if e.Cause != nil {
		msg += ": guardrail unavailable"
	}
	return msg
}

// Is makes errors.Is(err, scan.ErrBlocked) match.
func (e *BlockedError) Is(target error) bool {
	return target == scan.ErrBlocked
}

func (e *BlockedError) Unwrap() error {
	return e.Cause
}

// IsBlocked reports whether err is a BlockedError and returns it.
func IsBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Stage names a step of the mediation pipeline in logs and spans.
type Stage string

const (
	StageReceived Stage = "received"
	StagePrompt   Stage = "prompt"
	StageForward  Stage = "forward"
	StageResponse Stage = "response"
	StageEmit     Stage = "emit"
)

func stageError(stage Stage, err error) error {
	return fmt.Errorf("%s stage: %w", stage, err)
}
