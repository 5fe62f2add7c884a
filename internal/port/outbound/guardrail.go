// Package outbound defines the ports the mediation service uses to reach
// external systems.
package outbound

import (
	"context"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/scan"
)

// Scanner submits text to the guardrail scan service.
//
// Implementations must wrap every failure to obtain a verdict with
// scan.ErrGuardrailService so callers can apply the configured failure mode.
type Scanner interface {
	// Scan classifies text. The returned verdict is only meaningful when
	// err is nil.
	Scan(ctx context.Context, text string) (scan.Verdict, error)
}
