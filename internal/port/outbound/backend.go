package outbound

import (
	"context"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/chat"
	"github.com/Sentinel-Gate/guard-proxy/internal/domain/upstream"
)

// Backend forwards requests to the OpenAI-compatible completion service.
type Backend interface {
	// ChatCompletion forwards req. Operator overrides (forced model, system
	// prompt) are applied to req in place before sending, so callers can
	// compare req against what they received.
	//
	// A non-2xx reply is returned as *upstream.BackendError. For streamed
	// requests the returned Response carries a Stream the caller must close.
	ChatCompletion(ctx context.Context, req *chat.Request, in upstream.Inbound) (*upstream.Response, error)

	// Models lists the backend's models. Any status the backend answers
	// with is returned as a Response; only transport failures are errors.
	Models(ctx context.Context, in upstream.Inbound) (*upstream.Response, error)
}
