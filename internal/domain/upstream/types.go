// Package upstream contains the domain types exchanged with the OpenAI
// compatible backend.
package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sentinel-Gate/guard-proxy/internal/domain/stream"
)

// ErrBackendUnavailable is wrapped when the backend could not be reached or
// did not answer in time.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrBackendStatus is wrapped when the backend answered with a non-2xx status.
var ErrBackendStatus = errors.New("backend returned an error status")

// Inbound carries the parts of the client request that are forwarded.
type Inbound struct {
	// Query holds the client's query parameters.
	Query url.Values
	// Header holds the client's request headers.
	Header http.Header
}

// Response is a successful backend response. Exactly one of Body and
// Stream is set.
type Response struct {
	Status int
	// Header is already filtered of hop-by-hop and framing headers.
	Header http.Header
	Body   []byte
	Stream stream.Sequence
}

// Streaming reports whether the response is a server-sent event stream.
func (r *Response) Streaming() bool {
	return r.Stream != nil
}

// BackendError describes a failed backend exchange. When the backend
// answered, Status, Header and Body hold its reply so it can be relayed.
type BackendError struct {
	Status int
	Header http.Header
	Body   []byte
	Err    error
}

func (e *BackendError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("backend status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("backend (status %d): %v", e.Status, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Relayable reports whether the backend's own reply can be sent to the client.
func (e *BackendError) Relayable() bool {
	return errors.Is(e.Err, ErrBackendStatus) && e.Status > 0
}

// Kind classifies the error for metrics.
func (e *BackendError) Kind() string {
	switch {
	case errors.Is(e.Err, ErrBackendStatus):
		return "status"
	case errors.Is(e.Err, stream.ErrTruncatedStream):
		return "truncated"
	case e.Status == http.StatusGatewayTimeout:
		return "timeout"
	case errors.Is(e.Err, ErrBackendUnavailable):
		return "unavailable"
	default:
		return "malformed"
	}
}
