// Package stream decodes, buffers and re-encodes server-sent-event chat
// completion streams.
//
// A backend stream is read as a Sequence of Fragments. Pass-through relays
// each Fragment's raw bytes as it arrives. Buffered mode drains the whole
// Sequence into a Transcript, lets the caller inspect or replace the text,
// and replays it with Reencode.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// DoneMarker is the data payload that terminates an OpenAI-style stream.
const DoneMarker = "[DONE]"

// ErrTruncatedStream is returned when a stream ends without a terminal
// marker after content was already received.
var ErrTruncatedStream = errors.New("stream ended without a terminal marker")

// ErrEventTooLarge is returned when a single event exceeds the decoder limit.
var ErrEventTooLarge = errors.New("stream event too large")

// Fragment is one server-sent event of a chat completion stream.
type Fragment struct {
	// Raw holds the exact bytes of the event, including its trailing blank line.
	Raw []byte
	// Data is the event's data payload. Multiple data lines are joined with "\n".
	Data []byte
	// Done is set for the [DONE] marker.
	Done bool
	// Parsed is set when Data decoded as a chat completion chunk.
	Parsed bool

	ID           string
	Model        string
	Created      int64
	Role         string
	Delta        string
	FinishReason string
}

// Terminal reports whether the fragment ends the completion.
func (f Fragment) Terminal() bool {
	return f.Done || f.FinishReason != ""
}

// Sequence is a lazily produced, finite series of fragments.
type Sequence interface {
	// Next returns the next fragment, or io.EOF once the sequence is exhausted.
	Next(ctx context.Context) (Fragment, error)
	// Close releases the underlying source.
	Close() error
}

type chunkEnvelope struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Created json.RawMessage `json:"created"`
	Choices []struct {
		Delta struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// ParseData builds a Fragment from an event's data payload. Payloads that
// are not chat completion chunks come back with Parsed unset.
func ParseData(data []byte) Fragment {
	f := Fragment{Data: data}
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == DoneMarker {
		f.Done = true
		return f
	}
	var env chunkEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return f
	}
	f.Parsed = true
	f.ID = env.ID
	f.Model = env.Model
	if n, err := strconv.ParseInt(string(bytes.TrimSpace(env.Created)), 10, 64); err == nil {
		f.Created = n
	}
	if len(env.Choices) > 0 {
		c := env.Choices[0]
		f.Role = c.Delta.Role
		if c.Delta.Content != nil {
			f.Delta = *c.Delta.Content
		}
		if c.FinishReason != nil {
			f.FinishReason = *c.FinishReason
		}
	}
	return f
}
