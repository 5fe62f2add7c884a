package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type flusher interface {
	Flush()
}

// Encoder writes fragments to a client, flushing after each one when the
// writer supports it.
type Encoder struct {
	w io.Writer
	f flusher
}

// NewEncoder creates an Encoder on w.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(flusher); ok {
		e.f = f
	}
	return e
}

// WriteFragment writes f's raw bytes.
func (e *Encoder) WriteFragment(f Fragment) error {
	if len(f.Raw) == 0 {
		return nil
	}
	return e.write(f.Raw)
}

// WriteJSON writes v as a single data event.
func (e *Encoder) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return e.write(EncodeEvent(data))
}

// WriteDone writes the [DONE] marker.
func (e *Encoder) WriteDone() error {
	return e.write(EncodeEvent([]byte(DoneMarker)))
}

func (e *Encoder) write(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if e.f != nil {
		e.f.Flush()
	}
	return nil
}

// Copy forwards every fragment of seq to enc until seq is exhausted, the
// [DONE] marker has been written, ctx is cancelled, or a write fails. It
// returns the number of fragments written.
func Copy(ctx context.Context, enc *Encoder, seq Sequence) (int, error) {
	n := 0
	for {
		f, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := enc.WriteFragment(f); err != nil {
			return n, fmt.Errorf("write fragment: %w", err)
		}
		n++
		if f.Done {
			return n, nil
		}
	}
}
