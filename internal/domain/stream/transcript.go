package stream

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Transcript is a fully buffered completion stream.
type Transcript struct {
	ID      string
	Model   string
	Created int64
	// Text is the concatenation of every content delta, in order.
	Text         string
	FinishReason string
	// Fragments counts the chunks that carried completion data.
	Fragments int
}

// Drain consumes seq until the [DONE] marker or exhaustion and assembles a
// Transcript. It does not close seq.
//
// A stream that ends without [DONE] and without a finish reason after
// content was received fails with ErrTruncatedStream.
func Drain(ctx context.Context, seq Sequence) (Transcript, error) {
	var (
		t    Transcript
		text strings.Builder
		done bool
	)
	for {
		f, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Transcript{}, err
		}
		if f.Done {
			done = true
			break
		}
		if !f.Parsed {
			continue
		}
		t.Fragments++
		if t.ID == "" {
			t.ID = f.ID
		}
		if t.Model == "" {
			t.Model = f.Model
		}
		if t.Created == 0 {
			t.Created = f.Created
		}
		text.WriteString(f.Delta)
		if f.FinishReason != "" {
			t.FinishReason = f.FinishReason
		}
	}
	t.Text = text.String()
	if !done && t.FinishReason == "" && t.Text != "" {
		return Transcript{}, ErrTruncatedStream
	}
	return t, nil
}
