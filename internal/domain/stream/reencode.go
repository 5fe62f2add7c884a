package stream

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
)

// DefaultChunkSize is the number of runes per replayed content chunk.
const DefaultChunkSize = 5

// Chunk is an OpenAI chat.completion.chunk.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one choice inside a Chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental message content of a ChunkChoice.
type ChunkDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ReencodeOptions tunes Reencode.
type ReencodeOptions struct {
	// ChunkSize is the number of runes per content chunk. Values below 1
	// fall back to DefaultChunkSize.
	ChunkSize int
	// Now supplies the creation time when the transcript has none.
	Now func() time.Time
}

// Reencode turns a transcript back into a stream: a role chunk, the text
// split into ChunkSize-rune chunks, a final chunk carrying the finish
// reason, then exactly one [DONE] marker.
func Reencode(t Transcript, opts ReencodeOptions) *Replay {
	size := opts.ChunkSize
	if size < 1 {
		size = DefaultChunkSize
	}
	if t.ID == "" {
		t.ID = "chatcmpl-" + uuid.NewString()
	}
	if t.Created == 0 {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		t.Created = now().Unix()
	}
	finish := t.FinishReason
	if finish == "" {
		finish = "stop"
	}

	chunk := func(delta ChunkDelta, finishReason *string) Chunk {
		return Chunk{
			ID:      t.ID,
			Object:  "chat.completion.chunk",
			Created: t.Created,
			Model:   t.Model,
			Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		}
	}

	runes := []rune(t.Text)
	chunks := make([]Chunk, 0, len(runes)/size+3)
	empty := ""
	chunks = append(chunks, chunk(ChunkDelta{Role: "assistant", Content: &empty}, nil))
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		piece := string(runes[start:end])
		chunks = append(chunks, chunk(ChunkDelta{Content: &piece}, nil))
	}
	chunks = append(chunks, chunk(ChunkDelta{}, &finish))

	frags := make([]Fragment, 0, len(chunks)+1)
	for _, c := range chunks {
		frags = append(frags, chunkFragment(c))
	}
	frags = append(frags, doneFragment())
	return &Replay{frags: frags}
}

func chunkFragment(c Chunk) Fragment {
	data, _ := json.Marshal(c)
	f := Fragment{
		Raw:     EncodeEvent(data),
		Data:    data,
		Parsed:  true,
		ID:      c.ID,
		Model:   c.Model,
		Created: c.Created,
	}
	choice := c.Choices[0]
	f.Role = choice.Delta.Role
	if choice.Delta.Content != nil {
		f.Delta = *choice.Delta.Content
	}
	if choice.FinishReason != nil {
		f.FinishReason = *choice.FinishReason
	}
	return f
}

func doneFragment() Fragment {
	return Fragment{Raw: EncodeEvent([]byte(DoneMarker)), Data: []byte(DoneMarker), Done: true}
}

// EncodeEvent frames data as a single server-sent event.
func EncodeEvent(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, '\n', '\n')
}

// Replay is an in-memory Sequence produced by Reencode.
type Replay struct {
	frags []Fragment
	pos   int
}

// Len returns the total number of fragments in the replay.
func (r *Replay) Len() int { return len(r.frags) }

// Next implements Sequence.
func (r *Replay) Next(ctx context.Context) (Fragment, error) {
	if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}
	if r.pos >= len(r.frags) {
		return Fragment{}, io.EOF
	}
	f := r.frags[r.pos]
	r.pos++
	return f, nil
}

// Close implements Sequence.
func (r *Replay) Close() error {
	r.pos = len(r.frags)
	return nil
}
