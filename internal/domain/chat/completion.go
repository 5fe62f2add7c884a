package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedCompletion is returned when a backend body is not a JSON object.
var ErrMalformedCompletion = errors.New("malformed completion")

// Completion is a non-streamed chat completion. Only the model name and the
// first choice's message content are interpreted; the rest is preserved.
type Completion struct {
	doc      map[string]any
	raw      []byte
	modified bool
}

// ParseCompletion decodes a backend completion body. Numbers are kept as
// json.Number so re-encoding does not alter them.
func ParseCompletion(body []byte) (*Completion, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCompletion, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: body is null", ErrMalformedCompletion)
	}
	return &Completion{doc: doc, raw: body}, nil
}

func (c *Completion) choice() map[string]any {
	choices, ok := c.doc["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	choice, _ := choices[0].(map[string]any)
	return choice
}

func (c *Completion) message() map[string]any {
	msg, _ := c.choice()["message"].(map[string]any)
	return msg
}

// ID returns the completion id, or "" when absent.
func (c *Completion) ID() string {
	id, _ := c.doc["id"].(string)
	return id
}

// Created returns the creation timestamp, or 0 when absent or not an integer.
func (c *Completion) Created() int64 {
	n, ok := c.doc["created"].(json.Number)
	if !ok {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}

// FinishReason returns the first choice's finish reason, or "".
func (c *Completion) FinishReason() string {
	reason, _ := c.choice()["finish_reason"].(string)
	return reason
}

// Text returns the first choice's message content. ok is false when the
// completion carries no string content, as with tool-call-only replies.
func (c *Completion) Text() (text string, ok bool) {
	msg := c.message()
	if msg == nil {
		return "", false
	}
	text, ok = msg["content"].(string)
	return text, ok
}

// SetText replaces the first choice's message content.
func (c *Completion) SetText(text string) bool {
	msg := c.message()
	if msg == nil {
		return false
	}
	msg["content"] = text
	c.modified = true
	return true
}

// Model returns the model name reported by the backend.
func (c *Completion) Model() string {
	m, _ := c.doc["model"].(string)
	return m
}

// SetModel rewrites the reported model name when the completion has one.
func (c *Completion) SetModel(model string) {
	if _, ok := c.doc["model"]; !ok || c.Model() == model {
		return
	}
	c.doc["model"] = model
	c.modified = true
}

// Bytes returns the encoded completion. An unmodified completion is
// returned exactly as received.
func (c *Completion) Bytes() ([]byte, error) {
	if !c.modified {
		return c.raw, nil
	}
	return json.Marshal(c.doc)
}
