// Package chat holds the OpenAI-compatible chat completion wire types the
// proxy inspects and rewrites. Unknown fields are preserved so that
// everything the proxy does not touch reaches the backend unchanged.
package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Request is a parsed chat completion request.
type Request struct {
	// Model is the requested model name; empty when the client sent none.
	Model string
	// Stream reports whether the client asked for a streamed response.
	Stream   bool
	Messages []Message

	fields   map[string]json.RawMessage
	raw      []byte
	modified bool
}

// ParseRequest decodes and validates a chat completion request body.
func ParseRequest(raw []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object: %v", ErrInvalidRequest, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidRequest)
	}

	r := &Request{fields: fields, raw: raw}

	msgRaw, ok := fields["messages"]
	if !ok {
		return nil, fmt.Errorf("%w: messages is required", ErrInvalidRequest)
	}
	if err := json.Unmarshal(msgRaw, &r.Messages); err != nil {
		return nil, fmt.Errorf("%w: messages: %v", ErrInvalidRequest, err)
	}
	if len(r.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must be a non-empty array", ErrInvalidRequest)
	}

	if v, ok := fields["model"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Model); err != nil {
			return nil, fmt.Errorf("%w: model must be a string", ErrInvalidRequest)
		}
	}
	if v, ok := fields["stream"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &r.Stream); err != nil {
			return nil, fmt.Errorf("%w: stream must be a boolean", ErrInvalidRequest)
		}
	}
	return r, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// LastMessage returns the final message of the conversation.
func (r *Request) LastMessage() *Message {
	return &r.Messages[len(r.Messages)-1]
}

// SetLastMessageText replaces the text of the final message.
func (r *Request) SetLastMessageText(text string) {
	r.LastMessage().SetText(text)
	r.modified = true
}

// HasSystemMessage reports whether any message has the system role.
func (r *Request) HasSystemMessage() bool {
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}

// InjectSystemPrompt prepends a system message when the conversation has
// none. It reports whether a message was added.
func (r *Request) InjectSystemPrompt(prompt string) bool {
	if prompt == "" || r.HasSystemMessage() {
		return false
	}
	r.Messages = append([]Message{NewMessage(RoleSystem, prompt)}, r.Messages...)
	r.modified = true
	return true
}

// SetModel overrides the requested model.
func (r *Request) SetModel(model string) {
	if model == r.Model {
		return
	}
	r.Model = model
	r.modified = true
}

// Body returns the JSON body to forward. An unmodified request is returned
// byte for byte as it was received.
func (r *Request) Body() ([]byte, error) {
	if !r.modified {
		return r.raw, nil
	}
	out := make(map[string]json.RawMessage, len(r.fields)+1)
	for k, v := range r.fields {
		out[k] = v
	}
	msgs, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	out["messages"] = msgs
	if r.Model != "" {
		model, err := json.Marshal(r.Model)
		if err != nil {
			return nil, fmt.Errorf("marshal model: %w", err)
		}
		out["model"] = model
	}
	return json.Marshal(out)
}
