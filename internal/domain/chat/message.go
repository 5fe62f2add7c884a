package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Roles used by the proxy.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat request's message list. Fields other than
// role and content are kept verbatim and written back on marshal.
type Message struct {
	Role string
	// Content is the raw JSON content: a string, an array of parts, or null.
	Content json.RawMessage

	extra map[string]json.RawMessage
}

// NewMessage creates a message with plain-text content.
func NewMessage(role, text string) Message {
	m := Message{Role: role}
	m.SetText(text)
	return m
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return errors.New("message must be an object")
	}
	roleRaw, ok := fields["role"]
	if !ok {
		return errors.New("message is missing role")
	}
	if err := json.Unmarshal(roleRaw, &m.Role); err != nil {
		return errors.New("message role must be a string")
	}
	m.Content = fields["content"]
	delete(fields, "role")
	delete(fields, "content")
	m.extra = fields
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.extra)+2)
	for k, v := range m.extra {
		out[k] = v
	}
	role, err := json.Marshal(m.Role)
	if err != nil {
		return nil, err
	}
	out["role"] = role
	if m.Content != nil {
		out["content"] = m.Content
	}
	return json.Marshal(out)
}

// Text returns the textual content. String content is returned as is; for
// an array of parts the text parts are joined with newlines.
func (m Message) Text() string {
	raw := bytes.TrimSpace(m.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// SetText replaces the textual content with text.
//
// For an array of parts the text parts collapse into one text part at the
// position of the first, since Text joined them into the string that text
// replaces. Image and other non-text parts are kept in order. Any other
// content becomes a plain string.
func (m *Message) SetText(text string) {
	if parts, ok := m.replaceTextParts(text); ok {
		m.Content = parts
		return
	}
	b, _ := json.Marshal(text)
	m.Content = b
}

func (m *Message) replaceTextParts(text string) (json.RawMessage, bool) {
	raw := bytes.TrimSpace(m.Content)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var parts []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, false
	}

	textPart, err := json.Marshal(map[string]string{"type": "text", "text": text})
	if err != nil {
		return nil, false
	}
	out := make([]json.RawMessage, 0, len(parts))
	replaced := false
	for _, p := range parts {
		var typ string
		_ = json.Unmarshal(p["type"], &typ)
		if typ != "text" {
			b, err := json.Marshal(p)
			if err != nil {
				return nil, false
			}
			out = append(out, b)
			continue
		}
		if !replaced {
			out = append(out, textPart)
			replaced = true
		}
	}
	if !replaced {
		out = append(out, textPart)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return b, true
}
