package stream

import (
	"bytes"
	"context"
	"encoding/json"
)

// WithModel wraps seq so that every chunk reports model instead of the
// name the backend used. Events that are not chunks pass untouched.
func WithModel(seq Sequence, model string) Sequence {
	return &modelRewriter{Sequence: seq, model: model}
}

type modelRewriter struct {
	Sequence
	model string
}

func (m *modelRewriter) Next(ctx context.Context) (Fragment, error) {
	f, err := m.Sequence.Next(ctx)
	if err != nil || !f.Parsed || f.Model == m.model {
		return f, err
	}
	dec := json.NewDecoder(bytes.NewReader(f.Data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return f, nil
	}
	if _, ok := doc["model"]; !ok {
		return f, nil
	}
	doc["model"] = m.model
	data, err := json.Marshal(doc)
	if err != nil {
		return f, nil
	}
	f.Data = data
	f.Raw = EncodeEvent(data)
	f.Model = m.model
	return f, nil
}
