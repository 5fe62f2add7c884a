package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxEventSize bounds a single buffered event.
const maxEventSize = 4 << 20

// Decoder reads server-sent events from a backend response body.
//
// Events without a data field, such as keepalive comments, are returned as
// fragments with empty Data so that pass-through can relay them.
type Decoder struct {
	body   io.ReadCloser
	r      *bufio.Reader
	done   bool
	closer sync.Once
	err    error
}

// NewDecoder wraps body. The decoder owns body and closes it on Close.
func NewDecoder(body io.ReadCloser) *Decoder {
	return &Decoder{body: body, r: bufio.NewReader(body)}
}

// Next implements Sequence.
func (d *Decoder) Next(ctx context.Context) (Fragment, error) {
	if d.done {
		return Fragment{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}

	var raw, data bytes.Buffer
	hasData := false
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) > 0 {
			raw.Write(line)
			if raw.Len() > maxEventSize {
				return Fragment{}, ErrEventTooLarge
			}
			content := bytes.TrimRight(line, "\r\n")
			if len(content) == 0 {
				if raw.Len() > len(line) {
					return d.emit(raw.Bytes(), data.Bytes(), hasData), nil
				}
				// Stray blank line between events.
				raw.Reset()
			} else if field, value := splitField(content); field == "data" {
				if hasData {
					data.WriteByte('\n')
				}
				data.Write(value)
				hasData = true
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.done = true
				if raw.Len() > 0 {
					return d.emit(raw.Bytes(), data.Bytes(), hasData), nil
				}
				return Fragment{}, io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Fragment{}, ctxErr
			}
			return Fragment{}, fmt.Errorf("read stream: %w", err)
		}
	}
}

func (d *Decoder) emit(raw, data []byte, hasData bool) Fragment {
	rawCopy := append([]byte(nil), raw...)
	if !hasData {
		return Fragment{Raw: rawCopy}
	}
	f := ParseData(append([]byte(nil), data...))
	f.Raw = rawCopy
	if f.Done {
		d.done = true
	}
	return f
}

// splitField splits an SSE line into field name and value, dropping the
// single optional space after the colon.
func splitField(line []byte) (string, []byte) {
	if line[0] == ':' {
		return "", nil
	}
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), value
}

// Close implements Sequence.
func (d *Decoder) Close() error {
	d.closer.Do(func() {
		d.done = true
		d.err = d.body.Close()
	})
	return d.err
}
