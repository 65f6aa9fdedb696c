package ipc

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"
)

// DefaultMaxFrameBytes bounds how much unframed data a Decoder holds.
const DefaultMaxFrameBytes = 1 << 20

// Frame runs one framing step over the accumulation buffer buf and newly
// arrived data. It returns the complete messages in arrival order, the
// residual bytes to carry into the next call, and one error per discarded
// chunk (each wraps ErrMalformedMessage).
//
// The whole trimmed buffer is tried first as a single JSON value so a worker
// may write one message per write without a trailing newline. Only when that
// fails is the buffer split at newlines; a bad line is dropped on its own.
// A buffer is never split inside a line, so two values written back to back
// without a newline stay buffered until a newline arrives and are then
// discarded together as one malformed line.
//
// maxFrame <= 0 disables the size guard.
func Frame(buf, data []byte, maxFrame int) (msgs []Message, residual []byte, errs []error) {
	buf = append(buf, data...)

	if trimmed := bytes.TrimSpace(buf); len(trimmed) > 0 && gjson.ValidBytes(trimmed) {
		msg, err := Decode(trimmed)
		if err != nil {
			return nil, nil, []error{err}
		}
		return []Message{msg}, nil, nil
	}

	rest := buf
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(rest[:idx])
		rest = rest[idx+1:]
		if len(line) == 0 {
			continue
		}
		msg, err := Decode(line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}

	if maxFrame > 0 && len(rest) > maxFrame {
		errs = append(errs, fmt.Errorf("%w: %d bytes buffered, limit %d", ErrFrameTooLarge, len(rest), maxFrame))
		return msgs, nil, errs
	}
	if len(rest) > 0 {
		residual = bytes.Clone(rest)
	}
	return msgs, residual, errs
}

// Decoder carries the accumulation buffer between Frame calls.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf      []byte
	maxFrame int
}

// NewDecoder returns a Decoder with the given frame limit (<= 0 for none).
func NewDecoder(maxFrame int) *Decoder {
	return &Decoder{maxFrame: maxFrame}
}

// Feed appends data and returns every message completed by it.
func (d *Decoder) Feed(data []byte) ([]Message, []error) {
	msgs, residual, errs := Frame(d.buf, data, d.maxFrame)
	d.buf = residual
	return msgs, errs
}

// Buffered returns a copy of the bytes not yet resolved into a message.
func (d *Decoder) Buffered() []byte {
	return bytes.Clone(d.buf)
}

// Reset drops any buffered bytes.
func (d *Decoder) Reset() {
	d.buf = nil
}
