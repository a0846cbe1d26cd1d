// Package termchan embeds and extracts the hidden frame stream carried by
// green-on-green SGR sequences inside ordinary terminal output.
package termchan

import (
	"bytes"
	"errors"
	"fmt"

	"pkt.systems/termtunnel/internal/ansiscan"
)

// Delimiter terminates every hidden frame.
const Delimiter = '!'

const compactEvery = 100

var (
	prefix = []byte("\x1b[32;42m")
	suffix = []byte("\x1b[0m")
)

// ErrFrameTooLarge reports a hidden frame that does not fit the caller's
// buffer. The stream cannot be resynchronised after it.
var ErrFrameTooLarge = errors.New("termchan: frame exceeds maximum size")

// Codec extracts hidden frames from a live terminal stream. A Codec belongs
// to a single goroutine.
type Codec struct {
	scanner   ansiscan.Scanner
	input     []byte
	processed int
	output    []byte
	runs      int
}

// NewCodec returns an empty codec.
func NewCodec() *Codec {
	return &Codec{}
}

// AppendInput queues terminal bytes for the next Run.
func (c *Codec) AppendInput(p []byte) {
	c.input = append(c.input, p...)
}

// Run scans all pending input. The consumed prefix of the input buffer is
// discarded every 100 runs rather than on every call.
func (c *Codec) Run() {
	for c.processed < len(c.input) {
		b := c.input[c.processed]
		consumed, hidden := c.scanner.Step(b)
		if hidden {
			c.output = append(c.output, b)
		}
		if consumed {
			c.processed++
		}
	}
	c.runs++
	if c.runs%compactEvery == 0 {
		c.compact()
	}
}

func (c *Codec) compact() {
	n := copy(c.input, c.input[c.processed:])
	c.input = c.input[:n]
	c.processed = 0
}

// PopOutput returns the next complete hidden frame, delimiter included, or
// nil when no delimiter has arrived yet, however much output is pending. A
// delimited frame longer than max yields ErrFrameTooLarge and stays
// buffered; the caller must treat it as fatal.
func (c *Codec) PopOutput(max int) ([]byte, error) {
	idx := bytes.IndexByte(c.output, Delimiter)
	if idx < 0 {
		return nil, nil
	}
	n := idx + 1
	if n > max {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, n, max)
	}
	frame := make([]byte, n)
	copy(frame, c.output)
	c.drop(n)
	return frame, nil
}

func (c *Codec) drop(n int) {
	rest := copy(c.output, c.output[n:])
	c.output = c.output[:rest]
}

// Pending reports how many input bytes are retained, scanned or not.
func (c *Codec) Pending() int {
	return len(c.input)
}

// Embed wraps payload in the carrier colours. The caller appends the
// delimiter to payload.
func Embed(payload []byte) []byte {
	return AppendEmbed(make([]byte, 0, len(prefix)+len(payload)+len(suffix)), payload)
}

// AppendEmbed appends the embedded form of payload to dst.
func AppendEmbed(dst, payload []byte) []byte {
	dst = append(dst, prefix...)
	dst = append(dst, payload...)
	return append(dst, suffix...)
}
