package sse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// DataPrefix marks a payload line.
	DataPrefix = "data: "
	// DoneSentinel terminates a completion stream.
	DoneSentinel = "[DONE]"
	// DefaultMaxPendingBytes caps a carried fragment or an unterminated line.
	DefaultMaxPendingBytes = 64 * 1024

	readChunkSize = 4 * 1024
)

var dataPrefix = []byte(DataPrefix)

// DecodeAnomaly describes stream bytes the decoder gave up on. Anomalies are
// reported to the anomaly handler and never returned from Recv.
type DecodeAnomaly struct {
	Bytes  int
	Reason string
}

func (a DecodeAnomaly) Error() string {
	return fmt.Sprintf("sse decode anomaly: %s (%d bytes)", a.Reason, a.Bytes)
}

// Option customises a Decoder.
type Option func(*Decoder)

// WithMaxPendingBytes sets the cap on carried or unterminated data.
func WithMaxPendingBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxPending = n
		}
	}
}

// WithAnomalyHandler observes dropped fragments.
func WithAnomalyHandler(fn func(DecodeAnomaly)) Option {
	return func(d *Decoder) {
		d.onAnomaly = fn
	}
}

// Decoder turns a chunked `data: <json>` event stream into content deltas.
//
// It is a finite, non-restartable, pull-based sequence: call Recv until it
// returns io.EOF. Line splitting does not depend on how the underlying
// reader chunks the bytes.
type Decoder struct {
	r     io.Reader
	chunk []byte

	buf   []byte
	carry []byte
	queue []string

	done     bool
	finished bool
	skipping bool
	err      error

	anomalies  int
	maxPending int
	delta      func(payload []byte) (string, error)
	onAnomaly  func(DecodeAnomaly)
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:          r,
		chunk:      make([]byte, readChunkSize),
		maxPending: DefaultMaxPendingBytes,
		delta:      ChoiceDelta,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Recv returns the next non-empty content delta. It returns io.EOF once the
// sentinel was seen or the stream ended, and a wrapped transport error if
// the reader failed. Deltas decoded before a failure are returned first.
func (d *Decoder) Recv() (string, error) {
	for {
		if len(d.queue) > 0 {
			delta := d.queue[0]
			d.queue = d.queue[1:]
			return delta, nil
		}
		if d.err != nil {
			return "", d.err
		}
		if d.finished {
			return "", io.EOF
		}
		d.fill()
	}
}

// Done reports whether the terminal sentinel was received.
func (d *Decoder) Done() bool {
	return d.done
}

// Anomalies returns how many fragments were dropped.
func (d *Decoder) Anomalies() int {
	return d.anomalies
}

func (d *Decoder) fill() {
	n, err := d.r.Read(d.chunk)
	if n > 0 {
		d.buf = append(d.buf, d.chunk[:n]...)
		d.processLines()
	}

	if d.done {
		// Keep reading so the transport can finish cleanly; the rest is discarded.
		_, _ = io.Copy(io.Discard, d.r)
		d.buf = nil
		d.finished = true
		return
	}

	if err == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		// An unterminated trailing line is a truncated stream, not an error.
		if len(d.carry) > 0 {
			d.dropCarry("stream ended inside an event")
		}
		d.buf = nil
		d.finished = true
		return
	}
	d.err = fmt.Errorf("read event stream: %w", err)
}

func (d *Decoder) processLines() {
	if d.skipping {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			d.buf = nil
			return
		}
		d.buf = d.buf[idx+1:]
		d.skipping = false
	}

	consumed := 0
	for !d.done {
		idx := bytes.IndexByte(d.buf[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := d.buf[consumed : consumed+idx]
		consumed += idx + 1
		d.handleLine(line)
	}

	if d.done {
		return
	}
	if consumed > 0 {
		d.buf = append([]byte(nil), d.buf[consumed:]...)
	}
	if len(d.buf) > d.maxPending {
		d.anomaly(len(d.buf), "line exceeds limit")
		d.buf = nil
		d.skipping = true
	}
}

func (d *Decoder) handleLine(line []byte) {
	if len(line) > d.maxPending {
		d.anomaly(len(line), "line exceeds limit")
		return
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	blank := len(bytes.TrimSpace(line)) == 0
	comment := len(line) > 0 && line[0] == ':'

	if len(d.carry) > 0 {
		if blank || comment {
			return
		}
		if d.resume(line) {
			return
		}
	}

	if blank || comment || !bytes.HasPrefix(line, dataPrefix) {
		return
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == DoneSentinel {
		d.done = true
		return
	}

	content, err := d.delta(payload)
	if err != nil {
		// Trailing spaces may belong to a string that continues on the next line.
		d.carry = bytes.TrimLeft(append([]byte(nil), line[len(dataPrefix):]...), " \t")
		d.checkCarry()
		return
	}
	d.push(content)
}

// resume feeds a line to the carried fragment. It returns false when the
// line is a complete event of its own, in which case the fragment is dropped
// and the line is handled normally.
func (d *Decoder) resume(line []byte) bool {
	next := line
	if bytes.HasPrefix(line, dataPrefix) {
		// The marker is framing, never part of the event body.
		next = line[len(dataPrefix):]
		payload := bytes.TrimSpace(next)
		if string(payload) == DoneSentinel {
			d.dropCarry("superseded by sentinel")
			return false
		}
		if _, err := d.delta(payload); err == nil {
			d.dropCarry("superseded by a complete event")
			return false
		}
	}

	joined := append(d.carry, next...)
	content, err := d.delta(joined)
	if err != nil {
		d.carry = joined
		d.checkCarry()
		return true
	}
	d.carry = nil
	d.push(content)
	return true
}

func (d *Decoder) checkCarry() {
	if len(d.carry) > d.maxPending {
		d.dropCarry("carried fragment exceeds limit")
	}
}

func (d *Decoder) dropCarry(reason string) {
	d.anomaly(len(d.carry), reason)
	d.carry = nil
}

func (d *Decoder) anomaly(n int, reason string) {
	d.anomalies++
	if d.onAnomaly != nil {
		d.onAnomaly(DecodeAnomaly{Bytes: n, Reason: reason})
	}
}

func (d *Decoder) push(content string) {
	if content != "" {
		d.queue = append(d.queue, content)
	}
}
