package codec

import (
	"bytes"
	"errors"
	"time"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// DefaultMaxFrameSize bounds how much unterminated input a decoder buffers
const DefaultMaxFrameSize = 1 << 20

// Result reports what one Feed call produced
type Result struct {
	Batches   []messages.Batch
	Malformed int // Objects that failed to parse, or oversize garbage discarded
	Ignored   int // Well-formed objects that are not measurement frames
}

// Decoder extracts top-level JSON objects from a byte stream by brace
// matching. Braces inside string literals do not count. A decoder belongs to
// exactly one peer connection.
type Decoder struct {
	buf     []byte
	maxSize int
	now     func() time.Time

	// scan state for the object starting at buf[0]
	pos      int
	depth    int
	inString bool
	escaped  bool
}

// NewDecoder creates a decoder
func NewDecoder() *Decoder {
	return &Decoder{maxSize: DefaultMaxFrameSize, now: time.Now}
}

// WithClock overrides the receive timestamp source
func (d *Decoder) WithClock(now func() time.Time) *Decoder {
	d.now = now
	return d
}

// Buffered returns the number of bytes held for the next read
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends p to the buffer and returns every complete frame it now holds
func (d *Decoder) Feed(p []byte) Result {
	var res Result
	d.buf = append(d.buf, p...)

	for {
		if d.pos == 0 && !d.align() {
			break
		}

		end, complete := d.scan()
		if !complete {
			if len(d.buf) > d.maxSize {
				// Every buffered byte belongs to the unterminated object
				res.Malformed++
				d.skip(len(d.buf))
			}
			break
		}

		batch, err := Parse(d.buf[:end], d.now())
		switch {
		case err == nil:
			res.Batches = append(res.Batches, batch)
			d.skip(end)
		case errors.Is(err, ErrMissingField):
			res.Ignored++
			d.skip(end)
		default:
			// Resynchronize on the next '{' after the failed start
			res.Malformed++
			d.skip(1)
		}
	}

	d.compact()
	return res
}

// align drops bytes before the next '{'. It reports false when none remains.
func (d *Decoder) align() bool {
	i := bytes.IndexByte(d.buf, '{')
	if i < 0 {
		d.buf = d.buf[:0]
		return false
	}
	d.buf = d.buf[i:]
	return true
}

// scan continues brace matching from the saved position. It returns the
// index just past the closing brace when the object is complete.
func (d *Decoder) scan() (int, bool) {
	for ; d.pos < len(d.buf); d.pos++ {
		c := d.buf[d.pos]
		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inString = false
			}
			continue
		}
		switch c {
		case '"':
			d.inString = true
		case '{':
			d.depth++
		case '}':
			d.depth--
			if d.depth == 0 {
				end := d.pos + 1
				return end, true
			}
		}
	}
	return 0, false
}

// skip discards n bytes and resets the scan state
func (d *Decoder) skip(n int) {
	d.buf = d.buf[n:]
	d.pos, d.depth = 0, 0
	d.inString, d.escaped = false, false
}

// compact releases the backing array once it is mostly consumed
func (d *Decoder) compact() {
	if cap(d.buf) > 4096 && len(d.buf) < cap(d.buf)/4 {
		d.buf = append([]byte(nil), d.buf...)
	}
}
