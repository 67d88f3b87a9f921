package serialmux

import "bytes"

// MaxLineLength caps how much unterminated input LineFramer buffers. A longer
// line is discarded whole, through its terminating newline.
const MaxLineLength = 4096

// LineFramer reassembles newline-terminated lines from arbitrary read
// chunks. One trailing '\r' is stripped from each line and empty lines are
// skipped. It is not safe for concurrent use; each read loop owns one.
type LineFramer struct {
	buf       []byte
	discarded int
	// skipping is set after an overflow; input is dropped up to and
	// including the next newline so the tail of the long line is never
	// emitted as a line of its own.
	skipping bool
}

// Push appends data and calls emit once per complete line, in order. The
// slice passed to emit is a fresh copy.
func (f *LineFramer) Push(data []byte, emit func(line []byte)) {
	if f.skipping {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			f.discarded += len(data)
			return
		}
		f.discarded += i
		f.skipping = false
		data = data[i+1:]
	}
	f.buf = append(f.buf, data...)

	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > MaxLineLength {
			f.discarded += len(line)
		} else if len(line) > 0 {
			out := make([]byte, len(line))
			copy(out, line)
			emit(out)
		}
		f.buf = f.buf[i+1:]
	}

	if len(f.buf) > MaxLineLength {
		f.discarded += len(f.buf)
		f.buf = nil
		f.skipping = true
	}
	if len(f.buf) == 0 {
		// release the backing array once drained
		f.buf = nil
	}
}

// Pending returns the number of buffered bytes awaiting a newline.
func (f *LineFramer) Pending() int { return len(f.buf) }

// Discarded returns how many bytes were dropped for exceeding MaxLineLength.
func (f *LineFramer) Discarded() int { return f.discarded }

// Reset drops any partial line.
func (f *LineFramer) Reset() {
	f.buf = nil
	f.skipping = false
}
