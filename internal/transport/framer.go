package transport

import "strings"

const (
	// DefaultMaxLineLength bounds the partial-line accumulator. Bytes past the bound are
	// dropped until the next delimiter.
	DefaultMaxLineLength = 8192

	promptByte = '>'
)

// LineFramer turns an arbitrarily fragmented byte stream into lines. It is not safe for
// concurrent use; each connection owns its own instance.
type LineFramer struct {
	delimiters string
	maxLen     int
	buf        []byte
}

func NewLineFramer(delimiters string, maxLen int) *LineFramer {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}

	return &LineFramer{
		delimiters: delimiters,
		maxLen:     maxLen,
		buf:        make([]byte, 0, 256),
	}
}

// NewBLEFramer splits on both CR and LF.
func NewBLEFramer() *LineFramer {
	return NewLineFramer("\r\n", DefaultMaxLineLength)
}

// NewUSBFramer splits on LF only; a trailing CR is removed by trimming.
func NewUSBFramer() *LineFramer {
	return NewLineFramer("\n", DefaultMaxLineLength)
}

// Push consumes chunk and returns the lines it completed, in order. Data after the last
// delimiter stays buffered for the next call.
func (f *LineFramer) Push(chunk []byte) []string {
	var lines []string
	for _, c := range chunk {
		switch {
		case strings.IndexByte(f.delimiters, c) >= 0:
			lines = f.flush(lines)
		case c == promptByte:
			lines = f.flush(lines)
			lines = append(lines, string(promptByte))
		default:
			if len(f.buf) < f.maxLen {
				f.buf = append(f.buf, c)
			}
		}
	}

	return lines
}

// Pending reports how many bytes are buffered for an unterminated line.
func (f *LineFramer) Pending() int {
	return len(f.buf)
}

func (f *LineFramer) Reset() {
	f.buf = f.buf[:0]
}

func (f *LineFramer) flush(lines []string) []string {
	if len(f.buf) == 0 {
		return lines
	}
	line := strings.TrimSpace(string(f.buf))
	f.buf = f.buf[:0]
	if line == "" {
		return lines
	}

	return append(lines, line)
}
