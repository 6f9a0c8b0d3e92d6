package rpc

import (
	"bufio"
	"errors"
	"io"
)

// DefaultMaxLineSize bounds one message line on either side of a
// connection.
const DefaultMaxLineSize = 16 * 1024 * 1024

// errLineTooLong reports a line that was consumed and dropped because it
// exceeded the size limit. Reading may continue with the next line.
var errLineTooLong = errors.New("line exceeds maximum size")

// lineReader splits a stream into newline-terminated lines without
// buffering more than max bytes of any one line.
type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	if max <= 0 {
		max = DefaultMaxLineSize
	}
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// next returns the next line, including its newline, and the number of
// bytes consumed. An oversized line is read through its newline and
// reported as errLineTooLong with a nil line. At the end of the stream a
// final unterminated line is returned together with io.EOF.
func (l *lineReader) next() ([]byte, int, error) {
	var line []byte
	size := 0
	overflow := false
	for {
		chunk, err := l.r.ReadSlice('\n')
		size += len(chunk)
		if !overflow {
			if size > l.max {
				overflow = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if overflow {
			if err != nil {
				return nil, size, err
			}
			return nil, size, errLineTooLong
		}
		return line, size, err
	}
}
