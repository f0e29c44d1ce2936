package provider

import (
	"bufio"
	"io"
)

// BoundedLineReader yields newline-delimited lines up to a byte cap. A line
// exceeding the cap is discarded in full and reported truncated instead of
// breaking the stream.
type BoundedLineReader struct {
	r   *bufio.Reader
	max int
}

// NewBoundedLineReader wraps r with a per-line byte cap.
func NewBoundedLineReader(r io.Reader, max int) *BoundedLineReader {
	if max <= 0 {
		max = 1024 * 1024
	}
	return &BoundedLineReader{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// ReadLine returns the next line without its trailing newline. truncated is
// true when the line exceeded the cap and was discarded (line is nil then).
// io.EOF is returned after the final line.
func (b *BoundedLineReader) ReadLine() (line []byte, truncated bool, err error) {
	var buf []byte
	for {
		chunk, err := b.r.ReadSlice('\n')
		buf = append(buf, chunk...)

		if err == bufio.ErrBufferFull {
			if len(buf) > b.max {
				return nil, true, b.discardToNewline()
			}
			continue
		}
		if err != nil {
			if len(buf) > 0 && err == io.EOF {
				if len(buf) > b.max {
					return nil, true, io.EOF
				}
				return buf, false, nil
			}
			return nil, false, err
		}

		buf = trimNewline(buf)
		if len(buf) > b.max {
			return nil, true, nil
		}
		return buf, false, nil
	}
}

func (b *BoundedLineReader) discardToNewline() error {
	for {
		_, err := b.r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		return errOrNil(err)
	}
}

func errOrNil(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	return nil
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}
