package utils

import (
	"bufio"
	"bytes"
	"io"
)

const maxLineSize = 1 << 20

// ReadLines calls fn for every non-empty line of r until EOF. Lines end at
// '\n' or '\r', so carriage-return progress output is split too. If a line
// outgrows the buffer the rest of r is discarded, so a child process writing
// to the other end of a pipe never blocks.
func ReadLines(r io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	scanner.Split(scanLines)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
