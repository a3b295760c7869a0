package logmux

import (
	"bufio"
	"bytes"
	"io"
)

// MaxLineSize bounds a single line. Longer lines are split into chunks of
// at most MaxLineSize bytes, so a child writing one never stalls its pipe.
const MaxLineSize = 1 << 20

// ScanLines is a bufio.SplitFunc splitting on \n, \r\n and a lone \r. A \r
// ending the available data asks for more input so a \r\n pair split across
// two reads is not reported as an extra empty line.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		switch {
		case i+1 < len(data) && data[i+1] == '\n':
			return i + 2, data[:i], nil
		case i+1 < len(data):
			return i + 1, data[:i], nil
		case atEOF:
			return i + 1, data[:i], nil
		default:
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// NewScanner returns a line scanner over r using ScanLines, chunking lines
// longer than MaxLineSize.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	scanner.Split(scanChunked)
	return scanner
}

func scanChunked(data []byte, atEOF bool) (advance int, token []byte, err error) {
	advance, token, err = ScanLines(data, atEOF)
	if advance > 0 || token != nil || err != nil || len(data) < MaxLineSize {
		return advance, token, err
	}
	n := MaxLineSize
	if data[n-1] == '\r' {
		// keep a possible \r\n pair together
		n--
	}
	return n, data[:n], nil
}
