package smtptest

import (
	"bufio"
	"errors"
)

// Line limits including CRLF. Commands get room for AUTH initial
// responses (RFC 4954 Section 4); text lines follow RFC 5321 Section 4.5.3.1.6.
const (
	commandLineLimit = 12288
	textLineLimit    = 1000
)

var (
	errLineTooLong   = errors.New("smtptest: line too long")
	errBadLineEnding = errors.New("smtptest: line not terminated by CRLF")
)

// readLine reads one CRLF-terminated line without the terminator. A bare
// LF is rejected so tests catch clients that do not normalise line endings.
func readLine(r *bufio.Reader, limit int) (string, error) {
	line, err := r.ReadSlice('\n')
	if err == nil {
		return checkLine(line, limit)
	}
	if !errors.Is(err, bufio.ErrBufferFull) {
		return "", err
	}

	// The line is longer than the reader's buffer; collect the pieces.
	buf := append([]byte(nil), line...)
	for {
		line, err = r.ReadSlice('\n')
		if len(buf)+len(line) > limit {
			drainLine(r)
			return "", errLineTooLong
		}
		buf = append(buf, line...)
		if err == nil {
			return checkLine(buf, limit)
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
	}
}

func checkLine(b []byte, limit int) (string, error) {
	if len(b) > limit {
		return "", errLineTooLong
	}
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", errBadLineEnding
	}
	return string(b[:len(b)-2]), nil
}

// drainLine discards the rest of the current line.
func drainLine(r *bufio.Reader) {
	for {
		_, err := r.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}
