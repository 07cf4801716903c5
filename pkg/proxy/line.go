package proxy

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

var errLineTooLong = errors.New("line exceeds maximum length")

// readLine returns one line including its '\n' terminator. The peer closing
// before any terminator is an error, as is a line longer than MaxBuffSize.
func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder

	for {
		frag, err := r.ReadSlice('\n')
		if sb.Len()+len(frag) > MaxBuffSize {
			return "", errLineTooLong
		}
		sb.Write(frag)

		if err == nil {
			return sb.String(), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
}

// chomp strips one trailing "\r\n" or "\n".
func chomp(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
