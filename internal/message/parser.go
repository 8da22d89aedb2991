// Package message parses and writes HTTP/1.x start lines and header blocks
// on top of a framing.FramedStream.
package message

import (
	"errors"
	"regexp"
	"strings"

	"github.com/m1tm/coreproxy/internal/framing"
)

// ErrMalformedStartLine is returned when a request or status line, or a
// header line, cannot be parsed.
var ErrMalformedStartLine = errors.New("message: malformed start line or header")

var versionRE = regexp.MustCompile(`^HTTP/\d\.\d$`)

// StartLine is the parsed (method, target, version) triple of a request
// line, or (version, status, reason) of a status line, depending on which
// parse function was used.
type StartLine struct {
	Method  string // request line only
	Target  string // request line only
	Version string
	Status  int    // status line only
	Reason  string // status line only
}

// ParseRequestLine parses "METHOD target HTTP/x.y". The method must be
// ASCII-uppercase letters only; the version must match HTTP/\d.\d.
func ParseRequestLine(line string) (StartLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return StartLine{}, ErrMalformedStartLine
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !isUpperAlpha(method) {
		return StartLine{}, ErrMalformedStartLine
	}
	if !versionRE.MatchString(version) {
		return StartLine{}, ErrMalformedStartLine
	}
	return StartLine{Method: method, Target: target, Version: version}, nil
}

// ParseStatusLine parses "HTTP/x.y STATUS Reason text...".
func ParseStatusLine(line string) (StartLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return StartLine{}, ErrMalformedStartLine
	}
	version := parts[0]
	if !versionRE.MatchString(version) {
		return StartLine{}, ErrMalformedStartLine
	}
	status := 0
	for _, c := range parts[1] {
		if c < '0' || c > '9' {
			return StartLine{}, ErrMalformedStartLine
		}
		status = status*10 + int(c-'0')
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return StartLine{Version: version, Status: status, Reason: reason}, nil
}

func isUpperAlpha(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// ReadHeaders reads a header block terminated by an empty line, folding
// continuation lines (those starting with SP or HTAB) into the previous
// header's value. Duplicate headers, and the overall field order, are
// preserved exactly as received.
func ReadHeaders(s *framing.FramedStream) (Header, error) {
	var headers Header
	haveLast := false

	for {
		line, err := s.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		if (line[0] == ' ' || line[0] == '\t') && haveLast {
			last := &headers[len(headers)-1]
			last.Value = last.Value + " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, ErrMalformedStartLine
		}
		headers.Add(name, strings.TrimSpace(value))
		haveLast = true
	}
}

// WriteRequestLine writes "METHOD target HTTP/x.y\r\n" to s.
func WriteRequestLine(s *framing.FramedStream, method, target, version string) error {
	_, err := s.Write([]byte(method + " " + target + " " + version + "\r\n"))
	return err
}

// WriteStatusLine writes "HTTP/x.y STATUS Reason\r\n" to s.
func WriteStatusLine(s *framing.FramedStream, version string, status int, reason string) error {
	_, err := s.Write([]byte(version + " " + itoa(status) + " " + reason + "\r\n"))
	return err
}

// WriteHeaders writes each header field in canonical CRLF framing, in
// encounter order, followed by the terminating blank line.
func WriteHeaders(s *framing.FramedStream, h Header) error {
	for _, f := range h {
		if _, err := s.Write([]byte(f.Name + ": " + f.Value + "\r\n")); err != nil {
			return err
		}
	}
	_, err := s.Write([]byte("\r\n"))
	return err
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
