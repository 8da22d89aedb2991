// Package bodypump streams HTTP/1.x message bodies between a
// framing.FramedStream and an io.Writer (or the reverse), in whichever of
// the three wire framings applies: identity with a known length, chunked,
// or close-delimited.
package bodypump

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/m1tm/coreproxy/internal/framing"
)

// ErrMalformedFraming is returned when chunk framing is violated: a
// non-hex chunk-size line or a missing trailing CRLF after chunk data.
var ErrMalformedFraming = errors.New("bodypump: malformed chunk framing")

// Observer is invoked with each slice of body bytes as it moves, so a hook
// layer can inspect traffic without taking ownership of the buffer. off is
// the cumulative byte offset of data[0] within the body seen so far.
type Observer func(data []byte, off int64)

// noopObserver is used when the caller passes a nil Observer.
func noopObserver([]byte, int64) {}

// PumpIdentity copies exactly n bytes from src to dst, invoking observe for
// each chunk actually copied.
func PumpIdentity(dst io.Writer, src *framing.FramedStream, n int64, observe Observer) (int64, error) {
	if observe == nil {
		observe = noopObserver
	}
	if n == 0 {
		return 0, nil
	}
	buf := make([]byte, copyBufSize(n))
	var total int64
	for total < n {
		want := n - total
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		chunk, err := src.ReadExact(int(want))
		if err != nil {
			return total, err
		}
		if _, err := dst.Write(chunk); err != nil {
			return total, err
		}
		observe(chunk, total)
		total += int64(len(chunk))
	}
	return total, nil
}

// PumpCloseDelimited copies until src hits EOF, which is the only valid
// termination for a close-delimited body. io.EOF is swallowed and reported
// as a nil error since it is the expected/successful termination here.
func PumpCloseDelimited(dst io.Writer, src *framing.FramedStream, observe Observer) (int64, error) {
	if observe == nil {
		observe = noopObserver
	}
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			observe(buf[:n], total)
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// PumpChunked copies a chunked-transfer body: a sequence of
// "<hex-size>[;ext]\r\n<data>\r\n" chunks terminated by a zero-size chunk,
// optional trailer headers, and a final blank line. The terminating
// zero-chunk and trailers are consumed but not forwarded to dst, matching
// spec.md's framing rather than HTTP/1.1's verbatim-trailer relay (the
// layer above re-derives any needed trailer information from the
// decoded body instead).
func PumpChunked(dst io.Writer, src *framing.FramedStream, observe Observer) (int64, error) {
	if observe == nil {
		observe = noopObserver
	}
	var total int64
	for {
		line, err := src.ReadLine()
		if err != nil {
			return total, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return total, err
		}
		if size == 0 {
			if err := consumeTrailers(src); err != nil {
				return total, err
			}
			return total, nil
		}
		remaining := size
		for remaining > 0 {
			want := remaining
			if want > 32*1024 {
				want = 32 * 1024
			}
			chunk, err := src.ReadExact(int(want))
			if err != nil {
				return total, err
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return total, werr
			}
			observe(chunk, total)
			total += int64(len(chunk))
			remaining -= int64(len(chunk))
		}
		// Trailing CRLF after chunk data.
		crlf, err := src.ReadExact(2)
		if err != nil {
			return total, err
		}
		if crlf[0] != '\r' || crlf[1] != '\n' {
			return total, ErrMalformedFraming
		}
	}
}

func consumeTrailers(src *framing.FramedStream) error {
	for {
		line, err := src.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// parseChunkSize parses the hex size (ignoring any ";extension" suffix) of
// a chunk-size line.
func parseChunkSize(line string) (int64, error) {
	hexPart := line
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		hexPart = line[:idx]
	}
	hexPart = strings.TrimSpace(hexPart)
	if hexPart == "" {
		return 0, ErrMalformedFraming
	}
	size, err := strconv.ParseInt(hexPart, 16, 64)
	if err != nil || size < 0 {
		return 0, ErrMalformedFraming
	}
	return size, nil
}

// RelayChunked streams a chunked-transfer body from src to dst, re-emitting
// proper chunk framing on dst as each chunk arrives (via WriteChunked,
// terminated by WriteChunkedTerminator) instead of writing the decoded
// payload bare. Used for the pass-through case, where dst's own headers
// still declare Transfer-Encoding: chunked and so must see chunk framing on
// the wire — unlike PumpChunked's other callers, which decode straight into
// an in-memory buffer a hook will read.
func RelayChunked(dst io.Writer, src *framing.FramedStream, observe Observer) (int64, error) {
	total, err := PumpChunked(chunkRelayWriter{dst}, src, observe)
	if err != nil {
		return total, err
	}
	return total, WriteChunkedTerminator(dst)
}

// chunkRelayWriter wraps each Write in its own chunk frame, turning
// PumpChunked's per-read dst.Write calls into genuine chunked output.
type chunkRelayWriter struct{ w io.Writer }

func (c chunkRelayWriter) Write(p []byte) (int, error) {
	if err := WriteChunked(c.w, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteChunked encodes p as a single chunk (hex size, CRLF, data, CRLF) to
// w.
func WriteChunked(w io.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, strconv.FormatInt(int64(len(p)), 16)+"\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(p); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteChunkedTerminator writes the terminating "0\r\n\r\n" sequence with no
// trailers.
func WriteChunkedTerminator(w io.Writer) error {
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}

func copyBufSize(n int64) int64 {
	const max = 32 * 1024
	if n < max {
		return n
	}
	return max
}
