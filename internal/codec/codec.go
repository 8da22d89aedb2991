// Package codec implements the body compression codecs a hook is allowed
// to ask the core to transparently decode/encode: gzip, deflate, brotli,
// and zstd, plus the identity no-op. This is what backs
// spec.md §4.5.d's "Accept-Encoding: gzip,deflate" rewrite and the
// re-encode step in §4.5.i/§4.7 when a hook materialises a body.
package codec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/m1tm/coreproxy/internal/message"
)

// Decode returns the decompressed form of data per the Content-Encoding
// token encoding. An empty or "identity" encoding returns data unchanged.
func Decode(encoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("codec: gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("codec: zstd: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("codec: unsupported content-encoding %q", encoding)
	}
}

// Encode compresses data per the Content-Encoding token encoding. An empty
// or "identity" encoding returns data unchanged. Re-chunked output is never
// produced here — callers always treat the result as an identity body with
// a freshly computed Content-Length, per spec.md §4.5.i.
func Encode(encoding string, data []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return data, nil
	case "gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "deflate":
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "br":
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zstd":
		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("codec: unsupported content-encoding %q", encoding)
	}
}

// textContentTypeMarkers lists the Content-Type prefixes/substrings the
// core treats as text, and therefore safe to hand a hook as a decoded
// string-ish body.
var textContentTypeMarkers = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/javascript",
	"application/x-www-form-urlencoded",
}

// IsTextContentType reports whether h's Content-Type looks like text, JSON,
// XML, or form-encoded data.
func IsTextContentType(h message.Header) bool {
	ct := strings.ToLower(h.Get("Content-Type"))
	for _, marker := range textContentTypeMarkers {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

// ReplaceWithDecoded decodes body per h's Content-Encoding and, on success,
// returns the decoded bytes with Content-Encoding and Transfer-Encoding
// stripped from h and Content-Length set to the decoded length. On
// failure it leaves h and body untouched and returns ok=false so the
// caller can fall back to forwarding the body unmodified.
func ReplaceWithDecoded(h *message.Header, body []byte) (decoded []byte, ok bool) {
	encoding := h.Get("Content-Encoding")
	out, err := Decode(encoding, body)
	if err != nil {
		return body, false
	}
	h.Del("Content-Encoding")
	h.Del("Transfer-Encoding")
	h.Set("Content-Length", strconv.Itoa(len(out)))
	return out, true
}
