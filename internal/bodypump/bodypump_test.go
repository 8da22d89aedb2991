package bodypump

import (
	"bytes"
	"testing"

	"github.com/m1tm/coreproxy/internal/framing"
)

func TestPumpIdentityExactBytes(t *testing.T) {
	s := framing.New(bytes.NewBufferString("hello worldTRAILING"), 0)
	var out bytes.Buffer
	n, err := PumpIdentity(&out, s, 11, nil)
	if err != nil || n != 11 || out.String() != "hello world" {
		t.Fatalf("n=%d out=%q err=%v", n, out.String(), err)
	}
}

func TestPumpIdentityObserverSeesChunks(t *testing.T) {
	s := framing.New(bytes.NewBufferString("abcdef"), 0)
	var seen []byte
	_, err := PumpIdentity(&bytes.Buffer{}, s, 6, func(data []byte, off int64) {
		seen = append(seen, data...)
	})
	if err != nil || string(seen) != "abcdef" {
		t.Fatalf("seen=%q err=%v", seen, err)
	}
}

func TestPumpCloseDelimitedCopiesUntilEOF(t *testing.T) {
	s := framing.New(bytes.NewBufferString("all the bytes until eof"), 0)
	var out bytes.Buffer
	n, err := PumpCloseDelimited(&out, s, nil)
	if err != nil || n != int64(out.Len()) || out.String() != "all the bytes until eof" {
		t.Fatalf("n=%d out=%q err=%v", n, out.String(), err)
	}
}

func TestPumpChunkedBasic(t *testing.T) {
	raw := "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	s := framing.New(bytes.NewBufferString(raw), 0)
	var out bytes.Buffer
	n, err := PumpChunked(&out, s, nil)
	if err != nil || out.String() != "hello world" || n != 11 {
		t.Fatalf("n=%d out=%q err=%v", n, out.String(), err)
	}
}

func TestPumpChunkedWithExtensionAndTrailers(t *testing.T) {
	raw := "3;foo=bar\r\nabc\r\n0\r\nX-Trailer: v\r\n\r\n"
	s := framing.New(bytes.NewBufferString(raw), 0)
	var out bytes.Buffer
	_, err := PumpChunked(&out, s, nil)
	if err != nil || out.String() != "abc" {
		t.Fatalf("out=%q err=%v", out.String(), err)
	}
}

func TestPumpChunkedMalformedSize(t *testing.T) {
	s := framing.New(bytes.NewBufferString("zzzz\r\nabc\r\n0\r\n\r\n"), 0)
	var out bytes.Buffer
	_, err := PumpChunked(&out, s, nil)
	if err != ErrMalformedFraming {
		t.Fatalf("expected ErrMalformedFraming, got %v", err)
	}
}

func TestPumpChunkedMissingTrailingCRLF(t *testing.T) {
	s := framing.New(bytes.NewBufferString("3\r\nabcXX0\r\n\r\n"), 0)
	var out bytes.Buffer
	_, err := PumpChunked(&out, s, nil)
	if err != ErrMalformedFraming {
		t.Fatalf("expected ErrMalformedFraming, got %v", err)
	}
}

func TestRelayChunkedReEmitsFraming(t *testing.T) {
	raw := "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	s := framing.New(bytes.NewBufferString(raw), 0)
	var out bytes.Buffer
	n, err := RelayChunked(&out, s, nil)
	if err != nil || n != 11 {
		t.Fatalf("n=%d err=%v", n, err)
	}

	relayed := framing.New(bytes.NewBuffer(out.Bytes()), 0)
	var decoded bytes.Buffer
	if _, err := PumpChunked(&decoded, relayed, nil); err != nil || decoded.String() != "hello world" {
		t.Fatalf("decoded=%q err=%v", decoded.String(), err)
	}
}

func TestWriteChunkedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteChunked(&buf, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := WriteChunkedTerminator(&buf); err != nil {
		t.Fatal(err)
	}
	s := framing.New(bytes.NewBuffer(buf.Bytes()), 0)
	var out bytes.Buffer
	n, err := PumpChunked(&out, s, nil)
	if err != nil || out.String() != "payload" || n != 7 {
		t.Fatalf("n=%d out=%q err=%v", n, out.String(), err)
	}
}
