package tlspeek

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/m1tm/coreproxy/internal/framing"
)

// buildClientHello assembles a minimal, well-formed TLS record containing
// a ClientHello with the given SNI, ALPN protocols, and cipher suites.
func buildClientHello(sni string, alpn []string, suites []uint16) []byte {
	var body bytes.Buffer

	// client version
	body.Write([]byte{0x03, 0x03})
	// random
	body.Write(make([]byte, 32))
	// session id
	body.WriteByte(0)
	// cipher suites
	cs := make([]byte, 2+len(suites)*2)
	binary.BigEndian.PutUint16(cs, uint16(len(suites)*2))
	for i, s := range suites {
		binary.BigEndian.PutUint16(cs[2+i*2:], s)
	}
	body.Write(cs)
	// compression methods
	body.Write([]byte{1, 0})

	// extensions
	var exts bytes.Buffer
	if sni != "" {
		var sniBody bytes.Buffer
		nameLen := make([]byte, 2)
		binary.BigEndian.PutUint16(nameLen, uint16(len(sni)))
		entry := append([]byte{0x00}, nameLen...)
		entry = append(entry, []byte(sni)...)
		listLen := make([]byte, 2)
		binary.BigEndian.PutUint16(listLen, uint16(len(entry)))
		sniBody.Write(listLen)
		sniBody.Write(entry)

		extHeader := make([]byte, 4)
		binary.BigEndian.PutUint16(extHeader[0:2], extServerName)
		binary.BigEndian.PutUint16(extHeader[2:4], uint16(sniBody.Len()))
		exts.Write(extHeader)
		exts.Write(sniBody.Bytes())
	}
	if len(alpn) > 0 {
		var alpnBody bytes.Buffer
		var protoList bytes.Buffer
		for _, p := range alpn {
			protoList.WriteByte(byte(len(p)))
			protoList.WriteString(p)
		}
		listLen := make([]byte, 2)
		binary.BigEndian.PutUint16(listLen, uint16(protoList.Len()))
		alpnBody.Write(listLen)
		alpnBody.Write(protoList.Bytes())

		extHeader := make([]byte, 4)
		binary.BigEndian.PutUint16(extHeader[0:2], extALPN)
		binary.BigEndian.PutUint16(extHeader[2:4], uint16(alpnBody.Len()))
		exts.Write(extHeader)
		exts.Write(alpnBody.Bytes())
	}

	extLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extLen, uint16(exts.Len()))
	body.Write(extLen)
	body.Write(exts.Bytes())

	handshakeLen := body.Len()
	var handshake bytes.Buffer
	handshake.WriteByte(handshakeClientHello)
	handshake.WriteByte(byte(handshakeLen >> 16))
	handshake.WriteByte(byte(handshakeLen >> 8))
	handshake.WriteByte(byte(handshakeLen))
	handshake.Write(body.Bytes())

	var record bytes.Buffer
	record.WriteByte(contentTypeHandshake)
	record.Write([]byte{0x03, 0x03})
	recLen := make([]byte, 2)
	binary.BigEndian.PutUint16(recLen, uint16(handshake.Len()))
	record.Write(recLen)
	record.Write(handshake.Bytes())

	return record.Bytes()
}

func TestPeekClientHelloExtractsSNIAndALPN(t *testing.T) {
	raw := buildClientHello("example.test", []string{"h2", "http/1.1"}, []uint16{0x1301, 0x1302})
	s := framing.New(bytes.NewBuffer(append(append([]byte{}, raw...), []byte("trailing bytes untouched")...)), 0)

	info, err := PeekClientHello(s)
	if err != nil {
		t.Fatal(err)
	}
	if info.ServerName != "example.test" {
		t.Fatalf("sni: %q", info.ServerName)
	}
	if len(info.SupportedProtos) != 2 || info.SupportedProtos[0] != "h2" || info.SupportedProtos[1] != "http/1.1" {
		t.Fatalf("alpn: %v", info.SupportedProtos)
	}
	if len(info.CipherSuites) != 2 || info.CipherSuites[0] != 0x1301 {
		t.Fatalf("ciphers: %v", info.CipherSuites)
	}

	// Peeking must not consume: the exact same bytes are still readable.
	all, err := s.ReadExact(len(raw))
	if err != nil || !bytes.Equal(all, raw) {
		t.Fatalf("expected peek to be non-destructive, err=%v", err)
	}
}

func TestPeekClientHelloRejectsNonTLS(t *testing.T) {
	s := framing.New(bytes.NewBufferString("GET / HTTP/1.1\r\n\r\n"), 0)
	if _, err := PeekClientHello(s); err != ErrNotTLS {
		t.Fatalf("expected ErrNotTLS, got %v", err)
	}
}

func TestLooksLikeHTTPMethod(t *testing.T) {
	s := framing.New(bytes.NewBufferString("GET / HTTP/1.1\r\n\r\n"), 0)
	ok, err := LooksLikeHTTPMethod(s)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}
}

func TestLooksLikeHTTPMethodRejectsTLS(t *testing.T) {
	raw := buildClientHello("x", nil, []uint16{0x1301})
	s := framing.New(bytes.NewBuffer(raw), 0)
	ok, err := LooksLikeHTTPMethod(s)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false for a TLS record")
	}
}
