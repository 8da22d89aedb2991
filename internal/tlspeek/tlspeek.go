// Package tlspeek extracts TLS ClientHello/ServerHello information from
// the front of a connection by peeking the raw handshake record bytes
// through a framing.FramedStream, without consuming them — the decision of
// whether to terminate TLS locally or blind-splice the tunnel must be made
// before a single byte is taken off the wire.
//
// The field names mirror the standard library's tls.ClientHelloInfo (the
// shape the core's higher layers already expect, since the teacher surfaces
// client hellos that way via tls.Config.GetConfigForClient), but the parse
// itself is hand-rolled against the raw TLS record/handshake layout because
// peeking must not drive an actual handshake.
package tlspeek

import (
	"encoding/binary"
	"errors"

	"github.com/m1tm/coreproxy/internal/framing"
	"github.com/m1tm/coreproxy/internal/session"
)

// ErrNotTLS is returned when the peeked bytes are not a TLS handshake
// record at all (wrong content type), so the caller should treat the
// connection as plaintext.
var ErrNotTLS = errors.New("tlspeek: not a TLS handshake record")

// ErrIncomplete is returned when fewer bytes than the declared record
// length are currently available; the caller may retry once more data has
// arrived, up to some bound.
var ErrIncomplete = errors.New("tlspeek: incomplete handshake record")

const (
	contentTypeHandshake = 0x16
	handshakeClientHello = 0x01
	handshakeServerHello = 0x02

	extServerName         = 0x0000
	extALPN               = 0x0010
	extSupportedVersions  = 0x002b
)

// LooksLikeHTTPMethod reports whether the first bytes peeked from s look
// like the start of a plaintext HTTP request line: a run of at least three
// upper-case ASCII letters (a method token) followed by a space, within the
// first 8 bytes. Used after a CONNECT tunnel has been decrypted to tell an
// HTTP request apart from other traffic carried inside the TLS session.
func LooksLikeHTTPMethod(s *framing.FramedStream) (bool, error) {
	peek, err := s.Peek(8)
	if err != nil && len(peek) == 0 {
		return false, err
	}
	letters := 0
	for _, b := range peek {
		if b >= 'A' && b <= 'Z' {
			letters++
			continue
		}
		if b == ' ' && letters >= 3 {
			return true, nil
		}
		break
	}
	return false, nil
}

// PeekClientHello peeks the first TLS record from s and, if it is a
// ClientHello, parses and returns its SNI, ALPN protocol list, and
// supported-versions list without consuming any bytes from s.
func PeekClientHello(s *framing.FramedStream) (*session.ClientHelloInfo, error) {
	record, err := peekRecord(s)
	if err != nil {
		return nil, err
	}
	if len(record) < 1 || record[0] != handshakeClientHello {
		return nil, errors.New("tlspeek: handshake message is not a ClientHello")
	}
	return parseClientHello(record)
}

// PeekServerHello peeks the first TLS record from s and, if it is a
// ServerHello, parses and returns its negotiated ALPN protocol and
// negotiated version without consuming any bytes from s.
func PeekServerHello(s *framing.FramedStream) (*session.ServerHelloInfo, error) {
	record, err := peekRecord(s)
	if err != nil {
		return nil, err
	}
	if len(record) < 1 || record[0] != handshakeServerHello {
		return nil, errors.New("tlspeek: handshake message is not a ServerHello")
	}
	return parseServerHello(record)
}

// peekRecord peeks one TLS record's header, validates its content type,
// then peeks (without consuming) the full handshake-message payload
// declared by the record and the handshake header's own 3-byte length.
func peekRecord(s *framing.FramedStream) ([]byte, error) {
	header, err := s.Peek(5)
	if err != nil {
		return nil, err
	}
	if header[0] != contentTypeHandshake {
		return nil, ErrNotTLS
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	total := 5 + recordLen
	full, err := s.Peek(total)
	if err != nil {
		return nil, ErrIncomplete
	}
	payload := full[5:]
	if len(payload) < 4 {
		return nil, ErrIncomplete
	}
	msgLen := int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if 4+msgLen > len(payload) {
		return nil, ErrIncomplete
	}
	// Return (type byte + body), dropping the 3-byte length so callers
	// index uniformly regardless of message type.
	body := make([]byte, 1+msgLen)
	body[0] = payload[0]
	copy(body[1:], payload[4:4+msgLen])
	return body, nil
}

func parseClientHello(msg []byte) (*session.ClientHelloInfo, error) {
	// msg[0] = handshake type, msg[1:3] = client version, msg[3:35] = random
	if len(msg) < 35 {
		return nil, errors.New("tlspeek: truncated client hello")
	}
	p := msg[35:]

	sessionIDLen, p, err := readU8Len(p)
	if err != nil {
		return nil, err
	}
	p = p[sessionIDLen:]

	cipherLen, p, err := readU16Len(p)
	if err != nil {
		return nil, err
	}
	if len(p) < cipherLen {
		return nil, errors.New("tlspeek: truncated cipher suites")
	}
	var suites []uint16
	for i := 0; i+1 < cipherLen; i += 2 {
		suites = append(suites, binary.BigEndian.Uint16(p[i:i+2]))
	}
	p = p[cipherLen:]

	compLen, p, err := readU8Len(p)
	if err != nil {
		return nil, err
	}
	p = p[compLen:]

	info := &session.ClientHelloInfo{CipherSuites: suites}
	if len(p) < 2 {
		return info, nil // extensions are optional
	}
	extTotalLen, p, err := readU16Len(p)
	if err != nil {
		return info, nil
	}
	if len(p) < extTotalLen {
		extTotalLen = len(p)
	}
	exts := p[:extTotalLen]
	for len(exts) >= 4 {
		extType := binary.BigEndian.Uint16(exts[0:2])
		extLen := int(binary.BigEndian.Uint16(exts[2:4]))
		if 4+extLen > len(exts) {
			break
		}
		body := exts[4 : 4+extLen]
		switch extType {
		case extServerName:
			info.ServerName = parseSNI(body)
		case extALPN:
			info.SupportedProtos = parseALPN(body)
		case extSupportedVersions:
			info.SupportedVersions = parseSupportedVersions(body)
		}
		exts = exts[4+extLen:]
	}
	return info, nil
}

func parseServerHello(msg []byte) (*session.ServerHelloInfo, error) {
	if len(msg) < 35 {
		return nil, errors.New("tlspeek: truncated server hello")
	}
	version := binary.BigEndian.Uint16(msg[1:3])
	p := msg[35:]

	sessionIDLen, p, err := readU8Len(p)
	if err != nil {
		return nil, err
	}
	p = p[sessionIDLen:]

	if len(p) < 2 {
		return &session.ServerHelloInfo{Version: version}, nil
	}
	p = p[2:] // cipher suite
	if len(p) < 1 {
		return &session.ServerHelloInfo{Version: version}, nil
	}
	p = p[1:] // compression method

	info := &session.ServerHelloInfo{Version: version}
	if len(p) < 2 {
		return info, nil
	}
	extTotalLen, p, err := readU16Len(p)
	if err != nil {
		return info, nil
	}
	if len(p) < extTotalLen {
		extTotalLen = len(p)
	}
	exts := p[:extTotalLen]
	for len(exts) >= 4 {
		extType := binary.BigEndian.Uint16(exts[0:2])
		extLen := int(binary.BigEndian.Uint16(exts[2:4]))
		if 4+extLen > len(exts) {
			break
		}
		body := exts[4 : 4+extLen]
		if extType == extALPN {
			if protos := parseALPN(body); len(protos) > 0 {
				info.NegotiatedProto = protos[0]
			}
		}
		exts = exts[4+extLen:]
	}
	return info, nil
}

func readU8Len(p []byte) (int, []byte, error) {
	if len(p) < 1 {
		return 0, nil, errors.New("tlspeek: truncated length prefix")
	}
	n := int(p[0])
	if len(p)-1 < n {
		return 0, nil, errors.New("tlspeek: length prefix overruns buffer")
	}
	return n, p[1:], nil
}

func readU16Len(p []byte) (int, []byte, error) {
	if len(p) < 2 {
		return 0, nil, errors.New("tlspeek: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(p[0:2]))
	if len(p)-2 < n {
		return 0, nil, errors.New("tlspeek: length prefix overruns buffer")
	}
	return n, p[2:], nil
}

func parseSNI(body []byte) string {
	if len(body) < 2 {
		return ""
	}
	listLen := int(binary.BigEndian.Uint16(body[0:2]))
	p := body[2:]
	if listLen > len(p) {
		listLen = len(p)
	}
	p = p[:listLen]
	for len(p) >= 3 {
		nameType := p[0]
		nameLen := int(binary.BigEndian.Uint16(p[1:3]))
		if 3+nameLen > len(p) {
			break
		}
		if nameType == 0 {
			return string(p[3 : 3+nameLen])
		}
		p = p[3+nameLen:]
	}
	return ""
}

func parseALPN(body []byte) []string {
	if len(body) < 2 {
		return nil
	}
	listLen := int(binary.BigEndian.Uint16(body[0:2]))
	p := body[2:]
	if listLen > len(p) {
		listLen = len(p)
	}
	p = p[:listLen]
	var protos []string
	for len(p) >= 1 {
		n := int(p[0])
		if 1+n > len(p) {
			break
		}
		protos = append(protos, string(p[1:1+n]))
		p = p[1+n:]
	}
	return protos
}

func parseSupportedVersions(body []byte) []uint16 {
	if len(body) < 1 {
		return nil
	}
	n := int(body[0])
	p := body[1:]
	if n > len(p) {
		n = len(p)
	}
	p = p[:n]
	var versions []uint16
	for i := 0; i+1 < len(p); i += 2 {
		versions = append(versions, binary.BigEndian.Uint16(p[i:i+2]))
	}
	return versions
}
