// Package session defines the per-exchange data model described in
// spec.md §3: Request, Response, ConnectRequest, and the Session that
// aggregates them together with the accepted client and any outbound
// connection currently on loan from a ConnectionFactory.
package session

import (
	"crypto/tls"
	"net"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"

	"github.com/m1tm/coreproxy/internal/framing"
	"github.com/m1tm/coreproxy/internal/message"
)

// TransferEncoding enumerates how a message body is framed on the wire.
type TransferEncoding int

const (
	// TransferUnknown means framing has not been determined yet.
	TransferUnknown TransferEncoding = iota
	// TransferIdentity means a known Content-Length (0 is valid and means
	// no body).
	TransferIdentity
	// TransferChunked means Transfer-Encoding: chunked.
	TransferChunked
	// TransferCloseDelimited means the body runs until the connection
	// closes (only valid for HTTP/1.0 responses without a length).
	TransferCloseDelimited
)

// Request is the mutable per-exchange request record described in
// spec.md §3.
//
// Invariant: once Locked is true the start-line and headers must not
// change, apart from the session loop setting Content-Length (and dropping
// Transfer-Encoding) for a materialised body as it sends it; Body may still
// be substituted, but only before the first outbound write (see
// Request.Lock).
type Request struct {
	Method          string
	OriginalURL     string // exactly as it appeared on the wire
	EffectiveURI    string // absolute URI the core will actually send upstream
	Version         string
	Header          message.Header
	BodyReady       bool // true once a hook has read (and owns) the body
	Body            []byte
	ContentLength    int64 // -1 for chunked; 0 with no usable Content-Length
	Transfer         TransferEncoding
	Expect100Continue bool
	UpgradeWebSocket  bool
	Cancel            bool
	Locked            bool
	UpstreamOverride  *UpstreamOverride // set by a before-request hook to redirect outbound routing
}

// UpstreamOverride lets a before-request hook redirect the outbound
// connection used for this exchange (spec.md §4.5.g, §9 "hook-induced
// change to upstream routing").
type UpstreamOverride struct {
	ProxyURL     string
	BindEndpoint string
}

// Lock marks the start-line and headers as frozen. It only sets Locked;
// later writes to the fields are not rejected.
func (r *Request) Lock() { r.Locked = true }

// ConnectRequest specialises Request for a CONNECT tunnel, carrying the
// peeked ClientHello/ServerHello per spec.md §3.
type ConnectRequest struct {
	Request
	ClientHello *ClientHelloInfo // nil if the tunnel was never TLS
	ServerHello *ServerHelloInfo // nil unless decryption was bypassed and the handshake was forwarded
}

// ClientHelloInfo is the subset of a peeked TLS ClientHello the core cares
// about: SNI, ALPN, and offered protocol versions.
type ClientHelloInfo struct {
	ServerName        string
	SupportedProtos   []string
	SupportedVersions []uint16
	CipherSuites      []uint16
}

// ServerHelloInfo is the subset of a peeked TLS ServerHello the core cares
// about.
type ServerHelloInfo struct {
	NegotiatedProto string
	Version         uint16
}

// Response is the mutable per-exchange response record described in
// spec.md §3.
type Response struct {
	Version            string
	StatusCode         int
	StatusDescription  string
	Header             message.Header
	BodyReady          bool
	Body               []byte
	ContentLength      int64
	Transfer           TransferEncoding
	KeepAlive          bool
	Continue100        bool
	ExpectationFailed  bool
	Locked             bool
	ReRequest          bool
}

// Lock marks the response's status line and headers as frozen; after it
// only the core's own hop-by-hop and framing fixups change them. It only
// sets Locked; later writes to the fields are not rejected.
func (r *Response) Lock() { r.Locked = true }

// OutboundIdentity is the key an outbound connection handle is pooled and
// matched on, per spec.md §3: (host, port, http_version, is_tls,
// upstream_proxy_id, upstream_bind_endpoint).
type OutboundIdentity struct {
	Host             string
	Port             string
	HTTPVersion      string
	IsTLS            bool
	UpstreamProxyID  string
	UpstreamBindAddr string
}

// OutboundConn is an outbound connection handle on loan from a
// ConnectionFactory, framed for request/response I/O.
type OutboundConn struct {
	Identity OutboundIdentity
	Conn     net.Conn
	Stream   *framing.FramedStream
}

// AcceptedClient is the raw accepted client connection, owned exclusively
// by the connection handler for its entire lifetime (spec.md §3
// Ownership).
type AcceptedClient struct {
	ID       uuid.UUID
	Conn     net.Conn
	Stream   *framing.FramedStream
	TLS      bool
	TLSState *tls.ConnectionState

	// ExchangeCount is the number of requests served on this connection so
	// far; SessionLoop increments it once per completed exchange.
	ExchangeCount atomic.Uint32
}

// NewAcceptedClient wraps a freshly accepted net.Conn.
func NewAcceptedClient(c net.Conn, bufSize int) *AcceptedClient {
	return &AcceptedClient{
		ID:     uuid.NewV4(),
		Conn:   c,
		Stream: framing.New(c, bufSize),
	}
}

// RewrapTLS replaces the accepted client's stream with one wrapping a
// completed server-side TLS connection, used once a CONNECT tunnel or a
// transparent endpoint decrypts in place (spec.md §4.3 step 7, §4.4).
func (a *AcceptedClient) RewrapTLS(tlsConn *tls.Conn, bufSize int) {
	a.Conn = tlsConn
	a.Stream = framing.New(tlsConn, bufSize)
	a.TLS = true
	state := tlsConn.ConnectionState()
	a.TLSState = &state
}

// Session aggregates one Request/Response pair with the owning accepted
// client and the endpoint/hooks it runs under. Its lifetime is exactly one
// request/response exchange (spec.md §3 Session); SessionLoop constructs a
// fresh Session per iteration but may carry the OutboundConn across
// iterations by identity match.
type Session struct {
	ID       uuid.UUID
	Client   *AcceptedClient
	Outbound *OutboundConn
	Request  *Request
	Response *Response
}

// New creates a Session for the next exchange on client.
func New(client *AcceptedClient) *Session {
	return &Session{
		ID:     uuid.NewV4(),
		Client: client,
	}
}
