package coreproxy

import (
	"crypto/tls"
	"net/url"
	"regexp"

	"github.com/m1tm/coreproxy/internal/auth"
)

// Config configures one Proxy instance: the ambient knobs from spec.md §6
// plus one or more listener descriptors.
type Config struct {
	// BufferSize sets the FramedStream buffer capacity and relay chunk
	// size (bytes) for every accepted connection. Zero uses a sane
	// built-in default.
	BufferSize int

	// EnableWindowsAuth turns on 401 challenge handling (via Challenger)
	// and request body pre-buffering, per spec.md §6/§4.7.
	EnableWindowsAuth bool
	// Enable100Continue turns on client-visible 100 Continue/417
	// forwarding for requests carrying Expect: 100-continue.
	Enable100Continue bool

	// SupportedTLSProtocols is the minimum TLS version offered when this
	// proxy acts as a TLS server on an intercepted tunnel or transparent
	// endpoint. Zero uses the crypto/tls package default.
	SupportedTLSProtocols uint16

	// UpstreamHTTPProxy and UpstreamHTTPSProxy are the default upstream
	// proxy URLs used when a request carries no per-request override.
	UpstreamHTTPProxy  *url.URL
	UpstreamHTTPSProxy *url.URL
	// UpstreamBindEndpoint is recorded in the identity that outbound
	// connections are pooled by, but only when UpstreamHTTPProxy or
	// UpstreamHTTPSProxy is set. Outbound sockets are not bound to it.
	UpstreamBindEndpoint string

	// CertStoreDir, if non-empty, persists the locally minted CA under
	// this directory so the root certificate survives a restart. Empty
	// generates an ephemeral in-memory root.
	CertStoreDir string

	// InsecureUpstreamTLS disables certificate verification when dialing
	// an HTTPS upstream proxy or an origin already using TLS.
	InsecureUpstreamTLS bool

	// Auth gates access to the proxy itself (spec.md §4.6). Nil disables
	// proxy authentication entirely.
	Auth Authorizer
	// Challenger handles an origin's own 401 responses when
	// EnableWindowsAuth is set. Nil means no Windows/NTLM support.
	Challenger Challenger

	// Hooks is invoked at the four defined interception points for every
	// endpoint this Config's Proxy serves.
	Hooks Hooks
}

// Authorizer is re-exported from internal/auth for Config callers.
type Authorizer = auth.Authorizer

// Challenger is re-exported from internal/auth for Config callers.
type Challenger = auth.Challenger

// BasicAuth is the default Authorizer: static user:pass credential
// validation against Proxy-Authorization: Basic.
type BasicAuth = auth.BasicAuth

// NewBasicAuth builds a BasicAuth from a "user:pass|user:pass" credential
// list, matching cmd/mitmproxy's -auth flag format.
func NewBasicAuth(spec string) *BasicAuth {
	return auth.NewBasicAuth(spec)
}

// EndpointKind distinguishes the two endpoint descriptor variants spec.md
// §3 names.
type EndpointKind int

const (
	// EndpointExplicit receives CONNECT tunnels and ordinary absolute-URL
	// requests, per spec.md §4.3.
	EndpointExplicit EndpointKind = iota
	// EndpointTransparent terminates TLS immediately based on SNI, per
	// spec.md §4.4.
	EndpointTransparent
)

// EndpointConfig is one listener's immutable descriptor (spec.md §3
// "Endpoint descriptor"). Exactly one of the Explicit/Transparent field
// groups applies, selected by Kind.
type EndpointConfig struct {
	Kind EndpointKind
	Addr string

	// Explicit endpoint fields.
	IncludeRegex   *regexp.Regexp
	ExcludeRegex   *regexp.Regexp
	DecryptDefault bool

	// Transparent endpoint fields.
	TLSEnabled            bool
	DefaultSNIName         string
	GenericCertificateName string

	// GenericCertificate is carried on the descriptor but not consulted:
	// both endpoint kinds always serve a leaf minted by the certificate
	// store.
	GenericCertificate *tls.Certificate
}
