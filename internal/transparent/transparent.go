// Package transparent implements TransparentHandler, the TLS-first
// variant of the connection handler described in spec.md §4.4: for a
// transparent endpoint (traffic redirected by NAT/iptables rather than an
// explicit CONNECT), TLS is terminated immediately based on SNI rather
// than negotiated through a tunnel handshake.
//
// Grounded on the teacher's httpsDialLazyAttack peek-then-decide shape
// (proxy/entry.go), minus the CONNECT-specific bookkeeping that doesn't
// apply once the endpoint itself is already TLS-only.
package transparent

import (
	"context"
	"crypto/tls"
	"log/slog"

	"github.com/m1tm/coreproxy/internal/certstore"
	"github.com/m1tm/coreproxy/internal/session"
	"github.com/m1tm/coreproxy/internal/sessionloop"
	"github.com/m1tm/coreproxy/internal/tlspeek"
)

// Config configures a Handler for one transparent endpoint.
type Config struct {
	BufferSize int
	// TLSEnabled mirrors the endpoint descriptor's tls_enabled flag. When
	// false the handler never peeks for a ClientHello and always runs the
	// session loop in plaintext.
	TLSEnabled bool
	// DefaultSNIName is used when TLSEnabled but the client sends no SNI
	// (generic_certificate_name in spec.md §6's configuration table).
	DefaultSNIName string
	Certs          *certstore.Store
	TLSMinVers     uint16
	Logger         *slog.Logger
}

// Handler implements spec.md §4.4's TransparentHandler.
type Handler struct {
	cfg  Config
	loop *sessionloop.Loop
}

// New builds a Handler that hands every accepted connection to loop once
// TLS (if any) has been terminated.
func New(cfg Config, loop *sessionloop.Loop) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg, loop: loop}
}

// Handle runs the handler on a freshly accepted client.
func (h *Handler) Handle(ctx context.Context, client *session.AcceptedClient) error {
	implicitHost := h.cfg.DefaultSNIName
	isTLS := false

	if h.cfg.TLSEnabled {
		hello, err := tlspeek.PeekClientHello(client.Stream)
		if err == nil {
			sni := hello.ServerName
			if sni == "" {
				sni = h.cfg.DefaultSNIName
			}
			cert, err := h.cfg.Certs.GetCert(certstore.WildcardHost(sni))
			if err != nil {
				return err
			}
			tlsConn := tls.Server(client.Conn, &tls.Config{
				Certificates: []tls.Certificate{*cert},
				MinVersion:   h.cfg.TLSMinVers,
			})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				client.Conn.Close()
				return err
			}
			client.RewrapTLS(tlsConn, h.cfg.BufferSize)
			isTLS = true
			implicitHost = sni
		}
		// Absent ClientHello: continue in plaintext per spec.md §4.4 step 1.
	}

	return h.loop.Run(ctx, client, sessionloop.RunOptions{
		Mode:         sessionloop.ModeTransparent,
		IsTLS:        isTLS,
		ImplicitHost: implicitHost,
	})
}
