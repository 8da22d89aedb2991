// Package connfactory implements the default ConnectionFactory
// collaborator: outbound connections pooled by the identity tuple (host,
// port, HTTP version, TLS-ness, upstream proxy, bind endpoint), dialed
// either directly or through an HTTP(S) CONNECT or SOCKS5 upstream proxy.
package connfactory

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/m1tm/coreproxy/internal/framing"
	"github.com/m1tm/coreproxy/internal/message"
	"github.com/m1tm/coreproxy/internal/session"
)

// Factory dials and pools outbound connections by session.OutboundIdentity.
// A pooled connection is only ever handed to one Session at a time; once a
// Session is done with it, Release either returns it to the pool (if the
// response was keep-alive) or closes it.
type Factory struct {
	mu       sync.Mutex
	idle     map[session.OutboundIdentity][]*session.OutboundConn
	dialer   net.Dialer
	bufSize  int
	insecure bool // skip TLS verification of HTTPS upstream proxies and TLS origins, matching the teacher's GetSslInsecure option
}

// Option configures a Factory at construction time.
type Option func(*Factory)

// WithBufferSize sets the FramedStream buffer size used for every
// outbound connection handed out by this factory.
func WithBufferSize(n int) Option {
	return func(f *Factory) { f.bufSize = n }
}

// WithInsecureUpstreamTLS disables certificate verification when dialing an
// HTTPS upstream proxy or a TLS origin. Mirrors the teacher's ssl_insecure
// config knob.
func WithInsecureUpstreamTLS(v bool) Option {
	return func(f *Factory) { f.insecure = v }
}

// New creates an empty Factory.
func New(opts ...Option) *Factory {
	f := &Factory{
		idle:    make(map[session.OutboundIdentity][]*session.OutboundConn),
		bufSize: 4096,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Acquire returns an outbound connection matching identity: either one
// pulled from the idle pool, or a freshly dialed one (direct, or via the
// upstream proxy URL named by identity.UpstreamProxyID, which callers
// resolve to an *url.URL before constructing the identity — the factory
// itself only dials, it does not consult environment variables or a
// config layer for proxy selection policy).
func (f *Factory) Acquire(ctx context.Context, identity session.OutboundIdentity, upstreamProxy *url.URL) (*session.OutboundConn, error) {
	if oc := f.takeIdle(identity); oc != nil {
		return oc, nil
	}

	addr := net.JoinHostPort(identity.Host, identity.Port)

	var conn net.Conn
	var err error
	if upstreamProxy != nil {
		conn, err = f.dialViaProxy(ctx, upstreamProxy, addr)
	} else {
		conn, err = f.dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if identity.IsTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: identity.Host, InsecureSkipVerify: f.insecure})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	return &session.OutboundConn{
		Identity: identity,
		Conn:     conn,
		Stream:   framing.New(conn, f.bufSize),
	}, nil
}

// Release returns oc to the idle pool if keepAlive is true, or closes it
// otherwise.
func (f *Factory) Release(oc *session.OutboundConn, keepAlive bool) {
	if oc == nil {
		return
	}
	if !keepAlive {
		oc.Conn.Close()
		return
	}
	f.mu.Lock()
	f.idle[oc.Identity] = append(f.idle[oc.Identity], oc)
	f.mu.Unlock()
}

func (f *Factory) takeIdle(identity session.OutboundIdentity) *session.OutboundConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	pool := f.idle[identity]
	if len(pool) == 0 {
		return nil
	}
	oc := pool[len(pool)-1]
	f.idle[identity] = pool[:len(pool)-1]
	return oc
}

// dialViaProxy dials address through an HTTP, HTTPS, or SOCKS5 upstream
// proxy, following the teacher's GetProxyConn exactly: for SOCKS5, use
// golang.org/x/net/proxy's dialer; for HTTP(S), TLS-wrap the proxy
// connection if its scheme is https, then issue a CONNECT and read the
// response status line before handing the tunnel back.
func (f *Factory) dialViaProxy(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	if proxyURL.Scheme == "socks5" {
		return f.dialSOCKS5(ctx, proxyURL, address)
	}

	conn, err := f.dialer.DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, err
	}

	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         proxyURL.Hostname(),
			InsecureSkipVerify: f.insecure,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	if err := writeConnectRequest(conn, proxyURL, address); err != nil {
		conn.Close()
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	type result struct {
		sl  message.StartLine
		err error
	}
	done := make(chan result, 1)
	go func() {
		s := framing.New(conn, 0)
		line, err := s.ReadLine()
		if err != nil {
			done <- result{err: err}
			return
		}
		sl, err := message.ParseStatusLine(line)
		if err != nil {
			done <- result{err: err}
			return
		}
		// Drain (and discard) the header block the proxy sends with its
		// CONNECT response.
		if _, err := message.ReadHeaders(s); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{sl: sl}
	}()

	select {
	case <-connectCtx.Done():
		conn.Close()
		return nil, connectCtx.Err()
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, r.err
		}
		if r.sl.Status != 200 {
			conn.Close()
			return nil, errors.New("connfactory: upstream proxy CONNECT refused: " + r.sl.Reason)
		}
		return conn, nil
	}
}

func (f *Factory) dialSOCKS5(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	auth := &proxy.Auth{}
	if proxyURL.User != nil {
		auth.User = proxyURL.User.Username()
		auth.Password, _ = proxyURL.User.Password()
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	dc, ok := dialer.(interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	})
	if !ok {
		return nil, errors.New("connfactory: SOCKS5 dialer does not support DialContext")
	}
	return dc.DialContext(ctx, "tcp", address)
}

func writeConnectRequest(w net.Conn, proxyURL *url.URL, address string) error {
	var b strings.Builder
	b.WriteString("CONNECT " + address + " HTTP/1.1\r\n")
	b.WriteString("Host: " + address + "\r\n")
	if proxyURL.User != nil {
		b.WriteString("Proxy-Authorization: Basic " +
			base64.StdEncoding.EncodeToString([]byte(proxyURL.User.String())) + "\r\n")
	}
	b.WriteString("\r\n")
	_, err := w.Write([]byte(b.String()))
	return err
}
