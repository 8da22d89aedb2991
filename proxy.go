// Package coreproxy is the public facade over the client-facing connection
// handler and per-session HTTP state machine described in spec.md: given
// one or more Endpoint descriptors, it binds a listener per endpoint,
// accepts raw client connections, and dispatches each one into the
// TunnelHandler or TransparentHandler state machine, which in turn drives
// the SessionLoop for every request/response exchange on that connection.
package coreproxy

import (
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/m1tm/coreproxy/internal/certstore"
	"github.com/m1tm/coreproxy/internal/connfactory"
	"github.com/m1tm/coreproxy/internal/hooks"
	"github.com/m1tm/coreproxy/internal/session"
	"github.com/m1tm/coreproxy/internal/sessionloop"
	"github.com/m1tm/coreproxy/internal/transparent"
	"github.com/m1tm/coreproxy/internal/tunnel"
)

const defaultBufferSize = 4096

// Proxy ties one Config to a set of endpoint listeners and runs their
// accept loops until Shutdown or Close is called.
type Proxy struct {
	cfg    Config
	certs  *certstore.Store
	conns  *connfactory.Factory
	hooks  *hooks.Registry
	loop   *sessionloop.Loop
	logger *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New builds a Proxy from cfg, minting or loading the local CA from
// cfg.CertStoreDir.
func New(cfg Config) (*Proxy, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	logger := slog.Default()

	certs, err := certstore.New(cfg.CertStoreDir)
	if err != nil {
		return nil, err
	}

	conns := connfactory.New(
		connfactory.WithBufferSize(cfg.BufferSize),
		connfactory.WithInsecureUpstreamTLS(cfg.InsecureUpstreamTLS),
	)

	registry := hooks.NewRegistry()
	if cfg.Hooks != nil {
		registry.Add(cfg.Hooks)
	}

	loop := sessionloop.New(sessionloop.Config{
		BufferSize:           cfg.BufferSize,
		EnableWindowsAuth:    cfg.EnableWindowsAuth,
		Enable100Continue:    cfg.Enable100Continue,
		Hooks:                registry,
		Auth:                 cfg.Auth,
		Chal:                 cfg.Challenger,
		Conns:                conns,
		DefaultUpstreamProxy: firstNonNilURL(cfg.UpstreamHTTPSProxy, cfg.UpstreamHTTPProxy),
		UpstreamBindAddr:     cfg.UpstreamBindEndpoint,
		Logger:               logger,
	})

	return &Proxy{
		cfg:    cfg,
		certs:  certs,
		conns:  conns,
		hooks:  registry,
		loop:   loop,
		logger: logger,
	}, nil
}

// AddHooks registers an additional Hooks implementation, invoked after
// every previously added one.
func (p *Proxy) AddHooks(h Hooks) {
	p.hooks.Add(h)
}

// RootCertificate returns the local CA's own certificate, so it can be
// offered to clients for trust installation.
func (p *Proxy) RootCertificate() *x509.Certificate {
	return p.certs.GetRootCA()
}

// Serve binds a listener for each endpoint in endpoints and blocks,
// accepting connections, until ctx is cancelled. Each endpoint's accept
// loop runs in its own goroutine; Close or Shutdown stops the accept
// loops, but Serve itself returns only once ctx is done, every listener has
// stopped and every in-flight connection has been handled.
func (p *Proxy) Serve(ctx context.Context, endpoints ...EndpointConfig) error {
	if len(endpoints) == 0 {
		return errors.New("coreproxy: Serve requires at least one endpoint")
	}

	var firstErr error
	var errOnce sync.Once
	recordErr := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() { firstErr = err })
	}

	for _, ep := range endpoints {
		ln, err := net.Listen("tcp", ep.Addr)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.listeners = append(p.listeners, ln)
		p.mu.Unlock()

		p.logger.Info("endpoint listening", "addr", ln.Addr().String(), "kind", endpointKindString(ep.Kind))

		handler := p.handlerFor(ep)
		p.wg.Add(1)
		go func(ln net.Listener) {
			defer p.wg.Done()
			recordErr(p.acceptLoop(ctx, ln, handler))
		}(ln)
	}

	<-ctx.Done()
	p.Close()
	p.wg.Wait()
	return firstErr
}

type connectionHandler interface {
	Handle(ctx context.Context, client *session.AcceptedClient) error
}

func (p *Proxy) handlerFor(ep EndpointConfig) connectionHandler {
	switch ep.Kind {
	case EndpointTransparent:
		return transparent.New(transparent.Config{
			BufferSize:     p.cfg.BufferSize,
			TLSEnabled:     ep.TLSEnabled,
			DefaultSNIName: firstNonEmptyString(ep.GenericCertificateName, ep.DefaultSNIName),
			Certs:          p.certs,
			TLSMinVers:     p.cfg.SupportedTLSProtocols,
			Logger:         p.logger,
		}, p.loop)
	default:
		return tunnel.New(tunnel.Config{
			BufferSize:   p.cfg.BufferSize,
			Auth:         p.cfg.Auth,
			Hooks:        p.hooks,
			Certs:        p.certs,
			Conns:        p.conns,
			IncludeRegex: ep.IncludeRegex,
			ExcludeRegex: ep.ExcludeRegex,
			TLSMinVers:   p.cfg.SupportedTLSProtocols,
			Logger:       p.logger,
		}, p.loop)
	}
}

func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener, handler connectionHandler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		p.wg.Add(1)
		go func(conn net.Conn) {
			defer p.wg.Done()
			client := session.NewAcceptedClient(conn, p.cfg.BufferSize)
			if err := handler.Handle(ctx, client); err != nil {
				relayLogf(p.logger, err)
			}
			conn.Close()
		}(conn)
	}
}

// Close immediately stops accepting new connections on every endpoint
// this Proxy is serving. In-flight exchanges are not interrupted.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for _, ln := range p.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// exchanges to finish, or for ctx to be cancelled, whichever comes first.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if err := p.Close(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func endpointKindString(k EndpointKind) string {
	if k == EndpointTransparent {
		return "transparent"
	}
	return "explicit"
}

func firstNonNilURL(a, b *url.URL) *url.URL {
	if a != nil {
		return a
	}
	return b
}

func firstNonEmptyString(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func relayLogf(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	logger.Debug("connection handler exited", "error", err)
}
