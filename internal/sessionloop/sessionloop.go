// Package sessionloop implements SessionLoop, the keep-alive request loop
// described in spec.md §4.5: the heart of the core, run once a client
// connection (explicit plain, explicit decrypted-tunnel, or transparent)
// is ready to exchange framed HTTP/1.x requests and responses.
//
// Grounded on the teacher's proxy/internal/attacker/attacker.go Attack
// loop (the closest analogue: parse → hook → dial upstream → forward →
// stream response → decide keep-alive), generalised to spec.md's explicit
// state-machine steps and its three entry modes.
package sessionloop

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/m1tm/coreproxy/internal/auth"
	"github.com/m1tm/coreproxy/internal/bodypump"
	"github.com/m1tm/coreproxy/internal/codec"
	"github.com/m1tm/coreproxy/internal/connfactory"
	"github.com/m1tm/coreproxy/internal/framing"
	"github.com/m1tm/coreproxy/internal/hooks"
	"github.com/m1tm/coreproxy/internal/message"
	"github.com/m1tm/coreproxy/internal/relay"
	"github.com/m1tm/coreproxy/internal/session"
	"github.com/m1tm/coreproxy/internal/wslink"
)

// Mode identifies which of spec.md §4.5.b's three effective-URI recipes
// applies to every exchange this Loop invocation runs.
type Mode int

const (
	// ModePlainExplicit is an absolute-URL request on an explicit endpoint
	// that never went through CONNECT; auth runs per exchange.
	ModePlainExplicit Mode = iota
	// ModeDecryptedTunnel is the request loop entered after a CONNECT
	// tunnel was locally decrypted; auth already ran at CONNECT time.
	ModeDecryptedTunnel
	// ModeTransparent is a transparent endpoint; the host comes from the
	// Host header, falling back to SNI or the endpoint's configured default,
	// never from the request line.
	ModeTransparent
)

// RunOptions carries the per-connection context the caller (tunnel or
// transparent handler) has already established before handing off.
type RunOptions struct {
	Mode  Mode
	IsTLS bool

	// TunnelHost is "host:port" from a decrypted CONNECT target, used as
	// the Host fallback in ModeDecryptedTunnel.
	TunnelHost string
	// ImplicitHost is the SNI-or-default host:port for ModeTransparent.
	ImplicitHost string

	// PendingLine, if PendingLineValid, is a request line already read by
	// the caller (spec.md §4.3 step 1's Plain-Request fallthrough) and is
	// used instead of a fresh ReadLine for the loop's first iteration.
	PendingLine      string
	PendingLineValid bool
}

// Config configures a Loop shared across many connections.
type Config struct {
	BufferSize        int
	EnableWindowsAuth bool
	Enable100Continue bool

	// FrameRelay, when true, relays a completed WebSocket upgrade at
	// message granularity via wslink.RelayFrames instead of blind-splicing
	// raw bytes, letting a hook observe individual frames.
	FrameRelay bool
	// FrameObserve, if set, is invoked once per WebSocket message seen
	// while FrameRelay is enabled.
	FrameObserve wslink.FrameObserver

	Hooks hooks.Hooks
	Auth  auth.Authorizer // plain-explicit proxy auth gate; nil disables it
	Chal  auth.Challenger // optional Windows/NTLM origin-401 handling

	Conns                *connfactory.Factory
	DefaultUpstreamProxy *url.URL
	UpstreamBindAddr     string

	Logger *slog.Logger
}

// Loop runs the keep-alive request loop for one accepted client.
type Loop struct {
	cfg Config
}

// New builds a Loop from cfg.
func New(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{cfg: cfg}
}

// Run drives exchanges on client until the client closes, a fatal error
// occurs, or a response computes keep-alive=false. It closes the client
// connection when it returns.
func (l *Loop) Run(ctx context.Context, client *session.AcceptedClient, opts RunOptions) error {
	var outbound *session.OutboundConn
	releaseOutbound := func(keepAlive bool) {
		if outbound != nil {
			l.cfg.Conns.Release(outbound, keepAlive)
			outbound = nil
		}
	}
	defer releaseOutbound(false)
	defer client.Conn.Close()

	first := true
	for {
		line, err := l.nextStartLine(client, opts, &first)
		if err != nil {
			return err
		}
		if line == "" {
			return nil // a. client closed
		}

		sl, err := message.ParseRequestLine(line)
		if err != nil {
			return err
		}
		hdr, err := message.ReadHeaders(client.Stream)
		if err != nil {
			return err
		}

		sess := session.New(client)
		req := &session.Request{
			Method:        sl.Method,
			OriginalURL:   sl.Target,
			Version:       sl.Version,
			Header:        hdr,
			ContentLength: -1,
		}
		sess.Request = req
		sess.Response = &session.Response{}

		host, port, scheme, path, err := l.resolveTarget(sl, hdr, opts)
		if err != nil {
			return err
		}
		req.EffectiveURI = scheme + "://" + net.JoinHostPort(host, port) + path

		// c. Authorise (plain-explicit only).
		if opts.Mode == ModePlainExplicit && l.cfg.Auth != nil {
			ok, err := l.cfg.Auth.Authorize(client.Stream, sess)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}

		// d. Header normalisation.
		req.Header.Set("Accept-Encoding", "gzip,deflate")
		req.Header.Del("Proxy-Connection")
		req.Header.Del("Proxy-Authorization")

		determineRequestFraming(req)

		// e. Conditionally buffer body.
		if l.cfg.EnableWindowsAuth && bodyExpected(req.Transfer) && req.ContentLength != 0 {
			body, err := readBody(client.Stream, req.Transfer, req.ContentLength, nil)
			if err != nil {
				return err
			}
			req.Body = body
			req.BodyReady = true
		}

		// f. Before-request hook.
		if l.cfg.Hooks != nil {
			l.cfg.Hooks.BeforeRequest(sess)
		}
		if req.Cancel {
			return nil
		}
		req.Lock()

		// g. Acquire outbound connection.
		identity := l.buildIdentity(host, port, scheme == "https", req)
		if outbound != nil && outbound.Identity != identity {
			releaseOutbound(false)
		}
		upstreamProxy := l.resolveUpstreamProxy(req)
		if outbound == nil {
			oc, err := l.cfg.Conns.Acquire(ctx, identity, upstreamProxy)
			if err != nil {
				writeBadGateway(client.Stream, sl.Version)
				return err
			}
			outbound = oc
		}
		sess.Outbound = outbound

		// h. Upgrade: websocket.
		if req.UpgradeWebSocket {
			if err := l.handleWebSocketUpgrade(sess, client, outbound); err != nil {
				relay.LogTransferError(l.cfg.Logger, err)
			}
			releaseOutbound(false)
			return nil
		}

		// i. Normal request send.
		terminated, err := l.sendRequest(sess, client, outbound)
		if err != nil {
			releaseOutbound(false)
			return err
		}

		if !terminated {
			for {
				// j. Response.
				disposed, err := l.handleResponse(sess, client, outbound)
				if err != nil {
					releaseOutbound(false)
					return err
				}
				if disposed {
					releaseOutbound(false)
					return nil
				}
				// k. Re-request.
				if !sess.Response.ReRequest {
					break
				}
				sess.Response = &session.Response{}
				terminated, err = l.sendRequest(sess, client, outbound)
				if err != nil {
					releaseOutbound(false)
					return err
				}
				if terminated {
					break
				}
			}
		}

		// l. Keep-alive.
		client.ExchangeCount.Inc()
		if !sess.Response.KeepAlive {
			releaseOutbound(false)
			return nil
		}
	}
}

func (l *Loop) nextStartLine(client *session.AcceptedClient, opts RunOptions, first *bool) (string, error) {
	if *first {
		*first = false
		if opts.PendingLineValid {
			return opts.PendingLine, nil
		}
	}
	return client.Stream.ReadLine()
}

// resolveTarget computes (host, port, scheme, path) per spec.md §4.5.b. In
// the two implicit-host modes the Host header, when present, takes
// precedence over the tunnel/endpoint-derived fallback.
func (l *Loop) resolveTarget(sl message.StartLine, hdr message.Header, opts RunOptions) (host, port, scheme, path string, err error) {
	switch opts.Mode {
	case ModeDecryptedTunnel:
		scheme = "https"
		host, port = splitHostPortOrDefault(firstNonEmpty(hdr.Get("Host"), opts.TunnelHost), "443")
		path = sl.Target
		if !strings.HasPrefix(path, "/") {
			path = "/"
		}
		return host, port, scheme, path, nil
	case ModeTransparent:
		if opts.IsTLS {
			scheme = "https"
		} else {
			scheme = "http"
		}
		host, port = splitHostPortOrDefault(firstNonEmpty(hdr.Get("Host"), opts.ImplicitHost), defaultPort(scheme))
		path = sl.Target
		if !strings.HasPrefix(path, "/") {
			path = "/"
		}
		return host, port, scheme, path, nil
	default: // ModePlainExplicit
		u, e := url.Parse(sl.Target)
		if e != nil || !u.IsAbs() {
			return "", "", "", "", errors.New("sessionloop: plain-explicit request line is not an absolute URL")
		}
		scheme = u.Scheme
		h := u.Hostname()
		p := u.Port()
		if p == "" {
			p = defaultPort(scheme)
		}
		path = u.RequestURI()
		return h, p, scheme, path, nil
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func splitHostPortOrDefault(hostport, fallbackPort string) (host, port string) {
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		return h, p
	}
	return hostport, fallbackPort
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func (l *Loop) buildIdentity(host, port string, isTLS bool, req *session.Request) session.OutboundIdentity {
	id := session.OutboundIdentity{
		Host:        host,
		Port:        port,
		HTTPVersion: req.Version,
		IsTLS:       isTLS,
	}
	if req.UpstreamOverride != nil {
		id.UpstreamProxyID = req.UpstreamOverride.ProxyURL
		id.UpstreamBindAddr = req.UpstreamOverride.BindEndpoint
	} else if l.cfg.DefaultUpstreamProxy != nil {
		id.UpstreamProxyID = l.cfg.DefaultUpstreamProxy.String()
		id.UpstreamBindAddr = l.cfg.UpstreamBindAddr
	}
	return id
}

func (l *Loop) resolveUpstreamProxy(req *session.Request) *url.URL {
	if req.UpstreamOverride != nil && req.UpstreamOverride.ProxyURL != "" {
		if u, err := url.Parse(req.UpstreamOverride.ProxyURL); err == nil {
			return u
		}
	}
	return l.cfg.DefaultUpstreamProxy
}

// determineRequestFraming populates Transfer/ContentLength/Expect100Continue
// /UpgradeWebSocket from the request headers, per spec.md §4.2's recognised
// semantic fields.
func determineRequestFraming(req *session.Request) {
	req.Expect100Continue = strings.EqualFold(req.Header.Get("Expect"), "100-continue")
	req.UpgradeWebSocket = strings.EqualFold(req.Header.Get("Upgrade"), "websocket")

	if strings.Contains(strings.ToLower(req.Header.Get("Transfer-Encoding")), "chunked") {
		req.Transfer = session.TransferChunked
		req.ContentLength = -1
		return
	}
	if cl := req.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			req.Transfer = session.TransferIdentity
			req.ContentLength = n
			return
		}
	}
	req.Transfer = session.TransferIdentity
	req.ContentLength = 0
}

func bodyExpected(t session.TransferEncoding) bool {
	return t == session.TransferChunked || t == session.TransferIdentity
}

// readBody materializes a whole body from stream per transfer/contentLength,
// used for the Windows-auth pre-buffering step and for a before-request
// hook's own replay needs. Shared by request and response paths since both
// sides read through a *framing.FramedStream.
func readBody(stream *framing.FramedStream, transfer session.TransferEncoding, contentLength int64, observe bodypump.Observer) ([]byte, error) {
	var buf bytes.Buffer
	switch transfer {
	case session.TransferChunked:
		if _, err := bodypump.PumpChunked(&buf, stream, observe); err != nil {
			return nil, err
		}
	case session.TransferIdentity:
		if contentLength <= 0 {
			return nil, nil
		}
		if _, err := bodypump.PumpIdentity(&buf, stream, contentLength, observe); err != nil {
			return nil, err
		}
	case session.TransferCloseDelimited:
		if _, err := bodypump.PumpCloseDelimited(&buf, stream, observe); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeBadGateway(w *framing.FramedStream, version string) {
	body := "Bad Gateway\n"
	resp := version + " 502 Bad Gateway\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	_, _ = w.Write([]byte(resp))
}

// sendRequest implements spec.md §4.5.i. It returns terminated=true when a
// 417 Expectation Failed (or any non-100 interim status) has already been
// forwarded to the client as the final response for this exchange, so the
// caller skips HandleResponse entirely.
func (l *Loop) sendRequest(sess *session.Session, client *session.AcceptedClient, outbound *session.OutboundConn) (terminated bool, err error) {
	req := sess.Request

	// A materialised body goes out as identity (spec.md §9: chunked re-send
	// is not supported), re-encoded if the request carries a
	// Content-Encoding, with Content-Length set to the bytes actually sent.
	var readyBody []byte
	if req.BodyReady {
		readyBody = req.Body
		if enc := req.Header.Get("Content-Encoding"); enc != "" {
			if encoded, err := codec.Encode(enc, readyBody); err == nil {
				readyBody = encoded
			}
		}
		req.Header.Del("Transfer-Encoding")
		req.Header.Set("Content-Length", strconv.Itoa(len(readyBody)))
	}

	if err := message.WriteRequestLine(outbound.Stream, req.Method, requestTarget(req), req.Version); err != nil {
		return false, err
	}
	if err := message.WriteHeaders(outbound.Stream, req.Header); err != nil {
		return false, err
	}

	if req.Expect100Continue && l.cfg.Enable100Continue {
		line, err := outbound.Stream.ReadLine()
		if err != nil {
			return false, err
		}
		interim, err := message.ParseStatusLine(line)
		if err != nil {
			return false, err
		}
		interimHdr, err := message.ReadHeaders(outbound.Stream)
		if err != nil {
			return false, err
		}
		if interim.Status != 100 {
			if err := message.WriteStatusLine(client.Stream, interim.Version, interim.Status, interim.Reason); err != nil {
				return false, err
			}
			if err := message.WriteHeaders(client.Stream, interimHdr); err != nil {
				return false, err
			}
			sess.Response.Version = interim.Version
			sess.Response.StatusCode = interim.Status
			sess.Response.StatusDescription = interim.Reason
			sess.Response.Header = interimHdr
			sess.Response.ExpectationFailed = interim.Status == 417
			sess.Response.Lock()
			return true, nil
		}
		if err := message.WriteStatusLine(client.Stream, interim.Version, 100, "Continue"); err != nil {
			return false, err
		}
		if err := message.WriteHeaders(client.Stream, nil); err != nil {
			return false, err
		}
		sess.Response.Continue100 = true
	}

	return false, l.sendBody(req, readyBody, client.Stream, outbound.Stream)
}

func requestTarget(req *session.Request) string {
	return req.OriginalURL
}

// sendBody writes req's body to outbound: readyBody, the materialised body
// as sendRequest re-encoded and re-lengthed it, if BodyReady, otherwise the
// raw bytes streamed from the client respecting the original framing.
func (l *Loop) sendBody(req *session.Request, readyBody []byte, client, outbound *framing.FramedStream) error {
	if req.BodyReady {
		_, err := outbound.Write(readyBody)
		return err
	}
	if req.ContentLength == 0 && req.Transfer != session.TransferChunked {
		return nil
	}
	switch req.Transfer {
	case session.TransferChunked:
		_, err := bodypump.RelayChunked(outbound, client, nil)
		return err
	case session.TransferIdentity:
		_, err := bodypump.PumpIdentity(outbound, client, req.ContentLength, nil)
		return err
	}
	return nil
}

// handleResponse implements spec.md §4.7.
func (l *Loop) handleResponse(sess *session.Session, client *session.AcceptedClient, outbound *session.OutboundConn) (disposed bool, err error) {
	line, err := outbound.Stream.ReadLine()
	if err != nil {
		return false, err
	}
	sl, err := message.ParseStatusLine(line)
	if err != nil {
		return false, err
	}
	hdr, err := message.ReadHeaders(outbound.Stream)
	if err != nil {
		return false, err
	}

	resp := sess.Response
	resp.Version = sl.Version
	resp.StatusCode = sl.Status
	resp.StatusDescription = sl.Reason
	resp.Header = hdr
	determineResponseFraming(resp, sess.Request.Method)

	if l.cfg.EnableWindowsAuth && resp.StatusCode == 401 && l.cfg.Chal != nil {
		if l.cfg.Chal.HandleUnauthorized(sess) {
			return true, nil
		}
	}

	resp.ReRequest = false
	if l.cfg.Hooks != nil && !resp.Locked {
		l.cfg.Hooks.BeforeResponse(sess)
	}
	if resp.ReRequest {
		// The connection is about to be reused for a fresh request; drain
		// any body bytes the hook didn't itself read so framing stays in
		// sync, per spec.md §9's connection-identity-and-reuse note.
		if !resp.BodyReady {
			if _, err := readBody(outbound.Stream, resp.Transfer, resp.ContentLength, nil); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	resp.Lock()

	if err := message.WriteStatusLine(client.Stream, resp.Version, resp.StatusCode, resp.StatusDescription); err != nil {
		return false, err
	}
	fixHopByHop(resp)

	if resp.BodyReady {
		body := resp.Body
		if enc := resp.Header.Get("Content-Encoding"); enc != "" {
			if encoded, err := codec.Encode(enc, body); err == nil {
				body = encoded
			}
		}
		resp.Header.Del("Transfer-Encoding")
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		if err := message.WriteHeaders(client.Stream, resp.Header); err != nil {
			return false, err
		}
		if _, err := client.Stream.Write(body); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := message.WriteHeaders(client.Stream, resp.Header); err != nil {
		return false, err
	}
	switch resp.Transfer {
	case session.TransferChunked:
		if _, err := bodypump.RelayChunked(client.Stream, outbound.Stream, nil); err != nil {
			return false, err
		}
	case session.TransferIdentity:
		if resp.ContentLength > 0 {
			if _, err := bodypump.PumpIdentity(client.Stream, outbound.Stream, resp.ContentLength, nil); err != nil {
				return false, err
			}
		}
	case session.TransferCloseDelimited:
		if _, err := bodypump.PumpCloseDelimited(client.Stream, outbound.Stream, nil); err != nil {
			return false, err
		}
		resp.KeepAlive = false
	}
	return false, nil
}

func determineResponseFraming(resp *session.Response, method string) {
	if method == "HEAD" || resp.StatusCode == 204 || resp.StatusCode == 304 || (resp.StatusCode >= 100 && resp.StatusCode < 200) {
		resp.Transfer = session.TransferIdentity
		resp.ContentLength = 0
		resp.KeepAlive = computeKeepAlive(resp)
		return
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Transfer-Encoding")), "chunked") {
		resp.Transfer = session.TransferChunked
		resp.ContentLength = -1
	} else if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			resp.Transfer = session.TransferIdentity
			resp.ContentLength = n
		} else {
			resp.Transfer = session.TransferCloseDelimited
			resp.ContentLength = -1
		}
	} else {
		resp.Transfer = session.TransferCloseDelimited
		resp.ContentLength = -1
	}
	resp.KeepAlive = computeKeepAlive(resp)
}

func computeKeepAlive(resp *session.Response) bool {
	conn := strings.ToLower(resp.Header.Get("Connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if resp.Transfer == session.TransferCloseDelimited {
		return false
	}
	if resp.Version == "HTTP/1.0" && !strings.Contains(conn, "keep-alive") {
		return false
	}
	return true
}

// fixHopByHop strips headers that must never be relayed verbatim to the
// client, per spec.md invariant 6: the fixed hop-by-hop set, plus any
// extra token the origin named in its own Connection header.
func fixHopByHop(resp *session.Response) {
	resp.Header.Del("Proxy-Connection")
	resp.Header.Del("Proxy-Authenticate")

	if conn := resp.Header.Get("Connection"); conn != "" {
		extra := message.FilterTokens(conn, func(tok string) bool {
			lower := strings.ToLower(tok)
			return lower == "close" || lower == "keep-alive"
		})
		names := lo.Map(strings.Split(extra, ","), func(tok string, _ int) string {
			return strings.TrimSpace(tok)
		})
		for _, tok := range lo.Filter(names, func(tok string, _ int) bool { return tok != "" }) {
			resp.Header.Del(tok)
		}
	}
}

// handleWebSocketUpgrade implements spec.md §4.5.h: forward the upgrade
// handshake verbatim, surface the 101 to before-response unless locked,
// then blind-splice the rest of the connection, or relay it message by
// message through wslink.RelayFrames when Config.FrameRelay is set.
func (l *Loop) handleWebSocketUpgrade(sess *session.Session, client *session.AcceptedClient, outbound *session.OutboundConn) error {
	req := sess.Request
	if err := message.WriteRequestLine(outbound.Stream, req.Method, requestTarget(req), req.Version); err != nil {
		return err
	}
	if err := message.WriteHeaders(outbound.Stream, req.Header); err != nil {
		return err
	}

	line, err := outbound.Stream.ReadLine()
	if err != nil {
		return err
	}
	sl, err := message.ParseStatusLine(line)
	if err != nil {
		return err
	}
	hdr, err := message.ReadHeaders(outbound.Stream)
	if err != nil {
		return err
	}

	resp := sess.Response
	resp.Version, resp.StatusCode, resp.StatusDescription, resp.Header = sl.Version, sl.Status, sl.Reason, hdr

	if l.cfg.Hooks != nil && !resp.Locked {
		l.cfg.Hooks.BeforeResponse(sess)
	}
	resp.Lock()

	if err := message.WriteStatusLine(client.Stream, resp.Version, resp.StatusCode, resp.StatusDescription); err != nil {
		return err
	}
	if err := message.WriteHeaders(client.Stream, resp.Header); err != nil {
		return err
	}
	if resp.StatusCode != 101 {
		return nil
	}

	if l.cfg.FrameRelay {
		clientWS := websocket.NewConn(client.Conn, true, l.cfg.BufferSize, l.cfg.BufferSize)
		upstreamWS := websocket.NewConn(outbound.Conn, false, l.cfg.BufferSize, l.cfg.BufferSize)
		return wslink.RelayFrames(l.cfg.Logger, clientWS, upstreamWS, l.cfg.FrameObserve)
	}

	wslink.Relay(l.cfg.Logger, client.Conn, outbound.Conn, l.cfg.BufferSize)
	return nil
}
