// Package relay implements the raw bidirectional byte relay used once a
// CONNECT tunnel is accepted without decryption, and as the transport for
// an upgraded (non-HTTP-framed) connection such as a raw WebSocket.
package relay

import (
	"io"
	"log/slog"
	"net"
	"strings"
)

// HalfCloser is implemented by connections that support shutting down only
// their read half. When one direction of Pump ends, Pump also calls
// CloseRead on that direction's source if the source is a HalfCloser.
type HalfCloser interface {
	CloseRead() error
}

// Observer is invoked per chunk copied in either direction.
type Observer func(direction Direction, data []byte)

// Direction identifies which leg of the relay a chunk travelled on.
type Direction int

const (
	// ClientToUpstream is data read from the client side and written
	// upstream.
	ClientToUpstream Direction = iota
	// UpstreamToClient is data read from the upstream side and written to
	// the client.
	UpstreamToClient
)

var normalErrSubstrings = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"tls: handshake timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
}

// LogTransferError logs err at Debug if it matches one of the ordinary
// end-of-connection causes, or at Error otherwise. Exported so callers
// above the relay (tunnel, sessionloop) can apply the same
// normal-vs-unexpected convention to their own I/O errors.
func LogTransferError(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	for _, s := range normalErrSubstrings {
		if strings.Contains(msg, s) {
			logger.Debug("normal error", "error", err)
			return
		}
	}
	logger.Error("unexpected error", "error", err)
}

// Pump runs a bidirectional blind relay between client and upstream. Each
// half runs as its own half-duplex copy; when one ends (EOF or any error)
// it closes the connection it was writing to, which also ends the other
// half. Pump returns once both halves have ended cleanly, or as soon as
// one reports an error, which it logs via LogTransferError. If observe is
// non-nil it is invoked per chunk copied, in either direction, before the
// chunk is forwarded onward.
func Pump(logger *slog.Logger, client, upstream io.ReadWriteCloser, bufSize int, observe Observer) {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	done := make(chan struct{})
	defer close(done)

	errCh := make(chan error, 2)

	go func() {
		err := copyDirection(upstream, client, bufSize, ClientToUpstream, observe)
		logger.Debug("client->upstream pump end", "error", err)
		upstream.Close()
		if hc, ok := client.(HalfCloser); ok {
			_ = hc.CloseRead()
		}
		select {
		case <-done:
		case errCh <- err:
		}
	}()

	go func() {
		err := copyDirection(client, upstream, bufSize, UpstreamToClient, observe)
		logger.Debug("upstream->client pump end", "error", err)
		client.Close()
		if hc, ok := upstream.(HalfCloser); ok {
			_ = hc.CloseRead()
		}
		select {
		case <-done:
		case errCh <- err:
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			LogTransferError(logger, err)
			return
		}
	}
}

func copyDirection(dst io.Writer, src io.Reader, bufSize int, dir Direction, observe Observer) error {
	buf := make([]byte, bufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if observe != nil {
				observe(dir, buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// *net.TCPConn satisfies HalfCloser; most accepted and dialed connections
// in practice are TCP, but the relay only requires the narrower interface
// so it also works over net.Pipe and test doubles.
var _ HalfCloser = (*net.TCPConn)(nil)
