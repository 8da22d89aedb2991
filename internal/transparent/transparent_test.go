package transparent

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/m1tm/coreproxy/internal/certstore"
	"github.com/m1tm/coreproxy/internal/connfactory"
	"github.com/m1tm/coreproxy/internal/session"
	"github.com/m1tm/coreproxy/internal/sessionloop"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandlePlaintextRunsSessionLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	clientConn, testSide := net.Pipe()
	defer clientConn.Close()

	loop := sessionloop.New(sessionloop.Config{Conns: connfactory.New(), Logger: newDiscardLogger()})
	h := New(Config{
		TLSEnabled:     false,
		DefaultSNIName: ln.Addr().String(),
		Logger:         newDiscardLogger(),
	}, loop)

	done := make(chan error, 1)
	go func() {
		client := session.NewAcceptedClient(clientConn, 0)
		done <- h.Handle(context.Background(), client)
	}()

	testSide.Write([]byte("GET /hi HTTP/1.1\r\nHost: " + ln.Addr().String() + "\r\nConnection: close\r\n\r\n"))

	br := bufio.NewReader(testSide)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if statusLine != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("unexpected status line: %q", statusLine)
	}

	testSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestHandleTLSTerminatesUsingSNI(t *testing.T) {
	store, err := certstore.New("")
	if err != nil {
		t.Fatal(err)
	}

	// The handler decrypts inbound TLS and re-dials the origin over TLS too
	// (the outbound identity carries IsTLS from the request's own scheme),
	// so the fake origin here must speak TLS, signed by the same store.
	originCert, err := store.GetCert("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	rawLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln := tls.NewListener(rawLn, &tls.Config{Certificates: []tls.Certificate{*originCert}})
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	clientConn, testSide := net.Pipe()
	defer clientConn.Close()

	loop := sessionloop.New(sessionloop.Config{
		Conns:  connfactory.New(connfactory.WithInsecureUpstreamTLS(true)),
		Logger: newDiscardLogger(),
	})
	h := New(Config{
		TLSEnabled:     true,
		DefaultSNIName: "fallback.test",
		Certs:          store,
		Logger:         newDiscardLogger(),
	}, loop)

	done := make(chan error, 1)
	go func() {
		client := session.NewAcceptedClient(clientConn, 0)
		done <- h.Handle(context.Background(), client)
	}()

	originHost, _, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	tlsClientDone := make(chan error, 1)
	go func() {
		tlsClient := tls.Client(testSide, &tls.Config{ServerName: originHost, InsecureSkipVerify: true})
		if err := tlsClient.Handshake(); err != nil {
			tlsClientDone <- err
			return
		}
		req := "GET /hi HTTP/1.1\r\nHost: " + ln.Addr().String() + "\r\nConnection: close\r\n\r\n"
		if _, err := tlsClient.Write([]byte(req)); err != nil {
			tlsClientDone <- err
			return
		}
		br := bufio.NewReader(tlsClient)
		statusLine, err := br.ReadString('\n')
		if err != nil {
			tlsClientDone <- err
			return
		}
		if statusLine != "HTTP/1.1 200 OK\r\n" {
			tlsClientDone <- io.ErrUnexpectedEOF
			return
		}
		tlsClientDone <- nil
	}()

	select {
	case err := <-tlsClientDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tls client did not complete")
	}

	testSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}
