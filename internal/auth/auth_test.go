package auth

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/m1tm/coreproxy/internal/framing"
	"github.com/m1tm/coreproxy/internal/message"
	"github.com/m1tm/coreproxy/internal/session"
)

func newSessionWithProxyAuth(value string) *session.Session {
	var h message.Header
	if value != "" {
		h.Add("Proxy-Authorization", value)
	}
	return &session.Session{Request: &session.Request{Header: h}}
}

func TestBasicAuthAcceptsValidCredentials(t *testing.T) {
	ba := NewBasicAuth("alice:secret")
	creds := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	sess := newSessionWithProxyAuth("Basic " + creds)

	var buf bytes.Buffer
	w := framing.New(&buf, 0)

	ok, err := ba.Authorize(w, sess)
	if err != nil || !ok {
		t.Fatalf("expected acceptance, got ok=%v err=%v", ok, err)
	}
	if buf.Len() != 0 {
		t.Fatal("expected nothing written to the client on acceptance")
	}
}

func TestBasicAuthRejectsMissingHeader(t *testing.T) {
	ba := NewBasicAuth("alice:secret")
	sess := newSessionWithProxyAuth("")

	var buf bytes.Buffer
	w := framing.New(&buf, 0)

	ok, err := ba.Authorize(w, sess)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected denial")
	}
	if !bytes.Contains(buf.Bytes(), []byte("407")) {
		t.Fatalf("expected a 407 status line written, got %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("Proxy-Authenticate")) {
		t.Fatalf("expected a Proxy-Authenticate challenge header, got %q", buf.String())
	}
}

func TestBasicAuthRejectsWrongPassword(t *testing.T) {
	ba := NewBasicAuth("alice:secret")
	creds := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	sess := newSessionWithProxyAuth("Basic " + creds)

	var buf bytes.Buffer
	w := framing.New(&buf, 0)

	ok, _ := ba.Authorize(w, sess)
	if ok {
		t.Fatal("expected denial for wrong password")
	}
}

func TestNewBasicAuthParsesMultipleEntries(t *testing.T) {
	ba := NewBasicAuth("alice:secret|bob:hunter2")
	if ba.Credentials["alice"] != "secret" || ba.Credentials["bob"] != "hunter2" {
		t.Fatalf("unexpected credentials: %+v", ba.Credentials)
	}
}
