// Package auth implements the proxy-authorisation predicate from
// spec.md §4.6 (a pluggable gate invoked before a CONNECT tunnel or a
// plain-explicit request is served) and declares the AuthChallenger
// interface boundary for Windows/NTLM origin-401 handling, which is an
// external collaborator this core only calls through, never implements.
package auth

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/m1tm/coreproxy/internal/framing"
	"github.com/m1tm/coreproxy/internal/message"
	"github.com/m1tm/coreproxy/internal/session"
)

// Authorizer gates access to the proxy itself (as opposed to AuthChallenger,
// which reacts to the origin's own 401s). On denial it must write a
// complete 407 response to w itself and return false; on acceptance it
// writes nothing and returns true. The core only branches on the boolean.
type Authorizer interface {
	Authorize(w *framing.FramedStream, sess *session.Session) (bool, error)
}

// Challenger is the external collaborator named AuthChallenger in
// spec.md §3/§4.7/§9: Windows/NTLM challenge-response handling for an
// origin's own 401 responses. This core never implements the NTLM
// handshake itself — it only calls through this interface when
// enable_windows_auth is set, per spec.md's explicit Non-goal.
type Challenger interface {
	// Authorise attaches any previously-negotiated credentials to sess.
	// The session loop does not call it; of this interface it calls only
	// HandleUnauthorized.
	Authorise(sess *session.Session) bool
	// HandleUnauthorized runs when the origin returns 401. It reports
	// whether it disposed the session itself (ending the exchange) or
	// expects the caller to retry per its own protocol.
	HandleUnauthorized(sess *session.Session) (disposed bool)
}

// BasicAuth implements Authorizer by validating "Proxy-Authorization:
// Basic base64(user:pass)" against a static credential table, and writing
// a 407 challenge carrying "Proxy-Authenticate: Basic" on denial.
type BasicAuth struct {
	Realm       string
	Credentials map[string]string // username -> password
}

// NewBasicAuth builds a BasicAuth from a "user1:pass1|user2:pass2"-style
// string, matching the proxy-auth command-line flag format.
func NewBasicAuth(spec string) *BasicAuth {
	creds := make(map[string]string)
	for _, entry := range strings.Split(spec, "|") {
		user, pass, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		creds[user] = pass
	}
	return &BasicAuth{Realm: "proxy", Credentials: creds}
}

// Authorize implements Authorizer.
func (b *BasicAuth) Authorize(w *framing.FramedStream, sess *session.Session) (bool, error) {
	header := sess.Request.Header.Get("Proxy-Authorization")
	if header != "" && b.validate(header) {
		return true, nil
	}
	return false, writeChallenge(w, b.Realm)
}

func (b *BasicAuth) validate(proxyAuth string) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(proxyAuth, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(proxyAuth, prefix))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	want, ok := b.Credentials[user]
	return ok && want == pass
}

// writeChallenge writes a complete "407 Proxy Authentication Required"
// response to w, per spec.md §4.6's requirement that the authoriser owns
// the entire challenge response.
func writeChallenge(w *framing.FramedStream, realm string) error {
	body := "Proxy Authentication Required\n"
	var h message.Header
	h.Add("Proxy-Authenticate", `Basic realm="`+realm+`"`)
	h.Add("Content-Type", "text/plain; charset=utf-8")
	h.Add("Content-Length", strconv.Itoa(len(body)))
	h.Add("Connection", "close")

	if err := message.WriteStatusLine(w, "HTTP/1.1", 407, "Proxy Authentication Required"); err != nil {
		return err
	}
	if err := message.WriteHeaders(w, h); err != nil {
		return err
	}
	_, err := w.Write([]byte(body))
	return err
}
