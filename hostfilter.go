package coreproxy

import (
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/match"

	"github.com/m1tm/coreproxy/internal/session"
)

// GlobHostFilter is an optional Hooks addon layered on top of the core's
// regex-based include_regex/exclude_regex decrypt decision (spec.md §4.3,
// §6): it rejects individual exchanges whose target host matches one of
// Exclude but none of Include, using shell-style glob patterns (e.g.
// "*.ads.example.com") rather than full regular expressions.
type GlobHostFilter struct {
	BaseHooks

	Include []string
	Exclude []string
}

// NewGlobHostFilter builds a GlobHostFilter from include/exclude glob
// pattern lists. A nil or empty Include exempts no host, so every host
// matching Exclude is rejected.
func NewGlobHostFilter(include, exclude []string) *GlobHostFilter {
	return &GlobHostFilter{Include: include, Exclude: exclude}
}

func (f *GlobHostFilter) BeforeRequest(sess *session.Session) {
	req := sess.Request
	host := requestHost(req.EffectiveURI, req.Header.Get("Host"))
	if host == "" || f.allowed(host) {
		return
	}
	req.Cancel = true
	writeForbidden(sess.Client.Stream, req.Version)
}

func (f *GlobHostFilter) allowed(host string) bool {
	if matchAny(f.Exclude, host) && !matchAny(f.Include, host) {
		return false
	}
	return true
}

func matchAny(patterns []string, host string) bool {
	for _, p := range patterns {
		if match.Match(host, p) {
			return true
		}
	}
	return false
}

func requestHost(effectiveURI, headerHost string) string {
	if u, err := url.Parse(effectiveURI); err == nil && u.Host != "" {
		return stripPort(u.Host)
	}
	return stripPort(headerHost)
}

func stripPort(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		return hostport[:i]
	}
	return hostport
}

func writeForbidden(w io.Writer, version string) {
	if version == "" {
		version = "HTTP/1.1"
	}
	body := "Forbidden by host filter\n"
	resp := version + " 403 Forbidden\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	_, _ = w.Write([]byte(resp))
}
