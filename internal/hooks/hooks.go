// Package hooks defines the ordered interception-hook contract described
// in spec.md §4/§9: a mutable session view is handed to each registered
// hook in sequence at four defined points (tunnel-connect-request,
// tunnel-connect-response, before-request, before-response). It lives
// under internal/ so both the public facade and the lower handler
// packages (tunnel, transparent, sessionloop) can depend on the same
// interface without the handler packages importing the root module.
package hooks

import (
	"log/slog"
	"sync"

	"github.com/m1tm/coreproxy/internal/session"
)

// Hooks is the full interception contract. Each method runs to completion
// before the core proceeds; a handler that needs to suspend (I/O, a
// network call of its own) may do so synchronously from within the
// method, since the owning session is not shared across concurrent tasks.
type Hooks interface {
	// TunnelConnectRequest runs after a CONNECT's header block has been
	// read but before proxy authorisation, per spec.md §4.3 step 3.
	TunnelConnectRequest(sess *session.Session, req *session.ConnectRequest)
	// TunnelConnectResponse runs after the ClientHello peek, per
	// spec.md §4.3 step 6, with the tunnel's observed is_tls flag.
	TunnelConnectResponse(sess *session.Session, req *session.ConnectRequest, isTLS bool)
	// BeforeRequest runs once per exchange before the outbound connection
	// is acquired, per spec.md §4.5.f. It may mutate headers, materialise
	// the body, set sess.Request.Cancel, or set an UpstreamOverride.
	BeforeRequest(sess *session.Session)
	// BeforeResponse runs once per completed response (including
	// re-requests) before the response is locked and streamed to the
	// client, per spec.md §4.7 step 3.
	BeforeResponse(sess *session.Session)
}

// BaseHooks is an embeddable no-op implementation, matching the teacher's
// BaseAddon pattern: a concrete hook type only needs to implement the
// methods it cares about.
type BaseHooks struct{}

func (BaseHooks) TunnelConnectRequest(*session.Session, *session.ConnectRequest)       {}
func (BaseHooks) TunnelConnectResponse(*session.Session, *session.ConnectRequest, bool) {}
func (BaseHooks) BeforeRequest(*session.Session)                                       {}
func (BaseHooks) BeforeResponse(*session.Session)                                      {}

// LogHooks logs each hook point at Debug level, mirroring the teacher's
// LogAddon. Embed it first in a composed hook list during development to
// see every exchange go by.
type LogHooks struct {
	BaseHooks
	Logger *slog.Logger
}

func (l *LogHooks) TunnelConnectRequest(sess *session.Session, req *session.ConnectRequest) {
	l.Logger.Debug("tunnel-connect-request", "target", req.OriginalURL)
}

func (l *LogHooks) TunnelConnectResponse(sess *session.Session, req *session.ConnectRequest, isTLS bool) {
	l.Logger.Debug("tunnel-connect-response", "target", req.OriginalURL, "is_tls", isTLS)
}

func (l *LogHooks) BeforeRequest(sess *session.Session) {
	l.Logger.Debug("before-request", "method", sess.Request.Method, "uri", sess.Request.EffectiveURI)
}

func (l *LogHooks) BeforeResponse(sess *session.Session) {
	l.Logger.Debug("before-response", "status", sess.Response.StatusCode, "uri", sess.Request.EffectiveURI)
}

// Registry holds an ordered, concurrency-safe list of Hooks and itself
// implements Hooks by invoking every registered entry in registration
// order, exactly the way the teacher's AddonRegistry fans a single addon
// event out to every registered addon.
type Registry struct {
	mu    sync.RWMutex
	hooks []Hooks
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends h to the end of the invocation order.
func (r *Registry) Add(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Get returns a snapshot of the registered hooks in invocation order.
func (r *Registry) Get() []Hooks {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hooks, len(r.hooks))
	copy(out, r.hooks)
	return out
}

func (r *Registry) TunnelConnectRequest(sess *session.Session, req *session.ConnectRequest) {
	for _, h := range r.Get() {
		h.TunnelConnectRequest(sess, req)
	}
}

func (r *Registry) TunnelConnectResponse(sess *session.Session, req *session.ConnectRequest, isTLS bool) {
	for _, h := range r.Get() {
		h.TunnelConnectResponse(sess, req, isTLS)
	}
}

func (r *Registry) BeforeRequest(sess *session.Session) {
	for _, h := range r.Get() {
		h.BeforeRequest(sess)
	}
}

func (r *Registry) BeforeResponse(sess *session.Session) {
	for _, h := range r.Get() {
		h.BeforeResponse(sess)
	}
}

var _ Hooks = (*Registry)(nil)
var _ Hooks = (*LogHooks)(nil)
