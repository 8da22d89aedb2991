package coreproxy

import (
	"log/slog"

	"github.com/m1tm/coreproxy/internal/hooks"
	"github.com/m1tm/coreproxy/internal/session"
)

// Hooks is the interception contract a caller registers against a Proxy,
// invoked at the four points spec.md §4/§9 names: before and after a
// CONNECT tunnel's ClientHello peek, and before each request is sent and
// each response is streamed back. Aliased from internal/hooks so lower
// packages (tunnel, transparent, sessionloop) can depend on the same
// interface without importing this root package.
type Hooks = hooks.Hooks

// BaseHooks is an embeddable no-op Hooks implementation; a concrete hook
// only needs to override the points it cares about.
type BaseHooks = hooks.BaseHooks

// LogHooks logs every hook invocation at Debug level.
type LogHooks = hooks.LogHooks

// Session, Request, and Response are re-exported so a Hooks implementation
// outside this module can be written against stable type names.
type Session = session.Session
type Request = session.Request
type Response = session.Response
type ConnectRequest = session.ConnectRequest

// NewLogHooks builds a LogHooks writing to logger, or slog.Default() if
// logger is nil.
func NewLogHooks(logger *slog.Logger) *LogHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHooks{Logger: logger}
}

// HookRegistry holds an ordered list of Hooks and itself implements Hooks
// by fanning every call out to each registered entry in order.
type HookRegistry = hooks.Registry

// NewHookRegistry creates an empty HookRegistry.
func NewHookRegistry() *HookRegistry {
	return hooks.NewRegistry()
}
