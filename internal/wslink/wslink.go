// Package wslink implements the relay used once an exchange has been
// upgraded per spec.md §4.5.h: by default a blind byte-level splice (the
// core doesn't need to understand WebSocket framing to proxy it), with an
// optional frame-aware mode a hook can request when it wants to observe
// individual WebSocket messages rather than raw bytes.
package wslink

import (
	"log/slog"
	"net"

	"github.com/gorilla/websocket"

	"github.com/m1tm/coreproxy/internal/relay"
)

// Relay blind-splices client and upstream after an Upgrade: websocket
// response has already been forwarded, exactly as spec.md §4.5.h
// describes: "enter bidirectional raw pumping and exit the loop on
// completion." No WebSocket parsing happens here.
func Relay(logger *slog.Logger, client, upstream net.Conn, bufSize int) {
	relay.Pump(logger, client, upstream, bufSize, nil)
}

// Frame carries one decoded WebSocket message for a FrameObserver.
type Frame struct {
	Direction relay.Direction
	Type      int // websocket.TextMessage, websocket.BinaryMessage, etc.
	Payload   []byte
}

// FrameObserver is invoked once per WebSocket message traversing the link.
type FrameObserver func(Frame)

// RelayFrames relays whole messages between client and upstream, the
// gorilla/websocket.Conn wrappers the caller built over the already-hijacked
// client connection and the already-connected upstream connection,
// invoking observe for each one seen in either direction before forwarding
// it onward unchanged. When either direction stops, both connections are
// closed and the error that stopped the first one is returned. Used when a
// hook has asked to inspect WebSocket traffic at message granularity
// instead of raw bytes.
func RelayFrames(logger *slog.Logger, client, upstream *websocket.Conn, observe FrameObserver) error {
	errCh := make(chan error, 2)

	go func() { errCh <- pumpFrames(client, upstream, relay.ClientToUpstream, observe) }()
	go func() { errCh <- pumpFrames(upstream, client, relay.UpstreamToClient, observe) }()

	firstErr := <-errCh
	client.Close()
	upstream.Close()
	<-errCh
	return firstErr
}

func pumpFrames(src, dst *websocket.Conn, dir relay.Direction, observe FrameObserver) error {
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if observe != nil {
			observe(Frame{Direction: dir, Type: msgType, Payload: payload})
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return err
		}
	}
}
