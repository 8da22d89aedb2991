package wslink

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRelayBlindSplicesBytes(t *testing.T) {
	clientA, clientB := net.Pipe()
	upstreamA, upstreamB := net.Pipe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	done := make(chan struct{})
	go func() {
		Relay(logger, clientA, upstreamA, 0)
		close(done)
	}()

	go func() {
		clientB.Write([]byte("ping"))
		clientB.Close()
	}()

	buf := make([]byte, 4)
	upstreamB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(upstreamB, buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("n=%d buf=%q err=%v", n, buf, err)
	}
	upstreamB.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate")
	}
}

func TestRelayFramesForwardsAndObserves(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serverConn = c
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	origin, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer origin.Close()

	time.Sleep(50 * time.Millisecond)
	if serverConn == nil {
		t.Fatal("server never accepted the websocket upgrade")
	}

	// Relay server-side traffic to a loopback "client" pair, via a second
	// in-process dial, so we exercise RelayFrames between two real
	// gorilla/websocket.Conn values.
	var downstream *websocket.Conn
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		downstream = c
	}))
	defer srv2.Close()

	wsURL2 := "ws" + srv2.URL[len("http"):]
	relayUpstream, _, err := websocket.DefaultDialer.Dial(wsURL2, nil)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if downstream == nil {
		t.Fatal("second server never accepted the websocket upgrade")
	}

	var seen []Frame
	done := make(chan error, 1)
	go func() {
		done <- RelayFrames(slog.New(slog.NewTextHandler(io.Discard, nil)), serverConn, relayUpstream, func(f Frame) {
			seen = append(seen, f)
		})
	}()

	if err := origin.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	downstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := downstream.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "hello" {
		t.Fatalf("unexpected payload: %q", payload)
	}

	origin.Close()
	downstream.Close()
	<-done
}
