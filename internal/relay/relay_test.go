package relay

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestPumpCopiesBothDirections(t *testing.T) {
	clientA, clientB := net.Pipe()
	upstreamA, upstreamB := net.Pipe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	done := make(chan struct{})
	go func() {
		Pump(logger, clientA, upstreamA, 0, nil)
		close(done)
	}()

	go func() {
		clientB.Write([]byte("ping"))
		clientB.Close()
	}()

	buf := make([]byte, 4)
	upstreamB.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := io.ReadFull(upstreamB, buf)
	if err != nil || n != 4 || string(buf) != "ping" {
		t.Fatalf("n=%d buf=%q err=%v", n, buf, err)
	}
	upstreamB.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not terminate after both sides closed")
	}
}

func TestPumpInvokesObserver(t *testing.T) {
	clientA, clientB := net.Pipe()
	upstreamA, upstreamB := net.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seen := make(chan Direction, 1)
	done := make(chan struct{})
	go func() {
		Pump(logger, clientA, upstreamA, 0, func(dir Direction, data []byte) {
			select {
			case seen <- dir:
			default:
			}
		})
		close(done)
	}()

	go func() {
		clientB.Write([]byte("x"))
	}()

	buf := make([]byte, 1)
	upstreamB.SetReadDeadline(time.Now().Add(2 * time.Second))
	io.ReadFull(upstreamB, buf)

	select {
	case dir := <-seen:
		if dir != ClientToUpstream {
			t.Fatalf("expected ClientToUpstream, got %v", dir)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer was never invoked")
	}

	clientB.Close()
	upstreamB.Close()
	<-done
}
