package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/cnl"
	"github.com/kstaniek/go-can-bridge/internal/hub"
)

func startServer(t *testing.T, opts ...Option) (*Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New()
	srv := New(append([]Option{WithHub(h), WithListenAddr("127.0.0.1:0"), WithHandshakeTimeout(2 * time.Second)}, opts...)...)
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return srv, h
}

func dialClient(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := cnl.Handshake(context.Background(), conn, 2*time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return conn
}

func waitClients(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", h.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerDeliversClientFrames(t *testing.T) {
	got := make(chan can.Frame, 4)
	srv, _ := startServer(t, WithHandler(func(fr can.Frame) { got <- fr }))
	conn := dialClient(t, srv.Addr())

	want := can.New(0x700, 0x03, 0x01, 0, 0, 0, 0, 0, 0x04)
	codec := &cnl.Codec{}
	if _, err := codec.EncodeTo(conn, []can.Frame{want}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case fr := <-got:
		if diff := cmp.Diff(want, fr); diff != "" {
			t.Fatalf("frame mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
}

func TestServerBroadcastsHubFrames(t *testing.T) {
	srv, h := startServer(t, WithFlushInterval(time.Millisecond))
	conn := dialClient(t, srv.Addr())
	waitClients(t, h, 1)

	fb := can.New(0x701, 0x09, 0xFE, 0, 0, 0, 0, 0, 0x07)
	if err := h.SendFrame(fb); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr, err := (&cnl.Codec{}).Decode(conn)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(fb, fr); diff != "" {
		t.Fatalf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestServerRejectsOverMaxClients(t *testing.T) {
	srv, h := startServer(t, WithMaxClients(1))
	dialClient(t, srv.Addr())
	waitClients(t, h, 1)

	extra := dialClient(t, srv.Addr())
	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := extra.Read(make([]byte, 1))
	if !errors.Is(err, io.EOF) {
		var ne net.Error
		if !errors.As(err, &ne) || ne.Timeout() {
			t.Fatalf("expected rejected connection to be closed, got %v", err)
		}
	}
	if h.Count() != 1 {
		t.Fatalf("hub has %d clients, want 1", h.Count())
	}
}

func TestServerHandshakeFailure(t *testing.T) {
	srv, h := startServer(t, WithHandshakeTimeout(200*time.Millisecond))
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("HELLOTHERE!!"))

	select {
	case err := <-srv.Errors():
		if !errors.Is(err, ErrHandshake) {
			t.Fatalf("expected handshake error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no handshake error reported")
	}
	if h.Count() != 0 {
		t.Fatalf("failed handshake registered a client")
	}
}

func TestServerClientDisconnectRemovesFromHub(t *testing.T) {
	srv, h := startServer(t)
	conn := dialClient(t, srv.Addr())
	waitClients(t, h, 1)
	_ = conn.Close()
	waitClients(t, h, 0)
}

func BenchmarkServerWriterFlush(b *testing.B) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New()
	h.OutBufSize = 1024
	srv := New(WithHub(h), WithListenAddr("127.0.0.1:0"))
	go func() { _ = srv.Serve(ctx) }()
	<-srv.Ready()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		b.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := cnl.Handshake(ctx, conn, time.Second); err != nil {
		b.Fatalf("handshake: %v", err)
	}
	go func() { _, _ = io.Copy(io.Discard, conn) }()
	for h.Count() == 0 {
		time.Sleep(time.Millisecond)
	}

	fr := can.New(0x701, 1, 2, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = h.SendFrame(fr)
	}
}
