package main

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-can-bridge/internal/can"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeDev is an in-memory SocketCAN device.
type fakeDev struct {
	rx     chan can.Frame
	tx     chan can.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeDev() *fakeDev {
	return &fakeDev{rx: make(chan can.Frame, 16), tx: make(chan can.Frame, 16), closed: make(chan struct{})}
}

func (d *fakeDev) ReadFrame(fr *can.Frame) error {
	select {
	case f := <-d.rx:
		*fr = f
		return nil
	case <-d.closed:
		return net.ErrClosed
	}
}

func (d *fakeDev) WriteFrame(fr can.Frame) error {
	select {
	case d.tx <- fr:
	default:
	}
	return nil
}

func (d *fakeDev) Close() error { d.once.Do(func() { close(d.closed) }); return nil }

// pipePort is a serial.Port fed through an io.Pipe.
type pipePort struct {
	r       *io.PipeReader
	w       *io.PipeWriter
	mu      sync.Mutex
	written [][]byte
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, append([]byte(nil), b...))
	p.mu.Unlock()
	return len(b), nil
}

func (p *pipePort) Close() error { _ = p.w.Close(); return p.r.Close() }

func (p *pipePort) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written...)
}

func recvFrame(ch <-chan can.Frame, d time.Duration) (can.Frame, bool) {
	select {
	case fr := <-ch:
		return fr, true
	case <-time.After(d):
		return can.Frame{}, false
	}
}
