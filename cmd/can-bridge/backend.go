package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
	"github.com/kstaniek/go-can-bridge/internal/serial"
	"github.com/kstaniek/go-can-bridge/internal/socketcan"
	"github.com/kstaniek/go-can-bridge/internal/transport"
)

const (
	serialReadBufSize = 4096
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
)

// Hooks for tests.
var (
	sleepFn             = time.Sleep
	openSerialPort      = serial.Open
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
)

// endpoint is an opened CAN device: a queued transmitter plus a receive loop.
type endpoint struct {
	name string
	tx   *transport.AsyncTx
	rx   func(ctx context.Context, deliver func(can.Frame)) error
	dev  io.Closer
}

// Close unblocks the receive loop and stops the transmitter.
func (e *endpoint) Close() {
	_ = e.dev.Close()
	e.tx.Close()
}

func openEndpoint(ctx context.Context, name string, bc busConfig, txQueue int, l *slog.Logger) (*endpoint, error) {
	switch bc.Backend {
	case "serial":
		return openSerialEndpoint(ctx, name, bc, txQueue, l)
	case "socketcan":
		return openSocketCANEndpoint(ctx, name, bc, txQueue, l)
	default:
		return nil, fmt.Errorf("%s: unknown backend %q (use serial|socketcan)", name, bc.Backend)
	}
}

type backoff struct{ d time.Duration }

func (b *backoff) reset() { b.d = rxBackoffMin }

func (b *backoff) wait() time.Duration {
	if b.d == 0 {
		b.d = rxBackoffMin
	}
	d := b.d
	sleepFn(d)
	b.d = min(b.d*2, rxBackoffMax)
	return d
}

func openSerialEndpoint(ctx context.Context, name string, bc busConfig, txQueue int, l *slog.Logger) (*endpoint, error) {
	sp, err := openSerialPort(bc.Device, bc.Baud, bc.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: open serial %s: %w", name, bc.Device, err)
	}
	l.Info("serial_open", "if", name, "device", bc.Device, "baud", bc.Baud)
	rx := func(ctx context.Context, deliver func(can.Frame)) error {
		defer l.Info("serial_rx_end", "if", name)
		var dec serial.Decoder
		buf := make([]byte, serialReadBufSize)
		var bo backoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			n, err := sp.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n], deliver)
				bo.reset()
			}
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return fmt.Errorf("%s: serial %s: %w", name, bc.Device, err)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			d := bo.wait()
			l.Warn("serial_read_error", "if", name, "error", err, "backoff", d)
		}
	}
	return &endpoint{name: name, tx: serial.NewTXWriter(ctx, sp, txQueue), rx: rx, dev: sp}, nil
}

func openSocketCANEndpoint(ctx context.Context, name string, bc busConfig, txQueue int, l *slog.Logger) (*endpoint, error) {
	dev, err := openSocketCANDevice(bc.Interface)
	if err != nil {
		return nil, fmt.Errorf("%s: socketcan open %s: %w", name, bc.Interface, err)
	}
	l.Info("socketcan_open", "if", name, "dev", bc.Interface)
	rx := func(ctx context.Context, deliver func(can.Frame)) error {
		defer l.Info("socketcan_rx_end", "if", name)
		var bo backoff
		for {
			if ctx.Err() != nil {
				return nil
			}
			var fr can.Frame
			if err := dev.ReadFrame(&fr); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, socketcan.ErrUnsupported) {
					return fmt.Errorf("%s: %w", name, err)
				}
				metrics.IncError(metrics.ErrSocketCANRead)
				d := bo.wait()
				l.Warn("socketcan_read_error", "if", name, "error", err, "backoff", d)
				continue
			}
			metrics.IncSocketCANRx()
			bo.reset()
			deliver(fr)
		}
	}
	return &endpoint{name: name, tx: socketcan.NewTXWriter(ctx, dev, txQueue), rx: rx, dev: dev}, nil
}
