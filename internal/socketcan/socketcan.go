// Package socketcan drives Linux raw CAN sockets.
package socketcan

import (
	"context"
	"errors"

	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
	"github.com/kstaniek/go-can-bridge/internal/transport"
)

var (
	ErrTxOverflow  = errors.New("socketcan tx overflow")
	ErrUnsupported = errors.New("socketcan unsupported on this platform")
)

// Dev is the minimal device surface used by backends and the TX writer.
// Implemented by *Device on Linux and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// NewTXWriter returns an asynchronous writer for dev. Enqueue fails with
// ErrTxOverflow when buf frames are already pending.
func NewTXWriter(parent context.Context, dev Dev, buf int) *transport.AsyncTx {
	return transport.NewAsyncTx(parent, buf, dev.WriteFrame, transport.Hooks{
		OnError: func(can.Frame, error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnAfter: func(can.Frame) { metrics.IncSocketCANTx() },
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	})
}
