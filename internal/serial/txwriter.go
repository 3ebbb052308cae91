package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/logging"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
	"github.com/kstaniek/go-can-bridge/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// NewTXWriter returns an asynchronous writer encoding frames onto sp.
// Enqueue fails with ErrTxOverflow when buf frames are already pending.
func NewTXWriter(parent context.Context, sp Port, buf int) *transport.AsyncTx {
	send := func(fr can.Frame) error {
		_, err := sp.Write(Encode(fr))
		return err
	}
	return transport.NewAsyncTx(parent, buf, send, transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err, "frame", fr.String())
		},
		OnAfter: func(can.Frame) { metrics.IncSerialTx() },
		OnDrop: func(can.Frame) error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	})
}
