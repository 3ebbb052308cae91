package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-bridge/internal/metrics"
)

// runMetricsLogger periodically logs the local counter mirror until ctx ends.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"rx", snap.Rx,
				"forwarded", snap.Forwarded,
				"echoes", snap.Echoes,
				"filtered", snap.Filtered,
				"dropped", snap.Dropped,
				"commands", snap.Commands,
				"feedback", snap.Feedback,
				"list_rejects", snap.ListRejects,
				"serial_rx", snap.SerialRx,
				"serial_tx", snap.SerialTx,
				"socketcan_rx", snap.SocketCANRx,
				"socketcan_tx", snap.SocketCANTx,
				"host_rx", snap.HostRx,
				"host_tx", snap.HostTx,
				"host_drops", snap.HostDrops,
				"malformed", snap.Malformed,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
