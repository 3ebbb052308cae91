package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-can-bridge/internal/bridge"
	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/hub"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
	"github.com/kstaniek/go-can-bridge/internal/server"
)

const shutdownTimeout = 3 * time.Second

func engineOptions(cfg *appConfig, l *slog.Logger) []bridge.Option {
	opts := []bridge.Option{
		bridge.WithControlID(cfg.ControlID),
		bridge.WithFeedbackID(cfg.FeedbackID),
		bridge.WithForwardWhenDisabled(cfg.ForwardWhenDisabled),
		bridge.WithLogger(l.With("component", "bridge")),
	}
	switch cfg.Host.Sink {
	case "a":
		opts = append(opts, bridge.WithFeedbackOn(bridge.IfaceA))
	case "b":
		opts = append(opts, bridge.WithFeedbackOn(bridge.IfaceB))
	}
	return opts
}

// runBridge opens both buses and the host sink, then runs one receive loop
// per device until ctx is cancelled or a loop fails.
func runBridge(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	eng := bridge.New(engineOptions(cfg, l)...)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var (
		endpoints []*endpoint
		srv       *server.Server
	)
	shutdown := sync.OnceFunc(func() {
		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := srv.Shutdown(sctx); err != nil {
				l.Warn("host_shutdown", "error", err)
			}
			cancel()
		}
		for _, ep := range endpoints {
			ep.Close()
		}
	})
	defer shutdown()
	fail := func(err error) error {
		cancel()
		shutdown()
		_ = g.Wait()
		return err
	}

	for _, bus := range []struct {
		iface bridge.Interface
		cfg   busConfig
	}{{bridge.IfaceA, cfg.BusA}, {bridge.IfaceB, cfg.BusB}} {
		ep, err := openEndpoint(gctx, bus.iface.String(), bus.cfg, cfg.TxQueue, l)
		if err != nil {
			return fail(err)
		}
		endpoints = append(endpoints, ep)
		eng.SetOutput(bus.iface, ep.tx)
		iface := bus.iface
		g.Go(func() error { return ep.rx(gctx, func(fr can.Frame) { eng.HandleInbound(iface, fr) }) })
	}

	toHost := func(fr can.Frame) { eng.HandleHost(fr) }
	switch cfg.Host.Sink {
	case "serial":
		hc := cfg.Host.Serial
		hc.Backend = "serial"
		ep, err := openEndpoint(gctx, bridge.IfaceHost.String(), hc, cfg.TxQueue, l)
		if err != nil {
			return fail(err)
		}
		endpoints = append(endpoints, ep)
		eng.SetOutput(bridge.IfaceHost, ep.tx)
		g.Go(func() error { return ep.rx(gctx, toHost) })
	case "tcp":
		h := initHub(cfg, l)
		srv = server.New(
			server.WithHub(h),
			server.WithHandler(toHost),
			server.WithListenAddr(cfg.Host.Listen),
			server.WithMaxClients(cfg.Host.MaxClients),
			server.WithHandshakeTimeout(cfg.Host.HandshakeTimeout),
			server.WithReadDeadline(cfg.Host.ReadTimeout),
			server.WithLogger(l.With("component", "host")),
		)
		eng.SetOutput(bridge.IfaceHost, h)
		g.Go(func() error { return srv.Serve(gctx) })
		if cfg.Host.MDNSEnable {
			g.Go(func() error {
				select {
				case <-srv.Ready():
				case <-gctx.Done():
					return nil
				}
				l.Info("mdns_started", "service", mdnsServiceType, "addr", srv.Addr())
				if err := advertise(gctx, cfg, srv.Addr()); err != nil {
					l.Warn("mdns_start_failed", "error", err)
				}
				return nil
			})
		}
	}

	// Closing the devices is what unblocks the receive loops.
	g.Go(func() error {
		<-gctx.Done()
		shutdown()
		return nil
	})
	g.Go(func() error { return runMetricsLogger(gctx, cfg.LogMetricsEvery, l) })

	metrics.SetStatusFunc(func() any { return eng.Snapshot() })
	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return gctx.Err() == nil
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	l.Info("bridge_started",
		"a", cfg.BusA.endpoint(),
		"b", cfg.BusB.endpoint(),
		"host", cfg.Host.Sink,
		"control_id", fmt.Sprintf("0x%X", cfg.ControlID),
		"feedback_id", fmt.Sprintf("0x%X", cfg.FeedbackID),
		"forward_when_disabled", cfg.ForwardWhenDisabled,
	)
	err := g.Wait()
	l.Info("bridge_stopped", "error", err)
	return err
}

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.Host.Buffer
	h.Policy, _ = hub.ParsePolicy(cfg.Host.Policy)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}
