package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_can-bridge._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance, service, domain string, port int, text []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// advertise publishes the host TCP feed until ctx is done.
func advertise(ctx context.Context, cfg *appConfig, addr string) error {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("mdns: listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return fmt.Errorf("mdns: port %q: %w", p, err)
	}
	instance := cfg.Host.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "can-bridge-" + host
	}
	meta := []string{
		"a=" + cfg.BusA.endpoint(),
		"b=" + cfg.BusB.endpoint(),
		fmt.Sprintf("control_id=0x%X", cfg.ControlID),
		fmt.Sprintf("feedback_id=0x%X", cfg.FeedbackID),
		"version=" + version,
		"commit=" + commit,
	}
	shutdown, err := registerMDNS(instance, mdnsServiceType, "local.", port, meta)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	<-ctx.Done()
	shutdown()
	return nil
}
