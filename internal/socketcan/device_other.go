//go:build !linux

package socketcan

import "github.com/kstaniek/go-can-bridge/internal/can"

// Device is unavailable outside Linux.
type Device struct{}

// Open always fails on non-Linux platforms.
func Open(iface string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error               { return ErrUnsupported }
func (d *Device) ReadFrame(*can.Frame) error { return ErrUnsupported }
func (d *Device) WriteFrame(can.Frame) error { return ErrUnsupported }
