//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-bridge/internal/can"
)

// Device is a raw CAN socket bound to one interface.
type Device struct {
	fd    int
	iface string
}

// Open binds a classic-CAN raw socket to iface.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil && err != unix.ENOPROTOOPT {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable CAN FD: %w", err)
	}
	// own transmissions are not delivered back to this socket
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 0); err != nil && err != unix.ENOPROTOOPT {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("disable recv own msgs: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame blocks for one classic CAN frame.
//
// struct can_frame (linux/can.h), host byte order:
//
//	can_id  u32  [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8   [4]
//	pad     3B   [5:8]
//	data    [8]  [8:16]
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("%s: short read: %d", d.iface, n)
	}
	dlc := buf[4]
	if dlc > can.MaxLen {
		dlc = can.MaxLen
	}
	*fr = can.New(binary.NativeEndian.Uint32(buf[0:4]), buf[8:8+dlc]...)
	return nil
}

// WriteFrame sends one classic CAN frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	fr = fr.Normalize()
	var buf [unix.CAN_MTU]byte
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	_, err := unix.Write(d.fd, buf[:])
	return err
}
