package bridge

import "fmt"

// Interface names one side of the bridge, or the host feedback sink.
type Interface uint8

const (
	IfaceA Interface = iota
	IfaceB
	// IfaceHost is the control-plane sink; it is never bridged.
	IfaceHost
)

// Bridged reports whether i is one of the two bridged buses.
func (i Interface) Bridged() bool { return i == IfaceA || i == IfaceB }

// Opposite returns the bus a frame received on i is forwarded to.
// ok is false for anything but A or B.
func (i Interface) Opposite() (Interface, bool) {
	switch i {
	case IfaceA:
		return IfaceB, true
	case IfaceB:
		return IfaceA, true
	default:
		return i, false
	}
}

func (i Interface) String() string {
	switch i {
	case IfaceA:
		return "a"
	case IfaceB:
		return "b"
	case IfaceHost:
		return "host"
	default:
		return fmt.Sprintf("iface(%d)", uint8(i))
	}
}
