package can

import "fmt"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

// Frame is a classic CAN frame as it travels through the bridge.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxLen]byte
}

// New builds a frame from an identifier (flags included) and payload.
// Payload beyond MaxLen is truncated.
func New(canID uint32, payload ...byte) Frame {
	var f Frame
	f.CANID = canID
	n := copy(f.Data[:], payload)
	f.Len = uint8(n)
	return f
}

// WireID returns id as a SocketCAN can_id, setting CAN_EFF_FLAG when id does
// not fit in 11 bits.
func WireID(id uint32) uint32 {
	if id > CAN_SFF_MASK {
		return (id & CAN_EFF_MASK) | CAN_EFF_FLAG
	}
	return id
}

// ID returns the identifier with SocketCAN flag bits stripped.
func (f Frame) ID() uint32 {
	if f.CANID&CAN_EFF_FLAG != 0 {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// Payload returns the valid bytes of Data (clamped to MaxLen).
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// Normalize clamps Len to MaxLen and zeroes bytes past Len so two frames with
// equal content compare equal with ==.
func (f Frame) Normalize() Frame {
	if f.Len > MaxLen {
		f.Len = MaxLen
	}
	for i := int(f.Len); i < MaxLen; i++ {
		f.Data[i] = 0
	}
	return f
}

func (f Frame) String() string {
	return fmt.Sprintf("0x%X [%d] % X", f.ID(), f.Len, f.Payload())
}
