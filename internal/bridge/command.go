package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-bridge/internal/can"
)

// Reserved identifiers of the in-band control protocol.
const (
	DefaultControlID  uint32 = 0x700
	DefaultFeedbackID uint32 = 0x701
)

// CommandMode is byte 0 of a control frame.
type CommandMode uint8

const (
	CmdWhitelist       CommandMode = 0x01
	CmdBlacklist       CommandMode = 0x02
	CmdPassive         CommandMode = 0x03
	CmdZeroToOne       CommandMode = 0x04
	CmdOneToZero       CommandMode = 0x05
	CmdBidirExcept0to1 CommandMode = 0x06
	CmdBidirExcept1to0 CommandMode = 0x07
	CmdOW1to0Blacklist CommandMode = 0x08
	CmdOW1to0Whitelist CommandMode = 0x09
	CmdOW0to1Blacklist CommandMode = 0x0A
	CmdOW0to1Whitelist CommandMode = 0x0B
	CmdOW1to0Except    CommandMode = 0x0C
	CmdOW0to1Except    CommandMode = 0x0D
	CmdTurnOn          CommandMode = 0xFE
	CmdTurnOff         CommandMode = 0xFF
)

// Action is byte 1 of a control frame.
type Action uint8

const (
	ActSetMode         Action = 0x01
	ActAddID           Action = 0x02
	ActRemoveID        Action = 0x03
	ActClearList       Action = 0x04
	ActSetModeAndClear Action = 0x05
	ActSetModeAddID    Action = 0x06
	// ActConfirm must accompany TurnOn/TurnOff.
	ActConfirm Action = 0xFF
)

// ErrorInMessage is byte 1 of an error feedback frame.
const ErrorInMessage byte = 0xFE

// CommandLen is the payload length of a well-formed control frame.
const CommandLen = 8

var (
	ErrCommandLength   = errors.New("control frame: payload must be 8 bytes")
	ErrCommandChecksum = errors.New("control frame: checksum mismatch")
)

// listCommand describes a command mode operating on one of the lists.
type listCommand struct {
	list ListKind
	mode FilterMode
}

var listCommands = map[CommandMode]listCommand{
	CmdWhitelist:       {ListWhitelist, ModeWhitelist},
	CmdBlacklist:       {ListBlacklist, ModeBlacklist},
	CmdOW1to0Blacklist: {ListBlacklist, ModeOneWay1to0Blacklist},
	CmdOW1to0Whitelist: {ListWhitelist, ModeOneWay1to0Whitelist},
	CmdOW0to1Blacklist: {ListBlacklist, ModeOneWay0to1Blacklist},
	CmdOW0to1Whitelist: {ListWhitelist, ModeOneWay0to1Whitelist},
	CmdOW1to0Except:    {ListException, ModeOneWay1to0Except},
	CmdOW0to1Except:    {ListException, ModeOneWay0to1Except},
	CmdBidirExcept0to1: {ListOneWayRestricted, ModeBidirExceptOW0to1},
	CmdBidirExcept1to0: {ListOneWayRestricted, ModeBidirExceptOW1to0},
}

var immediateCommands = map[CommandMode]FilterMode{
	CmdPassive:   ModePassive,
	CmdZeroToOne: ModeZeroToOne,
	CmdOneToZero: ModeOneToZero,
}

// Command is a decoded control frame.
type Command struct {
	Mode   CommandMode
	Action Action
	ID     uint32
}

// Checksum is the sum of bytes 0..6 modulo 256.
func Checksum(p []byte) byte {
	var sum byte
	for i := 0; i < 7 && i < len(p); i++ {
		sum += p[i]
	}
	return sum
}

// DecodeCommand validates a control frame payload and extracts its fields.
// Command mode and action values are not checked here; unknown values are
// ignored at dispatch time.
func DecodeCommand(fr can.Frame) (Command, error) {
	if fr.Len != CommandLen {
		return Command{}, fmt.Errorf("%w (got %d)", ErrCommandLength, fr.Len)
	}
	p := fr.Data[:]
	if Checksum(p) != p[7] {
		return Command{}, fmt.Errorf("%w: want 0x%02X got 0x%02X", ErrCommandChecksum, Checksum(p), p[7])
	}
	return Command{
		Mode:   CommandMode(p[0]),
		Action: Action(p[1]),
		ID:     binary.BigEndian.Uint32(p[3:7]),
	}, nil
}

// Payload returns the 8-byte wire form of c including its checksum.
func (c Command) Payload() [CommandLen]byte {
	var p [CommandLen]byte
	p[0] = byte(c.Mode)
	p[1] = byte(c.Action)
	binary.BigEndian.PutUint32(p[3:7], c.ID)
	p[7] = Checksum(p[:])
	return p
}

// EncodeCommand builds a control frame addressed to controlID. Identifiers
// above 0x7FF are sent as extended frames.
func EncodeCommand(controlID uint32, c Command) can.Frame {
	p := c.Payload()
	return can.New(can.WireID(controlID), p[:]...)
}

// FeedbackFrame builds the error report sent to the host sink for a control
// frame that failed validation.
func FeedbackFrame(feedbackID uint32, original can.Frame) can.Frame {
	var p [CommandLen]byte
	p[0] = original.Data[0]
	p[1] = ErrorInMessage
	p[7] = Checksum(p[:])
	return can.New(can.WireID(feedbackID), p[:]...)
}

// usesID reports whether the action carries an identifier in bytes 3..6.
func (a Action) usesID() bool {
	return a == ActAddID || a == ActRemoveID || a == ActSetModeAddID
}

func (m CommandMode) String() string {
	switch m {
	case CmdTurnOn:
		return "turn_on"
	case CmdTurnOff:
		return "turn_off"
	}
	if lc, ok := listCommands[m]; ok {
		return lc.mode.String()
	}
	if fm, ok := immediateCommands[m]; ok {
		return fm.String()
	}
	return fmt.Sprintf("cmd(0x%02X)", uint8(m))
}

func (a Action) String() string {
	switch a {
	case ActSetMode:
		return "set_mode"
	case ActAddID:
		return "add_id"
	case ActRemoveID:
		return "remove_id"
	case ActClearList:
		return "clear_list"
	case ActSetModeAndClear:
		return "set_mode_and_clear"
	case ActSetModeAddID:
		return "set_mode_add_id"
	case ActConfirm:
		return "confirm"
	default:
		return fmt.Sprintf("action(0x%02X)", uint8(a))
	}
}

// ParseCommandMode resolves a command mode by name (as printed by String).
func ParseCommandMode(s string) (CommandMode, error) {
	for _, m := range []CommandMode{
		CmdWhitelist, CmdBlacklist, CmdPassive, CmdZeroToOne, CmdOneToZero,
		CmdBidirExcept0to1, CmdBidirExcept1to0, CmdOW1to0Blacklist, CmdOW1to0Whitelist,
		CmdOW0to1Blacklist, CmdOW0to1Whitelist, CmdOW1to0Except, CmdOW0to1Except,
		CmdTurnOn, CmdTurnOff,
	} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// ParseAction resolves an action by name (as printed by String).
func ParseAction(s string) (Action, error) {
	for _, a := range []Action{ActSetMode, ActAddID, ActRemoveID, ActClearList, ActSetModeAndClear, ActSetModeAddID, ActConfirm} {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}
