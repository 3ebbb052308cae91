package bridge

import (
	"errors"
	"fmt"
	"strings"
)

// FilterMode is the active forwarding policy.
type FilterMode uint32

const (
	ModePassive FilterMode = iota
	ModeWhitelist
	ModeBlacklist
	ModeZeroToOne
	ModeOneToZero
	ModeOneWay1to0Blacklist
	ModeOneWay1to0Whitelist
	ModeOneWay0to1Blacklist
	ModeOneWay0to1Whitelist
	ModeOneWay1to0Except
	ModeOneWay0to1Except
	ModeBidirExceptOW0to1
	ModeBidirExceptOW1to0
	numModes
)

// ErrUnknownMode is returned by ParseFilterMode for unrecognized names.
var ErrUnknownMode = errors.New("unknown filter mode")

var modeNames = [numModes]string{
	ModePassive:             "passive",
	ModeWhitelist:           "whitelist",
	ModeBlacklist:           "blacklist",
	ModeZeroToOne:           "zero_to_one",
	ModeOneToZero:           "one_to_zero",
	ModeOneWay1to0Blacklist: "one_way_1to0_blacklist",
	ModeOneWay1to0Whitelist: "one_way_1to0_whitelist",
	ModeOneWay0to1Blacklist: "one_way_0to1_blacklist",
	ModeOneWay0to1Whitelist: "one_way_0to1_whitelist",
	ModeOneWay1to0Except:    "one_way_1to0_except",
	ModeOneWay0to1Except:    "one_way_0to1_except",
	ModeBidirExceptOW0to1:   "bidirectional_except_ow_0to1",
	ModeBidirExceptOW1to0:   "bidirectional_except_ow_1to0",
}

// Valid reports whether m is one of the defined modes.
func (m FilterMode) Valid() bool { return m < numModes }

func (m FilterMode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("mode(%d)", uint32(m))
	}
	return modeNames[m]
}

// ParseFilterMode resolves a mode by its String name (case-insensitive).
func ParseFilterMode(s string) (FilterMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == s {
			return FilterMode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// ShouldForward decides whether a data frame with identifier id received on
// src crosses to the other bus under mode. It only reads lists.
// Unknown modes and non-bridged sources forward nothing.
func ShouldForward(mode FilterMode, src Interface, id uint32, lists *Lists) bool {
	if !src.Bridged() {
		return false
	}
	fromA := src == IfaceA
	fromB := src == IfaceB
	switch mode {
	case ModePassive:
		return true
	case ModeWhitelist:
		return lists.Contains(ListWhitelist, id)
	case ModeBlacklist:
		return !lists.Contains(ListBlacklist, id)
	case ModeZeroToOne:
		return fromA
	case ModeOneToZero:
		return fromB
	case ModeOneWay1to0Blacklist:
		return fromB && !lists.Contains(ListBlacklist, id)
	case ModeOneWay1to0Whitelist:
		return fromB && lists.Contains(ListWhitelist, id)
	case ModeOneWay0to1Blacklist:
		return fromA && !lists.Contains(ListBlacklist, id)
	case ModeOneWay0to1Whitelist:
		return fromA && lists.Contains(ListWhitelist, id)
	case ModeOneWay1to0Except:
		return fromB || lists.Contains(ListException, id)
	case ModeOneWay0to1Except:
		return fromA || lists.Contains(ListException, id)
	case ModeBidirExceptOW0to1:
		if lists.Contains(ListOneWayRestricted, id) {
			return fromA
		}
		return true
	case ModeBidirExceptOW1to0:
		if lists.Contains(ListOneWayRestricted, id) {
			return fromB
		}
		return true
	default:
		return false
	}
}
