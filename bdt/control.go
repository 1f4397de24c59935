package bdt

import (
	"fmt"
	"strings"

	"github.com/Alia5/usbfs/usb"
)

// Control is the first byte of a buffer descriptor. The same byte is read
// through different views depending on who wrote it last: firmware writes
// the setup view before handing the entry over, the SIE overwrites bits
// [2:6) with the token PID on completion. Bits 6 and 7 are common to both.
type Control uint8

const (
	ctrlStall   Control = 1 << 2
	ctrlDTS     Control = 1 << 3
	ctrlNoInc   Control = 1 << 4
	ctrlKeep    Control = 1 << 5
	ctrlData1   Control = 1 << 6
	ctrlOwn     Control = 1 << 7
	ctrlPIDMask Control = 0x3C
	ctrlPIDPos          = 2
)

// Owner is the side currently allowed to touch an entry.
type Owner uint8

const (
	OwnerMCU Owner = 0
	OwnerSIE Owner = 1
)

func (o Owner) String() string {
	if o == OwnerSIE {
		return "SIE"
	}
	return "MCU"
}

// Ready builds a setup-view control byte that expects (or sends) the
// given data toggle with toggle synchronisation enabled.
func Ready(t DataToggle) Control {
	return Control(0).WithDTS(true).WithDataToggle(t)
}

// Stalled builds a setup-view control byte that makes the SIE answer the
// next token with STALL.
func Stalled() Control {
	return Control(0).WithStall(true)
}

// setup view

func (c Control) Stall() bool       { return c&ctrlStall != 0 }
func (c Control) DTS() bool         { return c&ctrlDTS != 0 }
func (c Control) NoIncrement() bool { return c&ctrlNoInc != 0 }
func (c Control) Keep() bool        { return c&ctrlKeep != 0 }

func (c Control) WithStall(v bool) Control       { return c.with(ctrlStall, v) }
func (c Control) WithDTS(v bool) Control         { return c.with(ctrlDTS, v) }
func (c Control) WithNoIncrement(v bool) Control { return c.with(ctrlNoInc, v) }
func (c Control) WithKeep(v bool) Control        { return c.with(ctrlKeep, v) }

// result view

// TokenPID is the PID of the token that completed the entry.
func (c Control) TokenPID() usb.Pid {
	return usb.Pid((c & ctrlPIDMask) >> ctrlPIDPos)
}

// WithTokenPID replaces bits [2:6) with pid.
func (c Control) WithTokenPID(pid usb.Pid) Control {
	return c&^ctrlPIDMask | Control(pid&0x0F)<<ctrlPIDPos
}

// common view

func (c Control) DataToggle() DataToggle {
	return DataToggle(c&ctrlData1 != 0)
}

func (c Control) Owner() Owner {
	if c&ctrlOwn != 0 {
		return OwnerSIE
	}
	return OwnerMCU
}

func (c Control) WithDataToggle(t DataToggle) Control { return c.with(ctrlData1, bool(t)) }
func (c Control) WithOwner(o Owner) Control           { return c.with(ctrlOwn, o == OwnerSIE) }

func (c Control) with(bit Control, v bool) Control {
	if v {
		return c | bit
	}
	return c &^ bit
}

// String renders both views; which one is meaningful depends on Owner and
// on whether the entry has completed.
func (c Control) String() string {
	var flags []string
	if c.Stall() {
		flags = append(flags, "STALL")
	}
	if c.DTS() {
		flags = append(flags, "DTS")
	}
	if c.NoIncrement() {
		flags = append(flags, "NINC")
	}
	if c.Keep() {
		flags = append(flags, "KEEP")
	}
	return fmt.Sprintf("0x%02x own=%s %s tok_pid=%s [%s]",
		uint8(c), c.Owner(), c.DataToggle(), c.TokenPID(), strings.Join(flags, " "))
}
