package device

import (
	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/usb"
)

// Channel is firmware's view of one direction of an endpoint: which
// ping-pong entry the SIE completes next and the data toggle that entry
// carries.
type Channel struct {
	Buffer bdt.BufferToggle
	Data   bdt.DataToggle
	Halted bool
}

// Complete advances both toggles after a completion. An entry the SIE
// still owns, or a result whose PID reports a failed transaction (STALL,
// NAK, bus error or timeout, as written back in host mode), leaves the
// channel unchanged.
func (c *Channel) Complete(result bdt.Control) bool {
	if result.Owner() != bdt.OwnerMCU || failed(result.TokenPID()) {
		return false
	}
	c.Buffer = c.Buffer.Flip()
	c.Data = c.Data.Flip()
	return true
}

func failed(pid usb.Pid) bool {
	switch pid {
	case usb.PidStall, usb.PidNak, pidBusError, pidBusTimeout:
		return true
	}
	return false
}

// Host-mode TOK_PID values that are not PIDs.
const (
	pidBusError   usb.Pid = 0x0
	pidBusTimeout usb.Pid = 0xF
)

// Slot returns the entry and toggle of the n-th packet after the next one
// (n = 0 is the next).
func (c *Channel) Slot(n int) (bdt.BufferToggle, bdt.DataToggle) {
	if n%2 == 0 {
		return c.Buffer, c.Data
	}
	return c.Buffer.Flip(), c.Data.Flip()
}

// ToggleFor returns the data toggle an entry of the given parity must be
// armed with, assuming the other entry is the next to complete or idle.
func (c *Channel) ToggleFor(parity bdt.BufferToggle) bdt.DataToggle {
	if parity == c.Buffer {
		return c.Data
	}
	return c.Data.Flip()
}

// Halt stalls the channel.
func (c *Channel) Halt() { c.Halted = true }

// ClearHalt un-stalls the channel and restarts the toggle sequence at
// DATA0, as CLEAR_FEATURE(ENDPOINT_HALT) requires.
func (c *Channel) ClearHalt() {
	c.Halted = false
	c.Data = bdt.Data0
}

// Reset follows a bus reset or CTL.ODDRST.
func (c *Channel) Reset() {
	*c = Channel{}
}
