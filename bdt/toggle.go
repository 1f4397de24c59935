package bdt

import "github.com/Alia5/usbfs/usb"

// DataToggle is the DATA0/DATA1 sequence bit of an endpoint.
type DataToggle bool

const (
	Data0 DataToggle = false
	Data1 DataToggle = true
)

// Flip returns the other toggle value.
func (t DataToggle) Flip() DataToggle { return !t }

// Pid returns the data PID carrying this toggle.
func (t DataToggle) Pid() usb.Pid {
	if t {
		return usb.PidData1
	}
	return usb.PidData0
}

// ToggleOf maps a DATA0/DATA1 PID to its toggle. Other PIDs map to Data0.
func ToggleOf(pid usb.Pid) DataToggle {
	return pid == usb.PidData1
}

func (t DataToggle) String() string {
	if t {
		return "DATA1"
	}
	return "DATA0"
}

// BufferToggle selects the even or odd entry of a ping-pong pair.
type BufferToggle bool

const (
	Even BufferToggle = false
	Odd  BufferToggle = true
)

// Flip returns the other buffer of the pair.
func (b BufferToggle) Flip() BufferToggle { return !b }

func (b BufferToggle) String() string {
	if b {
		return "odd"
	}
	return "even"
}
