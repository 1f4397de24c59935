package bdt

import "fmt"

// Table geometry.
const (
	MaxEndpoints = 16
	EntrySize    = 8
	EntryCount   = MaxEndpoints * 2 * 2
	TableSize    = EntryCount * EntrySize
	TableAlign   = 512
)

// Direction of an entry relative to the device.
type Direction uint8

const (
	Rx Direction = 0 // OUT and SETUP tokens
	Tx Direction = 1 // IN tokens
)

func (d Direction) String() string {
	if d == Tx {
		return "tx"
	}
	return "rx"
}

// Handle indexes one entry: ep<<2 | tx<<1 | odd.
type Handle uint8

// HandleOf returns the handle of an endpoint's entry.
func HandleOf(ep uint8, dir Direction, parity BufferToggle) Handle {
	h := Handle(ep&0x0F) << 2
	if dir == Tx {
		h |= 2
	}
	if parity == Odd {
		h |= 1
	}
	return h
}

func (h Handle) Endpoint() uint8 { return uint8(h) >> 2 }

func (h Handle) Direction() Direction { return Direction(h>>1) & 1 }

func (h Handle) Parity() BufferToggle { return BufferToggle(h&1 != 0) }

func (h Handle) String() string {
	return fmt.Sprintf("ep%d/%s/%s", h.Endpoint(), h.Direction(), h.Parity())
}

// EndpointEntries are the four entries belonging to one endpoint.
type EndpointEntries struct {
	RxEven Handle
	RxOdd  Handle
	TxEven Handle
	TxOdd  Handle
}

// Entries returns the handles of endpoint ep.
func Entries(ep uint8) EndpointEntries {
	return EndpointEntries{
		RxEven: HandleOf(ep, Rx, Even),
		RxOdd:  HandleOf(ep, Rx, Odd),
		TxEven: HandleOf(ep, Tx, Even),
		TxOdd:  HandleOf(ep, Tx, Odd),
	}
}

// Select picks one of the four entries.
func (e EndpointEntries) Select(dir Direction, parity BufferToggle) Handle {
	switch {
	case dir == Rx && parity == Even:
		return e.RxEven
	case dir == Rx:
		return e.RxOdd
	case parity == Even:
		return e.TxEven
	default:
		return e.TxOdd
	}
}

// All lists the entries in table order.
func (e EndpointEntries) All() [4]Handle {
	return [4]Handle{e.RxEven, e.RxOdd, e.TxEven, e.TxOdd}
}
