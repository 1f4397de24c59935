package bdt

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/Alia5/usbfs/usb"
)

// Table is the buffer descriptor arena for all endpoints. Each entry is two
// 32-bit words; word 0 carries the control byte and is always written last
// by the side giving up ownership and read first by the side taking it.
type Table struct {
	base       uint32
	words      [EntryCount * 2]atomic.Uint32
	violations atomic.Uint64
}

// NewTable returns an empty table (every entry MCU-owned) located at base.
func NewTable(base uint32) (*Table, error) {
	if base%TableAlign != 0 {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadAlignment, base)
	}
	return &Table{base: base}, nil
}

// Base is the table's bus address, as programmed into BDTPAGE1..3.
func (t *Table) Base() uint32 { return t.base }

// AddressOf is the bus address of entry h.
func (t *Table) AddressOf(h Handle) uint32 {
	return t.base + uint32(h)*EntrySize
}

// Entry reads entry h. The control word is loaded first so a caller that
// sees OwnerMCU also sees the byte count and address the SIE wrote.
func (t *Table) Entry(h Handle) Entry {
	w0 := t.words[int(h)*2].Load()
	w1 := t.words[int(h)*2+1].Load()
	return entryOf(w0, w1)
}

// Owner reports who holds entry h.
func (t *Table) Owner(h Handle) Owner {
	return Control(t.words[int(h)*2].Load()).Owner()
}

// Violations counts firmware writes rejected because the SIE owned the
// entry.
func (t *Table) Violations() uint64 { return t.violations.Load() }

// Reset returns every entry to MCU ownership with zero contents. It is
// only valid while the SIE is held in reset (USBRST or CTL.ODDRST).
func (t *Table) Reset() {
	for i := range t.words {
		t.words[i].Store(0)
	}
}

// Bytes is the table's memory image.
func (t *Table) Bytes() []byte {
	out := make([]byte, TableSize)
	for i := range t.words {
		binary.LittleEndian.PutUint32(out[i*4:], t.words[i].Load())
	}
	return out
}

func (t *Table) violation(h Handle, op string) {
	if debugOwnership {
		panic(fmt.Errorf("%w: %s on %s", ErrOwnership, op, h))
	}
	t.violations.Add(1)
}

// TryAcquire grants firmware access to entry h if the MCU owns it.
func (t *Table) TryAcquire(h Handle) (Lease, bool) {
	if t.Owner(h) != OwnerMCU {
		return Lease{}, false
	}
	return Lease{t: t, h: h}, true
}

// Lease is firmware's write access to one MCU-owned entry. It stays valid
// until the entry passes to the SIE; after that every mutation is a
// violation.
type Lease struct {
	t *Table
	h Handle
}

func (l Lease) Handle() Handle { return l.h }

// Entry reads the leased entry.
func (l Lease) Entry() Entry { return l.t.Entry(l.h) }

func (l Lease) owned(op string) bool {
	if l.t.Owner(l.h) != OwnerMCU {
		l.t.violation(l.h, op)
		return false
	}
	return true
}

// Initialise writes all fields of the entry. The address goes first and the
// control word last, so a ctrl carrying own=SIE hands the entry over in the
// same call; without it the entry stays leased until Release.
func (l Lease) Initialise(ctrl Control, bc uint16, addr uint32) {
	if !l.owned("initialise") {
		return
	}
	e := Entry{Control: ctrl, ByteCount: bc, Address: addr}
	l.t.words[int(l.h)*2+1].Store(e.Address)
	l.t.words[int(l.h)*2].Store(e.word0())
}

func (l Lease) SetByteCount(bc uint16) {
	if !l.owned("set byte count") {
		return
	}
	e := l.Entry()
	e.ByteCount = bc
	l.t.words[int(l.h)*2].Store(e.word0())
}

func (l Lease) SetAddress(addr uint32) {
	if !l.owned("set address") {
		return
	}
	l.t.words[int(l.h)*2+1].Store(addr)
}

// SetControl replaces the control byte. With own=SIE in ctrl it is the
// hand-over write.
func (l Lease) SetControl(ctrl Control) {
	if !l.owned("set control") {
		return
	}
	e := l.Entry()
	e.Control = ctrl
	l.t.words[int(l.h)*2].Store(e.word0())
}

// Release publishes ctrl with own=SIE. Byte count and address written
// earlier are visible to the SIE once it observes the ownership change.
func (l Lease) Release(ctrl Control) {
	if !l.owned("release") {
		return
	}
	e := l.Entry()
	e.Control = ctrl.WithOwner(OwnerSIE)
	l.t.words[int(l.h)*2].Store(e.word0())
}

// Hardware returns the SIE side of the table.
func (t *Table) Hardware() HardwarePort {
	return HardwarePort{t: t}
}

// HardwarePort is the SIE's only access path to the table.
type HardwarePort struct {
	t *Table
}

// Claim returns entry h if the SIE owns it.
func (p HardwarePort) Claim(h Handle) (Entry, bool) {
	e := p.t.Entry(h)
	if e.Control.Owner() != OwnerSIE {
		return Entry{}, false
	}
	return e, true
}

// Complete writes the result of a transaction into an SIE-owned entry
// and hands it back to the MCU: byte count, token PID and the toggle of
// the data packet. Completing an MCU-owned entry is ignored.
func (p HardwarePort) Complete(h Handle, pid usb.Pid, data DataToggle, bc uint16) {
	e := p.t.Entry(h)
	if e.Control.Owner() != OwnerSIE {
		return
	}
	e.ByteCount = bc
	e.Control = e.Control.WithTokenPID(pid).WithDataToggle(data).WithOwner(OwnerMCU)
	p.t.words[int(h)*2].Store(e.word0())
}

// Reclaim returns an SIE-owned entry to the MCU untouched, as happens to
// the TX entries of an endpoint whose transmitter is disabled.
func (p HardwarePort) Reclaim(h Handle) bool {
	e := p.t.Entry(h)
	if e.Control.Owner() != OwnerSIE {
		return false
	}
	e.Control = e.Control.WithOwner(OwnerMCU)
	p.t.words[int(h)*2].Store(e.word0())
	return true
}
