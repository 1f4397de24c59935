// Package sie simulates the device-mode Serial Interface Engine of a
// Kinetis-style USB full-speed controller. It answers bus tokens by
// reading and completing buffer descriptors, and exposes the register
// file firmware uses to drive it.
package sie

import (
	"log/slog"
	"sync"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/usb"
)

// Engine is one simulated controller. Register access and token
// processing are serialised by an internal lock; buffer descriptors are
// not, they are handed over through the table's ownership bits only.
type Engine struct {
	table  *bdt.Table
	hw     bdt.HardwarePort
	mem    *Memory
	logger *slog.Logger

	mu       sync.Mutex
	addr     uint8
	ctl      uint8
	istat    uint8
	inten    uint8
	errstat  uint8
	endpt    [bdt.MaxEndpoints]uint8
	stat     []bdt.Stat
	pingpong [bdt.MaxEndpoints][2]bdt.BufferToggle
	frame    uint16

	irq chan struct{}
}

var _ usb.Device = (*Engine)(nil)

// New returns a detached engine (CTL.USBEN clear) working on table and mem.
func New(table *bdt.Table, mem *Memory, logger *slog.Logger) *Engine {
	return &Engine{
		table:  table,
		hw:     table.Hardware(),
		mem:    mem,
		logger: log.OrDefault(logger),
		stat:   make([]bdt.Stat, 0, StatFIFODepth),
		irq:    make(chan struct{}, 1),
	}
}

func (e *Engine) Table() *bdt.Table { return e.table }

func (e *Engine) Memory() *Memory { return e.mem }

// IRQ receives a value whenever an enabled ISTAT bit becomes set.
func (e *Engine) IRQ() <-chan struct{} { return e.irq }

// raise sets ISTAT bits. Callers hold mu.
func (e *Engine) raise(bits uint8) {
	e.istat |= bits
	if e.istat&e.inten != 0 {
		select {
		case e.irq <- struct{}{}:
		default:
		}
	}
}

// Registers

func (e *Engine) Addr() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

func (e *Engine) SetAddr(a uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addr = a & 0x7F
}

func (e *Engine) Ctl() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctl
}

// SetCtl writes CTL. While ODDRST is set every ping-pong pointer is held
// at even.
func (e *Engine) SetCtl(v uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctl = v
	if v&CtlODDRST != 0 {
		e.pingpong = [bdt.MaxEndpoints][2]bdt.BufferToggle{}
	}
}

func (e *Engine) Inten() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inten
}

func (e *Engine) SetInten(v uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inten = v
	e.raise(0)
}

func (e *Engine) Istat() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.istat
}

// ClearIstat acknowledges interrupt bits (write one to clear). Clearing
// TOKDNE pops the STAT FIFO; TOKDNE stays set while completions remain.
func (e *Engine) ClearIstat(bits uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.istat&bits&IntTOKDNE != 0
	e.istat &^= bits
	if pending && len(e.stat) > 0 {
		e.stat = e.stat[1:]
		if len(e.stat) > 0 {
			e.raise(IntTOKDNE)
		}
	}
}

// Stat is the completion at the head of the STAT FIFO. It is only
// meaningful while ISTAT.TOKDNE is set.
func (e *Engine) Stat() bdt.Stat {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stat) == 0 {
		return 0
	}
	return e.stat[0]
}

func (e *Engine) Errstat() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errstat
}

func (e *Engine) ClearErrstat(bits uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errstat &^= bits
}

func (e *Engine) Endpt(ep uint8) uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpt[ep&0x0F]
}

// SetEndpt writes ENDPTn. Clearing EPTXEN or EPRXEN aborts the
// endpoint's pending transfers in that direction: its entries are
// returned to the MCU.
func (e *Engine) SetEndpt(ep uint8, v uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep &= 0x0F
	old := e.endpt[ep]
	e.endpt[ep] = v
	entries := bdt.Entries(ep)
	if old&EpTxEn != 0 && v&EpTxEn == 0 {
		e.reclaim(entries.TxEven, entries.TxOdd)
	}
	if old&EpRxEn != 0 && v&EpRxEn == 0 {
		e.reclaim(entries.RxEven, entries.RxOdd)
	}
}

func (e *Engine) reclaim(hs ...bdt.Handle) {
	for _, h := range hs {
		if e.hw.Reclaim(h) {
			e.logger.Debug("entry reclaimed", "handle", h)
		}
	}
}

func (e *Engine) Frame() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

// PingPong is the entry the SIE will use next for (ep, dir).
func (e *Engine) PingPong(ep uint8, dir bdt.Direction) bdt.BufferToggle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pingpong[ep&0x0F][dir]
}
