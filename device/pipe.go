package device

import "github.com/Alia5/usbfs/bdt"

// rxQueueLimit is how many received packets an OUT endpoint buffers before
// it stops re-arming its entries and the SIE starts NAKing.
const rxQueueLimit = 8

func slot(parity bdt.BufferToggle) int {
	if parity == bdt.Odd {
		return 1
	}
	return 0
}

// txPipe feeds one IN endpoint. At most two packets are handed to the
// SIE at a time, one per ping-pong entry.
type txPipe struct {
	ep       uint8
	mps      int
	bulk     bool
	buf      [2]uint32
	ch       Channel
	pending  [][]byte
	inflight [][]byte
}

// rxPipe drains one OUT endpoint into a packet queue.
type rxPipe struct {
	ep    uint8
	mps   int
	buf   [2]uint32
	ch    Channel
	dts   bool
	armed [2]bool
	queue [][]byte
	ready chan struct{}
}

func (p *txPipe) idle() bool { return len(p.inflight) == 0 && len(p.pending) == 0 }

// arm writes an entry and hands it to the SIE.
func (d *Device) arm(h bdt.Handle, addr uint32, payload []byte, ctrl bdt.Control, bc int) bool {
	if len(payload) > 0 {
		if err := d.mem.Write(addr, payload); err != nil {
			d.logger.Error("write endpoint buffer", "handle", h, "error", err)
			return false
		}
	}
	l, ok := d.table.TryAcquire(h)
	if !ok {
		d.logger.Error("entry still owned by SIE", "handle", h)
		return false
	}
	l.Initialise(ctrl.WithOwner(bdt.OwnerSIE), uint16(bc), addr)
	return true
}

// txQueue splits data into packets and appends them, plus a trailing
// zero-length packet when zlp is set.
func (d *Device) txQueue(p *txPipe, data []byte, zlp bool) {
	for len(data) > 0 {
		n := min(len(data), p.mps)
		p.pending = append(p.pending, data[:n])
		data = data[n:]
	}
	if zlp {
		p.pending = append(p.pending, []byte{})
	}
	d.txFill(p)
}

func (d *Device) txFill(p *txPipe) {
	for len(p.inflight) < 2 && len(p.pending) > 0 && !p.ch.Halted {
		pkt := p.pending[0]
		parity, toggle := p.ch.Slot(len(p.inflight))
		h := bdt.HandleOf(p.ep, bdt.Tx, parity)
		if !d.arm(h, p.buf[slot(parity)], pkt, bdt.Ready(toggle), len(pkt)) {
			return
		}
		p.pending = p.pending[1:]
		p.inflight = append(p.inflight, pkt)
	}
}

// txDone accounts for a completed IN entry.
func (d *Device) txDone(p *txPipe, result bdt.Control) bool {
	if !p.ch.Complete(result) {
		return false
	}
	if len(p.inflight) > 0 {
		p.inflight = p.inflight[1:]
	}
	d.txFill(p)
	return true
}

// txAbort pulls every queued packet back. The caller must have had the
// SIE reclaim the endpoint's TX entries first.
func (d *Device) txAbort(p *txPipe) [][]byte {
	out := append(p.inflight, p.pending...)
	p.inflight, p.pending = nil, nil
	return out
}

func (d *Device) rxArm(p *rxPipe, parity bdt.BufferToggle) {
	ctrl := bdt.Control(0)
	if p.dts {
		ctrl = bdt.Ready(p.ch.ToggleFor(parity))
	}
	if d.arm(bdt.HandleOf(p.ep, bdt.Rx, parity), p.buf[slot(parity)], nil, ctrl, p.mps) {
		p.armed[slot(parity)] = true
	}
}

// rxPrime arms every idle entry while the queue has room, next-to-complete
// entry first.
func (d *Device) rxPrime(p *rxPipe) {
	if p.ch.Halted {
		return
	}
	for _, parity := range []bdt.BufferToggle{p.ch.Buffer, p.ch.Buffer.Flip()} {
		if p.armed[slot(parity)] || len(p.queue) >= rxQueueLimit {
			continue
		}
		d.rxArm(p, parity)
	}
}

// rxDone reads a completed OUT entry.
func (d *Device) rxDone(p *rxPipe, parity bdt.BufferToggle, e bdt.Entry) []byte {
	p.armed[slot(parity)] = false
	if parity != p.ch.Buffer {
		d.logger.Warn("ping-pong out of step", "ep", p.ep, "stat", parity, "expected", p.ch.Buffer)
	}
	data := make([]byte, e.ByteCount)
	if err := d.mem.Read(e.Address, data); err != nil {
		d.logger.Error("read endpoint buffer", "ep", p.ep, "error", err)
	}
	p.ch.Complete(e.Control)
	return data
}

// reset forgets armed entries and queued packets. The caller has
// reclaimed or reset the entries.
func (p *rxPipe) reset() {
	p.armed = [2]bool{}
	p.queue = nil
}

func (p *rxPipe) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}
