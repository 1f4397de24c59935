package sie

import (
	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/usb"
)

// accepts reports whether a token for ep gets any response at all.
// Callers hold mu.
func (e *Engine) accepts(addr, ep, enable uint8) bool {
	return e.ctl&CtlUSBEN != 0 &&
		addr == e.addr &&
		ep < bdt.MaxEndpoints &&
		e.endpt[ep]&enable != 0
}

func (e *Engine) current(ep uint8, dir bdt.Direction) bdt.Handle {
	return bdt.HandleOf(ep, dir, e.pingpong[ep][dir])
}

func (e *Engine) fifoFull() bool { return len(e.stat) >= StatFIFODepth }

func (e *Engine) dmaError(h bdt.Handle, err error) {
	e.logger.Debug("dma error", "handle", h, "error", err)
	e.errstat |= ErrDMA
	e.raise(IntError)
}

// receive copies host data into the entry's buffer and returns the number
// of bytes stored.
func (e *Engine) receive(h bdt.Handle, ent bdt.Entry, data []byte) int {
	n := len(data)
	if n > int(ent.ByteCount) {
		e.logger.Debug("buffer overrun", "handle", h, "bc", ent.ByteCount, "received", n)
		e.errstat |= ErrDMA
		e.raise(IntError)
		n = int(ent.ByteCount)
	}
	var err error
	if ent.Control.NoIncrement() {
		err = e.mem.writeFixed(ent.Address, data[:n])
	} else {
		err = e.mem.Write(ent.Address, data[:n])
	}
	if err != nil {
		e.dmaError(h, err)
	}
	return n
}

// transmit fetches the entry's payload.
func (e *Engine) transmit(h bdt.Handle, ent bdt.Entry) []byte {
	n := int(ent.ByteCount)
	if n == 0 {
		return []byte{}
	}
	if ent.Control.NoIncrement() {
		data, err := e.mem.readFixed(ent.Address, n)
		if err != nil {
			e.dmaError(h, err)
			return make([]byte, n)
		}
		return data
	}
	data := make([]byte, n)
	if err := e.mem.Read(ent.Address, data); err != nil {
		e.dmaError(h, err)
	}
	return data
}

// complete hands the entry back to firmware and queues the STAT value.
// Entries with KEEP set stay with the SIE and produce no completion.
func (e *Engine) complete(h bdt.Handle, ent bdt.Entry, pid usb.Pid, data bdt.DataToggle, bc int) {
	if ent.Control.Keep() {
		return
	}
	e.hw.Complete(h, pid, data, uint16(bc))
	ep, dir := h.Endpoint(), h.Direction()
	e.pingpong[ep][dir] = e.pingpong[ep][dir].Flip()
	e.stat = append(e.stat, bdt.MakeStat(ep, dir, h.Parity()))
	e.raise(IntTOKDNE)
}

func (e *Engine) stall(ep uint8) usb.Handshake {
	log.Trace(e.logger, "stall", "ep", ep)
	e.raise(IntStall)
	return usb.HandshakeSTALL
}

// Setup accepts a SETUP packet on a control endpoint. A SETUP is never
// NAKed or stalled: it clears EPSTALL and suspends token processing
// (CTL.TXSUSPENDTOKENBUSY) until firmware has looked at it. It is lost
// (no response) only when there is no receive entry or STAT slot for it.
func (e *Engine) Setup(addr, ep uint8, packet [usb.SetupPacketSize]byte) usb.Handshake {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.accepts(addr, ep, EpRxEn) || e.endpt[ep]&(EpHshk|EpCtlDis) != EpHshk {
		return usb.HandshakeNone
	}
	if e.fifoFull() {
		return usb.HandshakeNone
	}
	h := e.current(ep, bdt.Rx)
	ent, ok := e.hw.Claim(h)
	if !ok {
		e.logger.Debug("setup dropped, no receive entry", "handle", h)
		return usb.HandshakeNone
	}

	e.endpt[ep] &^= EpStall
	e.ctl |= CtlTxSuspendTokenBusy
	n := e.receive(h, ent, packet[:])
	e.complete(h, ent, usb.PidSetup, bdt.Data0, n)
	return usb.HandshakeACK
}

// Out delivers a data packet to endpoint ep. A packet whose toggle does
// not match a DTS entry is a retransmission: it is ACKed and dropped and
// the entry stays armed.
func (e *Engine) Out(addr, ep uint8, pid usb.Pid, data []byte) usb.Handshake {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.accepts(addr, ep, EpRxEn) {
		return usb.HandshakeNone
	}
	if e.endpt[ep]&EpStall != 0 {
		return e.stall(ep)
	}
	if e.ctl&CtlTxSuspendTokenBusy != 0 || e.fifoFull() {
		return usb.HandshakeNAK
	}
	h := e.current(ep, bdt.Rx)
	ent, ok := e.hw.Claim(h)
	if !ok {
		return usb.HandshakeNAK
	}
	if ent.Control.Stall() {
		return e.stall(ep)
	}

	toggle := bdt.ToggleOf(pid)
	if ent.Control.DTS() && toggle != ent.Control.DataToggle() {
		log.Trace(e.logger, "duplicate packet dropped", "handle", h, "got", toggle, "want", ent.Control.DataToggle())
		return usb.HandshakeACK
	}
	n := e.receive(h, ent, data)
	e.complete(h, ent, usb.PidOut, toggle, n)
	return usb.HandshakeACK
}

// In asks endpoint ep for a data packet.
func (e *Engine) In(addr, ep uint8) ([]byte, usb.Pid, usb.Handshake) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.accepts(addr, ep, EpTxEn) {
		return nil, 0, usb.HandshakeNone
	}
	if e.endpt[ep]&EpStall != 0 {
		return nil, 0, e.stall(ep)
	}
	if e.ctl&CtlTxSuspendTokenBusy != 0 || e.fifoFull() {
		return nil, 0, usb.HandshakeNAK
	}
	h := e.current(ep, bdt.Tx)
	ent, ok := e.hw.Claim(h)
	if !ok {
		return nil, 0, usb.HandshakeNAK
	}
	if ent.Control.Stall() {
		return nil, 0, e.stall(ep)
	}

	data := e.transmit(h, ent)
	toggle := ent.Control.DataToggle()
	e.complete(h, ent, usb.PidIn, toggle, len(data))
	return data, toggle.Pid(), usb.HandshakeACK
}

// BusReset resets the device address and pending completions and raises
// USBRST. Buffer descriptors and ENDPT registers are left for firmware
// to reinitialise.
func (e *Engine) BusReset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctl&CtlUSBEN == 0 {
		return
	}
	e.addr = 0
	e.stat = e.stat[:0]
	e.errstat = 0
	e.istat &^= IntTOKDNE
	e.raise(IntUSBRST)
}

// SOF records the frame number and raises SOFTOK.
func (e *Engine) SOF(frame uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctl&CtlUSBEN == 0 {
		return
	}
	e.frame = frame & 0x7FF
	e.raise(IntSOFTOK)
}

// Suspend signals bus idle long enough to enter suspend.
func (e *Engine) Suspend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctl&CtlUSBEN == 0 {
		return
	}
	e.raise(IntSleep)
}

// Wakeup signals resume signalling from the host.
func (e *Engine) Wakeup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctl&CtlUSBEN == 0 {
		return
	}
	e.raise(IntResume)
}
