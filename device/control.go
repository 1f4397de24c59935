package device

import (
	"errors"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/sie"
	"github.com/Alia5/usbfs/usb"
)

type stage uint8

const (
	stageIdle stage = iota
	stageDataIn
	stageDataOut
	stageStatusIn
	stageStatusOut
)

// control is the EP0 state machine.
type control struct {
	rx          *rxPipe
	tx          *txPipe
	stage       stage
	setup       usb.SetupPacket
	out         []byte
	pendingAddr int
}

func (c *control) reset() {
	c.rx.ch.Reset()
	c.rx.reset()
	c.tx.ch.Reset()
	c.tx.pending, c.tx.inflight = nil, nil
	c.stage = stageIdle
	c.out = nil
	c.pendingAddr = -1
}

// ep0Token advances the control transfer. EP0 receive entries are armed
// without DTS: a SETUP (always DATA0) may arrive at any point.
func (d *Device) ep0Token(stat bdt.Stat, e bdt.Entry) {
	c := &d.ep0
	if stat.Tx() {
		d.txDone(c.tx, e.Control)
		switch {
		case c.stage == stageStatusIn && c.tx.idle():
			if c.pendingAddr >= 0 {
				d.ctrl.SetAddr(uint8(c.pendingAddr))
				if c.pendingAddr == 0 {
					d.setState(usb.StateDefault)
				} else {
					d.setState(usb.StateAddressed)
				}
				c.pendingAddr = -1
			}
			c.stage = stageIdle
		case c.stage == stageDataIn && c.tx.idle():
			c.stage = stageStatusOut
		}
		return
	}

	data := d.rxDone(c.rx, stat.Parity(), e)
	d.rxArm(c.rx, stat.Parity())

	switch e.Control.TokenPID() {
	case usb.PidSetup:
		d.ep0Setup(data)
	case usb.PidOut:
		switch c.stage {
		case stageDataOut:
			c.out = append(c.out, data...)
			if len(c.out) >= int(c.setup.Length) || len(data) < c.rx.mps {
				_, err := d.request(c.setup, c.out)
				d.ep0Respond(err)
			}
		case stageDataIn, stageStatusOut:
			// Status stage, possibly ending an IN data stage early.
			if !c.tx.idle() {
				d.abortTx(0, c.tx)
			}
			c.stage = stageIdle
		default:
			log.Trace(d.logger, "unexpected ep0 OUT", "stage", c.stage, "bc", len(data))
		}
	}
}

func (d *Device) ep0Setup(raw []byte) {
	c := &d.ep0
	setup, err := usb.ParseSetupBytes(raw)
	if err != nil {
		d.logger.Warn("short setup packet", "bc", len(raw))
		d.ep0Stall()
		d.ctrl.SetCtl(d.ctrl.Ctl() &^ sie.CtlTxSuspendTokenBusy)
		return
	}

	// A new SETUP abandons whatever the previous transfer left queued.
	if !c.tx.idle() {
		d.abortTx(0, c.tx)
	}
	c.tx.ch.Halted = false
	c.tx.ch.Data = bdt.Data1
	c.rx.ch.Data = bdt.Data1
	c.setup = setup
	c.out = nil
	c.pendingAddr = -1
	log.Trace(d.logger, "setup", "packet", setup.String())

	switch {
	case setup.Length == 0:
		_, err := d.request(setup, nil)
		d.ep0Respond(err)
	case setup.Direction == usb.DirectionIn:
		data, err := d.request(setup, nil)
		if err != nil {
			d.ep0Respond(err)
			break
		}
		if len(data) > int(setup.Length) {
			data = data[:setup.Length]
		}
		zlp := len(data) < int(setup.Length) && len(data)%c.tx.mps == 0
		c.stage = stageDataIn
		d.txQueue(c.tx, data, zlp)
	default:
		c.stage = stageDataOut
	}
	d.ctrl.SetCtl(d.ctrl.Ctl() &^ sie.CtlTxSuspendTokenBusy)
}

// ep0Respond finishes a request without IN data: ZLP status or STALL.
func (d *Device) ep0Respond(err error) {
	if err != nil {
		if !errors.Is(err, ErrStall) {
			d.logger.Debug("control request failed", "setup", d.ep0.setup.String(), "error", err)
		}
		d.ep0Stall()
		return
	}
	d.ep0.stage = stageStatusIn
	d.txQueue(d.ep0.tx, nil, true)
}

// ep0Stall answers the current request with STALL until the next SETUP.
func (d *Device) ep0Stall() {
	log.Trace(d.logger, "ep0 stall", "setup", d.ep0.setup.String())
	d.ep0.stage = stageIdle
	d.ep0.pendingAddr = -1
	d.ctrl.SetEndpt(0, d.ctrl.Endpt(0)|sie.EpStall)
}

// abortTx has the SIE give back the endpoint's TX entries and drops the
// packets that were queued.
func (d *Device) abortTx(ep uint8, p *txPipe) [][]byte {
	v := d.ctrl.Endpt(ep)
	d.ctrl.SetEndpt(ep, v&^sie.EpTxEn)
	d.ctrl.SetEndpt(ep, v)
	return d.txAbort(p)
}
