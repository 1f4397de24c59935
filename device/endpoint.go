package device

import (
	"context"
	"fmt"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/sie"
	"github.com/Alia5/usbfs/usb"
)

// configure enables every data endpoint of the configuration, arms the
// OUT endpoints and starts the functions.
func (d *Device) configure(value uint8) {
	d.deconfigure()

	var endpt [bdt.MaxEndpoints]uint8
	for _, ep := range d.desc.Endpoints() {
		n := ep.Number()
		if ep.IsIn() {
			endpt[n] |= sie.EpTxEn
		} else {
			endpt[n] |= sie.EpRxEn
		}
		if ep.TransferType() != usb.AttrIsochronous {
			endpt[n] |= sie.EpHshk
		}
		endpt[n] |= sie.EpCtlDis
	}
	for n := uint8(1); n < bdt.MaxEndpoints; n++ {
		if endpt[n] != 0 {
			d.ctrl.SetEndpt(n, endpt[n])
		}
	}
	for _, p := range d.rx {
		if p != nil {
			d.rxPrime(p)
		}
	}

	d.config = value
	for _, iface := range d.desc.Interfaces {
		d.altSetting[iface.Descriptor.BInterfaceNumber] = 0
	}
	var ctx context.Context
	ctx, d.cancel = context.WithCancel(context.Background())
	d.done = make(chan struct{})
	d.setState(usb.StateConfigured)
	for _, f := range d.funcs {
		f.Configured(ctx, d)
	}
}

// deconfigure disables the data endpoints and drops whatever they had
// queued. Each channel keeps its buffer toggle: the SIE's ping-pong
// pointer only moves on completions and ODDRST.
func (d *Device) deconfigure() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
		close(d.done)
	}
	for n := uint8(1); n < bdt.MaxEndpoints; n++ {
		d.ctrl.SetEndpt(n, 0)
	}
	for _, p := range d.tx {
		if p != nil {
			p.pending, p.inflight = nil, nil
			p.ch = Channel{Buffer: p.ch.Buffer}
		}
	}
	for _, p := range d.rx {
		if p != nil {
			p.reset()
			p.ch = Channel{Buffer: p.ch.Buffer}
		}
	}
	d.config = 0
	clear(d.altSetting)
}

// resetChannels follows CTL.ODDRST: every ping-pong pointer is even again.
func (d *Device) resetChannels() {
	for _, p := range d.tx {
		if p != nil {
			p.ch.Reset()
		}
	}
	for _, p := range d.rx {
		if p != nil {
			p.ch.Reset()
		}
	}
}

func (d *Device) txPipe(ep uint8) (*txPipe, error) {
	if d.config == 0 {
		return nil, ErrNotConfigured
	}
	if ep >= bdt.MaxEndpoints || d.tx[ep] == nil {
		return nil, fmt.Errorf("%w: IN %d", ErrInvalidEndpoint, ep)
	}
	return d.tx[ep], nil
}

func (d *Device) rxPipe(ep uint8) (*rxPipe, error) {
	if d.config == 0 {
		return nil, ErrNotConfigured
	}
	if ep >= bdt.MaxEndpoints || d.rx[ep] == nil {
		return nil, fmt.Errorf("%w: OUT %d", ErrInvalidEndpoint, ep)
	}
	return d.rx[ep], nil
}

// Write queues data on IN endpoint ep. Bulk transfers that end on a
// packet boundary get a zero-length packet; an empty write sends one.
func (d *Device) Write(ep uint8, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.txPipe(ep & 0x0F)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), data...)
	d.txQueue(p, buf, len(buf) == 0 || p.bulk && len(buf)%p.mps == 0)
	return nil
}

// Read copies the next received packet from OUT endpoint ep into buf. A
// packet larger than buf is returned over several reads. Read blocks until
// data arrives, ctx is done or the configuration goes away.
func (d *Device) Read(ctx context.Context, ep uint8, buf []byte) (int, error) {
	for {
		d.mu.Lock()
		p, err := d.rxPipe(ep & 0x0F)
		if err != nil {
			d.mu.Unlock()
			return 0, err
		}
		if len(p.queue) > 0 {
			n := copy(buf, p.queue[0])
			if n < len(p.queue[0]) {
				p.queue[0] = p.queue[0][n:]
			} else {
				p.queue = p.queue[1:]
				d.rxPrime(p)
			}
			d.mu.Unlock()
			return n, nil
		}
		done := d.done
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-done:
			return 0, ErrNotConfigured
		case <-p.ready:
		}
	}
}

// halted reports ENDPOINT_HALT for an endpoint address.
func (d *Device) halted(epAddr uint8) (bool, error) {
	n := epAddr & 0x0F
	if n == 0 {
		return false, nil
	}
	if epAddr&usb.EndpointIn != 0 {
		p, err := d.txPipe(n)
		if err != nil {
			return false, ErrStall
		}
		return p.ch.Halted, nil
	}
	p, err := d.rxPipe(n)
	if err != nil {
		return false, ErrStall
	}
	return p.ch.Halted, nil
}

// halt stalls one direction of an endpoint: its entries are taken back and
// the next one is armed with the stall bit. Queued IN packets survive the
// halt.
func (d *Device) halt(epAddr uint8) error {
	n := epAddr & 0x0F
	if n == 0 {
		return nil
	}
	if epAddr&usb.EndpointIn != 0 {
		p, err := d.txPipe(n)
		if err != nil {
			return ErrStall
		}
		p.pending = d.abortTx(n, p)
		p.ch.Halt()
		d.arm(bdt.HandleOf(n, bdt.Tx, p.ch.Buffer), p.buf[slot(p.ch.Buffer)], nil, bdt.Stalled(), 0)
		return nil
	}
	p, err := d.rxPipe(n)
	if err != nil {
		return ErrStall
	}
	d.abortRx(n, p)
	p.ch.Halt()
	if d.arm(bdt.HandleOf(n, bdt.Rx, p.ch.Buffer), p.buf[slot(p.ch.Buffer)], nil, bdt.Stalled(), p.mps) {
		p.armed[slot(p.ch.Buffer)] = true
	}
	return nil
}

// clearHalt removes the stall entry, restarts the toggle sequence at
// DATA0 and resumes the endpoint. It is also valid on an endpoint that is
// not halted.
func (d *Device) clearHalt(epAddr uint8) error {
	n := epAddr & 0x0F
	if n == 0 {
		return nil
	}
	if epAddr&usb.EndpointIn != 0 {
		p, err := d.txPipe(n)
		if err != nil {
			return ErrStall
		}
		p.pending = d.abortTx(n, p)
		p.ch.ClearHalt()
		d.txFill(p)
		return nil
	}
	p, err := d.rxPipe(n)
	if err != nil {
		return ErrStall
	}
	d.abortRx(n, p)
	p.ch.ClearHalt()
	d.rxPrime(p)
	return nil
}

// abortRx has the SIE give back the endpoint's receive entries.
func (d *Device) abortRx(ep uint8, p *rxPipe) {
	v := d.ctrl.Endpt(ep)
	d.ctrl.SetEndpt(ep, v&^sie.EpRxEn)
	d.ctrl.SetEndpt(ep, v)
	p.armed = [2]bool{}
}

// Halt stalls an endpoint from the firmware side, as SET_FEATURE
// (ENDPOINT_HALT) would. epAddr carries the direction bit.
func (d *Device) Halt(epAddr uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.halt(epAddr); err != nil {
		return fmt.Errorf("%w: 0x%02x", ErrInvalidEndpoint, epAddr)
	}
	return nil
}
