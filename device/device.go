// Package device is USB device firmware written against a BDT-based
// full-speed controller: interrupt handling, the EP0 control pipe,
// standard request handling and double-buffered data endpoints.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/sie"
	"github.com/Alia5/usbfs/usb"
)

// Controller is the register file of the USB controller.
type Controller interface {
	Table() *bdt.Table
	IRQ() <-chan struct{}
	Istat() uint8
	ClearIstat(bits uint8)
	SetInten(v uint8)
	Stat() bdt.Stat
	Errstat() uint8
	ClearErrstat(bits uint8)
	Ctl() uint8
	SetCtl(v uint8)
	SetAddr(a uint8)
	Endpt(ep uint8) uint8
	SetEndpt(ep uint8, v uint8)
}

// Memory is the RAM endpoint buffers live in.
type Memory interface {
	Alloc(size, align int) (uint32, error)
	Read(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
}

// Device is the firmware of one USB peripheral.
type Device struct {
	ctrl   Controller
	table  *bdt.Table
	mem    Memory
	desc   *usb.Descriptor
	funcs  []Function
	logger *slog.Logger

	mu           sync.Mutex
	state        usb.DeviceState
	resumeState  usb.DeviceState
	config       uint8
	altSetting   map[uint8]uint8
	remoteWakeup bool
	ep0          control
	tx           [bdt.MaxEndpoints]*txPipe
	rx           [bdt.MaxEndpoints]*rxPipe
	cancel       context.CancelFunc
	done         chan struct{}
}

// New allocates endpoint buffers for every endpoint in desc and returns a
// detached device.
func New(ctrl Controller, mem Memory, desc *usb.Descriptor, logger *slog.Logger, funcs ...Function) (*Device, error) {
	d := &Device{
		ctrl:       ctrl,
		table:      ctrl.Table(),
		mem:        mem,
		desc:       desc,
		funcs:      funcs,
		logger:     log.OrDefault(logger),
		state:      usb.StateAttached,
		altSetting: map[uint8]uint8{},
		done:       make(chan struct{}),
	}
	close(d.done)

	mps0 := int(desc.Device.BMaxPacketSize0)
	if mps0 == 0 {
		mps0 = 64
	}
	var err error
	d.ep0.rx = &rxPipe{ep: 0, mps: mps0}
	d.ep0.tx = &txPipe{ep: 0, mps: mps0}
	if err = d.allocPair(&d.ep0.rx.buf, mps0); err != nil {
		return nil, err
	}
	if err = d.allocPair(&d.ep0.tx.buf, mps0); err != nil {
		return nil, err
	}

	for _, ep := range desc.Endpoints() {
		n := ep.Number()
		if n == 0 || n >= bdt.MaxEndpoints {
			return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidEndpoint, ep.BEndpointAddress)
		}
		mps := int(ep.WMaxPacketSize & 0x7FF)
		if mps == 0 {
			return nil, fmt.Errorf("%w: 0x%02x has wMaxPacketSize 0", ErrInvalidEndpoint, ep.BEndpointAddress)
		}
		if ep.IsIn() {
			p := &txPipe{ep: n, mps: mps, bulk: ep.TransferType() == usb.AttrBulk}
			if err = d.allocPair(&p.buf, mps); err != nil {
				return nil, err
			}
			d.tx[n] = p
		} else {
			p := &rxPipe{ep: n, mps: mps, dts: true, ready: make(chan struct{}, 1)}
			if err = d.allocPair(&p.buf, mps); err != nil {
				return nil, err
			}
			d.rx[n] = p
		}
	}
	return d, nil
}

func (d *Device) allocPair(buf *[2]uint32, size int) error {
	for i := range buf {
		addr, err := d.mem.Alloc(size, 4)
		if err != nil {
			return fmt.Errorf("allocate endpoint buffer: %w", err)
		}
		buf[i] = addr
	}
	return nil
}

// Descriptor returns the static descriptors the device enumerates with.
func (d *Device) Descriptor() *usb.Descriptor { return d.desc }

// State is the current USB device state.
func (d *Device) State() usb.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Configuration is the active bConfigurationValue, 0 when unconfigured.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Attach enables the controller and its interrupts; the host sees the
// pull-up and resets the bus.
func (d *Device) Attach() {
	d.ctrl.SetInten(sie.IntUSBRST | sie.IntError | sie.IntTOKDNE | sie.IntSleep | sie.IntResume | sie.IntStall)
	d.ctrl.SetCtl(sie.CtlUSBEN)
	d.mu.Lock()
	d.setState(usb.StatePowered)
	d.mu.Unlock()
}

// Detach disables the controller.
func (d *Device) Detach() {
	d.ctrl.SetCtl(0)
	d.mu.Lock()
	d.deconfigure()
	d.setState(usb.StateAttached)
	d.mu.Unlock()
}

// Run services controller interrupts until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	irq := d.ctrl.IRQ()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-irq:
			d.HandleInterrupt()
		}
	}
}

// HandleInterrupt services every pending ISTAT bit.
func (d *Device) HandleInterrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()

	istat := d.ctrl.Istat()
	if istat&sie.IntUSBRST != 0 {
		d.busReset()
		return
	}
	if istat&sie.IntError != 0 {
		errstat := d.ctrl.Errstat()
		d.logger.Debug("usb error", "errstat", fmt.Sprintf("0x%02x", errstat))
		d.ctrl.ClearErrstat(errstat)
		d.ctrl.ClearIstat(sie.IntError)
	}
	if istat&sie.IntSOFTOK != 0 {
		d.ctrl.ClearIstat(sie.IntSOFTOK)
	}
	for d.ctrl.Istat()&sie.IntTOKDNE != 0 {
		d.token(d.ctrl.Stat())
		d.ctrl.ClearIstat(sie.IntTOKDNE)
	}
	if istat&sie.IntStall != 0 {
		d.ctrl.ClearIstat(sie.IntStall)
	}
	if istat&sie.IntSleep != 0 {
		if d.state != usb.StateSuspended {
			d.resumeState = d.state
			d.setState(usb.StateSuspended)
		}
		d.ctrl.ClearIstat(sie.IntSleep)
	}
	if istat&sie.IntResume != 0 {
		if d.state == usb.StateSuspended {
			d.setState(d.resumeState)
		}
		d.ctrl.ClearIstat(sie.IntResume)
	}
}

func (d *Device) setState(s usb.DeviceState) {
	if s == d.state {
		return
	}
	d.logger.Debug("device state", "from", d.state, "to", s)
	d.state = s
}

// busReset puts every endpoint back to its power-on state and arms EP0
// for the first SETUP.
func (d *Device) busReset() {
	d.ctrl.SetCtl(sie.CtlUSBEN | sie.CtlODDRST)
	for ep := uint8(0); ep < bdt.MaxEndpoints; ep++ {
		d.ctrl.SetEndpt(ep, 0)
	}
	d.table.Reset()
	d.ctrl.SetAddr(0)
	d.deconfigure()
	d.resetChannels()

	d.ctrl.ClearErrstat(0xFF)
	d.ctrl.ClearIstat(0xFF)
	d.ctrl.SetCtl(sie.CtlUSBEN)

	d.ep0.reset()
	d.rxPrime(d.ep0.rx)
	d.ctrl.SetEndpt(0, sie.EndptControl)
	d.remoteWakeup = false
	d.setState(usb.StateDefault)
}

// token dispatches one STAT FIFO entry.
func (d *Device) token(stat bdt.Stat) {
	e := d.table.Entry(stat.Handle())
	ep := stat.Endp()
	switch {
	case ep == 0:
		d.ep0Token(stat, e)
	case stat.Tx():
		if p := d.tx[ep]; p != nil {
			d.txDone(p, e.Control)
		}
	default:
		if p := d.rx[ep]; p != nil {
			data := d.rxDone(p, stat.Parity(), e)
			p.queue = append(p.queue, data)
			p.signal()
			d.rxPrime(p)
		}
	}
}
