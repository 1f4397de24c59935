// Package peripheral puts a simulated controller and device firmware
// together into one peripheral that a host can be attached to.
package peripheral

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/device"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/sie"
	"github.com/Alia5/usbfs/usb"
)

// Address map of the simulated part.
const (
	TableBase = 0x1FFF_0000
	SRAMBase  = 0x2000_0000
)

// Peripheral is a token-level USB device: the embedded engine answers the
// bus, the firmware answers the engine.
type Peripheral struct {
	*sie.Engine
	fw     *device.Device
	logger *slog.Logger
}

var _ usb.Describer = (*Peripheral)(nil)

// New builds the controller and firmware for desc. Buffer memory is sized
// for double-buffered EP0 and data endpoints.
func New(desc *usb.Descriptor, logger *slog.Logger, funcs ...device.Function) (*Peripheral, error) {
	logger = log.OrDefault(logger)
	tbl, err := bdt.NewTable(TableBase)
	if err != nil {
		return nil, err
	}
	mem := sie.NewMemory(SRAMBase, bufferMemory(desc))
	eng := sie.New(tbl, mem, logger)
	fw, err := device.New(eng, mem, desc, logger, funcs...)
	if err != nil {
		return nil, fmt.Errorf("build firmware: %w", err)
	}
	return &Peripheral{Engine: eng, fw: fw, logger: logger}, nil
}

func bufferMemory(desc *usb.Descriptor) int {
	align := func(n int) int { return (n + 3) &^ 3 }
	mps0 := int(desc.Device.BMaxPacketSize0)
	if mps0 == 0 {
		mps0 = 64
	}
	n := 4 * align(mps0)
	for _, ep := range desc.Endpoints() {
		n += 2 * align(int(ep.WMaxPacketSize&0x7FF))
	}
	return n
}

func (p *Peripheral) GetDescriptor() *usb.Descriptor { return p.fw.Descriptor() }

// Firmware is the device side of the peripheral.
func (p *Peripheral) Firmware() *device.Device { return p.fw }

// Run attaches the peripheral to the bus and services interrupts until ctx
// ends, then detaches it.
func (p *Peripheral) Run(ctx context.Context) error {
	p.fw.Attach()
	defer p.fw.Detach()
	p.logger.Debug("peripheral attached",
		"vid", fmt.Sprintf("%04x", p.GetDescriptor().Device.IDVendor),
		"pid", fmt.Sprintf("%04x", p.GetDescriptor().Device.IDProduct))
	return p.fw.Run(ctx)
}
