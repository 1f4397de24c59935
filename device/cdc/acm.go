// Package cdc provides a CDC-ACM virtual serial port function: an
// interface association grouping a communications interface (with its
// notification endpoint) and a data interface with a bulk endpoint pair.
package cdc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/usbfs/device"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/usb"
)

// ACM capability bits (bmCapabilities of the ACM functional descriptor).
const (
	CapCommFeature    = 0x01
	CapLineCoding     = 0x02 // SET/GET_LINE_CODING, SET_CONTROL_LINE_STATE, SERIAL_STATE
	CapSendBreak      = 0x04
	CapNetworkConnect = 0x08
)

// serialStateLen is the SERIAL_STATE notification: header plus a
// 16-bit bitmap.
const serialStateLen = usb.CDCNotificationLen + 2

// DefaultLineCoding is 115200 baud, 8 data bits, no parity, 1 stop bit.
var DefaultLineCoding = usb.LineCoding{DTERate: 115200, DataBits: 8}

// Options place the function in a configuration.
type Options struct {
	// FirstInterface is the communications interface; the data interface
	// follows it.
	FirstInterface uint8
	NotifyEndpoint uint8 // IN endpoint number
	DataIn         uint8 // IN endpoint number
	DataOut        uint8 // OUT endpoint number
	// PacketSize is the bulk max packet size; 64 when zero.
	PacketSize uint16
	// IFunction is the string index naming the function.
	IFunction  uint8
	LineCoding usb.LineCoding
	// Loopback echoes everything received on the data interface.
	Loopback bool
}

// ACM is the CDC-ACM function.
type ACM struct {
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	line          usb.LineCoding
	controlLines  uint16
	dev           *device.Device
	onLineCoding  func(usb.LineCoding)
	onControlLine func(dtr, rts bool)
	onBreak       func(millis uint16)
}

var _ device.Function = (*ACM)(nil)

// New returns a serial port function.
func New(opts Options, logger *slog.Logger) *ACM {
	if opts.PacketSize == 0 {
		opts.PacketSize = 64
	}
	if opts.LineCoding == (usb.LineCoding{}) {
		opts.LineCoding = DefaultLineCoding
	}
	return &ACM{
		opts:   opts,
		logger: log.OrDefault(logger),
		line:   opts.LineCoding,
	}
}

// Describe adds the function's interfaces to d and marks d as a composite
// device using interface association descriptors.
func (a *ACM) Describe(d *usb.Descriptor) {
	d.Device.BDeviceClass = usb.ClassMisc
	d.Device.BDeviceSubClass = usb.SubclassCommon
	d.Device.BDeviceProtocol = usb.ProtocolIAD
	d.Interfaces = append(d.Interfaces, a.InterfaceConfigs()...)
}

// InterfaceConfigs returns the communications and data interfaces.
func (a *ACM) InterfaceConfigs() []usb.InterfaceConfig {
	comm, data := a.opts.FirstInterface, a.opts.FirstInterface+1

	var class bytes.Buffer
	usb.CDCHeaderFunctionalDescriptor{BcdCDC: usb.BcdCDC110}.Write(&class)
	usb.CDCCallManagementFunctionalDescriptor{BDataInterface: data}.Write(&class)
	usb.CDCAbstractControlManagementDescriptor{BmCapabilities: CapLineCoding | CapSendBreak}.Write(&class)
	usb.CDCUnionFunctionalDescriptor{BMasterInterface: comm, BSlaveInterface: []uint8{data}}.Write(&class)

	return []usb.InterfaceConfig{
		{
			Association: &usb.InterfaceAssociationDescriptor{
				BFirstInterface:   comm,
				BInterfaceCount:   2,
				BFunctionClass:    usb.ClassCDC,
				BFunctionSubClass: usb.SubclassACM,
				BFunctionProtocol: usb.ProtocolATCommand,
				IFunction:         a.opts.IFunction,
			},
			Descriptor: usb.InterfaceDescriptor{
				BInterfaceNumber:   comm,
				BNumEndpoints:      1,
				BInterfaceClass:    usb.ClassCDC,
				BInterfaceSubClass: usb.SubclassACM,
				BInterfaceProtocol: usb.ProtocolATCommand,
				IInterface:         a.opts.IFunction,
			},
			ClassDescriptors: class.Bytes(),
			Endpoints: []usb.EndpointDescriptor{{
				BEndpointAddress: usb.EndpointIn | a.opts.NotifyEndpoint,
				BMAttributes:     usb.AttrInterrupt,
				WMaxPacketSize:   16,
				BInterval:        16,
			}},
		},
		{
			Descriptor: usb.InterfaceDescriptor{
				BInterfaceNumber: data,
				BNumEndpoints:    2,
				BInterfaceClass:  usb.ClassCDCData,
			},
			Endpoints: []usb.EndpointDescriptor{
				{
					BEndpointAddress: usb.EndpointIn | a.opts.DataIn,
					BMAttributes:     usb.AttrBulk,
					WMaxPacketSize:   a.opts.PacketSize,
				},
				{
					BEndpointAddress: usb.EndpointOut | a.opts.DataOut,
					BMAttributes:     usb.AttrBulk,
					WMaxPacketSize:   a.opts.PacketSize,
				},
			},
		},
	}
}

// OnLineCoding registers a callback for SET_LINE_CODING. Callbacks run on
// the device's interrupt path and must not block.
func (a *ACM) OnLineCoding(f func(usb.LineCoding)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLineCoding = f
}

// OnControlLine registers a callback for SET_CONTROL_LINE_STATE.
func (a *ACM) OnControlLine(f func(dtr, rts bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onControlLine = f
}

// OnBreak registers a callback for SEND_BREAK. millis is 0xFFFF for a
// break held until the next SEND_BREAK.
func (a *ACM) OnBreak(f func(millis uint16)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onBreak = f
}

// LineCoding is the line coding last set by the host.
func (a *ACM) LineCoding() usb.LineCoding {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.line
}

// DTR reports the data terminal ready line.
func (a *ACM) DTR() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlLines&usb.ControlLineDTR != 0
}

// RTS reports the request to send line.
func (a *ACM) RTS() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controlLines&usb.ControlLineRTS != 0
}

func (a *ACM) Interfaces() []uint8 {
	return []uint8{a.opts.FirstInterface, a.opts.FirstInterface + 1}
}

func (a *ACM) ClassRequest(setup usb.SetupPacket, data []byte) ([]byte, error) {
	switch setup.Request {
	case usb.RequestSetLineCoding:
		lc, err := usb.ParseLineCoding(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", device.ErrStall, err)
		}
		a.mu.Lock()
		a.line = lc
		cb := a.onLineCoding
		a.mu.Unlock()
		a.logger.Debug("line coding set", "line", lc.String())
		if cb != nil {
			cb(lc)
		}
		return nil, nil

	case usb.RequestGetLineCoding:
		return a.LineCoding().Bytes(), nil

	case usb.RequestSetControlLineState:
		a.mu.Lock()
		a.controlLines = setup.Value
		cb := a.onControlLine
		a.mu.Unlock()
		dtr, rts := setup.Value&usb.ControlLineDTR != 0, setup.Value&usb.ControlLineRTS != 0
		a.logger.Debug("control line state set", "dtr", dtr, "rts", rts)
		if cb != nil {
			cb(dtr, rts)
		}
		return nil, nil

	case usb.RequestSendBreak:
		a.mu.Lock()
		cb := a.onBreak
		a.mu.Unlock()
		a.logger.Debug("break", "duration_ms", setup.Value)
		if cb != nil {
			cb(setup.Value)
		}
		return nil, nil

	case usb.RequestSendEncapsulatedCommand:
		log.Trace(a.logger, "encapsulated command ignored", "bytes", len(data))
		return nil, nil

	case usb.RequestGetEncapsulatedResponse:
		return []byte{}, nil
	}
	return nil, device.ErrStall
}

func (a *ACM) Configured(ctx context.Context, d *device.Device) {
	a.mu.Lock()
	a.dev = d
	a.mu.Unlock()
	a.logger.Info("serial port configured", "line", a.LineCoding().String(), "loopback", a.opts.Loopback)
	if a.opts.Loopback {
		go a.loopback(ctx)
	}
}

func (a *ACM) attached() (*device.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil, device.ErrNotConfigured
	}
	return a.dev, nil
}

// Read receives data the host wrote to the port.
func (a *ACM) Read(ctx context.Context, p []byte) (int, error) {
	d, err := a.attached()
	if err != nil {
		return 0, err
	}
	return d.Read(ctx, a.opts.DataOut, p)
}

// Write queues data for the host to read.
func (a *ACM) Write(p []byte) (int, error) {
	d, err := a.attached()
	if err != nil {
		return 0, err
	}
	if err := d.Write(a.opts.DataIn, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendSerialState notifies the host of the UART state bitmap.
func (a *ACM) SendSerialState(state usb.CdcLineState) error {
	d, err := a.attached()
	if err != nil {
		return err
	}
	msg := make([]byte, 0, serialStateLen)
	msg = append(msg, usb.CDCNotification{
		BmRequestType: usb.CDCNotificationRequestType,
		BNotification: usb.NotificationSerialState,
		WIndex:        uint16(a.opts.FirstInterface),
		WLength:       2,
	}.Bytes()...)
	msg = binary.LittleEndian.AppendUint16(msg, uint16(state))
	return d.Write(a.opts.NotifyEndpoint, msg)
}

func (a *ACM) loopback(ctx context.Context) {
	buf := make([]byte, a.opts.PacketSize)
	for {
		n, err := a.Read(ctx, buf)
		if err != nil {
			log.Trace(a.logger, "loopback stopped", "error", err)
			return
		}
		if _, err := a.Write(buf[:n]); err != nil {
			a.logger.Debug("loopback write", "error", err)
			return
		}
	}
}
