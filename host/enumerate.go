package host

import (
	"context"
	"fmt"

	"github.com/Alia5/usbfs/usb"
)

// Enumeration is what the host learned about a device while bringing it
// up.
type Enumeration struct {
	Address       uint8
	Device        usb.DeviceDescriptor
	Configuration []byte
	Endpoints     []usb.EndpointDescriptor
}

// GetDescriptor reads a standard descriptor.
func (b *Bus) GetDescriptor(ctx context.Context, addr, descType, index uint8, langID uint16, length int) ([]byte, error) {
	return b.Control(ctx, addr, usb.SetupPacket{
		Direction: usb.DirectionIn,
		Type:      usb.KindStandard,
		Recipient: usb.RecipientDevice,
		Request:   usb.RequestGetDescriptor,
		Value:     uint16(descType)<<8 | uint16(index),
		Index:     langID,
		Length:    uint16(length),
	}, nil)
}

// SetConfiguration selects a configuration of the device at addr.
func (b *Bus) SetConfiguration(ctx context.Context, addr, value uint8) error {
	_, err := b.Control(ctx, addr, usb.SetupPacket{
		Type:      usb.KindStandard,
		Recipient: usb.RecipientDevice,
		Request:   usb.RequestSetConfiguration,
		Value:     uint16(value),
	}, nil)
	return err
}

// ClearHalt clears ENDPOINT_HALT on epAddr and restarts its toggle.
func (b *Bus) ClearHalt(ctx context.Context, addr, epAddr uint8) error {
	_, err := b.Control(ctx, addr, usb.SetupPacket{
		Type:      usb.KindStandard,
		Recipient: usb.RecipientEndpoint,
		Request:   usb.RequestClearFeature,
		Value:     usb.FeatureEndpointHalt,
		Index:     uint16(epAddr),
	}, nil)
	return err
}

// Enumerate resets the bus and walks the device through the default and
// addressed states into its first configuration, the way an operating
// system does on attach.
func (b *Bus) Enumerate(ctx context.Context, addr uint8) (*Enumeration, error) {
	if addr == 0 || addr > 127 {
		return nil, fmt.Errorf("invalid device address %d", addr)
	}
	b.Reset()

	head, err := b.GetDescriptor(ctx, 0, usb.DeviceDescType, 0, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("read device descriptor header: %w", err)
	}
	if len(head) < 8 {
		return nil, fmt.Errorf("read device descriptor header: %w", usb.ErrDescriptorTooShort)
	}
	b.SetMaxPacketSize(0, 0, int(head[7]))

	if _, err = b.Control(ctx, 0, usb.SetupPacket{
		Type:      usb.KindStandard,
		Recipient: usb.RecipientDevice,
		Request:   usb.RequestSetAddress,
		Value:     uint16(addr),
	}, nil); err != nil {
		return nil, fmt.Errorf("set address %d: %w", addr, err)
	}

	raw, err := b.GetDescriptor(ctx, addr, usb.DeviceDescType, 0, 0, usb.DeviceDescLen)
	if err != nil {
		return nil, fmt.Errorf("read device descriptor: %w", err)
	}
	dd, err := usb.ParseDeviceDescriptor(raw)
	if err != nil {
		return nil, err
	}

	raw, err = b.GetDescriptor(ctx, addr, usb.ConfigDescType, 0, 0, usb.ConfigDescLen)
	if err != nil {
		return nil, fmt.Errorf("read configuration header: %w", err)
	}
	cd, err := usb.ParseConfigurationDescriptor(raw)
	if err != nil {
		return nil, err
	}
	config, err := b.GetDescriptor(ctx, addr, usb.ConfigDescType, 0, 0, int(cd.WTotalLength))
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	eps, err := ParseEndpoints(config)
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		b.SetMaxPacketSize(addr, ep.BEndpointAddress, int(ep.WMaxPacketSize&0x7FF))
	}

	if err = b.SetConfiguration(ctx, addr, cd.BConfigurationValue); err != nil {
		return nil, fmt.Errorf("set configuration %d: %w", cd.BConfigurationValue, err)
	}
	return &Enumeration{
		Address:       addr,
		Device:        dd,
		Configuration: config,
		Endpoints:     eps,
	}, nil
}

// ParseEndpoints walks a configuration descriptor set and returns its
// endpoint descriptors.
func ParseEndpoints(config []byte) ([]usb.EndpointDescriptor, error) {
	var eps []usb.EndpointDescriptor
	for off := 0; off < len(config); {
		if len(config)-off < 2 || config[off] < 2 {
			return nil, fmt.Errorf("descriptor at offset %d: %w", off, usb.ErrDescriptorTooShort)
		}
		n := int(config[off])
		if off+n > len(config) {
			return nil, fmt.Errorf("descriptor at offset %d: %w", off, usb.ErrDescriptorTooShort)
		}
		if config[off+1] == usb.EndpointDescType {
			ep, err := usb.ParseEndpointDescriptor(config[off : off+n])
			if err != nil {
				return nil, err
			}
			eps = append(eps, ep)
		}
		off += n
	}
	return eps, nil
}
