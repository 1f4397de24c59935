package device

import (
	"encoding/binary"
	"fmt"

	"github.com/Alia5/usbfs/usb"
)

// request answers one control request. data is the OUT data stage; the
// returned bytes are the IN data stage before truncation to wLength.
func (d *Device) request(setup usb.SetupPacket, data []byte) ([]byte, error) {
	switch setup.Type {
	case usb.KindStandard:
		return d.standardRequest(setup)
	case usb.KindClass:
		f := d.functionFor(setup)
		if f == nil {
			return nil, fmt.Errorf("%w: no function for %s", ErrStall, setup)
		}
		return f.ClassRequest(setup, data)
	case usb.KindVendor:
		return d.vendorRequest(setup)
	}
	return nil, ErrStall
}

func (d *Device) standardRequest(setup usb.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case usb.RequestGetStatus:
		return d.getStatus(setup)
	case usb.RequestClearFeature, usb.RequestSetFeature:
		return nil, d.feature(setup, setup.Request == usb.RequestSetFeature)
	case usb.RequestSetAddress:
		if setup.Recipient != usb.RecipientDevice || setup.Value > 127 || d.state == usb.StateConfigured {
			return nil, ErrStall
		}
		d.ep0.pendingAddr = int(setup.Value)
		return nil, nil
	case usb.RequestGetDescriptor:
		return d.getDescriptor(setup)
	case usb.RequestGetConfiguration:
		return []byte{d.config}, nil
	case usb.RequestSetConfiguration:
		return nil, d.setConfiguration(uint8(setup.Value))
	case usb.RequestGetInterface:
		iface := uint8(setup.Index)
		if d.state != usb.StateConfigured || !d.hasInterface(iface) {
			return nil, ErrStall
		}
		return []byte{d.altSetting[iface]}, nil
	case usb.RequestSetInterface:
		iface := uint8(setup.Index)
		if d.state != usb.StateConfigured || !d.hasInterface(iface) || setup.Value != 0 {
			return nil, ErrStall
		}
		d.altSetting[iface] = 0
		return nil, nil
	}
	// SET_DESCRIPTOR and SYNCH_FRAME are not supported.
	return nil, ErrStall
}

func (d *Device) getStatus(setup usb.SetupPacket) ([]byte, error) {
	var status uint16
	switch setup.Recipient {
	case usb.RecipientDevice:
		if d.desc.Config.BMAttributes&usb.ConfigAttrSelfPowered != 0 {
			status |= 1
		}
		if d.remoteWakeup {
			status |= 1 << 1
		}
	case usb.RecipientInterface:
		if d.state != usb.StateConfigured || !d.hasInterface(uint8(setup.Index)) {
			return nil, ErrStall
		}
	case usb.RecipientEndpoint:
		halted, err := d.halted(uint8(setup.Index))
		if err != nil {
			return nil, err
		}
		if halted {
			status = 1
		}
	default:
		return nil, ErrStall
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, status)
	return out, nil
}

func (d *Device) feature(setup usb.SetupPacket, set bool) error {
	switch {
	case setup.Recipient == usb.RecipientDevice && setup.Value == usb.FeatureDeviceRemoteWakeup:
		if d.desc.Config.BMAttributes&usb.ConfigAttrRemoteWakeup == 0 {
			return ErrStall
		}
		d.remoteWakeup = set
		return nil
	case setup.Recipient == usb.RecipientEndpoint && setup.Value == usb.FeatureEndpointHalt:
		if set {
			return d.halt(uint8(setup.Index))
		}
		return d.clearHalt(uint8(setup.Index))
	}
	// TEST_MODE is a high-speed feature.
	return ErrStall
}

func (d *Device) getDescriptor(setup usb.SetupPacket) ([]byte, error) {
	if setup.Recipient != usb.RecipientDevice {
		return nil, ErrStall
	}
	switch setup.DescriptorType() {
	case usb.DeviceDescType:
		return d.desc.DeviceBytes(), nil
	case usb.ConfigDescType:
		if setup.DescriptorIndex() != 0 {
			return nil, ErrStall
		}
		return d.desc.ConfigurationBytes(), nil
	case usb.StringDescType:
		if s := d.desc.StringBytes(setup.DescriptorIndex()); s != nil {
			return s, nil
		}
	}
	// Full-speed only: no device qualifier or other-speed configuration.
	return nil, fmt.Errorf("%w: descriptor 0x%04x", ErrStall, setup.Value)
}

// vendorRequest serves GET_MS_FEATURE_DESCRIPTOR.
func (d *Device) vendorRequest(setup usb.SetupPacket) ([]byte, error) {
	ms := d.desc.MSOS
	if ms == nil || setup.Request != ms.VendorCode || setup.Direction != usb.DirectionIn {
		return nil, ErrStall
	}
	switch setup.Index {
	case usb.MSFeatureCompatibleID:
		if len(ms.CompatibleIDs) > 0 {
			return ms.CompatibleIDBytes(), nil
		}
	case usb.MSFeatureExtendedProperties:
		if len(ms.Properties) > 0 {
			return ms.ExtendedPropertiesBytes(), nil
		}
	}
	return nil, ErrStall
}

func (d *Device) setConfiguration(value uint8) error {
	switch {
	case d.state != usb.StateAddressed && d.state != usb.StateConfigured:
		return ErrStall
	case value == 0:
		d.deconfigure()
		d.setState(usb.StateAddressed)
		return nil
	case value != d.desc.Config.BConfigurationValue:
		return fmt.Errorf("%w: configuration %d", ErrStall, value)
	}
	d.configure(value)
	return nil
}

func (d *Device) hasInterface(n uint8) bool {
	for _, iface := range d.desc.Interfaces {
		if iface.Descriptor.BInterfaceNumber == n {
			return true
		}
	}
	return false
}

// interfaceOf is the interface an endpoint address belongs to.
func (d *Device) interfaceOf(epAddr uint8) (uint8, bool) {
	for _, iface := range d.desc.Interfaces {
		for _, ep := range iface.Endpoints {
			if ep.BEndpointAddress == epAddr {
				return iface.Descriptor.BInterfaceNumber, true
			}
		}
	}
	return 0, false
}

// functionFor finds the function a class request is addressed to.
func (d *Device) functionFor(setup usb.SetupPacket) Function {
	var iface uint8
	switch setup.Recipient {
	case usb.RecipientInterface:
		iface = uint8(setup.Index)
	case usb.RecipientEndpoint:
		n, ok := d.interfaceOf(uint8(setup.Index))
		if !ok {
			return nil
		}
		iface = n
	default:
		return nil
	}
	for _, f := range d.funcs {
		for _, n := range f.Interfaces() {
			if n == iface {
				return f
			}
		}
	}
	return nil
}
