// Package usb contains the USB wire model shared by firmware and host:
// the SETUP request codec, descriptor layouts and protocol constants.
package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// USB descriptor type constants
const (
	DeviceDescType                  = 0x01
	ConfigDescType                  = 0x02
	StringDescType                  = 0x03
	InterfaceDescType               = 0x04
	EndpointDescType                = 0x05
	DeviceQualifierDescType         = 0x06
	OtherSpeedConfigurationDescType = 0x07
	InterfacePowerDescType          = 0x08
	InterfaceAssociationDescType    = 0x0B
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen               = 18
	ConfigDescLen               = 9
	InterfaceDescLen            = 9
	EndpointDescLen             = 7
	DeviceQualifierDescLen      = 10
	InterfaceAssociationDescLen = 8
)

// Descriptor holds all static descriptor data for one device with a single
// configuration.
type Descriptor struct {
	Device     DeviceDescriptor
	Config     ConfigurationDescriptor
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
	// MSOS, when set, enables the MS OS 1.0 string and feature descriptors.
	MSOS *MSOSDescriptors
}

// InterfaceConfig holds all descriptors for a single interface.
type InterfaceConfig struct {
	// Association precedes the interface when it opens a multi-interface
	// function.
	Association *InterfaceAssociationDescriptor
	Descriptor  InterfaceDescriptor
	// ClassDescriptors are emitted between the interface and its
	// endpoints (CDC functional descriptors).
	ClassDescriptors []byte
	Endpoints        []EndpointDescriptor
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
// The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	return buf
}

// LanguageIDs is string descriptor zero advertising US English only.
var LanguageIDs = []byte{0x04, StringDescType, 0x09, 0x04}

func checkHeader(data []byte, length int, descType uint8) error {
	if len(data) < length || int(data[0]) < length {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrDescriptorTooShort, len(data), length)
	}
	if data[1] != descType {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrDescriptorTypeMismatch, data[1], descType)
	}
	return nil
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	// Speed is not part of the descriptor; it is reported through USB-IP.
	Speed uint32
}

func (d DeviceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
}

// Bytes returns the binary representation of the device descriptor.
func (d DeviceDescriptor) Bytes() []byte {
	var b bytes.Buffer
	d.Write(&b)
	return b.Bytes()
}

// ParseDeviceDescriptor decodes an 18-byte device descriptor.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	if err := checkHeader(data, DeviceDescLen, DeviceDescType); err != nil {
		return DeviceDescriptor{}, err
	}
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(data[2:4]),
		BDeviceClass:       data[4],
		BDeviceSubClass:    data[5],
		BDeviceProtocol:    data[6],
		BMaxPacketSize0:    data[7],
		IDVendor:           binary.LittleEndian.Uint16(data[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(data[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(data[12:14]),
		IManufacturer:      data[14],
		IProduct:           data[15],
		ISerialNumber:      data[16],
		BNumConfigurations: data[17],
	}, nil
}

// ConfigurationDescriptor is the 9-byte configuration header.
type ConfigurationDescriptor struct {
	WTotalLength        uint16 // LE, patched by Descriptor.ConfigurationBytes
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8 // 2 mA units
}

func (h ConfigurationDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// ParseConfigurationDescriptor decodes the 9-byte configuration header.
func ParseConfigurationDescriptor(data []byte) (ConfigurationDescriptor, error) {
	if err := checkHeader(data, ConfigDescLen, ConfigDescType); err != nil {
		return ConfigurationDescriptor{}, err
	}
	return ConfigurationDescriptor{
		WTotalLength:        binary.LittleEndian.Uint16(data[2:4]),
		BNumInterfaces:      data[4],
		BConfigurationValue: data[5],
		IConfiguration:      data[6],
		BMAttributes:        data[7],
		BMaxPower:           data[8],
	}, nil
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// ParseInterfaceDescriptor decodes a 9-byte interface descriptor.
func ParseInterfaceDescriptor(data []byte) (InterfaceDescriptor, error) {
	if err := checkHeader(data, InterfaceDescLen, InterfaceDescType); err != nil {
		return InterfaceDescriptor{}, err
	}
	return InterfaceDescriptor{
		BInterfaceNumber:   data[2],
		BAlternateSetting:  data[3],
		BNumEndpoints:      data[4],
		BInterfaceClass:    data[5],
		BInterfaceSubClass: data[6],
		BInterfaceProtocol: data[7],
		IInterface:         data[8],
	}, nil
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// Number returns the endpoint number (0-15).
func (e EndpointDescriptor) Number() uint8 { return e.BEndpointAddress & 0x0F }

// IsIn reports whether this is a device-to-host endpoint.
func (e EndpointDescriptor) IsIn() bool { return e.BEndpointAddress&EndpointIn != 0 }

// TransferType returns the transfer type bits of bmAttributes.
func (e EndpointDescriptor) TransferType() uint8 { return e.BMAttributes & 0x03 }

// ParseEndpointDescriptor decodes a 7-byte endpoint descriptor.
func ParseEndpointDescriptor(data []byte) (EndpointDescriptor, error) {
	if err := checkHeader(data, EndpointDescLen, EndpointDescType); err != nil {
		return EndpointDescriptor{}, err
	}
	return EndpointDescriptor{
		BEndpointAddress: data[2],
		BMAttributes:     data[3],
		WMaxPacketSize:   binary.LittleEndian.Uint16(data[4:6]),
		BInterval:        data[6],
	}, nil
}

// DeviceQualifierDescriptor (10 bytes) describes the other-speed
// capabilities of a high-speed capable device.
type DeviceQualifierDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	BNumConfigurations uint8
}

func (q DeviceQualifierDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(DeviceQualifierDescLen)
	b.WriteByte(DeviceQualifierDescType)
	_ = binary.Write(b, binary.LittleEndian, q.BcdUSB)
	b.WriteByte(q.BDeviceClass)
	b.WriteByte(q.BDeviceSubClass)
	b.WriteByte(q.BDeviceProtocol)
	b.WriteByte(q.BMaxPacketSize0)
	b.WriteByte(q.BNumConfigurations)
	b.WriteByte(0) // bReserved
}

// ParseDeviceQualifierDescriptor decodes a 10-byte qualifier descriptor.
func ParseDeviceQualifierDescriptor(data []byte) (DeviceQualifierDescriptor, error) {
	if err := checkHeader(data, DeviceQualifierDescLen, DeviceQualifierDescType); err != nil {
		return DeviceQualifierDescriptor{}, err
	}
	return DeviceQualifierDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(data[2:4]),
		BDeviceClass:       data[4],
		BDeviceSubClass:    data[5],
		BDeviceProtocol:    data[6],
		BMaxPacketSize0:    data[7],
		BNumConfigurations: data[8],
	}, nil
}

// InterfaceAssociationDescriptor (8 bytes) groups the interfaces of one
// function in a composite device.
type InterfaceAssociationDescriptor struct {
	BFirstInterface   uint8
	BInterfaceCount   uint8
	BFunctionClass    uint8
	BFunctionSubClass uint8
	BFunctionProtocol uint8
	IFunction         uint8
}

func (a InterfaceAssociationDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceAssociationDescLen)
	b.WriteByte(InterfaceAssociationDescType)
	b.WriteByte(a.BFirstInterface)
	b.WriteByte(a.BInterfaceCount)
	b.WriteByte(a.BFunctionClass)
	b.WriteByte(a.BFunctionSubClass)
	b.WriteByte(a.BFunctionProtocol)
	b.WriteByte(a.IFunction)
}

// ParseInterfaceAssociationDescriptor decodes an 8-byte IAD.
func ParseInterfaceAssociationDescriptor(data []byte) (InterfaceAssociationDescriptor, error) {
	if err := checkHeader(data, InterfaceAssociationDescLen, InterfaceAssociationDescType); err != nil {
		return InterfaceAssociationDescriptor{}, err
	}
	return InterfaceAssociationDescriptor{
		BFirstInterface:   data[2],
		BInterfaceCount:   data[3],
		BFunctionClass:    data[4],
		BFunctionSubClass: data[5],
		BFunctionProtocol: data[6],
		IFunction:         data[7],
	}, nil
}

// DeviceBytes returns the device descriptor.
func (d *Descriptor) DeviceBytes() []byte {
	return d.Device.Bytes()
}

// ConfigurationBytes builds the full configuration descriptor set with
// wTotalLength and bNumInterfaces filled in.
func (d *Descriptor) ConfigurationBytes() []byte {
	var b bytes.Buffer
	h := d.Config
	h.BNumInterfaces = uint8(len(d.Interfaces))
	h.Write(&b)
	for _, iface := range d.Interfaces {
		if iface.Association != nil {
			iface.Association.Write(&b)
		}
		iface.Descriptor.Write(&b)
		b.Write(iface.ClassDescriptors)
		for _, ep := range iface.Endpoints {
			ep.Write(&b)
		}
	}
	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// StringBytes returns string descriptor idx, or nil if it is not defined.
// Index zero is the language ID table; MSOSStringIndex is answered only
// when MS OS descriptors are enabled.
func (d *Descriptor) StringBytes(idx uint8) []byte {
	switch {
	case idx == 0:
		return LanguageIDs
	case idx == MSOSStringIndex && d.MSOS != nil:
		return d.MSOS.StringDescriptor()
	}
	s, ok := d.Strings[idx]
	if !ok {
		return nil
	}
	return EncodeStringDescriptor(s)
}

// Endpoints returns all endpoint descriptors of the configuration.
func (d *Descriptor) Endpoints() []EndpointDescriptor {
	var out []EndpointDescriptor
	for _, iface := range d.Interfaces {
		out = append(out, iface.Endpoints...)
	}
	return out
}
