package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// MSOSStringIndex is the string index Windows probes for the MS OS 1.0
// string descriptor.
const MSOSStringIndex = 0xEE

// MS OS 1.0 feature descriptor indices (wIndex of the vendor request).
const (
	MSFeatureCompatibleID       = 0x0004
	MSFeatureExtendedProperties = 0x0005
)

// MS OS 1.0 layout sizes and version.
const (
	msosVersion             = 0x0100
	msCompatHeaderLen       = 16
	msCompatFunctionLen     = 24
	msPropertiesHeaderLen   = 10
	msosStringDescriptorLen = 0x12
	msCompatIDLen           = 8
	msPropertySectionFixed  = 14 // dwSize + dwPropertyDataType + wNameLength + dwDataLength
)

// Registry value types for extended properties.
const (
	RegSZ       = 1
	RegExpandSZ = 2
	RegBinary   = 3
	RegDWordLE  = 4
	RegDWordBE  = 5
	RegLink     = 6
	RegMultiSZ  = 7
)

// MSOSDescriptors configures the MS OS 1.0 descriptor set of a device.
type MSOSDescriptors struct {
	VendorCode    uint8
	CompatibleIDs []MSCompatibleFunction
	Properties    []MSExtendedProperty
}

// MSCompatibleFunction is one function section of the compatible ID
// feature descriptor.
type MSCompatibleFunction struct {
	FirstInterface  uint8
	CompatibleID    string // up to 8 ASCII chars, e.g. "WINUSB"
	SubCompatibleID string
}

// MSExtendedProperty is one custom property section of the extended
// properties feature descriptor.
type MSExtendedProperty struct {
	DataType uint32
	Name     string
	// Data is the raw value. For string types use EncodePropertyString.
	Data []byte
}

// StringDescriptor returns the 18-byte "MSFT100" string descriptor.
func (m *MSOSDescriptors) StringDescriptor() []byte {
	out := make([]byte, 0, msosStringDescriptorLen)
	out = append(out, msosStringDescriptorLen, StringDescType)
	for _, r := range "MSFT100" {
		out = binary.LittleEndian.AppendUint16(out, uint16(r))
	}
	return append(out, m.VendorCode, 0)
}

// CompatibleIDBytes encodes the compatible ID feature descriptor.
func (m *MSOSDescriptors) CompatibleIDBytes() []byte {
	var b bytes.Buffer
	total := msCompatHeaderLen + msCompatFunctionLen*len(m.CompatibleIDs)
	_ = binary.Write(&b, binary.LittleEndian, uint32(total))
	_ = binary.Write(&b, binary.LittleEndian, uint16(msosVersion))
	_ = binary.Write(&b, binary.LittleEndian, uint16(MSFeatureCompatibleID))
	b.WriteByte(uint8(len(m.CompatibleIDs)))
	b.Write(make([]byte, 7))
	for _, f := range m.CompatibleIDs {
		b.WriteByte(f.FirstInterface)
		b.WriteByte(0x01)
		b.Write(fixedASCII(f.CompatibleID))
		b.Write(fixedASCII(f.SubCompatibleID))
		b.Write(make([]byte, 6))
	}
	return b.Bytes()
}

// ParseCompatibleID decodes a compatible ID feature descriptor.
func ParseCompatibleID(data []byte) ([]MSCompatibleFunction, error) {
	if len(data) < msCompatHeaderLen {
		return nil, ErrDescriptorTooShort
	}
	total := int(binary.LittleEndian.Uint32(data[0:4]))
	if idx := binary.LittleEndian.Uint16(data[6:8]); idx != MSFeatureCompatibleID {
		return nil, fmt.Errorf("%w: wIndex %d", ErrDescriptorTypeMismatch, idx)
	}
	n := int(data[8])
	if len(data) < total || total < msCompatHeaderLen+n*msCompatFunctionLen {
		return nil, ErrDescriptorTooShort
	}
	out := make([]MSCompatibleFunction, 0, n)
	for i := 0; i < n; i++ {
		s := data[msCompatHeaderLen+i*msCompatFunctionLen:]
		out = append(out, MSCompatibleFunction{
			FirstInterface:  s[0],
			CompatibleID:    string(bytes.TrimRight(s[2:10], "\x00")),
			SubCompatibleID: string(bytes.TrimRight(s[10:18], "\x00")),
		})
	}
	return out, nil
}

// ExtendedPropertiesBytes encodes the extended properties feature descriptor.
func (m *MSOSDescriptors) ExtendedPropertiesBytes() []byte {
	var sections bytes.Buffer
	for _, p := range m.Properties {
		name := utf16z(p.Name)
		size := msPropertySectionFixed + len(name) + len(p.Data)
		_ = binary.Write(&sections, binary.LittleEndian, uint32(size))
		_ = binary.Write(&sections, binary.LittleEndian, p.DataType)
		_ = binary.Write(&sections, binary.LittleEndian, uint16(len(name)))
		sections.Write(name)
		_ = binary.Write(&sections, binary.LittleEndian, uint32(len(p.Data)))
		sections.Write(p.Data)
	}

	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, uint32(msPropertiesHeaderLen+sections.Len()))
	_ = binary.Write(&b, binary.LittleEndian, uint16(msosVersion))
	_ = binary.Write(&b, binary.LittleEndian, uint16(MSFeatureExtendedProperties))
	_ = binary.Write(&b, binary.LittleEndian, uint16(len(m.Properties)))
	b.Write(sections.Bytes())
	return b.Bytes()
}

// ParseExtendedProperties decodes an extended properties feature descriptor.
func ParseExtendedProperties(data []byte) ([]MSExtendedProperty, error) {
	if len(data) < msPropertiesHeaderLen {
		return nil, ErrDescriptorTooShort
	}
	if idx := binary.LittleEndian.Uint16(data[6:8]); idx != MSFeatureExtendedProperties {
		return nil, fmt.Errorf("%w: wIndex %d", ErrDescriptorTypeMismatch, idx)
	}
	count := int(binary.LittleEndian.Uint16(data[8:10]))
	rest := data[msPropertiesHeaderLen:]
	out := make([]MSExtendedProperty, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < msPropertySectionFixed {
			return nil, ErrDescriptorTooShort
		}
		size := int(binary.LittleEndian.Uint32(rest[0:4]))
		if size < msPropertySectionFixed || len(rest) < size {
			return nil, ErrDescriptorTooShort
		}
		dataType := binary.LittleEndian.Uint32(rest[4:8])
		nameLen := int(binary.LittleEndian.Uint16(rest[8:10]))
		if 10+nameLen+4 > size {
			return nil, ErrDescriptorTooShort
		}
		name := decodeUTF16z(rest[10 : 10+nameLen])
		dataLen := int(binary.LittleEndian.Uint32(rest[10+nameLen : 14+nameLen]))
		if 14+nameLen+dataLen > size {
			return nil, ErrDescriptorTooShort
		}
		out = append(out, MSExtendedProperty{
			DataType: dataType,
			Name:     name,
			Data:     append([]byte(nil), rest[14+nameLen:14+nameLen+dataLen]...),
		})
		rest = rest[size:]
	}
	return out, nil
}

// EncodePropertyString encodes a REG_SZ value (UTF-16LE, NUL terminated).
func EncodePropertyString(s string) []byte {
	return utf16z(s)
}

// DecodePropertyString reverses EncodePropertyString.
func DecodePropertyString(b []byte) string {
	return decodeUTF16z(b)
}

func fixedASCII(s string) []byte {
	out := make([]byte, msCompatIDLen)
	copy(out, s)
	return out
}

func utf16z(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, (len(units)+1)*2)
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return append(out, 0, 0)
}

func decodeUTF16z(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
