package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CDC class-specific descriptor types
const (
	CSInterfaceDescType = 0x24
	CSEndpointDescType  = 0x25
)

// CDC functional descriptor subtypes (bDescriptorSubtype)
const (
	CDCSubtypeHeader                    = 0x00
	CDCSubtypeCallManagement            = 0x01
	CDCSubtypeAbstractControlManagement = 0x02
	CDCSubtypeUnion                     = 0x06
)

// CDC class, subclass and protocol codes
const (
	ClassCDC          = 0x02
	ClassCDCData      = 0x0A
	ClassMisc         = 0xEF
	SubclassACM       = 0x02
	SubclassCommon    = 0x02 // misc class: common class
	ProtocolIAD       = 0x01 // misc class: interface association
	ProtocolNone      = 0x00
	ProtocolATCommand = 0x01
)

// BcdCDC110 is CDC specification release 1.10.
const BcdCDC110 = 0x0110

// CDC notification codes and the notification bmRequestType.
const (
	CDCNotificationRequestType    = 0xA1
	NotificationResponseAvailable = 0x01
	NotificationSerialState       = 0x20
)

// SET_CONTROL_LINE_STATE wValue bits
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// CDC functional descriptor lengths
const (
	CDCHeaderDescLen         = 5
	CDCCallManagementDescLen = 5
	CDCACMDescLen            = 4
	CDCUnionDescMinLen       = 4
	CDCNotificationLen       = 8
	LineCodingLen            = 7
)

func checkFunctional(data []byte, length int, subtype uint8) error {
	if err := checkHeader(data, length, CSInterfaceDescType); err != nil {
		return err
	}
	if data[2] != subtype {
		return fmt.Errorf("%w: subtype 0x%02x, want 0x%02x", ErrDescriptorTypeMismatch, data[2], subtype)
	}
	return nil
}

// CDCHeaderFunctionalDescriptor opens the CDC functional descriptor list.
type CDCHeaderFunctionalDescriptor struct {
	BcdCDC uint16 // LE
}

func (h CDCHeaderFunctionalDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(CDCHeaderDescLen)
	b.WriteByte(CSInterfaceDescType)
	b.WriteByte(CDCSubtypeHeader)
	_ = binary.Write(b, binary.LittleEndian, h.BcdCDC)
}

// ParseCDCHeaderFunctionalDescriptor decodes a 5-byte header descriptor.
func ParseCDCHeaderFunctionalDescriptor(data []byte) (CDCHeaderFunctionalDescriptor, error) {
	if err := checkFunctional(data, CDCHeaderDescLen, CDCSubtypeHeader); err != nil {
		return CDCHeaderFunctionalDescriptor{}, err
	}
	return CDCHeaderFunctionalDescriptor{BcdCDC: binary.LittleEndian.Uint16(data[3:5])}, nil
}

// CDCCallManagementFunctionalDescriptor describes call management.
type CDCCallManagementFunctionalDescriptor struct {
	BmCapabilities uint8
	BDataInterface uint8
}

func (c CDCCallManagementFunctionalDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(CDCCallManagementDescLen)
	b.WriteByte(CSInterfaceDescType)
	b.WriteByte(CDCSubtypeCallManagement)
	b.WriteByte(c.BmCapabilities)
	b.WriteByte(c.BDataInterface)
}

// ParseCDCCallManagementFunctionalDescriptor decodes a 5-byte call
// management descriptor.
func ParseCDCCallManagementFunctionalDescriptor(data []byte) (CDCCallManagementFunctionalDescriptor, error) {
	if err := checkFunctional(data, CDCCallManagementDescLen, CDCSubtypeCallManagement); err != nil {
		return CDCCallManagementFunctionalDescriptor{}, err
	}
	return CDCCallManagementFunctionalDescriptor{BmCapabilities: data[3], BDataInterface: data[4]}, nil
}

// CDCAbstractControlManagementDescriptor lists the ACM requests supported.
type CDCAbstractControlManagementDescriptor struct {
	BmCapabilities uint8
}

func (a CDCAbstractControlManagementDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(CDCACMDescLen)
	b.WriteByte(CSInterfaceDescType)
	b.WriteByte(CDCSubtypeAbstractControlManagement)
	b.WriteByte(a.BmCapabilities)
}

// ParseCDCAbstractControlManagementDescriptor decodes a 4-byte ACM descriptor.
func ParseCDCAbstractControlManagementDescriptor(data []byte) (CDCAbstractControlManagementDescriptor, error) {
	if err := checkFunctional(data, CDCACMDescLen, CDCSubtypeAbstractControlManagement); err != nil {
		return CDCAbstractControlManagementDescriptor{}, err
	}
	return CDCAbstractControlManagementDescriptor{BmCapabilities: data[3]}, nil
}

// CDCUnionFunctionalDescriptor binds the control interface to its
// subordinate interfaces.
type CDCUnionFunctionalDescriptor struct {
	BMasterInterface uint8
	BSlaveInterface  []uint8
}

func (u CDCUnionFunctionalDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(uint8(CDCUnionDescMinLen - 1 + len(u.BSlaveInterface)))
	b.WriteByte(CSInterfaceDescType)
	b.WriteByte(CDCSubtypeUnion)
	b.WriteByte(u.BMasterInterface)
	b.Write(u.BSlaveInterface)
}

// ParseCDCUnionFunctionalDescriptor decodes a union descriptor with at
// least one subordinate interface.
func ParseCDCUnionFunctionalDescriptor(data []byte) (CDCUnionFunctionalDescriptor, error) {
	if err := checkFunctional(data, CDCUnionDescMinLen, CDCSubtypeUnion); err != nil {
		return CDCUnionFunctionalDescriptor{}, err
	}
	n := int(data[0])
	if len(data) < n {
		return CDCUnionFunctionalDescriptor{}, fmt.Errorf("%w: union declares %d bytes", ErrDescriptorTooShort, n)
	}
	return CDCUnionFunctionalDescriptor{
		BMasterInterface: data[3],
		BSlaveInterface:  append([]uint8(nil), data[4:n]...),
	}, nil
}

// CDCNotification is the 8-byte header sent on the notification endpoint.
type CDCNotification struct {
	BmRequestType uint8
	BNotification uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// Bytes encodes the notification header.
func (n CDCNotification) Bytes() []byte {
	out := make([]byte, CDCNotificationLen)
	out[0] = n.BmRequestType
	out[1] = n.BNotification
	binary.LittleEndian.PutUint16(out[2:4], n.WValue)
	binary.LittleEndian.PutUint16(out[4:6], n.WIndex)
	binary.LittleEndian.PutUint16(out[6:8], n.WLength)
	return out
}

// ParseCDCNotification decodes a notification header.
func ParseCDCNotification(data []byte) (CDCNotification, error) {
	if len(data) < CDCNotificationLen {
		return CDCNotification{}, ErrDescriptorTooShort
	}
	return CDCNotification{
		BmRequestType: data[0],
		BNotification: data[1],
		WValue:        binary.LittleEndian.Uint16(data[2:4]),
		WIndex:        binary.LittleEndian.Uint16(data[4:6]),
		WLength:       binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// LineCoding is the SET_LINE_CODING / GET_LINE_CODING payload.
type LineCoding struct {
	DTERate    uint32 // LE, baud
	CharFormat uint8  // 0=1 stop bit, 1=1.5, 2=2
	ParityType uint8  // 0=none, 1=odd, 2=even, 3=mark, 4=space
	DataBits   uint8
}

// Bytes encodes the 7-byte line coding structure.
func (l LineCoding) Bytes() []byte {
	out := make([]byte, LineCodingLen)
	binary.LittleEndian.PutUint32(out[0:4], l.DTERate)
	out[4] = l.CharFormat
	out[5] = l.ParityType
	out[6] = l.DataBits
	return out
}

// ParseLineCoding decodes a 7-byte line coding structure.
func ParseLineCoding(data []byte) (LineCoding, error) {
	if len(data) < LineCodingLen {
		return LineCoding{}, ErrDescriptorTooShort
	}
	return LineCoding{
		DTERate:    binary.LittleEndian.Uint32(data[0:4]),
		CharFormat: data[4],
		ParityType: data[5],
		DataBits:   data[6],
	}, nil
}

func (l LineCoding) String() string {
	parity := "N"
	switch l.ParityType {
	case 1:
		parity = "O"
	case 2:
		parity = "E"
	case 3:
		parity = "M"
	case 4:
		parity = "S"
	}
	stop := "1"
	switch l.CharFormat {
	case 1:
		stop = "1.5"
	case 2:
		stop = "2"
	}
	return fmt.Sprintf("%d %d%s%s", l.DTERate, l.DataBits, parity, stop)
}

// CdcLineState is the SERIAL_STATE bitmap.
type CdcLineState uint8

// SERIAL_STATE bits
const (
	LineStateDCD     CdcLineState = 1 << 0
	LineStateDSR     CdcLineState = 1 << 1
	LineStateBreak   CdcLineState = 1 << 2
	LineStateRing    CdcLineState = 1 << 3
	LineStateFraming CdcLineState = 1 << 4
	LineStateParity  CdcLineState = 1 << 5
	LineStateOverrun CdcLineState = 1 << 6
)

func (s CdcLineState) DCD() bool     { return s&LineStateDCD != 0 }
func (s CdcLineState) DSR() bool     { return s&LineStateDSR != 0 }
func (s CdcLineState) Break() bool   { return s&LineStateBreak != 0 }
func (s CdcLineState) Ring() bool    { return s&LineStateRing != 0 }
func (s CdcLineState) Framing() bool { return s&LineStateFraming != 0 }
func (s CdcLineState) Parity() bool  { return s&LineStateParity != 0 }
func (s CdcLineState) Overrun() bool { return s&LineStateOverrun != 0 }
