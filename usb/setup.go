package usb

import (
	"encoding/binary"
	"fmt"
)

// SetupPacketSize is the size of a SETUP packet on the wire.
const SetupPacketSize = 8

// Recipient is bmRequestType bits [0:5).
type Recipient uint8

const (
	RecipientDevice    Recipient = 0
	RecipientInterface Recipient = 1
	RecipientEndpoint  Recipient = 2
	RecipientOther     Recipient = 3
)

func (r Recipient) String() string {
	switch r {
	case RecipientDevice:
		return "device"
	case RecipientInterface:
		return "interface"
	case RecipientEndpoint:
		return "endpoint"
	case RecipientOther:
		return "other"
	default:
		return fmt.Sprintf("recipient(%d)", uint8(r))
	}
}

// RequestKind is bmRequestType bits [5:7).
type RequestKind uint8

const (
	KindStandard RequestKind = 0
	KindClass    RequestKind = 1
	KindVendor   RequestKind = 2
	KindReserved RequestKind = 3
)

func (k RequestKind) String() string {
	switch k {
	case KindStandard:
		return "standard"
	case KindClass:
		return "class"
	case KindVendor:
		return "vendor"
	default:
		return "reserved"
	}
}

// Direction is bmRequestType bit 7.
type Direction uint8

const (
	DirectionOut Direction = 0 // host to device
	DirectionIn  Direction = 1 // device to host
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "IN"
	}
	return "OUT"
}

const (
	recipientMask = 0x1F
	kindShift     = 5
	kindMask      = 0x03
	directionBit  = 7
)

// ReqRecipient extracts the recipient from bmRequestType.
func ReqRecipient(bmRequestType uint8) Recipient {
	return Recipient(bmRequestType & recipientMask)
}

// ReqType extracts the request kind from bmRequestType.
func ReqType(bmRequestType uint8) RequestKind {
	return RequestKind((bmRequestType >> kindShift) & kindMask)
}

// ReqDirection extracts the data stage direction from bmRequestType.
func ReqDirection(bmRequestType uint8) Direction {
	return Direction((bmRequestType >> directionBit) & 1)
}

// RequestType packs direction, kind and recipient into bmRequestType.
func RequestType(d Direction, k RequestKind, r Recipient) uint8 {
	return uint8(d&1)<<directionBit | uint8(k&kindMask)<<kindShift | uint8(r)&recipientMask
}

// SetupPacket is the decoded 8-byte control transfer header.
type SetupPacket struct {
	Recipient Recipient
	Type      RequestKind
	Direction Direction
	Request   uint8
	Value     uint16
	Index     uint16
	Length    uint16
}

// ParseSetup decodes a raw SETUP packet. Every input decodes; judging
// whether the request makes sense is left to the dispatcher.
func ParseSetup(raw [SetupPacketSize]byte) SetupPacket {
	return SetupPacket{
		Recipient: ReqRecipient(raw[0]),
		Type:      ReqType(raw[0]),
		Direction: ReqDirection(raw[0]),
		Request:   raw[1],
		Value:     binary.LittleEndian.Uint16(raw[2:4]),
		Index:     binary.LittleEndian.Uint16(raw[4:6]),
		Length:    binary.LittleEndian.Uint16(raw[6:8]),
	}
}

// ParseSetupBytes decodes the first eight bytes of data.
func ParseSetupBytes(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, ErrSetupPacketTooShort
	}
	return ParseSetup([SetupPacketSize]byte(data[:SetupPacketSize])), nil
}

// RequestTypeByte re-packs the bmRequestType byte.
func (s SetupPacket) RequestTypeByte() uint8 {
	return RequestType(s.Direction, s.Type, s.Recipient)
}

// Bytes encodes the packet in wire order.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var raw [SetupPacketSize]byte
	raw[0] = s.RequestTypeByte()
	raw[1] = s.Request
	binary.LittleEndian.PutUint16(raw[2:4], s.Value)
	binary.LittleEndian.PutUint16(raw[4:6], s.Index)
	binary.LittleEndian.PutUint16(raw[6:8], s.Length)
	return raw
}

// DescriptorType is the wValue high byte of GET_DESCRIPTOR.
func (s SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex is the wValue low byte of GET_DESCRIPTOR.
func (s SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

// Endpoint returns the endpoint number addressed by wIndex.
func (s SetupPacket) Endpoint() uint8 { return uint8(s.Index) & 0x0F }

// EndpointIn reports whether wIndex names an IN endpoint.
func (s SetupPacket) EndpointIn() bool { return s.Index&EndpointIn != 0 }

// Is reports whether the packet matches a request code and bmRequestType.
func (s SetupPacket) Is(bmRequestType, request uint8) bool {
	return s.RequestTypeByte() == bmRequestType && s.Request == request
}

func (s SetupPacket) String() string {
	return fmt.Sprintf("SETUP[%s %s %s] req=0x%02x value=0x%04x index=0x%04x length=%d",
		s.Direction, s.Type, s.Recipient, s.Request, s.Value, s.Index, s.Length)
}
