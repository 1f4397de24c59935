package usb

import "errors"

var (
	// ErrSetupPacketTooShort is returned when fewer than eight bytes are
	// offered as a SETUP packet.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrDescriptorTooShort is returned when a buffer is shorter than the
	// fixed layout being decoded.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch is returned when bDescriptorType (or the
	// class subtype) does not match the layout being decoded.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)
