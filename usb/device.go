package usb

// Device is a peripheral as seen from the bus: it answers individual
// tokens addressed to it. The host driver sequences tokens into
// transfers; a simulated SIE implements the device side.
type Device interface {
	// Setup delivers a SETUP token plus its DATA0 packet.
	Setup(addr, ep uint8, packet [SetupPacketSize]byte) Handshake
	// Out delivers an OUT token followed by a DATA0/DATA1 packet.
	Out(addr, ep uint8, pid Pid, data []byte) Handshake
	// In issues an IN token. On ACK the device returned data tagged with
	// pid; the host acknowledgement is implied.
	In(addr, ep uint8) (data []byte, pid Pid, hs Handshake)
	// BusReset drives SE0 long enough to reset the device.
	BusReset()
	// SOF emits a start-of-frame token.
	SOF(frame uint16)
}

// Describer is implemented by devices that can report their static
// descriptors without going through EP0, e.g. for USB-IP device lists.
type Describer interface {
	GetDescriptor() *Descriptor
}
