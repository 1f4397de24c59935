// Package usbip is the USB-IP wire codec: the management exchange that
// lists and imports devices, and the URB stream that follows an import.
// Everything on the wire is big-endian except the embedded SETUP packet.
package usbip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Alia5/usbfs/usb"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// URB status values are negated Linux errno codes.
const (
	StatusOK         int32 = 0
	StatusNoEntry    int32 = -2   // ENOENT: URB was unlinked
	StatusInvalidArg int32 = -22  // EINVAL
	StatusPipe       int32 = -32  // EPIPE: endpoint stalled
	StatusTime       int32 = -62  // ETIME: device did not answer in time
	StatusProto      int32 = -71  // EPROTO: bit stuffing, no handshake
	StatusOverflow   int32 = -75  // EOVERFLOW: babble
	StatusConnReset  int32 = -104 // ECONNRESET
	StatusShutdown   int32 = -108 // ESHUTDOWN: device gone
	StatusRemoteIO   int32 = -121 // EREMOTEIO: short read with URB_SHORT_NOT_OK
)

// Transfer flags carried by CMD_SUBMIT (Linux URB_* values).
const (
	URBShortNotOK = 0x0001
	URBZeroPacket = 0x0040
	URBDirIn      = 0x0200
)

// Sizes of fixed wire records.
const (
	MgmtHeaderLen     = 8
	BusIDLen          = 32
	PathLen           = 256
	URBHeaderLen      = 0x30
	ExportedDeviceLen = 312
	interfaceLen      = 4
)

var (
	ErrVersion        = errors.New("usbip: unsupported protocol version")
	ErrUnknownCommand = errors.New("usbip: unknown command")
)

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [MgmtHeaderLen]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// ParseMgmtHeader decodes the first 8 bytes of a connection.
func ParseMgmtHeader(b []byte) MgmtHeader {
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Command: binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}
}

// ReadMgmtHeader reads a management header and checks its version.
func ReadMgmtHeader(r io.Reader) (MgmtHeader, error) {
	var buf [MgmtHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return MgmtHeader{}, err
	}
	h := ParseMgmtHeader(buf[:])
	if h.Version != Version {
		return h, fmt.Errorf("%w: 0x%04x", ErrVersion, h.Version)
	}
	return h, nil
}

// WriteImportRequest sends OP_REQ_IMPORT for busID.
func WriteImportRequest(w io.Writer, busID string) error {
	var buf [MgmtHeaderLen + BusIDLen]byte
	binary.BigEndian.PutUint16(buf[0:2], Version)
	binary.BigEndian.PutUint16(buf[2:4], OpReqImport)
	copy(buf[MgmtHeaderLen:], busID)
	_, err := w.Write(buf[:])
	return err
}

// ReadBusID reads the 32-byte bus id that follows OP_REQ_IMPORT.
func ReadBusID(r io.Reader) (string, error) {
	var buf [BusIDLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", err
	}
	return cString(buf[:]), nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [PathLen]byte
	USBBusId [BusIDLen]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns the "bus-dev" identifier used by usbip attach -b.
func (m *ExportMeta) BusIDString() string { return cString(m.USBBusId[:]) }

// PathString returns the sysfs-style device path.
func (m *ExportMeta) PathString() string { return cString(m.Path[:]) }

// DevID is the devid field URB headers carry for this device.
func (m *ExportMeta) DevID() uint32 { return m.BusId<<16 | m.DevId }

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// NewExportedDevice describes desc under meta. The configuration value is
// the one the device will be configured with; USB-IP hosts select it.
func NewExportedDevice(meta ExportMeta, desc *usb.Descriptor) ExportedDevice {
	speed := desc.Device.Speed
	if speed == 0 {
		speed = usb.SpeedFull
	}
	exp := ExportedDevice{
		ExportMeta:          meta,
		Speed:               speed,
		IDVendor:            desc.Device.IDVendor,
		IDProduct:           desc.Device.IDProduct,
		BcdDevice:           desc.Device.BcdDevice,
		BDeviceClass:        desc.Device.BDeviceClass,
		BDeviceSubClass:     desc.Device.BDeviceSubClass,
		BDeviceProtocol:     desc.Device.BDeviceProtocol,
		BConfigurationValue: desc.Config.BConfigurationValue,
		BNumConfigurations:  desc.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(desc.Interfaces)),
	}
	for _, iface := range desc.Interfaces {
		exp.Interfaces = append(exp.Interfaces, InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

func (d *ExportedDevice) encode(withInterfaces bool) []byte {
	n := ExportedDeviceLen
	if withInterfaces {
		n += interfaceLen * len(d.Interfaces)
	}
	buf := make([]byte, n)
	copy(buf[0:256], d.Path[:])
	copy(buf[256:288], d.USBBusId[:])
	binary.BigEndian.PutUint32(buf[288:292], d.BusId)
	binary.BigEndian.PutUint32(buf[292:296], d.DevId)
	binary.BigEndian.PutUint32(buf[296:300], d.Speed)
	binary.BigEndian.PutUint16(buf[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], d.BcdDevice)
	buf[306] = d.BDeviceClass
	buf[307] = d.BDeviceSubClass
	buf[308] = d.BDeviceProtocol
	buf[309] = d.BConfigurationValue
	buf[310] = d.BNumConfigurations
	buf[311] = d.BNumInterfaces
	if withInterfaces {
		for i, iface := range d.Interfaces {
			off := ExportedDeviceLen + i*interfaceLen
			buf[off] = iface.Class
			buf[off+1] = iface.SubClass
			buf[off+2] = iface.Protocol
		}
	}
	return buf
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	_, err := w.Write(d.encode(true))
	return err
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	_, err := w.Write(d.encode(false))
	return err
}

// ParseExportedDevice decodes the fixed 312-byte part of a device entry.
// Interfaces are left empty; devlist replies follow it with
// BNumInterfaces 4-byte records, see ReadExportedDevice.
func ParseExportedDevice(b []byte) (ExportedDevice, error) {
	if len(b) < ExportedDeviceLen {
		return ExportedDevice{}, fmt.Errorf("exported device: %w", io.ErrUnexpectedEOF)
	}
	var d ExportedDevice
	copy(d.Path[:], b[0:256])
	copy(d.USBBusId[:], b[256:288])
	d.BusId = binary.BigEndian.Uint32(b[288:292])
	d.DevId = binary.BigEndian.Uint32(b[292:296])
	d.Speed = binary.BigEndian.Uint32(b[296:300])
	d.IDVendor = binary.BigEndian.Uint16(b[300:302])
	d.IDProduct = binary.BigEndian.Uint16(b[302:304])
	d.BcdDevice = binary.BigEndian.Uint16(b[304:306])
	d.BDeviceClass = b[306]
	d.BDeviceSubClass = b[307]
	d.BDeviceProtocol = b[308]
	d.BConfigurationValue = b[309]
	d.BNumConfigurations = b[310]
	d.BNumInterfaces = b[311]
	return d, nil
}

// ReadExportedDevice reads one device entry, including its interface
// records when withInterfaces is set (devlist) and not otherwise (import).
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var buf [ExportedDeviceLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ExportedDevice{}, err
	}
	d, err := ParseExportedDevice(buf[:])
	if err != nil || !withInterfaces {
		return d, err
	}
	ifaces := make([]byte, interfaceLen*int(d.BNumInterfaces))
	if _, err := io.ReadFull(r, ifaces); err != nil {
		return d, err
	}
	for off := 0; off < len(ifaces); off += interfaceLen {
		d.Interfaces = append(d.Interfaces, InterfaceDesc{
			Class:    ifaces[off],
			SubClass: ifaces[off+1],
			Protocol: ifaces[off+2],
		})
	}
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Command)
	binary.BigEndian.PutUint32(b[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(b[8:12], h.Devid)
	binary.BigEndian.PutUint32(b[12:16], h.Dir)
	binary.BigEndian.PutUint32(b[16:20], h.Ep)
}

// ParseHeaderBasic decodes the first 20 bytes of a URB header.
func ParseHeaderBasic(b []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [usb.SetupPacketSize]byte
}

// EndpointAddress is the endpoint with its direction bit, as descriptors
// and the host driver name it.
func (c *CmdSubmit) EndpointAddress() uint8 {
	addr := uint8(c.Basic.Ep & 0x0F)
	if c.Basic.Dir == DirIn {
		addr |= usb.EndpointIn
	}
	return addr
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	c.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(buf[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(buf[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], c.Interval)
	copy(buf[40:48], c.Setup[:])
	_, err := w.Write(buf[:])
	return err
}

func parseCmdSubmit(b []byte) CmdSubmit {
	c := CmdSubmit{
		Basic:             ParseHeaderBasic(b),
		TransferFlags:     binary.BigEndian.Uint32(b[20:24]),
		TransferBufferLen: binary.BigEndian.Uint32(b[24:28]),
		StartFrame:        binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets:   binary.BigEndian.Uint32(b[32:36]),
		Interval:          binary.BigEndian.Uint32(b[36:40]),
	}
	copy(c.Setup[:], b[40:48])
	return c
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	r.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(buf[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(buf[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(buf[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[36:40], r.ErrorCount)
	_, err := w.Write(buf[:])
	return err
}

func parseRetSubmit(b []byte) RetSubmit {
	return RetSubmit{
		Basic:           ParseHeaderBasic(b),
		Status:          int32(binary.BigEndian.Uint32(b[20:24])),
		ActualLength:    binary.BigEndian.Uint32(b[24:28]),
		StartFrame:      binary.BigEndian.Uint32(b[28:32]),
		NumberOfPackets: binary.BigEndian.Uint32(b[32:36]),
		ErrorCount:      binary.BigEndian.Uint32(b[36:40]),
	}
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	c.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], c.UnlinkSeqnum)
	_, err := w.Write(buf[:])
	return err
}

func (r *RetUnlink) Write(w io.Writer) error {
	var buf [URBHeaderLen]byte
	r.Basic.put(buf[:])
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.Status))
	_, err := w.Write(buf[:])
	return err
}

// Message is one decoded URB stream record: *CmdSubmit, *CmdUnlink,
// *RetSubmit or *RetUnlink. Payload is the transfer buffer that follows a
// CMD_SUBMIT (OUT) or RET_SUBMIT (IN) header.
type Message struct {
	Header  any
	Payload []byte
}

// ParseURBHeader decodes a 48-byte URB header. The returned size is the
// number of payload bytes that follow it on the wire.
func ParseURBHeader(b []byte) (any, int, error) {
	if len(b) < URBHeaderLen {
		return nil, 0, fmt.Errorf("urb header: %w", io.ErrUnexpectedEOF)
	}
	switch cmd := binary.BigEndian.Uint32(b[0:4]); cmd {
	case CmdSubmitCode:
		c := parseCmdSubmit(b)
		if c.Basic.Dir == DirOut {
			return &c, int(c.TransferBufferLen), nil
		}
		return &c, 0, nil
	case RetSubmitCode:
		r := parseRetSubmit(b)
		if r.Basic.Dir == DirIn {
			return &r, int(r.ActualLength), nil
		}
		return &r, 0, nil
	case CmdUnlinkCode:
		return &CmdUnlink{Basic: ParseHeaderBasic(b), UnlinkSeqnum: binary.BigEndian.Uint32(b[20:24])}, 0, nil
	case RetUnlinkCode:
		return &RetUnlink{Basic: ParseHeaderBasic(b), Status: int32(binary.BigEndian.Uint32(b[20:24]))}, 0, nil
	default:
		return nil, 0, fmt.Errorf("%w: 0x%08x", ErrUnknownCommand, cmd)
	}
}

// ReadMessage reads one URB header and its payload.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [URBHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	h, n, err := ParseURBHeader(hdr[:])
	if err != nil {
		return Message{}, err
	}
	m := Message{Header: h}
	if n > 0 {
		m.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, fmt.Errorf("read urb payload: %w", err)
		}
	}
	return m, nil
}
