package testing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alia5/usbfs/usb"
	"github.com/Alia5/usbfs/usbip"
)

// ErrImportRefused is returned when OP_REP_IMPORT carries a non-zero status.
var ErrImportRefused = errors.New("import refused")

// TestUsbIpClient speaks the client side of USB-IP, the way vhci-hcd does.
type TestUsbIpClient struct {
	address string
}

// Import is an attached device and its URB stream.
type Import struct {
	Conn     net.Conn
	Exported usbip.ExportedDevice
	// Timeout bounds every reply wait.
	Timeout  time.Duration
	seq      uint32
}

func NewUsbIpClient(t testing.TB, addr string) *TestUsbIpClient {
	t.Helper()

	return &TestUsbIpClient{
		address: addr,
	}
}

func (c *TestUsbIpClient) ListDevices() ([]usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return nil, err
	}
	if hdr.Command != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply command %x", hdr.Command)
	}
	var n [4]byte
	if _, err := io.ReadFull(conn, n[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(n[:])

	devices := make([]usbip.ExportedDevice, 0, count)
	for range count {
		dev, err := usbip.ReadExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// AttachDevice imports busID. A refused import returns ErrImportRefused.
func (c *TestUsbIpClient) AttachDevice(busID string) (*Import, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}

	if err := usbip.WriteImportRequest(conn, busID); err != nil {
		conn.Close()
		return nil, err
	}
	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if hdr.Command != usbip.OpRepImport {
		conn.Close()
		return nil, fmt.Errorf("unexpected reply command %x", hdr.Command)
	}
	if hdr.Status != 0 {
		conn.Close()
		return nil, fmt.Errorf("%w: status %d", ErrImportRefused, hdr.Status)
	}
	dev, err := usbip.ReadExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Import{Conn: conn, Exported: dev, Timeout: 2 * time.Second}, nil
}

func (im *Import) Close() error { return im.Conn.Close() }

func (im *Import) nextSeq() uint32 {
	return atomic.AddUint32(&im.seq, 1)
}

// Send writes a CMD_SUBMIT without waiting for its completion and returns
// its sequence number. For OUT transfers length is len(out).
func (im *Import) Send(ep uint8, flags uint32, length int, setup [usb.SetupPacketSize]byte, out []byte) (uint32, error) {
	dir := uint32(usbip.DirOut)
	if ep&usb.EndpointIn != 0 {
		dir = usbip.DirIn
	} else {
		length = len(out)
	}
	seq := im.nextSeq()
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: im.Exported.DevID(), Dir: dir, Ep: uint32(ep & 0x0F)},
		TransferFlags:     flags,
		TransferBufferLen: uint32(length),
		Setup:             setup,
	}
	if dir == usbip.DirIn {
		cmd.TransferFlags |= usbip.URBDirIn
	}
	if err := cmd.Write(im.Conn); err != nil {
		return 0, err
	}
	if len(out) > 0 {
		if _, err := im.Conn.Write(out); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Unlink asks the server to cancel seq and returns the unlink's own
// sequence number.
func (im *Import) Unlink(seq uint32) (uint32, error) {
	own := im.nextSeq()
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: own, Devid: im.Exported.DevID()},
		UnlinkSeqnum: seq,
	}
	return own, cmd.Write(im.Conn)
}

// Next reads the next reply from the URB stream.
func (im *Import) Next() (usbip.Message, error) {
	_ = im.Conn.SetReadDeadline(time.Now().Add(im.Timeout))
	defer im.Conn.SetReadDeadline(time.Time{})
	return usbip.ReadMessage(im.Conn)
}

// Submit sends one URB and waits for its RET_SUBMIT.
func (im *Import) Submit(ep uint8, length int, out []byte) (*usbip.RetSubmit, []byte, error) {
	return im.submit(ep, 0, length, [usb.SetupPacketSize]byte{}, out)
}

// SubmitFlags is Submit with explicit URB transfer flags.
func (im *Import) SubmitFlags(ep uint8, flags uint32, length int, out []byte) (*usbip.RetSubmit, []byte, error) {
	return im.submit(ep, flags, length, [usb.SetupPacketSize]byte{}, out)
}

// Control runs a control transfer on EP0. The data stage direction follows
// the setup packet.
func (im *Import) Control(setup usb.SetupPacket, out []byte) (*usbip.RetSubmit, []byte, error) {
	ep := uint8(0)
	if setup.Direction == usb.DirectionIn {
		ep = usb.EndpointIn
	}
	return im.submit(ep, 0, int(setup.Length), setup.Bytes(), out)
}

func (im *Import) submit(ep uint8, flags uint32, length int, setup [usb.SetupPacketSize]byte, out []byte) (*usbip.RetSubmit, []byte, error) {
	seq, err := im.Send(ep, flags, length, setup, out)
	if err != nil {
		return nil, nil, err
	}
	msg, err := im.Next()
	if err != nil {
		return nil, nil, err
	}
	ret, ok := msg.Header.(*usbip.RetSubmit)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected reply %T", msg.Header)
	}
	if ret.Basic.Seqnum != seq {
		return nil, nil, fmt.Errorf("reply for seq %d, want %d", ret.Basic.Seqnum, seq)
	}
	return ret, msg.Payload, nil
}
