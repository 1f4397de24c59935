package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/usbfs/usb"
	"github.com/Alia5/usbfs/usbip"
)

// maxBuffered bounds how much of an undecodable stream is kept before the
// parser gives up on it.
const maxBuffered = 64 * 1024

// Parser decodes both directions of one proxied USB-IP connection for
// structured logging. RET_SUBMIT carries no usable direction on the wire,
// so the parser remembers which submitted URBs were IN.
type Parser struct {
	logger *slog.Logger

	mu   sync.Mutex
	bufs [2]bytes.Buffer
	in   map[uint32]bool
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger,
		in:     map[uint32]bool{},
	}
}

func side(clientToServer bool) int {
	if clientToServer {
		return 0
	}
	return 1
}

// Parse processes incoming data and logs USB-IP protocol information.
func (p *Parser) Parse(data []byte, clientToServer bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := &p.bufs[side(clientToServer)]
	buf.Write(data)
	for buf.Len() > 0 {
		n := p.next(buf.Bytes(), clientToServer)
		if n == 0 {
			break
		}
		if n < 0 {
			p.logger.Warn("Parser lost stream sync, resetting", "dir", dirString(clientToServer), "buffered", buf.Len())
			buf.Reset()
			return
		}
		buf.Next(n)
	}
	if buf.Len() > maxBuffered {
		p.logger.Warn("Parser buffer overflow, resetting")
		buf.Reset()
	}
}

// next logs the record at the head of b and returns its size, 0 when more
// data is needed, or -1 when b does not start with a known record.
func (p *Parser) next(b []byte, clientToServer bool) int {
	if len(b) < usbip.MgmtHeaderLen {
		return 0
	}
	if binary.BigEndian.Uint16(b[0:2]) == usbip.Version {
		return p.mgmt(b, clientToServer)
	}
	if len(b) < usbip.URBHeaderLen {
		return 0
	}
	h, payload, err := usbip.ParseURBHeader(b[:usbip.URBHeaderLen])
	if err != nil {
		return -1
	}
	if ret, ok := h.(*usbip.RetSubmit); ok {
		payload = 0
		if p.in[ret.Basic.Seqnum] {
			payload = int(ret.ActualLength)
		}
	}
	size := usbip.URBHeaderLen + payload
	if len(b) < size {
		return 0
	}

	switch h := h.(type) {
	case *usbip.CmdSubmit:
		p.cmdSubmit(h, clientToServer)
	case *usbip.RetSubmit:
		delete(p.in, h.Basic.Seqnum)
		p.logger.Info("USBIP packet",
			"dir", dirString(clientToServer),
			"op", "RET_SUBMIT",
			"seq", h.Basic.Seqnum,
			"status", h.Status,
			"actual_len", h.ActualLength)
	case *usbip.CmdUnlink:
		p.logger.Info("USBIP packet",
			"dir", dirString(clientToServer),
			"op", "CMD_UNLINK",
			"seq", h.Basic.Seqnum,
			"unlink_seq", h.UnlinkSeqnum)
	case *usbip.RetUnlink:
		p.logger.Info("USBIP packet",
			"dir", dirString(clientToServer),
			"op", "RET_UNLINK",
			"seq", h.Basic.Seqnum,
			"status", h.Status)
	}
	return size
}

func (p *Parser) cmdSubmit(c *usbip.CmdSubmit, clientToServer bool) {
	if c.Basic.Dir == usbip.DirIn {
		p.in[c.Basic.Seqnum] = true
	}
	args := []any{
		"dir", dirString(clientToServer),
		"op", "CMD_SUBMIT",
		"seq", c.Basic.Seqnum,
		"devid", c.Basic.Devid,
		"ep", c.Basic.Ep,
		"urb_dir", urbDirString(c.Basic.Dir),
		"len", c.TransferBufferLen,
		"flags", fmt.Sprintf("0x%x", c.TransferFlags),
	}
	if c.Basic.Ep == 0 {
		args = append(args, "setup", usb.ParseSetup(c.Setup).String())
	}
	p.logger.Info("USBIP packet", args...)
}

func (p *Parser) mgmt(b []byte, clientToServer bool) int {
	hdr := usbip.ParseMgmtHeader(b)
	switch hdr.Command {
	case usbip.OpReqDevlist:
		p.logMgmtOp("OP_REQ_DEVLIST", clientToServer)
		return usbip.MgmtHeaderLen

	case usbip.OpReqImport:
		n := usbip.MgmtHeaderLen + usbip.BusIDLen
		if len(b) < n {
			return 0
		}
		busid, _ := usbip.ReadBusID(bytes.NewReader(b[usbip.MgmtHeaderLen:n]))
		p.logger.Info("USBIP packet",
			"dir", dirString(clientToServer),
			"op", "OP_REQ_IMPORT",
			"busid", busid)
		return n

	case usbip.OpRepDevlist:
		return p.opRepDevlist(b, clientToServer)

	case usbip.OpRepImport:
		if hdr.Status != 0 {
			p.logger.Info("USBIP packet", "dir", dirString(clientToServer), "op", "OP_REP_IMPORT", "status", hdr.Status)
			return usbip.MgmtHeaderLen
		}
		n := usbip.MgmtHeaderLen + usbip.ExportedDeviceLen
		if len(b) < n {
			return 0
		}
		d, err := usbip.ParseExportedDevice(b[usbip.MgmtHeaderLen:n])
		if err != nil {
			return -1
		}
		p.logger.Info("USBIP packet", append([]any{
			"dir", dirString(clientToServer),
			"op", "OP_REP_IMPORT",
			"status", hdr.Status,
		}, deviceArgs(&d)...)...)
		return n
	}
	return -1
}

func (p *Parser) opRepDevlist(b []byte, clientToServer bool) int {
	if len(b) < usbip.MgmtHeaderLen+4 {
		return 0
	}
	nDevices := binary.BigEndian.Uint32(b[8:12])

	// Only log once the whole reply is buffered.
	r := bytes.NewReader(b[usbip.MgmtHeaderLen+4:])
	devs := make([]usbip.ExportedDevice, 0, nDevices)
	for range nDevices {
		d, err := usbip.ReadExportedDevice(r, true)
		if err != nil {
			return 0
		}
		devs = append(devs, d)
	}
	offset := len(b) - r.Len()

	p.logger.Info("USBIP packet",
		"dir", dirString(clientToServer),
		"op", "OP_REP_DEVLIST",
		"nDevices", nDevices)
	for _, d := range devs {
		p.logger.Info("  Device", deviceArgs(&d)...)
		for j, iface := range d.Interfaces {
			p.logger.Info("    Interface",
				"num", j,
				"class", fmt.Sprintf("%02x", iface.Class),
				"subclass", fmt.Sprintf("%02x", iface.SubClass),
				"protocol", fmt.Sprintf("%02x", iface.Protocol))
		}
	}
	return offset
}

func deviceArgs(d *usbip.ExportedDevice) []any {
	return []any{
		"path", d.PathString(),
		"busid", d.BusIDString(),
		"bus", d.BusId,
		"dev", d.DevId,
		"speed", d.Speed,
		"vid", fmt.Sprintf("%04x", d.IDVendor),
		"pid", fmt.Sprintf("%04x", d.IDProduct),
		"bcd", fmt.Sprintf("%04x", d.BcdDevice),
		"class", fmt.Sprintf("%02x", d.BDeviceClass),
		"subclass", fmt.Sprintf("%02x", d.BDeviceSubClass),
		"protocol", fmt.Sprintf("%02x", d.BDeviceProtocol),
		"config", d.BConfigurationValue,
		"nConfigs", d.BNumConfigurations,
		"nInterfaces", d.BNumInterfaces,
	}
}

func (p *Parser) logMgmtOp(op string, clientToServer bool) {
	p.logger.Info("USBIP packet",
		"dir", dirString(clientToServer),
		"op", op)
}

func dirString(clientToServer bool) string {
	if clientToServer {
		return "C→S"
	}
	return "S→C"
}

func urbDirString(dir uint32) string {
	if dir == usbip.DirOut {
		return "OUT"
	}
	return "IN"
}
