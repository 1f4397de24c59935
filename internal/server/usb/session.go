package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alia5/usbfs/host"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/usb"
	"github.com/Alia5/usbfs/usbip"
	"github.com/Alia5/usbfs/virtualbus"
)

// resetRecovery is the time a host leaves a device after bus reset before
// the first request.
const resetRecovery = 10 * time.Millisecond

var errInvalidURB = errors.New("invalid urb")

// session is one imported device. URBs for the same endpoint complete in
// submission order; different endpoints run concurrently on the shared
// host port.
type session struct {
	s      *Server
	conn   net.Conn
	meta   usbip.ExportMeta
	desc   *usb.Descriptor
	bus    *host.Bus
	addr   uint8
	logger *slog.Logger

	ctx context.Context

	mu      sync.Mutex
	pending map[uint32]*urb
	tails   map[uint8]chan struct{}
	wg      sync.WaitGroup

	replies chan []byte
}

type urb struct {
	cmd      usbip.CmdSubmit
	payload  []byte
	ctx      context.Context
	cancel   context.CancelFunc
	unlinked bool
}

func newSession(s *Server, conn net.Conn, m virtualbus.DeviceMeta) *session {
	logger := s.logger.With("busid", m.Meta.BusIDString())
	bus := host.New(log.NewTokenLogger(m.Dev, logger), logger)
	if s.config.RetryInterval > 0 {
		bus.RetryInterval = s.config.RetryInterval
	}
	return &session{
		s:       s,
		conn:    conn,
		meta:    m.Meta,
		desc:    m.Dev.GetDescriptor(),
		bus:     bus,
		addr:    uint8(m.Meta.DevId),
		logger:  logger,
		pending: map[uint32]*urb{},
		tails:   map[uint8]chan struct{}{},
		replies: make(chan []byte, 64),
	}
}

func (ss *session) serve(devCtx context.Context) error {
	ctx, cancel := context.WithCancel(devCtx)
	defer cancel()
	ss.ctx = ctx

	if err := ss.attach(ctx); err != nil {
		return fmt.Errorf("attach device: %w", err)
	}
	ss.logger.Info("Device imported", "addr", ss.addr)

	writerDone := make(chan error, 1)
	go func() { writerDone <- ss.writeLoop() }()
	if ss.s.config.FrameInterval > 0 {
		go ss.frames(ctx, ss.s.config.FrameInterval)
	}
	go func() {
		<-ctx.Done()
		_ = ss.conn.SetReadDeadline(time.Now())
	}()

	err := ss.readLoop()
	cancel()
	ss.wg.Wait()
	close(ss.replies)
	if werr := <-writerDone; err == nil {
		err = werr
	}
	ss.bus.Reset()

	if devCtx.Err() != nil {
		ss.logger.Info("device removed, closing URB stream")
		return nil
	}
	return err
}

// attach resets the device and gives it the address the URB stream uses.
func (ss *session) attach(ctx context.Context) error {
	ss.bus.Reset()
	t := time.NewTimer(resetRecovery)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}

	ss.bus.SetMaxPacketSize(0, 0, int(ss.desc.Device.BMaxPacketSize0))
	actx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	setAddr := usb.SetupPacket{Request: usb.RequestSetAddress, Value: uint16(ss.addr)}
	if _, err := ss.bus.Control(actx, 0, setAddr, nil); err != nil {
		return err
	}
	for _, ep := range ss.desc.Endpoints() {
		ss.bus.SetMaxPacketSize(ss.addr, ep.BEndpointAddress, int(ep.WMaxPacketSize&0x7FF))
	}
	return nil
}

func (ss *session) frames(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ss.bus.SOF()
		}
	}
}

func (ss *session) readLoop() error {
	for {
		msg, err := usbip.ReadMessage(ss.conn)
		if err != nil {
			return fmt.Errorf("read URB: %w", err)
		}
		switch h := msg.Header.(type) {
		case *usbip.CmdSubmit:
			ss.submit(h, msg.Payload)
		case *usbip.CmdUnlink:
			ss.unlink(h)
		default:
			return fmt.Errorf("protocol violation: %T in URB stream", h)
		}
	}
}

// writeLoop sends replies in completion order. After a write error it
// keeps draining so completions never block.
func (ss *session) writeLoop() error {
	var werr error
	for b := range ss.replies {
		if werr != nil {
			continue
		}
		if _, err := ss.conn.Write(b); err != nil {
			werr = fmt.Errorf("write reply: %w", err)
			ss.logger.Debug("reply write failed", "error", err)
		}
	}
	return werr
}

func pipeOf(cmd *usbip.CmdSubmit) uint8 {
	ep := cmd.EndpointAddress()
	if ep&0x0F == 0 {
		return 0
	}
	return ep
}

func (ss *session) submit(cmd *usbip.CmdSubmit, payload []byte) {
	if cmd.Basic.Devid != ss.meta.DevID() {
		log.Trace(ss.logger, "devid mismatch", "seq", cmd.Basic.Seqnum, "devid", cmd.Basic.Devid)
	}
	u := &urb{cmd: *cmd, payload: payload}
	if pipeOf(cmd) == 0 && ss.s.config.ControlTimeout > 0 {
		u.ctx, u.cancel = context.WithTimeout(ss.ctx, ss.s.config.ControlTimeout)
	} else {
		u.ctx, u.cancel = context.WithCancel(ss.ctx)
	}

	ep := pipeOf(cmd)
	done := make(chan struct{})
	ss.mu.Lock()
	ss.pending[cmd.Basic.Seqnum] = u
	prev := ss.tails[ep]
	ss.tails[ep] = done
	ss.mu.Unlock()

	log.Trace(ss.logger, "USBIP_CMD_SUBMIT", "seq", cmd.Basic.Seqnum, "ep", fmt.Sprintf("0x%02x", cmd.EndpointAddress()),
		"len", cmd.TransferBufferLen, "flags", fmt.Sprintf("0x%x", cmd.TransferFlags))

	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		data, n, err := ss.run(u)
		ss.complete(u, data, n, err)
	}()
}

func (ss *session) run(u *urb) ([]byte, int, error) {
	if err := u.ctx.Err(); err != nil {
		return nil, 0, err
	}
	ep := u.cmd.EndpointAddress()
	if ep&0x0F == 0 {
		return ss.control(u)
	}

	var ed *usb.EndpointDescriptor
	for _, e := range ss.desc.Endpoints() {
		if e.BEndpointAddress == ep {
			ed = &e
			break
		}
	}
	if ed == nil {
		return nil, 0, fmt.Errorf("%w: no endpoint 0x%02x", errInvalidURB, ep)
	}

	switch ed.TransferType() {
	case usb.AttrBulk, usb.AttrInterrupt:
		if ed.IsIn() {
			data, err := ss.bus.BulkIn(u.ctx, ss.addr, ep, int(u.cmd.TransferBufferLen))
			return data, len(data), err
		}
		zlp := u.cmd.TransferFlags&usbip.URBZeroPacket != 0
		n, err := ss.bus.BulkOut(u.ctx, ss.addr, ep, u.payload, zlp)
		return nil, n, err
	}
	return nil, 0, fmt.Errorf("%w: isochronous endpoint 0x%02x", errInvalidURB, ep)
}

func (ss *session) control(u *urb) ([]byte, int, error) {
	setup := usb.ParseSetup(u.cmd.Setup)
	outDevice := usb.RequestType(usb.DirectionOut, usb.KindStandard, usb.RecipientDevice)
	if setup.Is(outDevice, usb.RequestSetAddress) {
		// The importing side addresses its virtual port itself; the device
		// keeps the address it got at import.
		log.Trace(ss.logger, "SET_ADDRESS absorbed", "value", setup.Value)
		return nil, 0, nil
	}

	if setup.Direction == usb.DirectionOut {
		if len(u.payload) != int(setup.Length) {
			return nil, 0, fmt.Errorf("%w: %d bytes for wLength %d", errInvalidURB, len(u.payload), setup.Length)
		}
		if _, err := ss.bus.Control(u.ctx, ss.addr, setup, u.payload); err != nil {
			return nil, 0, err
		}
		return nil, len(u.payload), nil
	}

	if u.cmd.TransferBufferLen < uint32(setup.Length) {
		setup.Length = uint16(u.cmd.TransferBufferLen)
	}
	data, err := ss.bus.Control(u.ctx, ss.addr, setup, nil)
	return data, len(data), err
}

func (ss *session) complete(u *urb, data []byte, n int, err error) {
	seq := u.cmd.Basic.Seqnum
	ss.mu.Lock()
	delete(ss.pending, seq)
	unlinked := u.unlinked
	ss.mu.Unlock()
	u.cancel()

	if unlinked || ss.ctx.Err() != nil {
		log.Trace(ss.logger, "URB dropped", "seq", seq, "unlinked", unlinked)
		return
	}

	status := statusFor(err)
	in := u.cmd.Basic.Dir == usbip.DirIn
	if status == usbip.StatusOK && in && u.cmd.TransferFlags&usbip.URBShortNotOK != 0 && n < int(u.cmd.TransferBufferLen) {
		status = usbip.StatusRemoteIO
	}
	if err != nil {
		ss.logger.Debug("URB failed", "seq", seq, "ep", fmt.Sprintf("0x%02x", u.cmd.EndpointAddress()), "status", status, "error", err)
	}

	ret := usbip.RetSubmit{
		Basic: usbip.HeaderBasic{
			Command: usbip.RetSubmitCode,
			Seqnum:  seq,
			Devid:   u.cmd.Basic.Devid,
			Dir:     u.cmd.Basic.Dir,
			Ep:      u.cmd.Basic.Ep,
		},
		Status:       status,
		ActualLength: uint32(n),
	}
	var buf bytes.Buffer
	_ = ret.Write(&buf)
	if in {
		buf.Write(data[:n])
	}
	ss.replies <- buf.Bytes()
}

func (ss *session) unlink(c *usbip.CmdUnlink) {
	ss.mu.Lock()
	u, ok := ss.pending[c.UnlinkSeqnum]
	if ok {
		u.unlinked = true
		delete(ss.pending, c.UnlinkSeqnum)
	}
	ss.mu.Unlock()

	status := usbip.StatusOK
	if ok {
		u.cancel()
		status = usbip.StatusConnReset
	}
	ss.logger.Debug("USBIP_CMD_UNLINK", "seq", c.Basic.Seqnum, "unlink", c.UnlinkSeqnum, "found", ok)

	ret := usbip.RetUnlink{
		Basic: usbip.HeaderBasic{
			Command: usbip.RetUnlinkCode,
			Seqnum:  c.Basic.Seqnum,
			Devid:   c.Basic.Devid,
		},
		Status: status,
	}
	var buf bytes.Buffer
	_ = ret.Write(&buf)
	ss.replies <- buf.Bytes()
}

// statusFor maps a transfer error to the URB status a Linux host
// controller would report.
func statusFor(err error) int32 {
	switch {
	case err == nil:
		return usbip.StatusOK
	case errors.Is(err, context.Canceled):
		return usbip.StatusConnReset
	case errors.Is(err, host.ErrStall):
		return usbip.StatusPipe
	case errors.Is(err, host.ErrBabble):
		return usbip.StatusOverflow
	case errors.Is(err, host.ErrNoResponse):
		return usbip.StatusProto
	case errors.Is(err, host.ErrTimeout):
		return usbip.StatusTime
	case errors.Is(err, errInvalidURB):
		return usbip.StatusInvalidArg
	}
	return usbip.StatusProto
}
