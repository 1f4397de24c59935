package host_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/host"
	"github.com/Alia5/usbfs/usb"
)

type outPacket struct {
	ep   uint8
	pid  usb.Pid
	data []byte
}

// scripted is a token-level device whose answers are queued by the test.
type scripted struct {
	mu      sync.Mutex
	setups  [][usb.SetupPacketSize]byte
	outs    []outPacket
	setupHs []usb.Handshake
	outHs   []usb.Handshake
	ins     []inReply
	resets  int
	frames  []uint16
}

type inReply struct {
	data []byte
	pid  usb.Pid
	hs   usb.Handshake
}

func pop[T any](q *[]T, def T) T {
	if len(*q) == 0 {
		return def
	}
	v := (*q)[0]
	*q = (*q)[1:]
	return v
}

func (s *scripted) Setup(_, _ uint8, packet [usb.SetupPacketSize]byte) usb.Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := pop(&s.setupHs, usb.HandshakeACK)
	if hs == usb.HandshakeACK {
		s.setups = append(s.setups, packet)
	}
	return hs
}

func (s *scripted) Out(_, ep uint8, pid usb.Pid, data []byte) usb.Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := pop(&s.outHs, usb.HandshakeACK)
	if hs == usb.HandshakeACK {
		s.outs = append(s.outs, outPacket{ep, pid, append([]byte(nil), data...)})
	}
	return hs
}

func (s *scripted) In(_, _ uint8) ([]byte, usb.Pid, usb.Handshake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := pop(&s.ins, inReply{hs: usb.HandshakeNAK})
	return r.data, r.pid, r.hs
}

func (s *scripted) BusReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

func (s *scripted) SOF(frame uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func ack(pid usb.Pid, data []byte) inReply {
	return inReply{data: data, pid: pid, hs: usb.HandshakeACK}
}

var nak = inReply{hs: usb.HandshakeNAK}

func newBus(dev usb.Device) *host.Bus {
	b := host.New(dev, nil)
	b.RetryInterval = time.Microsecond
	return b
}

func ctxFor(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

var getDevice = usb.SetupPacket{
	Direction: usb.DirectionIn,
	Request:   usb.RequestGetDescriptor,
	Value:     uint16(usb.DeviceDescType) << 8,
	Length:    18,
}

func TestControlInSequencing(t *testing.T) {
	dev := &scripted{
		ins: []inReply{
			nak,
			ack(usb.PidData1, bytes.Repeat([]byte{1}, 8)),
			ack(usb.PidData0, bytes.Repeat([]byte{2}, 8)),
			ack(usb.PidData1, []byte{3, 3}),
		},
	}
	b := newBus(dev)

	got, err := b.Control(ctxFor(t, time.Second), 0, getDevice, nil)
	require.NoError(t, err)
	assert.Len(t, got, 18)

	require.Len(t, dev.setups, 1)
	assert.Equal(t, getDevice.Bytes(), dev.setups[0])
	require.Len(t, dev.outs, 1, "status stage")
	assert.Equal(t, usb.PidData1, dev.outs[0].pid)
	assert.Empty(t, dev.outs[0].data)
}

func TestControlDuplicateInDiscarded(t *testing.T) {
	dev := &scripted{
		ins: []inReply{
			ack(usb.PidData1, []byte{1, 2}),
		},
	}
	b := newBus(dev)
	setup := getDevice
	setup.Length = 2

	got, err := b.Control(ctxFor(t, time.Second), 0, setup, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)

	// A retransmitted DATA0 packet is dropped; the real DATA1 is taken.
	dev.ins = []inReply{ack(usb.PidData0, []byte{9}), ack(usb.PidData1, []byte{5})}
	setup.Length = 1
	got, err = b.Control(ctxFor(t, time.Second), 0, setup, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, got)
}

func TestControlOutDataStage(t *testing.T) {
	dev := &scripted{ins: []inReply{ack(usb.PidData1, nil)}}
	b := newBus(dev)
	b.SetMaxPacketSize(3, 0, 8)

	data := []byte("0123456789AB")
	setup := usb.SetupPacket{
		Type:      usb.KindClass,
		Recipient: usb.RecipientInterface,
		Request:   usb.RequestSetLineCoding,
		Length:    uint16(len(data)),
	}
	_, err := b.Control(ctxFor(t, time.Second), 3, setup, data)
	require.NoError(t, err)

	require.Len(t, dev.outs, 2)
	assert.Equal(t, outPacket{0, usb.PidData1, data[:8]}, dev.outs[0])
	assert.Equal(t, outPacket{0, usb.PidData0, data[8:]}, dev.outs[1])

	_, err = b.Control(ctxFor(t, time.Second), 3, setup, data[:3])
	assert.Error(t, err)
}

func TestControlStall(t *testing.T) {
	dev := &scripted{ins: []inReply{{hs: usb.HandshakeSTALL}}}
	b := newBus(dev)

	_, err := b.Control(ctxFor(t, time.Second), 0, getDevice, nil)
	assert.ErrorIs(t, err, host.ErrStall)
}

func TestControlStatusBabble(t *testing.T) {
	dev := &scripted{ins: []inReply{ack(usb.PidData1, []byte{1})}}
	b := newBus(dev)

	_, err := b.Control(ctxFor(t, time.Second), 0, usb.SetupPacket{Request: usb.RequestSetConfiguration, Value: 1}, nil)
	assert.ErrorIs(t, err, host.ErrBabble)
}

func TestTimeouts(t *testing.T) {
	t.Run("nak", func(t *testing.T) {
		b := newBus(&scripted{})
		_, err := b.BulkIn(ctxFor(t, 10*time.Millisecond), 1, 0x81, 64)
		assert.ErrorIs(t, err, host.ErrTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
	t.Run("no response", func(t *testing.T) {
		dev := &scripted{setupHs: make([]usb.Handshake, 1<<16)}
		for i := range dev.setupHs {
			dev.setupHs[i] = usb.HandshakeNone
		}
		b := newBus(dev)
		_, err := b.Control(ctxFor(t, 10*time.Millisecond), 0, getDevice, nil)
		assert.ErrorIs(t, err, host.ErrNoResponse)
	})
	t.Run("lost setup retried", func(t *testing.T) {
		dev := &scripted{
			setupHs: []usb.Handshake{usb.HandshakeNone, usb.HandshakeNone},
			ins:     []inReply{ack(usb.PidData1, nil)},
		}
		b := newBus(dev)
		_, err := b.Control(ctxFor(t, time.Second), 0, usb.SetupPacket{Request: usb.RequestSetConfiguration, Value: 1}, nil)
		require.NoError(t, err)
		assert.Len(t, dev.setups, 1)
	})
}

func TestBulkOutSplitting(t *testing.T) {
	tests := []struct {
		name string
		size int
		zlp  bool
		want []int
	}{
		{"empty", 0, false, []int{0}},
		{"short", 10, false, []int{10}},
		{"boundary", 128, false, []int{64, 64}},
		{"boundary with zlp", 128, true, []int{64, 64, 0}},
		{"remainder with zlp", 130, true, []int{64, 64, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &scripted{}
			b := newBus(dev)
			n, err := b.BulkOut(ctxFor(t, time.Second), 1, 0x02, make([]byte, tt.size), tt.zlp)
			require.NoError(t, err)
			assert.Equal(t, tt.size, n)

			var sizes []int
			for i, p := range dev.outs {
				sizes = append(sizes, len(p.data))
				assert.Equal(t, uint8(2), p.ep)
				want := usb.PidData0
				if i%2 == 1 {
					want = usb.PidData1
				}
				assert.Equal(t, want, p.pid)
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestBulkOutStallAndClear(t *testing.T) {
	dev := &scripted{outHs: []usb.Handshake{usb.HandshakeACK, usb.HandshakeSTALL}}
	b := newBus(dev)

	n, err := b.BulkOut(ctxFor(t, time.Second), 1, 0x02, make([]byte, 100), false)
	assert.ErrorIs(t, err, host.ErrStall)
	assert.Equal(t, 64, n)

	dev.ins = []inReply{ack(usb.PidData1, nil)}
	require.NoError(t, b.ClearHalt(ctxFor(t, time.Second), 1, 0x02))

	dev.outs = nil
	_, err = b.BulkOut(ctxFor(t, time.Second), 1, 0x02, []byte{1}, false)
	require.NoError(t, err)
	require.Len(t, dev.outs, 1)
	assert.Equal(t, usb.PidData0, dev.outs[0].pid, "toggle restarts after CLEAR_FEATURE")
}

func TestBulkInBabble(t *testing.T) {
	dev := &scripted{ins: []inReply{ack(usb.PidData0, make([]byte, 9))}}
	b := newBus(dev)
	b.SetMaxPacketSize(1, 0x81, 8)

	got, err := b.BulkIn(ctxFor(t, time.Second), 1, 0x81, 64)
	assert.ErrorIs(t, err, host.ErrBabble)
	assert.Len(t, got, 8)
}

func TestBulkInShortPacketEndsTransfer(t *testing.T) {
	dev := &scripted{ins: []inReply{
		ack(usb.PidData0, make([]byte, 64)),
		nak,
		ack(usb.PidData1, make([]byte, 5)),
		ack(usb.PidData0, make([]byte, 7)),
	}}
	b := newBus(dev)

	got, err := b.BulkIn(ctxFor(t, time.Second), 1, 0x81, 512)
	require.NoError(t, err)
	assert.Len(t, got, 69)
	assert.Len(t, dev.ins, 1)
}

func TestResetAndSOF(t *testing.T) {
	dev := &scripted{}
	b := newBus(dev)

	b.Reset()
	assert.Equal(t, 1, dev.resets)

	assert.Equal(t, uint16(1), b.SOF())
	assert.Equal(t, uint16(2), b.SOF())
	assert.Equal(t, []uint16{1, 2}, dev.frames)
}

func TestParseEndpoints(t *testing.T) {
	desc := &usb.Descriptor{
		Config: usb.ConfigurationDescriptor{BConfigurationValue: 1},
		Interfaces: []usb.InterfaceConfig{{
			Descriptor:       usb.InterfaceDescriptor{BNumEndpoints: 2},
			ClassDescriptors: []byte{0x05, usb.CSInterfaceDescType, 0x00, 0x10, 0x01},
			Endpoints: []usb.EndpointDescriptor{
				{BEndpointAddress: 0x81, BMAttributes: usb.AttrBulk, WMaxPacketSize: 64},
				{BEndpointAddress: 0x01, BMAttributes: usb.AttrBulk, WMaxPacketSize: 32},
			},
		}},
	}

	eps, err := host.ParseEndpoints(desc.ConfigurationBytes())
	require.NoError(t, err)
	assert.Equal(t, desc.Interfaces[0].Endpoints, eps)

	_, err = host.ParseEndpoints([]byte{0x09, 0x02, 0x00})
	assert.ErrorIs(t, err, usb.ErrDescriptorTooShort)
	_, err = host.ParseEndpoints([]byte{0x00, 0x02})
	assert.ErrorIs(t, err, usb.ErrDescriptorTooShort)
}
