package bdt_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/sie"
	"github.com/Alia5/usbfs/usb"
)

func TestNewTableAlignment(t *testing.T) {
	_, err := bdt.NewTable(0x2000_0100)
	assert.ErrorIs(t, err, bdt.ErrBadAlignment)

	tbl, err := bdt.NewTable(0x2000_0200)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x2000_0200), tbl.Base())
	assert.Equal(t, uint32(0x2000_0200+8*0x0B), tbl.AddressOf(bdt.HandleOf(2, bdt.Tx, bdt.Odd)))
	assert.Len(t, tbl.Bytes(), 512)
}

func TestHandleLayout(t *testing.T) {
	for ep := uint8(0); ep < bdt.MaxEndpoints; ep++ {
		e := bdt.Entries(ep)
		assert.Equal(t, bdt.Handle(ep<<2|0), e.RxEven)
		assert.Equal(t, bdt.Handle(ep<<2|1), e.RxOdd)
		assert.Equal(t, bdt.Handle(ep<<2|2), e.TxEven)
		assert.Equal(t, bdt.Handle(ep<<2|3), e.TxOdd)
		for _, h := range e.All() {
			assert.Equal(t, h, e.Select(h.Direction(), h.Parity()))
			assert.Equal(t, ep, h.Endpoint())
		}
	}
}

func TestStatDecodeExhaustive(t *testing.T) {
	for raw := 0; raw < 256; raw++ {
		s := bdt.Stat(raw)
		assert.Equal(t, uint8(raw>>4), s.Endp())
		assert.Equal(t, raw&0x08 != 0, s.Tx())
		assert.Equal(t, raw&0x04 != 0, s.Odd())
		assert.Equal(t, bdt.Handle(raw>>2), s.Handle())
		assert.Equal(t, bdt.HandleOf(s.Endp(), s.Direction(), s.Parity()), s.Handle())
		assert.Equal(t, bdt.Stat(raw&0xFC), bdt.MakeStat(s.Endp(), s.Direction(), s.Parity()))
	}
}

func TestEntryLayout(t *testing.T) {
	e := bdt.Entry{Control: bdt.Ready(bdt.Data1).WithOwner(bdt.OwnerSIE), ByteCount: 0x0140, Address: 0x1FFF_8040}
	raw := e.Bytes()
	assert.Equal(t, [8]byte{0xC8, 0x00, 0x40, 0x01, 0x40, 0x80, 0xFF, 0x1F}, raw)

	parsed, err := bdt.ParseEntry(raw[:])
	require.NoError(t, err)
	assert.Equal(t, e, parsed)

	_, err = bdt.ParseEntry(raw[:7])
	assert.ErrorIs(t, err, bdt.ErrEntryTooShort)
}

func TestLeaseLifecycle(t *testing.T) {
	tbl, err := bdt.NewTable(0)
	require.NoError(t, err)
	h := bdt.HandleOf(1, bdt.Rx, bdt.Even)

	l, ok := tbl.TryAcquire(h)
	require.True(t, ok)
	l.Initialise(bdt.Ready(bdt.Data0), 64, 0x1000)
	assert.Equal(t, bdt.OwnerMCU, tbl.Owner(h), "own=MCU in ctrl keeps the lease")
	l.SetByteCount(32)
	l.SetAddress(0x2000)
	l.SetControl(bdt.Ready(bdt.Data1))
	l.Release(l.Entry().Control)

	assert.Equal(t, bdt.OwnerSIE, tbl.Owner(h))
	_, ok = tbl.TryAcquire(h)
	assert.False(t, ok)

	hw := tbl.Hardware()
	got, ok := hw.Claim(h)
	require.True(t, ok)
	assert.Equal(t, uint16(32), got.ByteCount)
	assert.Equal(t, uint32(0x2000), got.Address)
	assert.Equal(t, bdt.Data1, got.Control.DataToggle())
	assert.True(t, got.Control.DTS())

	hw.Complete(h, usb.PidOut, bdt.Data1, 7)
	done := tbl.Entry(h)
	assert.Equal(t, bdt.OwnerMCU, done.Control.Owner())
	assert.Equal(t, usb.PidOut, done.Control.TokenPID())
	assert.Equal(t, uint16(7), done.ByteCount)
	assert.Equal(t, uint32(0x2000), done.Address)

	_, ok = hw.Claim(h)
	assert.False(t, ok, "completed entry belongs to the MCU")
	assert.Equal(t, uint64(0), tbl.Violations())
}

func TestSetupSetAddressScenario(t *testing.T) {
	tbl, err := bdt.NewTable(0x1FFF_0000)
	require.NoError(t, err)
	mem := sie.NewMemory(0x2000_0000, 256)
	eng := sie.New(tbl, mem, nil)
	eng.SetCtl(sie.CtlUSBEN)
	eng.SetEndpt(0, sie.EndptControl)
	ep0 := bdt.Entries(0)

	// Firmware arms EP0 rx even at A for 8 bytes and hands it over in the
	// same write.
	a, err := mem.Alloc(usb.SetupPacketSize, 4)
	require.NoError(t, err)
	l, ok := tbl.TryAcquire(ep0.RxEven)
	require.True(t, ok)
	l.Initialise(bdt.Control(0).WithOwner(bdt.OwnerSIE), usb.SetupPacketSize, a)
	require.Equal(t, bdt.OwnerSIE, tbl.Owner(ep0.RxEven))

	sent := usb.SetupPacket{Request: usb.RequestSetAddress, Value: 7}
	require.Equal(t, usb.HandshakeACK, eng.Setup(0, 0, sent.Bytes()))

	stat := eng.Stat()
	require.Equal(t, bdt.MakeStat(0, bdt.Rx, bdt.Even), stat)
	e := tbl.Entry(stat.Handle())
	assert.Equal(t, bdt.OwnerMCU, e.Control.Owner())
	assert.Equal(t, usb.PidSetup, e.Control.TokenPID())
	assert.Equal(t, uint16(usb.SetupPacketSize), e.ByteCount)
	assert.Equal(t, a, e.Address)

	var raw [usb.SetupPacketSize]byte
	require.NoError(t, mem.Read(a, raw[:]))
	got := usb.ParseSetup(raw)
	assert.Equal(t, uint8(usb.RequestSetAddress), got.Request)
	assert.Equal(t, uint16(7), got.Value)
	assert.Equal(t, uint16(0), got.Index)
	assert.Equal(t, uint16(0), got.Length)
}

func TestInitialiseHandsOver(t *testing.T) {
	tbl, err := bdt.NewTable(0)
	require.NoError(t, err)
	h := bdt.Entries(2).TxOdd

	l, ok := tbl.TryAcquire(h)
	require.True(t, ok)
	l.Initialise(bdt.Ready(bdt.Data1).WithOwner(bdt.OwnerSIE), 12, 0x3000)

	got, ok := tbl.Hardware().Claim(h)
	require.True(t, ok)
	assert.Equal(t, uint16(12), got.ByteCount)
	assert.Equal(t, uint32(0x3000), got.Address)
	assert.Equal(t, bdt.Data1, got.Control.DataToggle())
	_, ok = tbl.TryAcquire(h)
	assert.False(t, ok)

	// SetControl with own=SIE is the other single-write hand-over.
	h = bdt.Entries(2).TxEven
	l, ok = tbl.TryAcquire(h)
	require.True(t, ok)
	l.SetByteCount(4)
	l.SetControl(bdt.Ready(bdt.Data0).WithOwner(bdt.OwnerSIE))
	got, ok = tbl.Hardware().Claim(h)
	require.True(t, ok)
	assert.Equal(t, uint16(4), got.ByteCount)
	assert.Equal(t, uint64(0), tbl.Violations())
}

func TestStalledEntryIsNotConsumed(t *testing.T) {
	tbl, err := bdt.NewTable(0)
	require.NoError(t, err)
	h := bdt.Entries(0).TxEven

	l, ok := tbl.TryAcquire(h)
	require.True(t, ok)
	l.Release(bdt.Stalled())

	e, ok := tbl.Hardware().Claim(h)
	require.True(t, ok)
	assert.True(t, e.Control.Stall())
	// The SIE answers STALL without completing; the entry stays with it.
	assert.Equal(t, bdt.OwnerSIE, tbl.Owner(h))

	assert.True(t, tbl.Hardware().Reclaim(h))
	assert.Equal(t, bdt.OwnerMCU, tbl.Owner(h))
	assert.False(t, tbl.Hardware().Reclaim(h))
}

func TestTableReset(t *testing.T) {
	tbl, err := bdt.NewTable(0)
	require.NoError(t, err)
	for ep := uint8(0); ep < 4; ep++ {
		for _, h := range bdt.Entries(ep).All() {
			l, ok := tbl.TryAcquire(h)
			require.True(t, ok)
			l.Initialise(0, 8, 0x100)
			l.Release(bdt.Ready(bdt.Data1))
		}
	}
	tbl.Reset()
	for i := 0; i < bdt.EntryCount; i++ {
		assert.Equal(t, bdt.Entry{}, tbl.Entry(bdt.Handle(i)))
	}
}

func TestConcurrentHandoff(t *testing.T) {
	tbl, err := bdt.NewTable(0)
	require.NoError(t, err)
	h := bdt.Entries(2).RxEven
	const rounds = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hw := tbl.Hardware()
		for n := 0; n < rounds; {
			e, ok := hw.Claim(h)
			if !ok {
				continue
			}
			// Address carries the round number; echo it into bc.
			hw.Complete(h, usb.PidOut, e.Control.DataToggle(), uint16(e.Address))
			n++
		}
	}()

	for n := 0; n < rounds; {
		l, ok := tbl.TryAcquire(h)
		if !ok {
			continue
		}
		if n > 0 {
			require.Equal(t, uint16(n-1), l.Entry().ByteCount)
		}
		l.Initialise(0, 64, uint32(n))
		l.Release(bdt.Ready(bdt.DataToggle(n%2 == 1)))
		n++
	}
	wg.Wait()
	assert.Equal(t, uint64(0), tbl.Violations())
}
