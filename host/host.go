// Package host schedules USB transactions against a token-level device the
// way a full-speed host controller does: it splits transfers into packets,
// keeps the data toggle of every pipe and retries NAKed tokens until the
// caller's context ends.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/usb"
)

// DefaultRetryInterval is the pause between retries of a NAKed token.
const DefaultRetryInterval = 50 * time.Microsecond

// defaultMaxPacket0 is the EP0 size assumed before the device descriptor
// has been read.
const defaultMaxPacket0 = 8

type pipe struct {
	addr uint8
	ep   uint8 // endpoint address with direction bit
}

// Bus is one host port with a device attached. Transactions are
// serialised; transfers on different endpoints may run concurrently, but
// only one transfer per endpoint may be in progress.
type Bus struct {
	dev    usb.Device
	logger *slog.Logger
	// RetryInterval is the pause between retries of a NAKed or unanswered
	// token.
	RetryInterval time.Duration

	mu        sync.Mutex
	toggles   map[pipe]bdt.DataToggle
	maxPacket map[pipe]int
	frame     uint16
}

// New attaches a bus to dev.
func New(dev usb.Device, logger *slog.Logger) *Bus {
	return &Bus{
		dev:           dev,
		logger:        log.OrDefault(logger),
		RetryInterval: DefaultRetryInterval,
		toggles:       map[pipe]bdt.DataToggle{},
		maxPacket:     map[pipe]int{},
	}
}

// Reset drives a bus reset. Every pipe starts over at DATA0.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.toggles)
	clear(b.maxPacket)
	b.dev.BusReset()
}

// SOF sends the next start-of-frame token and returns its frame number.
func (b *Bus) SOF() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = (b.frame + 1) & 0x7FF
	b.dev.SOF(b.frame)
	return b.frame
}

// SetMaxPacketSize records the max packet size of an endpoint. epAddr
// carries the direction bit; for EP0 both directions are set.
func (b *Bus) SetMaxPacketSize(addr, epAddr uint8, mps int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if epAddr&0x0F == 0 {
		b.maxPacket[pipe{addr, 0}] = mps
		b.maxPacket[pipe{addr, usb.EndpointIn}] = mps
		return
	}
	b.maxPacket[pipe{addr, epAddr}] = mps
}

// ResetToggle restarts a pipe at DATA0, as after CLEAR_FEATURE
// (ENDPOINT_HALT).
func (b *Bus) ResetToggle(addr, epAddr uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.toggles, pipe{addr, epAddr})
}

// resetDevice forgets every pipe of addr except EP0.
func (b *Bus) resetDevice(addr uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.toggles {
		if p.addr == addr && p.ep&0x0F != 0 {
			delete(b.toggles, p)
		}
	}
}

// moveAddress carries EP0's max packet size over to a new address.
func (b *Bus) moveAddress(from, to uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p, mps := range b.maxPacket {
		if p.addr == from {
			delete(b.maxPacket, p)
			b.maxPacket[pipe{to, p.ep}] = mps
		}
	}
	for p := range b.toggles {
		if p.addr == from || p.addr == to {
			delete(b.toggles, p)
		}
	}
}

func (b *Bus) packetSize(p pipe) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mps, ok := b.maxPacket[p]; ok {
		return mps
	}
	if p.ep&0x0F == 0 {
		return defaultMaxPacket0
	}
	return 64
}

// retry waits before the next attempt of a token that got hs.
func (b *Bus) retry(ctx context.Context, hs usb.Handshake) error {
	t := time.NewTimer(b.RetryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		if hs == usb.HandshakeNone {
			return fmt.Errorf("%w: %w", ErrNoResponse, ctx.Err())
		}
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-t.C:
		return nil
	}
}

// setup sends a SETUP token until the device accepts it.
func (b *Bus) setup(ctx context.Context, addr uint8, s usb.SetupPacket) error {
	raw := s.Bytes()
	for {
		b.mu.Lock()
		hs := b.dev.Setup(addr, 0, raw)
		if hs == usb.HandshakeACK {
			b.toggles[pipe{addr, 0}] = bdt.Data1
			b.toggles[pipe{addr, usb.EndpointIn}] = bdt.Data1
		}
		b.mu.Unlock()
		if hs == usb.HandshakeACK {
			return nil
		}
		if err := b.retry(ctx, hs); err != nil {
			return fmt.Errorf("setup %s: %w", s, err)
		}
	}
}

// in runs one IN transaction. Retransmissions with the wrong toggle are
// acknowledged and discarded.
func (b *Bus) in(ctx context.Context, p pipe, mps int) ([]byte, error) {
	for {
		b.mu.Lock()
		want := b.toggles[p]
		data, pid, hs := b.dev.In(p.addr, p.ep&0x0F)
		if hs == usb.HandshakeACK && pid == want.Pid() {
			b.toggles[p] = want.Flip()
		}
		b.mu.Unlock()

		switch hs {
		case usb.HandshakeACK:
			if pid != want.Pid() {
				log.Trace(b.logger, "duplicate IN data", "addr", p.addr, "ep", p.ep, "pid", pid)
				continue
			}
			if len(data) > mps {
				return data[:mps], fmt.Errorf("%w: %d bytes on ep 0x%02x", ErrBabble, len(data), p.ep)
			}
			return data, nil
		case usb.HandshakeSTALL:
			return nil, ErrStall
		}
		if err := b.retry(ctx, hs); err != nil {
			return nil, err
		}
	}
}

// out runs one OUT transaction.
func (b *Bus) out(ctx context.Context, p pipe, data []byte) error {
	for {
		b.mu.Lock()
		toggle := b.toggles[p]
		hs := b.dev.Out(p.addr, p.ep, toggle.Pid(), data)
		if hs == usb.HandshakeACK {
			b.toggles[p] = toggle.Flip()
		}
		b.mu.Unlock()

		switch hs {
		case usb.HandshakeACK:
			return nil
		case usb.HandshakeSTALL:
			return ErrStall
		}
		if err := b.retry(ctx, hs); err != nil {
			return err
		}
	}
}
