package host

import (
	"context"
	"fmt"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/usb"
)

// Control runs a control transfer on EP0 of addr. For IN requests the
// returned slice holds the data stage (at most setup.Length bytes); for
// OUT requests data is sent as the data stage and the result is nil.
//
// Successful SET_ADDRESS, SET_CONFIGURATION and CLEAR_FEATURE
// (ENDPOINT_HALT) requests update the bus's pipe state.
func (b *Bus) Control(ctx context.Context, addr uint8, setup usb.SetupPacket, data []byte) ([]byte, error) {
	if setup.Direction == usb.DirectionOut && len(data) != int(setup.Length) {
		return nil, fmt.Errorf("control OUT: %d bytes for wLength %d", len(data), setup.Length)
	}
	if err := b.setup(ctx, addr, setup); err != nil {
		return nil, err
	}

	outPipe, inPipe := pipe{addr, 0}, pipe{addr, usb.EndpointIn}
	mps := b.packetSize(inPipe)
	var result []byte

	switch {
	case setup.Length == 0:
	case setup.Direction == usb.DirectionIn:
		for len(result) < int(setup.Length) {
			pkt, err := b.in(ctx, inPipe, mps)
			if err != nil {
				return result, fmt.Errorf("control %s data stage: %w", setup, err)
			}
			result = append(result, pkt...)
			if len(pkt) < mps {
				break
			}
		}
		if len(result) > int(setup.Length) {
			return result[:setup.Length], fmt.Errorf("control %s: %w", setup, ErrBabble)
		}
	default:
		for off := 0; off < len(data); off += mps {
			end := min(off+mps, len(data))
			if err := b.out(ctx, outPipe, data[off:end]); err != nil {
				return nil, fmt.Errorf("control %s data stage: %w", setup, err)
			}
		}
	}

	// Status stage: a zero-length DATA1 packet the other way.
	var err error
	if setup.Direction == usb.DirectionIn && setup.Length > 0 {
		b.mu.Lock()
		b.toggles[outPipe] = bdt.Data1
		b.mu.Unlock()
		err = b.out(ctx, outPipe, nil)
	} else {
		b.mu.Lock()
		b.toggles[inPipe] = bdt.Data1
		b.mu.Unlock()
		var pkt []byte
		pkt, err = b.in(ctx, inPipe, mps)
		if err == nil && len(pkt) != 0 {
			err = fmt.Errorf("%w: %d byte status packet", ErrBabble, len(pkt))
		}
	}
	if err != nil {
		return result, fmt.Errorf("control %s status stage: %w", setup, err)
	}

	b.track(addr, setup)
	return result, nil
}

// track follows requests that change pipe state on the device side.
func (b *Bus) track(addr uint8, setup usb.SetupPacket) {
	if setup.Type != usb.KindStandard {
		return
	}
	switch {
	case setup.Request == usb.RequestSetAddress && setup.Recipient == usb.RecipientDevice:
		b.moveAddress(addr, uint8(setup.Value))
	case setup.Request == usb.RequestSetConfiguration && setup.Recipient == usb.RecipientDevice:
		b.resetDevice(addr)
	case setup.Request == usb.RequestClearFeature && setup.Recipient == usb.RecipientEndpoint &&
		setup.Value == usb.FeatureEndpointHalt:
		b.ResetToggle(addr, uint8(setup.Index))
	}
}

// BulkIn reads from an IN endpoint until a short packet arrives or length
// bytes have been read. It also serves interrupt endpoints. On error the
// bytes read so far are returned.
func (b *Bus) BulkIn(ctx context.Context, addr, epAddr uint8, length int) ([]byte, error) {
	p := pipe{addr, epAddr | usb.EndpointIn}
	mps := b.packetSize(p)
	var result []byte
	for len(result) < length {
		pkt, err := b.in(ctx, p, mps)
		result = append(result, pkt...)
		if err != nil {
			return result, fmt.Errorf("bulk IN ep 0x%02x: %w", p.ep, err)
		}
		if len(pkt) < mps {
			break
		}
	}
	if len(result) > length {
		return result[:length], fmt.Errorf("bulk IN ep 0x%02x: %w", p.ep, ErrBabble)
	}
	return result, nil
}

// BulkOut sends data to an OUT endpoint and returns the number of bytes
// the device accepted. An empty data sends one zero-length packet; zlp
// adds a zero-length packet after data that ends on a packet boundary.
func (b *Bus) BulkOut(ctx context.Context, addr, epAddr uint8, data []byte, zlp bool) (int, error) {
	p := pipe{addr, epAddr &^ usb.EndpointIn}
	mps := b.packetSize(p)
	n := 0
	for {
		end := min(n+mps, len(data))
		if err := b.out(ctx, p, data[n:end]); err != nil {
			return n, fmt.Errorf("bulk OUT ep 0x%02x: %w", p.ep, err)
		}
		sent := end - n
		n = end
		if n == len(data) && (sent < mps || !zlp) {
			return n, nil
		}
	}
}
