package device

import (
	"context"

	"github.com/Alia5/usbfs/usb"
)

// Function is a class implementation occupying one or more interfaces.
//
// Callbacks run on the interrupt path with the device locked. They must
// return quickly and must not call Device methods synchronously; start a
// goroutine for data transfers.
type Function interface {
	// Interfaces lists the interface numbers the function owns.
	Interfaces() []uint8
	// ClassRequest handles a class request addressed to one of the
	// function's interfaces or endpoints. data holds the OUT data stage;
	// the returned bytes are the IN data stage. Return ErrStall for
	// unsupported requests.
	ClassRequest(setup usb.SetupPacket, data []byte) ([]byte, error)
	// Configured is called when the device enters the configured state.
	// ctx is cancelled when the configuration goes away.
	Configured(ctx context.Context, d *Device)
}
