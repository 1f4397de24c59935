package handler

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/server/api"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
	"github.com/Alia5/usbfs/internal/server/usb"
	"github.com/Alia5/usbfs/virtualbus"
)

// BusCreate returns a handler that creates a new bus, with the number given
// as payload or the next free one.
func BusCreate(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		var b *virtualbus.VirtualBus
		if req.Payload != "" {
			busID, err := strconv.ParseUint(req.Payload, 10, 32)
			if err != nil {
				return apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
			}
			if b, err = virtualbus.NewWithBusId(uint32(busID)); err != nil {
				return apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
			}
		} else {
			b = virtualbus.New()
		}
		if err := s.AddBus(b); err != nil {
			_ = b.Close()
			return apierror.ErrConflict(fmt.Sprintf("bus %d already exists", b.BusID()))
		}
		logger.Info("Bus created", "bus", b.BusID())
		return respond(res, apitypes.BusCreateResponse{BusID: b.BusID()})
	}
}
