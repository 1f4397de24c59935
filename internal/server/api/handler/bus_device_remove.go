package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/devices"
	"github.com/Alia5/usbfs/internal/server/api"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
	"github.com/Alia5/usbfs/internal/server/usb"
)

// BusDeviceRemove returns a handler that removes a device by device number.
// Open USB-IP connections and serial streams of the device are closed.
func BusDeviceRemove(s *usb.Server, m *devices.Manager) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := busFromParam(s, req, "id")
		if err != nil {
			return err
		}
		if req.Payload == "" {
			return apierror.ErrBadRequest("missing device number")
		}
		devID, err := strconv.ParseUint(req.Payload, 10, 32)
		if err != nil {
			return apierror.ErrBadRequest(fmt.Sprintf("invalid device number: %v", err))
		}
		if err := m.Stop(b.BusID(), uint32(devID)); err != nil {
			if errors.Is(err, devices.ErrNotFound) {
				return apierror.ErrNotFound(fmt.Sprintf("device %d not found on bus %d", devID, b.BusID()))
			}
			return apierror.WrapError(err)
		}
		logger.Info("Device removed", "bus", b.BusID(), "dev", devID)
		return respond(res, apitypes.DeviceRemoveResponse{BusID: b.BusID(), DevId: req.Payload})
	}
}
