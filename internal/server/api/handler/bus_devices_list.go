package handler

import (
	"log/slog"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/devices"
	"github.com/Alia5/usbfs/internal/server/api"
	"github.com/Alia5/usbfs/internal/server/usb"
)

// BusDevicesList returns a handler that lists devices on a bus.
func BusDevicesList(s *usb.Server, m *devices.Manager) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := busFromParam(s, req, "id")
		if err != nil {
			return err
		}
		running := m.List(b.BusID())
		out := make([]apitypes.Device, 0, len(running))
		for _, r := range running {
			out = append(out, deviceInfo(r))
		}
		return respond(res, apitypes.DevicesListResponse{Devices: out})
	}
}
