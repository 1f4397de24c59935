package handler

import (
	"log/slog"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/server/api"
	"github.com/Alia5/usbfs/internal/server/usb"
)

// BusList returns a handler that lists registered busses.
// Error logging is centralized in the API server.
func BusList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		return respond(res, apitypes.BusListResponse{Buses: s.ListBuses()})
	}
}
