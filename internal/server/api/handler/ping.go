package handler

import (
	"log/slog"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/server/api"
	"github.com/Alia5/usbfs/internal/version"
)

// Ping reports the server identity and version.
func Ping() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		return respond(res, apitypes.PingResponse{Server: "usbfs", Version: version.Get()})
	}
}
