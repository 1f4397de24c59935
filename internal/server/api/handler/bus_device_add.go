package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/profile"
	"github.com/Alia5/usbfs/internal/server/api"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
)

// BusDeviceAdd returns a handler that builds a device from the profile in
// the payload and puts it on a bus.
func BusDeviceAdd(apiSrv *api.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		s := apiSrv.USB()
		b, err := busFromParam(s, req, "id")
		if err != nil {
			return err
		}

		var createReq apitypes.DeviceCreateRequest
		if req.Payload != "" {
			if err := json.Unmarshal([]byte(req.Payload), &createReq); err != nil {
				return apierror.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
			}
		}
		p := profile.Default()
		if len(createReq.Profile) > 0 {
			if p, err = profile.Decode(createReq.Profile, ".json"); err != nil {
				return apierror.ErrBadRequest(fmt.Sprintf("invalid profile: %v", err))
			}
			if p.Name == "" {
				p.Name = "api"
			}
		}
		if createReq.IdVendor != nil {
			p.VendorID = uint16(*createReq.IdVendor)
		}
		if createReq.IdProduct != nil {
			p.ProductID = uint16(*createReq.IdProduct)
		}

		r, err := apiSrv.Devices().Start(apiSrv.Context(), b, p)
		if err != nil {
			return apierror.WrapError(fmt.Errorf("add device to bus %d: %w", b.BusID(), err))
		}
		logger.Info("Device added", "busid", r.BusIDString(), "profile", p.Name)

		if apiSrv.Config().AutoAttachLocalClient {
			if err := api.AttachLocalhostClient(req.Ctx, r.BusIDString(), s.GetListenPort(), logger); err != nil {
				return apierror.ErrConflict(fmt.Sprintf("Failed to auto-attach device: %v", err))
			}
		}
		return respond(res, deviceInfo(r))
	}
}
