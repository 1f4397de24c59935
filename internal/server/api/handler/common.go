package handler

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/devices"
	"github.com/Alia5/usbfs/internal/server/api"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
	"github.com/Alia5/usbfs/internal/server/usb"
	"github.com/Alia5/usbfs/virtualbus"
)

func busFromParam(s *usb.Server, req *api.Request, name string) (*virtualbus.VirtualBus, error) {
	idStr, ok := req.Params[name]
	if !ok {
		return nil, apierror.ErrBadRequest(fmt.Sprintf("missing %s parameter", name))
	}
	busID, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return nil, apierror.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
	}
	b := s.GetBus(uint32(busID))
	if b == nil {
		return nil, apierror.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
	}
	return b, nil
}

func deviceInfo(r *devices.Running) apitypes.Device {
	d := r.Peripheral.GetDescriptor().Device
	serials := make([]string, len(r.Profile.Serials))
	for i, sp := range r.Profile.Serials {
		serials[i] = sp.Name
	}
	return apitypes.Device{
		BusID:   r.BusID,
		DevId:   strconv.FormatUint(uint64(r.DevID), 10),
		Vid:     apitypes.USBID(d.IDVendor),
		Pid:     apitypes.USBID(d.IDProduct),
		Profile: r.Profile.Name,
		Serials: serials,
	}
}

func respond(res *api.Response, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return apierror.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(b)
	return nil
}
