package apierror

import (
	"errors"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/device"
	"github.com/Alia5/usbfs/internal/devices"
	"github.com/Alia5/usbfs/internal/profile"
	"github.com/Alia5/usbfs/virtualbus"
)

func ErrBadRequest(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 400, Title: "Bad Request", Detail: detail}
}
func ErrNotFound(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 404, Title: "Not Found", Detail: detail}
}
func ErrConflict(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 409, Title: "Conflict", Detail: detail}
}
func ErrInternal(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 500, Title: "Internal Server Error", Detail: detail}
}
func ErrUnauthorized(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 401, Title: "Unauthorized", Detail: detail}
}

// ErrInsufficientStorage reports a bus without a free device number.
func ErrInsufficientStorage(detail string) apitypes.ApiError {
	return apitypes.ApiError{Status: 507, Title: "Insufficient Storage", Detail: detail}
}

// sentinels maps errors of the device layers to a problem. The first
// match wins.
var sentinels = []struct {
	target error
	build  func(detail string) apitypes.ApiError
}{
	{profile.ErrInvalidProfile, ErrBadRequest},
	{profile.ErrFormat, ErrBadRequest},
	{device.ErrInvalidEndpoint, ErrBadRequest},
	{devices.ErrNotFound, ErrNotFound},
	{virtualbus.ErrNotFound, ErrNotFound},
	{virtualbus.ErrBusy, ErrConflict},
	{virtualbus.ErrDuplicate, ErrConflict},
	{virtualbus.ErrBusExhausted, ErrInsufficientStorage},
}

// WrapError normalizes any error into apitypes.ApiError. Problems pass
// through, known sentinels get their status and the rest are internal.
func WrapError(err error) apitypes.ApiError {
	var ae apitypes.ApiError
	if errors.As(err, &ae) {
		return ae
	}
	var pae *apitypes.ApiError
	if errors.As(err, &pae) && pae != nil {
		return *pae
	}
	for _, s := range sentinels {
		if errors.Is(err, s.target) {
			return s.build(err.Error())
		}
	}
	return ErrInternal(err.Error())
}
