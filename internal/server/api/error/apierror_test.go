package apierror_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/device"
	"github.com/Alia5/usbfs/internal/devices"
	"github.com/Alia5/usbfs/internal/profile"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
	"github.com/Alia5/usbfs/virtualbus"
)

func TestWrapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{
			name:       "problem value",
			err:        apierror.ErrConflict("bus 1 already exists"),
			wantStatus: 409,
			wantDetail: "bus 1 already exists",
		},
		{
			name:       "problem pointer",
			err:        &apitypes.ApiError{Status: 401, Title: "Unauthorized", Detail: "invalid password"},
			wantStatus: 401,
			wantDetail: "invalid password",
		},
		{
			name:       "wrapped problem",
			err:        fmt.Errorf("handshake: %w", apierror.ErrUnauthorized("invalid password")),
			wantStatus: 401,
			wantDetail: "invalid password",
		},
		{
			name:       "profile rejected",
			err:        fmt.Errorf("%w: no serial ports", profile.ErrInvalidProfile),
			wantStatus: 400,
			wantDetail: "invalid profile: no serial ports",
		},
		{
			name:       "zero packet endpoint",
			err:        fmt.Errorf("%w: 0x81 has wMaxPacketSize 0", device.ErrInvalidEndpoint),
			wantStatus: 400,
		},
		{
			name:       "device gone",
			err:        fmt.Errorf("%w: 2-1", devices.ErrNotFound),
			wantStatus: 404,
		},
		{
			name:       "already imported",
			err:        fmt.Errorf("%w: 2-1", virtualbus.ErrBusy),
			wantStatus: 409,
		},
		{
			name:       "bus full",
			err:        fmt.Errorf("%w 2", virtualbus.ErrBusExhausted),
			wantStatus: 507,
			wantDetail: "no free device number on bus 2",
		},
		{
			name:       "anything else",
			err:        errors.New("disk on fire"),
			wantStatus: 500,
			wantDetail: "disk on fire",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := apierror.WrapError(tt.err)
			assert.Equal(t, tt.wantStatus, got.Status)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, got.Detail)
			}
		})
	}
}
