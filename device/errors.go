package device

import "errors"

var (
	// ErrStall makes the control pipe answer the request with STALL.
	ErrStall = errors.New("request not supported")
	// ErrNotConfigured is returned by data transfers while the device is
	// not in the configured state.
	ErrNotConfigured = errors.New("device not configured")
	// ErrInvalidEndpoint names an endpoint the configuration does not have.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)
