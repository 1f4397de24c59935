package host

import "errors"

var (
	// ErrStall is returned when the device answers with STALL.
	ErrStall = errors.New("endpoint stalled")
	// ErrTimeout is returned when the device kept NAKing until the
	// context ended.
	ErrTimeout = errors.New("transfer timed out")
	// ErrNoResponse is returned when the device never answered a token
	// before the context ended.
	ErrNoResponse = errors.New("no response from device")
	// ErrBabble is returned when the device sent more than the endpoint's
	// max packet size.
	ErrBabble = errors.New("babble")
)
