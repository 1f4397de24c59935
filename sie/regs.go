package sie

import "errors"

var (
	// ErrBusFault is returned for an access outside Memory.
	ErrBusFault = errors.New("bus fault")
	// ErrOutOfMemory is returned when Memory cannot satisfy an Alloc.
	ErrOutOfMemory = errors.New("out of memory")
)

// CTL register bits.
const (
	CtlUSBEN              = 1 << 0
	CtlODDRST             = 1 << 1
	CtlResume             = 1 << 2
	CtlHostModeEn         = 1 << 3
	CtlReset              = 1 << 4
	CtlTxSuspendTokenBusy = 1 << 5
	CtlSE0                = 1 << 6
	CtlJState             = 1 << 7
)

// ISTAT and INTEN bits.
const (
	IntUSBRST = 1 << 0
	IntError  = 1 << 1
	IntSOFTOK = 1 << 2
	IntTOKDNE = 1 << 3
	IntSleep  = 1 << 4
	IntResume = 1 << 5
	IntAttach = 1 << 6
	IntStall  = 1 << 7
)

// ERRSTAT bits.
const (
	ErrPID     = 1 << 0
	ErrCRC5EOF = 1 << 1
	ErrCRC16   = 1 << 2
	ErrDFN8    = 1 << 3
	ErrBTO     = 1 << 4
	ErrDMA     = 1 << 5
	ErrBTS     = 1 << 7
)

// ENDPT register bits.
const (
	EpHshk   = 1 << 0
	EpStall  = 1 << 1
	EpTxEn   = 1 << 2
	EpRxEn   = 1 << 3
	EpCtlDis = 1 << 4
)

// EndptControl is the ENDPT value of a bidirectional control endpoint.
const EndptControl = EpHshk | EpTxEn | EpRxEn

// StatFIFODepth is the number of completions the SIE can queue before it
// starts NAKing.
const StatFIFODepth = 4
