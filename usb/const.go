package usb

// USB standard request codes (bRequest)
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// CDC class request codes
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// RequestGetMSFeatureDescriptor is the vendor code advertised in the
// MS OS string descriptor and used for feature descriptor requests.
const RequestGetMSFeatureDescriptor = 0x30

// Feature selectors (CLEAR_FEATURE / SET_FEATURE)
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// Endpoint direction masks
const (
	EndpointOut = 0x00
	EndpointIn  = 0x80
)

// Endpoint attributes (bmAttributes transfer type)
const (
	AttrControl     = 0x00
	AttrIsochronous = 0x01
	AttrBulk        = 0x02
	AttrInterrupt   = 0x03
)

// Configuration attributes (bmAttributes)
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Milliamps converts a current in mA to bMaxPower units (2 mA).
func Milliamps(ma int) uint8 { return uint8(ma / 2) }

// Status is the firmware-visible connection status code.
type Status uint8

const (
	StatusAttached   Status = 0x00
	StatusPowered    Status = 0x01
	StatusDefault    Status = 0x02
	StatusAddressed  Status = 0x03
	StatusConfigured Status = 0x04
	StatusSuspended  Status = 0x80
)

// DeviceState tracks the USB 2.0 chapter 9 device state machine.
type DeviceState uint8

const (
	StatePowered DeviceState = iota
	StateAttached
	StateDefault
	StateAddressed
	StateConfigured
	StateSuspended
)

func (s DeviceState) String() string {
	switch s {
	case StatePowered:
		return "powered"
	case StateAttached:
		return "attached"
	case StateDefault:
		return "default"
	case StateAddressed:
		return "addressed"
	case StateConfigured:
		return "configured"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Pid is a 4-bit USB packet identifier as written back into a BDT entry.
type Pid uint8

// USB token, data and handshake PIDs
const (
	PidOut   Pid = 0x1
	PidAck   Pid = 0x2
	PidData0 Pid = 0x3
	PidSOF   Pid = 0x5
	PidNyet  Pid = 0x6
	PidData2 Pid = 0x7
	PidIn    Pid = 0x9
	PidNak   Pid = 0xA
	PidData1 Pid = 0xB
	PidPre   Pid = 0xC
	PidSetup Pid = 0xD
	PidStall Pid = 0xE
	PidMData Pid = 0xF
)

func (p Pid) String() string {
	switch p {
	case PidOut:
		return "OUT"
	case PidAck:
		return "ACK"
	case PidData0:
		return "DATA0"
	case PidSOF:
		return "SOF"
	case PidNyet:
		return "NYET"
	case PidData2:
		return "DATA2"
	case PidIn:
		return "IN"
	case PidNak:
		return "NAK"
	case PidData1:
		return "DATA1"
	case PidPre:
		return "PRE"
	case PidSetup:
		return "SETUP"
	case PidStall:
		return "STALL"
	case PidMData:
		return "MDATA"
	default:
		return "RESERVED"
	}
}

// Handshake is the device's answer to a token as seen on the bus.
type Handshake uint8

const (
	HandshakeACK Handshake = iota
	HandshakeNAK
	HandshakeSTALL
	// HandshakeNone means the device did not respond (wrong address,
	// disabled endpoint, or detached).
	HandshakeNone
)

func (h Handshake) String() string {
	switch h {
	case HandshakeACK:
		return "ACK"
	case HandshakeNAK:
		return "NAK"
	case HandshakeSTALL:
		return "STALL"
	default:
		return "none"
	}
}

// Speed values reported through USB-IP (1=low, 2=full, 3=high).
const (
	SpeedLow  = 1
	SpeedFull = 2
	SpeedHigh = 3
)
