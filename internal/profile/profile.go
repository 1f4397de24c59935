// Package profile describes emulated devices in configuration files and
// turns them into descriptor sets and functions.
//
// A profile is one composite device made of CDC-ACM serial ports. Serial
// port i occupies interfaces 2i and 2i+1 and endpoints 3i+1 (notification),
// 3i+2 (bulk IN) and 3i+3 (bulk OUT).
package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/usbfs/device/cdc"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/usb"
)

// String descriptor indices. Serial port names follow from
// firstFunctionString on.
const (
	stringManufacturer  = 1
	stringProduct       = 2
	stringSerialNumber  = 3
	firstFunctionString = 4
)

// MaxSerials is the number of serial ports that fit in 15 endpoint pairs.
const MaxSerials = 5

var (
	ErrInvalidProfile = errors.New("invalid profile")
	ErrFormat         = errors.New("unsupported profile format")
)

// Profile is one emulated device.
type Profile struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	VendorID     uint16 `json:"vendorId" yaml:"vendorId" toml:"vendorId"`
	ProductID    uint16 `json:"productId" yaml:"productId" toml:"productId"`
	BcdDevice    uint16 `json:"bcdDevice" yaml:"bcdDevice" toml:"bcdDevice"`
	Manufacturer string `json:"manufacturer" yaml:"manufacturer" toml:"manufacturer"`
	Product      string `json:"product" yaml:"product" toml:"product"`
	SerialNumber string `json:"serialNumber" yaml:"serialNumber" toml:"serialNumber"`
	// MaxPacketSize0 is the EP0 size: 8, 16, 32 or 64 (default).
	MaxPacketSize0 uint8    `json:"maxPacketSize0" yaml:"maxPacketSize0" toml:"maxPacketSize0"`
	MaxPowerMA     int      `json:"maxPowerMa" yaml:"maxPowerMa" toml:"maxPowerMa"`
	SelfPowered    bool     `json:"selfPowered" yaml:"selfPowered" toml:"selfPowered"`
	RemoteWakeup   bool     `json:"remoteWakeup" yaml:"remoteWakeup" toml:"remoteWakeup"`
	Serials        []Serial `json:"serials" yaml:"serials" toml:"serials"`
	MSOS           *MSOS    `json:"msos,omitempty" yaml:"msos,omitempty" toml:"msos,omitempty"`
}

// Serial is one CDC-ACM port of a profile.
type Serial struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	// LineCoding is the initial line coding, e.g. "115200 8N1".
	LineCoding string `json:"lineCoding" yaml:"lineCoding" toml:"lineCoding"`
	PacketSize uint16 `json:"packetSize" yaml:"packetSize" toml:"packetSize"`
	Loopback   bool   `json:"loopback" yaml:"loopback" toml:"loopback"`
	// Listen is a TCP address that streams the port's data; see the
	// serial bridge.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen,omitempty"`
}

// MSOS enables the MS OS 1.0 descriptors so Windows binds a driver by
// compatible ID without an INF.
type MSOS struct {
	VendorCode      uint8  `json:"vendorCode" yaml:"vendorCode" toml:"vendorCode"`
	CompatibleID    string `json:"compatibleId" yaml:"compatibleId" toml:"compatibleId"`
	SubCompatibleID string `json:"subCompatibleId" yaml:"subCompatibleId" toml:"subCompatibleId"`
	// InterfaceGUID is published as the DeviceInterfaceGUID property.
	InterfaceGUID string `json:"interfaceGuid" yaml:"interfaceGuid" toml:"interfaceGuid"`
}

// Default is a single loopback serial port on the pid.codes test VID.
func Default() Profile {
	return Profile{
		Name:         "usbfs",
		VendorID:     0x1209,
		ProductID:    0x0001,
		BcdDevice:    0x0100,
		Manufacturer: "usbfs",
		Product:      "usbfs virtual serial",
		SerialNumber: "0001",
		Serials:      []Serial{{Name: "loopback", Loopback: true}},
	}
}

// Load reads a profile file; the format follows the extension.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	p, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Decode parses a profile in the format named by ext (".json", ".yaml",
// ".yml" or ".toml") and validates it.
func Decode(data []byte, ext string) (Profile, error) {
	var p Profile
	var err error
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&p)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &p)
	case "toml":
		err = toml.Unmarshal(data, &p)
	default:
		return Profile{}, fmt.Errorf("%w: %q", ErrFormat, ext)
	}
	if err != nil {
		return Profile{}, err
	}
	return p, p.Validate()
}

// Encode renders p in the format named by ext.
func Encode(p Profile, ext string) ([]byte, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "json":
		return json.MarshalIndent(p, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(p)
	case "toml":
		return toml.Marshal(p)
	}
	return nil, fmt.Errorf("%w: %q", ErrFormat, ext)
}

func (p Profile) Validate() error {
	switch p.MaxPacketSize0 {
	case 0, 8, 16, 32, 64:
	default:
		return fmt.Errorf("%w: maxPacketSize0 %d", ErrInvalidProfile, p.MaxPacketSize0)
	}
	if len(p.Serials) == 0 {
		return fmt.Errorf("%w: no serial ports", ErrInvalidProfile)
	}
	if len(p.Serials) > MaxSerials {
		return fmt.Errorf("%w: %d serial ports, at most %d", ErrInvalidProfile, len(p.Serials), MaxSerials)
	}
	if p.MaxPowerMA < 0 || p.MaxPowerMA > 500 {
		return fmt.Errorf("%w: maxPowerMa %d", ErrInvalidProfile, p.MaxPowerMA)
	}
	for i, s := range p.Serials {
		if s.PacketSize != 0 && s.PacketSize != 8 && s.PacketSize != 16 && s.PacketSize != 32 && s.PacketSize != 64 {
			return fmt.Errorf("%w: serial %d: packetSize %d", ErrInvalidProfile, i, s.PacketSize)
		}
		if s.Loopback && s.Listen != "" {
			return fmt.Errorf("%w: serial %d: loopback and listen are exclusive", ErrInvalidProfile, i)
		}
		if s.LineCoding != "" {
			if _, err := ParseLineCoding(s.LineCoding); err != nil {
				return fmt.Errorf("%w: serial %d: %w", ErrInvalidProfile, i, err)
			}
		}
	}
	if p.MSOS != nil && p.MSOS.VendorCode == 0 {
		return fmt.Errorf("%w: msos.vendorCode must be set", ErrInvalidProfile)
	}
	return nil
}

// Device is a built profile: the descriptor set and the functions that
// serve it.
type Device struct {
	Descriptor *usb.Descriptor
	Serials    []*cdc.ACM
}

// Build creates the descriptor set and one CDC-ACM function per serial
// port. p must be valid.
func (p Profile) Build(logger *slog.Logger) (*Device, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logger = log.OrDefault(logger)
	mps0 := p.MaxPacketSize0
	if mps0 == 0 {
		mps0 = 64
	}
	power := p.MaxPowerMA
	if power == 0 {
		power = 100
	}
	attrs := uint8(usb.ConfigAttrBusPowered)
	if p.SelfPowered {
		attrs |= usb.ConfigAttrSelfPowered
	}
	if p.RemoteWakeup {
		attrs |= usb.ConfigAttrRemoteWakeup
	}

	desc := &usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    mps0,
			IDVendor:           p.VendorID,
			IDProduct:          p.ProductID,
			BcdDevice:          p.BcdDevice,
			BNumConfigurations: 1,
			Speed:              usb.SpeedFull,
		},
		Config: usb.ConfigurationDescriptor{
			BConfigurationValue: 1,
			BMAttributes:        attrs,
			BMaxPower:           usb.Milliamps(power),
		},
		Strings: map[uint8]string{},
	}
	setString := func(idx uint8, s string, field *uint8) {
		if s == "" {
			return
		}
		desc.Strings[idx] = s
		if field != nil {
			*field = idx
		}
	}
	setString(stringManufacturer, p.Manufacturer, &desc.Device.IManufacturer)
	setString(stringProduct, p.Product, &desc.Device.IProduct)
	setString(stringSerialNumber, p.SerialNumber, &desc.Device.ISerialNumber)

	dev := &Device{Descriptor: desc}
	for i, s := range p.Serials {
		opts := cdc.Options{
			FirstInterface: uint8(2 * i),
			NotifyEndpoint: uint8(3*i + 1),
			DataIn:         uint8(3*i + 2),
			DataOut:        uint8(3*i + 3),
			PacketSize:     s.PacketSize,
			Loopback:       s.Loopback,
		}
		if s.LineCoding != "" {
			lc, err := ParseLineCoding(s.LineCoding)
			if err != nil {
				return nil, err
			}
			opts.LineCoding = lc
		}
		var iFunc uint8
		setString(uint8(firstFunctionString+i), s.Name, &iFunc)
		opts.IFunction = iFunc

		acm := cdc.New(opts, logger.With("serial", i))
		acm.Describe(desc)
		dev.Serials = append(dev.Serials, acm)
	}

	if p.MSOS != nil {
		desc.MSOS = p.MSOS.descriptors()
	}
	return dev, nil
}

func (m *MSOS) descriptors() *usb.MSOSDescriptors {
	d := &usb.MSOSDescriptors{VendorCode: m.VendorCode}
	if m.CompatibleID != "" {
		d.CompatibleIDs = []usb.MSCompatibleFunction{{
			CompatibleID:    m.CompatibleID,
			SubCompatibleID: m.SubCompatibleID,
		}}
	}
	if m.InterfaceGUID != "" {
		d.Properties = []usb.MSExtendedProperty{{
			DataType: usb.RegSZ,
			Name:     "DeviceInterfaceGUID",
			Data:     usb.EncodePropertyString(m.InterfaceGUID),
		}}
	}
	return d
}

// ParseLineCoding parses the "<baud> <bits><parity><stop>" form that
// usb.LineCoding.String prints, e.g. "9600 7E2" or "115200 8N1.5".
func ParseLineCoding(s string) (usb.LineCoding, error) {
	rate, frame, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok || len(frame) < 3 {
		return usb.LineCoding{}, fmt.Errorf("line coding %q: want e.g. \"115200 8N1\"", s)
	}
	baud, err := strconv.ParseUint(rate, 10, 32)
	if err != nil || baud == 0 {
		return usb.LineCoding{}, fmt.Errorf("line coding %q: bad baud rate", s)
	}
	var lc usb.LineCoding
	lc.DTERate = uint32(baud)

	switch frame[0] {
	case '5', '6', '7', '8':
		lc.DataBits = frame[0] - '0'
	default:
		return usb.LineCoding{}, fmt.Errorf("line coding %q: bad data bits", s)
	}
	parity := strings.IndexByte("NOEMS", frame[1])
	if parity < 0 {
		return usb.LineCoding{}, fmt.Errorf("line coding %q: bad parity", s)
	}
	lc.ParityType = uint8(parity)
	switch frame[2:] {
	case "1":
		lc.CharFormat = 0
	case "1.5":
		lc.CharFormat = 1
	case "2":
		lc.CharFormat = 2
	default:
		return usb.LineCoding{}, fmt.Errorf("line coding %q: bad stop bits", s)
	}
	return lc, nil
}
