package apitypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type BusListResponse struct {
	Buses []uint32 `json:"buses"`
}

type BusCreateResponse struct {
	BusID uint32 `json:"busId"`
}

type BusRemoveResponse struct {
	BusID uint32 `json:"busId"`
}

type Device struct {
	BusID   uint32   `json:"busId"`
	DevId   string   `json:"devId"`
	Vid     USBID    `json:"vid"`
	Pid     USBID    `json:"pid"`
	Profile string   `json:"profile"`
	Serials []string `json:"serials"`
}

type DevicesListResponse struct {
	Devices []Device `json:"devices"`
}

type DeviceRemoveResponse struct {
	BusID uint32 `json:"busId"`
	DevId string `json:"devId"`
}

// DeviceCreateRequest adds a device built from a profile. Without a profile
// the server's default single-port device is used; idVendor and idProduct
// override the profile's ids.
type DeviceCreateRequest struct {
	Profile   json.RawMessage `json:"profile,omitempty"`
	IdVendor  *USBID          `json:"idVendor,omitempty"`
	IdProduct *USBID          `json:"idProduct,omitempty"`
}

// USBID is a vendor or product id. It is written as a "0x1209" string and
// read from that form, a bare hex string like "16c0", or a JSON number.
type USBID uint16

func (id USBID) String() string { return fmt.Sprintf("0x%04x", uint16(id)) }

func (id USBID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *USBID) UnmarshalJSON(data []byte) error {
	var s string
	base := 10
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			s, base = s[2:], 16
		} else if strings.ContainsAny(s, "abcdefABCDEF") {
			base = 16
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("usb id: expected number or hex string, got %s", data)
		}
		s = n.String()
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return fmt.Errorf("usb id %s: %w", data, err)
	}
	*id = USBID(v)
	return nil
}
