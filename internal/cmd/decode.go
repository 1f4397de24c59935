package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/Alia5/usbfs/bdt"
	"github.com/Alia5/usbfs/usb"
)

// DecodeCommand pretty-prints raw controller and protocol values, e.g. from
// a raw log or a register dump.
type DecodeCommand struct {
	Setup DecodeSetup `cmd:"" help:"Decode an 8-byte SETUP packet"`
	BDT   DecodeBDT   `cmd:"" name:"bdt" help:"Decode one or more 8-byte buffer descriptors"`
	Stat  DecodeStat  `cmd:"" help:"Decode a STAT register value"`
}

type DecodeSetup struct {
	Hex string `arg:"" help:"Packet bytes as hex; spaces, colons and a 0x prefix are ignored"`
}

type DecodeBDT struct {
	Hex string `arg:"" help:"Descriptor bytes as hex, a multiple of 8 bytes"`
}

type DecodeStat struct {
	Value string `arg:"" help:"Register value (0x.., decimal or 0b..)"`
}

type field struct {
	name  string
	value string
}

func (d *DecodeSetup) Run() error {
	b, err := parseHex(d.Hex)
	if err != nil {
		return err
	}
	fields, err := setupFields(b)
	if err != nil {
		return err
	}
	return printFields(os.Stdout, fields)
}

func (d *DecodeBDT) Run() error {
	b, err := parseHex(d.Hex)
	if err != nil {
		return err
	}
	fields, err := bdtFields(b)
	if err != nil {
		return err
	}
	return printFields(os.Stdout, fields)
}

func (d *DecodeStat) Run() error {
	v, err := strconv.ParseUint(d.Value, 0, 8)
	if err != nil {
		return fmt.Errorf("stat value %q: %w", d.Value, err)
	}
	return printFields(os.Stdout, statFields(bdt.Stat(v)))
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad hex input: %w", err)
	}
	return b, nil
}

func setupFields(b []byte) ([]field, error) {
	if len(b) != usb.SetupPacketSize {
		return nil, fmt.Errorf("setup packet is %d bytes, have %d", usb.SetupPacketSize, len(b))
	}
	s := usb.ParseSetup([usb.SetupPacketSize]byte(b))
	fields := []field{
		{"bmRequestType", fmt.Sprintf("0x%02x (%s %s %s)", b[0], s.Direction, s.Type, s.Recipient)},
		{"bRequest", fmt.Sprintf("0x%02x %s", s.Request, requestName(s))},
		{"wValue", fmt.Sprintf("0x%04x", s.Value)},
		{"wIndex", fmt.Sprintf("0x%04x", s.Index)},
		{"wLength", strconv.Itoa(int(s.Length))},
	}
	if s.Type == usb.KindStandard && s.Request == usb.RequestGetDescriptor {
		fields = append(fields, field{"descriptor", fmt.Sprintf("type=0x%02x index=%d", s.DescriptorType(), s.DescriptorIndex())})
	}
	return fields, nil
}

func requestName(s usb.SetupPacket) string {
	var names map[uint8]string
	switch s.Type {
	case usb.KindStandard:
		names = map[uint8]string{
			usb.RequestGetStatus:        "GET_STATUS",
			usb.RequestClearFeature:     "CLEAR_FEATURE",
			usb.RequestSetFeature:       "SET_FEATURE",
			usb.RequestSetAddress:       "SET_ADDRESS",
			usb.RequestGetDescriptor:    "GET_DESCRIPTOR",
			usb.RequestSetDescriptor:    "SET_DESCRIPTOR",
			usb.RequestGetConfiguration: "GET_CONFIGURATION",
			usb.RequestSetConfiguration: "SET_CONFIGURATION",
			usb.RequestGetInterface:     "GET_INTERFACE",
			usb.RequestSetInterface:     "SET_INTERFACE",
			usb.RequestSynchFrame:       "SYNCH_FRAME",
		}
	case usb.KindClass:
		names = map[uint8]string{
			usb.RequestSendEncapsulatedCommand: "SEND_ENCAPSULATED_COMMAND",
			usb.RequestGetEncapsulatedResponse: "GET_ENCAPSULATED_RESPONSE",
			usb.RequestSetLineCoding:           "SET_LINE_CODING",
			usb.RequestGetLineCoding:           "GET_LINE_CODING",
			usb.RequestSetControlLineState:     "SET_CONTROL_LINE_STATE",
			usb.RequestSendBreak:               "SEND_BREAK",
		}
	}
	if n, ok := names[s.Request]; ok {
		return n
	}
	return "(unknown)"
}

func bdtFields(b []byte) ([]field, error) {
	if len(b) == 0 || len(b)%bdt.EntrySize != 0 {
		return nil, fmt.Errorf("buffer descriptors are %d bytes each, have %d bytes", bdt.EntrySize, len(b))
	}
	var fields []field
	for i := 0; i < len(b); i += bdt.EntrySize {
		e, err := bdt.ParseEntry(b[i:])
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("bd[%d]", i/bdt.EntrySize)
		if len(b) == bdt.EntrySize {
			name = "bd"
		}
		fields = append(fields, field{name, e.String()})
	}
	return fields, nil
}

func statFields(s bdt.Stat) []field {
	return []field{
		{"stat", fmt.Sprintf("0x%02x", uint8(s))},
		{"endpoint", strconv.Itoa(int(s.Endp()))},
		{"direction", s.Direction().String()},
		{"buffer", s.Parity().String()},
		{"bdt handle", s.Handle().String()},
	}
}

// printFields aligns one field per line on a terminal and prints logfmt
// style key=value pairs otherwise.
func printFields(w io.Writer, fields []field) error {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, fl := range fields {
			fmt.Fprintf(tw, "%s\t%s\n", fl.name, fl.value)
		}
		return tw.Flush()
	}
	return writePlain(w, fields)
}

func writePlain(w io.Writer, fields []field) error {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v := f.value
		if strings.ContainsAny(v, " =") {
			v = strconv.Quote(v)
		}
		parts[i] = strings.ReplaceAll(f.name, " ", "_") + "=" + v
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}
