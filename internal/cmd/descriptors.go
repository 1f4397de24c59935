package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/Alia5/usbfs/internal/profile"
	"github.com/Alia5/usbfs/usb"
)

// Descriptors prints the descriptor set a profile would present, in the
// byte order the device sends it.
type Descriptors struct {
	Profile string `arg:"" optional:"" help:"Profile file; the built-in default when omitted" type:"existingfile"`
}

func (d *Descriptors) Run() error {
	p := profile.Default()
	if d.Profile != "" {
		var err error
		if p, err = profile.Load(d.Profile); err != nil {
			return err
		}
	}
	return dumpDescriptors(os.Stdout, p)
}

func dumpDescriptors(w io.Writer, p profile.Profile) error {
	dev, err := p.Build(nil)
	if err != nil {
		return err
	}
	desc := dev.Descriptor

	fields := []field{
		{"device", hexBytes(desc.DeviceBytes())},
		{"configuration", hexBytes(desc.ConfigurationBytes())},
		{"string 0", hexBytes(desc.StringBytes(0))},
	}
	idx := make([]uint8, 0, len(desc.Strings))
	for i := range desc.Strings {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	for _, i := range idx {
		fields = append(fields, field{fmt.Sprintf("string %d", i), hexBytes(desc.StringBytes(i))})
	}
	if desc.MSOS != nil {
		fields = append(fields,
			field{fmt.Sprintf("string 0x%02x", usb.MSOSStringIndex), hexBytes(desc.StringBytes(usb.MSOSStringIndex))},
			field{"ms compatible id", hexBytes(desc.MSOS.CompatibleIDBytes())},
		)
		if len(desc.MSOS.Properties) > 0 {
			fields = append(fields, field{"ms properties", hexBytes(desc.MSOS.ExtendedPropertiesBytes())})
		}
	}

	for _, f := range fields {
		if _, err := fmt.Fprintf(w, "%-18s %s\n", f.name+":", f.value); err != nil {
			return err
		}
	}
	return nil
}

func hexBytes(b []byte) string {
	s := hex.EncodeToString(b)
	var out strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(s[i : i+2])
	}
	return out.String()
}
