package cmd

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/Alia5/usbfs/internal/configpaths"
	"github.com/Alia5/usbfs/internal/profile"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit scaffolds a command config or a device profile.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for, or 'profile' for a device profile" enum:"server,proxy,profile"`
	Format  string `help:"Output format" enum:"json,yaml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to the current directory, or the profile directory for profiles)"`
	Force   bool   `help:"Overwrite if the file already exists"`

	Name     string   `help:"Profile name" default:"usbfs"`
	Ports    []string `help:"Serial port names of the profile" default:"console"`
	Loopback bool     `help:"Echo data on every port of the profile"`
	MSOS     bool     `name:"msos" help:"Add MS OS descriptors with the WINUSB compatible ID"`
}

// Run writes the template. Command configs are built from the kong tags of
// the command struct; profiles are validated before they are written.
func (c *ConfigInit) Run() error {
	format := normalizeFormat(c.Format)
	if format == "" {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}

	var (
		data []byte
		err  error
	)
	switch c.Command {
	case "server":
		data, err = marshalTemplate(buildMapFromStruct(reflect.TypeOf(Server{})), format)
	case "proxy":
		data, err = marshalTemplate(buildMapFromStruct(reflect.TypeOf(Proxy{})), format)
	case "profile":
		data, err = c.profileTemplate(format)
	default:
		return errors.New("unknown command; expected 'server', 'proxy' or 'profile'")
	}
	if err != nil {
		return err
	}

	dest, err := c.destination(format)
	if err != nil {
		return err
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s exists; use --force to overwrite", dest)
		}
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (c *ConfigInit) profileTemplate(format string) ([]byte, error) {
	p := profile.Default()
	if c.Name != "" {
		p.Name = c.Name
	}
	p.Serials = p.Serials[:0]
	for _, name := range c.Ports {
		p.Serials = append(p.Serials, profile.Serial{Name: name, LineCoding: "115200 8N1", Loopback: c.Loopback})
	}
	if c.MSOS {
		p.MSOS = &profile.MSOS{VendorCode: 0x20, CompatibleID: "WINUSB"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return profile.Encode(p, format)
}

// destination defaults profiles into the directory the server scans when
// started without --profiles.
func (c *ConfigInit) destination(format string) (string, error) {
	if c.Output != "" {
		return c.Output, nil
	}
	if c.Command != "profile" {
		return c.Command + "." + format, nil
	}
	dir, err := configpaths.ProfileDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, cmp.Or(c.Name, profile.Default().Name)+"."+format), nil
}

func marshalTemplate(root map[string]any, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(root)
	case "toml":
		return toml.Marshal(root)
	}
	return json.MarshalIndent(root, "", "  ")
}

func normalizeFormat(f string) string {
	switch strings.ToLower(f) {
	case "json":
		return "json"
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	default:
		return ""
	}
}

// configKey is the key the kong config resolvers look up for a field: its
// flag name with dashes turned into underscores.
func configKey(f reflect.StructField) string {
	if name := f.Tag.Get("name"); name != "" {
		return strings.ReplaceAll(name, "-", "_")
	}
	var b strings.Builder
	r := []rune(f.Name)
	for i, c := range r {
		if i > 0 && unicode.IsUpper(c) {
			prevLower := unicode.IsLower(r[i-1])
			acronymEnd := unicode.IsUpper(r[i-1]) && i+1 < len(r) && unicode.IsLower(r[i+1])
			if prevLower || acronymEnd {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

func buildMapFromStruct(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	out := map[string]any{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Tag.Get("kong") == "-" {
			continue
		}

		if _, ok := f.Tag.Lookup("embed"); ok {
			prefix := f.Tag.Get("prefix")
			name := strings.TrimSuffix(prefix, ".")
			sub := buildMapFromStruct(f.Type)
			if name != "" {
				out[name] = sub
			} else {
				for k, v := range sub {
					out[k] = v
				}
			}
			continue
		}

		val := defaultValueForField(f.Type, f.Tag.Get("default"))
		if val != nil {
			out[configKey(f)] = val
		}
	}
	return out
}

func defaultValueForField(t reflect.Type, def string) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "time" && t.Name() == "Duration" {
		if def != "" {
			return def
		}
		return "0s"
	}
	switch t.Kind() {
	case reflect.String:
		return def
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 10, 64)
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 10, 64)
		return n
	case reflect.Float32, reflect.Float64:
		f, _ := strconv.ParseFloat(def, 64)
		return f
	case reflect.Slice:
		if def == "" {
			return []string{}
		}
		return strings.Split(def, ",")
	case reflect.Struct:
		return buildMapFromStruct(t)
	default:
		return nil
	}
}
