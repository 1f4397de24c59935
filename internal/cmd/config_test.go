package cmd_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/usbfs/internal/cmd"
	"github.com/Alia5/usbfs/internal/profile"
)

func TestConfigInitServer(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "server.json")
	require.NoError(t, (&cmd.ConfigInit{Command: "server", Format: "json", Output: dest}).Run())

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))

	assert.Equal(t, float64(1), got["bus_id"])
	assert.Equal(t, "30s", got["connection_timeout"])
	assert.Equal(t, []any{}, got["profiles"])

	usbCfg, ok := got["usb"].(map[string]any)
	require.True(t, ok, "usb section")
	assert.Equal(t, ":3240", usbCfg["addr"])
	assert.Equal(t, "250us", usbCfg["retry_interval"])
	assert.NotContains(t, usbCfg, "connection_timeout")

	apiCfg, ok := got["api"].(map[string]any)
	require.True(t, ok, "api section")
	assert.Equal(t, false, apiCfg["auto_attach_local_client"])
	assert.Equal(t, false, apiCfg["require_auth"])
	assert.NotContains(t, apiCfg, "password")
}

func TestConfigInitProxy(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, (&cmd.ConfigInit{Command: "proxy", Format: "yml", Output: dest}).Run())

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &got))
	assert.Equal(t, ":3241", got["listen_addr"])
	assert.Contains(t, got, "upstream_addr")
	assert.Equal(t, "30s", got["connection_timeout"])
}

func TestConfigInitProfile(t *testing.T) {
	tests := []struct {
		name    string
		init    cmd.ConfigInit
		file    string
		want    func(t *testing.T, p profile.Profile)
		wantErr error
	}{
		{
			name: "two looped ports",
			init: cmd.ConfigInit{Command: "profile", Format: "toml", Name: "bench", Ports: []string{"console", "log"}, Loopback: true},
			file: "bench.toml",
			want: func(t *testing.T, p profile.Profile) {
				assert.Equal(t, "bench", p.Name)
				require.Len(t, p.Serials, 2)
				assert.Equal(t, "log", p.Serials[1].Name)
				assert.True(t, p.Serials[1].Loopback)
				assert.Equal(t, "115200 8N1", p.Serials[0].LineCoding)
				assert.Nil(t, p.MSOS)
			},
		},
		{
			name: "ms os descriptors",
			init: cmd.ConfigInit{Command: "profile", Format: "yaml", Ports: []string{"at"}, MSOS: true},
			file: "winusb.yaml",
			want: func(t *testing.T, p profile.Profile) {
				require.NotNil(t, p.MSOS)
				assert.Equal(t, "WINUSB", p.MSOS.CompatibleID)
				assert.NotZero(t, p.MSOS.VendorCode)
			},
		},
		{
			name:    "no ports",
			init:    cmd.ConfigInit{Command: "profile", Format: "json"},
			file:    "empty.json",
			wantErr: profile.ErrInvalidProfile,
		},
		{
			name:    "too many ports",
			init:    cmd.ConfigInit{Command: "profile", Format: "json", Ports: []string{"a", "b", "c", "d", "e", "f"}},
			file:    "wide.json",
			wantErr: profile.ErrInvalidProfile,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), tt.file)
			tt.init.Output = dest
			err := tt.init.Run()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NoFileExists(t, dest)
				return
			}
			require.NoError(t, err)
			p, err := profile.Load(dest)
			require.NoError(t, err)
			tt.want(t, p)
		})
	}
}

func TestConfigInitKeepsExistingFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(dest, []byte("# mine\n"), 0o644))

	ci := cmd.ConfigInit{Command: "server", Format: "toml", Output: dest}
	assert.ErrorContains(t, ci.Run(), "use --force")
	raw, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "# mine\n", string(raw))

	ci.Force = true
	require.NoError(t, ci.Run())
	raw, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "bus_id")
}
