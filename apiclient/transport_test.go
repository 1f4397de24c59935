package apiclient_test

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/apiclient"
	apitypes "github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/server/api"
	"github.com/Alia5/usbfs/internal/server/api/auth"
	"github.com/Alia5/usbfs/internal/server/api/handler"
	"github.com/Alia5/usbfs/internal/server/usb"
	th "github.com/Alia5/usbfs/testing"
	pusb "github.com/Alia5/usbfs/usb"
	"github.com/Alia5/usbfs/virtualbus"
)

// serveOnce accepts one connection and hands it to handle.
func serveOnce(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return ln.Addr().String()
}

// recordRequest answers one request with response and sends the raw
// request line, terminator included, on the returned channel.
func recordRequest(t *testing.T, response string) (string, <-chan string) {
	t.Helper()
	got := make(chan string, 1)
	addr := serveOnce(t, func(conn net.Conn) {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, _ := bufio.NewReader(conn).ReadString('\x00')
		got <- line
		if response != "" {
			_, _ = conn.Write([]byte(response))
		}
	})
	return addr, got
}

func TestTransportRequestLine(t *testing.T) {
	profileJSON := json.RawMessage(`{"name":"modem","serials":[{"name":"at"}]}`)
	vid := apitypes.USBID(0x1209)
	addReq, err := json.Marshal(apitypes.DeviceCreateRequest{Profile: profileJSON, IdVendor: &vid})
	require.NoError(t, err)

	tests := []struct {
		name     string
		response string
		call     func(c *apiclient.Client, tr *apiclient.Transport) error
		wantLine string
	}{
		{
			name:     "bus list",
			response: `{"buses":[1]}` + "\n",
			call:     func(c *apiclient.Client, _ *apiclient.Transport) error { _, err := c.BusList(); return err },
			wantLine: "bus/list\x00",
		},
		{
			name:     "bus create picks next free",
			response: `{"busId":1}` + "\n",
			call:     func(c *apiclient.Client, _ *apiclient.Transport) error { _, err := c.BusCreate(0); return err },
			wantLine: "bus/create\x00",
		},
		{
			name:     "bus create numbered",
			response: `{"busId":3}` + "\n",
			call:     func(c *apiclient.Client, _ *apiclient.Transport) error { _, err := c.BusCreate(3); return err },
			wantLine: "bus/create 3\x00",
		},
		{
			name:     "device add with profile",
			response: `{"busId":7,"devId":"1","vid":"0x1209","pid":"0x5151","profile":"modem","serials":["at"]}` + "\n",
			call: func(c *apiclient.Client, _ *apiclient.Transport) error {
				_, err := c.DeviceAdd(7, &apitypes.DeviceCreateRequest{Profile: profileJSON, IdVendor: &vid})
				return err
			},
			wantLine: "bus/7/add " + string(addReq) + "\x00",
		},
		{
			name:     "device remove",
			response: `{"busId":7,"devId":"1"}` + "\n",
			call:     func(c *apiclient.Client, _ *apiclient.Transport) error { _, err := c.DeviceRemove(7, "1"); return err },
			wantLine: "bus/7/remove 1\x00",
		},
		{
			name: "serial stream by name",
			call: func(c *apiclient.Client, _ *apiclient.Transport) error {
				conn, err := c.OpenSerial(context.Background(), 7, "1", "Console")
				if conn != nil {
					conn.Close()
				}
				return err
			},
			wantLine: "bus/7/1/serial/console\x00",
		},
		{
			name:     "raw payload keeps newlines",
			response: "\n",
			call: func(_ *apiclient.Client, tr *apiclient.Transport) error {
				_, err := tr.Do("bus/{id}/add", "{\n\"name\":\"x\"\n}", map[string]string{"id": "2"})
				return err
			},
			wantLine: "bus/2/add {\n\"name\":\"x\"\n}\x00",
		},
		{
			name:     "raw bytes payload",
			response: "\n",
			call: func(_ *apiclient.Client, tr *apiclient.Transport) error {
				_, err := tr.Do("bus/{id}/remove", []byte("4"), map[string]string{"id": "2"})
				return err
			},
			wantLine: "bus/2/remove 4\x00",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, got := recordRequest(t, tt.response)
			tr := apiclient.NewTransport(addr)
			require.NoError(t, tt.call(apiclient.WithTransport(tr), tr))
			select {
			case line := <-got:
				assert.Equal(t, tt.wantLine, line)
			case <-time.After(2 * time.Second):
				t.Fatal("no request received")
			}
		})
	}
}

func TestTransportMultiLineResponse(t *testing.T) {
	resp := "{\n  \"devices\": [\n    {\"busId\": 1, \"devId\": \"2\", \"vid\": \"0x1209\", \"pid\": \"0x5151\",\n     \"profile\": \"default\", \"serials\": [\"console\", \"log\"]}\n  ]\n}\n"
	addr, _ := recordRequest(t, resp)

	list, err := apiclient.New(addr).DevicesList(1)
	require.NoError(t, err)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, []string{"console", "log"}, list.Devices[0].Serials)
}

// readHello drains the client hello so closing the connection does not
// reset it.
func readHello(conn net.Conn) {
	_, _ = io.ReadFull(conn, make([]byte, len(auth.HandshakeMagic)+auth.NonceSize+sha256.Size))
}

func TestEncryptedTransport(t *testing.T) {
	serverKey, err := auth.DeriveKey("test123")
	require.NoError(t, err)

	busList := func(conn net.Conn) {
		sess, err := auth.Server(bufio.NewReader(conn), conn, serverKey)
		if err != nil {
			b, _ := json.Marshal(err)
			_, _ = conn.Write(append(b, '\n'))
			return
		}
		secure, err := sess.ServerConn(conn)
		if err != nil {
			return
		}
		line, err := bufio.NewReader(secure).ReadString('\x00')
		if err != nil || line != "bus/list\x00" {
			return
		}
		_, _ = secure.Write([]byte(`{"buses":[1,2]}` + "\n"))
	}

	tests := []struct {
		name     string
		password string
		handle   func(conn net.Conn)
		wantErr  string
		wantIs   error
	}{
		{name: "success", password: "test123", handle: busList},
		{name: "wrong password", password: "wrongpass", handle: busList, wantErr: "401 Unauthorized: invalid password"},
		{
			name:     "server closes early",
			password: "test123",
			handle:   func(conn net.Conn) { readHello(conn) },
			wantErr:  "401 Unauthorized: invalid password",
		},
		{
			name:     "server without the key",
			password: "test123",
			handle: func(conn net.Conn) {
				readHello(conn)
				_, _ = conn.Write([]byte("OK\x00" + strings.Repeat("x", 64)))
			},
			wantIs: auth.ErrServerProof,
		},
		{
			name:     "garbage response",
			password: "test123",
			handle: func(conn net.Conn) {
				readHello(conn)
				_, _ = conn.Write([]byte("NO\x00" + strings.Repeat("x", 32) + "\n"))
			},
			wantErr: "invalid handshake response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := serveOnce(t, tt.handle)
			got, err := apiclient.NewWithPassword(addr, tt.password).BusList()
			switch {
			case tt.wantIs != nil:
				assert.ErrorIs(t, err, tt.wantIs)
			case tt.wantErr != "":
				assert.ErrorContains(t, err, tt.wantErr)
			default:
				require.NoError(t, err)
				assert.Equal(t, []uint32{1, 2}, got.Buses)
			}
		})
	}
}

func TestEncryptedSerialStream(t *testing.T) {
	var usbSrv *usb.Server
	cfg := api.ServerConfig{Addr: "127.0.0.1:0", Password: "s3cret", RequireAuth: true}
	addr, _, done := th.StartAPIServerWithConfig(t, cfg, func(r *api.Router, s *usb.Server, apiSrv *api.Server) {
		usbSrv = s
		handler.Register(apiSrv)
	})
	defer done()

	b, err := virtualbus.NewWithBusId(205)
	require.NoError(t, err)
	require.NoError(t, usbSrv.AddBus(b))

	_, err = apiclient.New(addr).BusList()
	assert.ErrorContains(t, err, "authentication required")

	c := apiclient.NewWithPassword(addr, "s3cret")
	profileJSON := []byte(`{"name":"sealed","serials":[{"name":"console"}]}`)
	stream, dev, err := c.AddDeviceAndConnect(context.Background(), 205, &apitypes.DeviceCreateRequest{Profile: profileJSON})
	require.NoError(t, err)
	defer stream.Close()

	imp, err := th.NewUsbIpClient(t, usbSrv.Addr().String()).AttachDevice("205-" + dev.DevId)
	require.NoError(t, err)
	defer imp.Close()
	ret, _, err := imp.Control(pusb.SetupPacket{Request: pusb.RequestSetConfiguration, Value: 1}, nil)
	require.NoError(t, err)
	require.Zero(t, ret.Status)

	_, err = stream.Write([]byte("ATI\r\n"))
	require.NoError(t, err)
	ret, data, err := imp.Submit(0x82, 64, nil)
	require.NoError(t, err)
	require.Zero(t, ret.Status)
	assert.Equal(t, "ATI\r\n", string(data))
}
