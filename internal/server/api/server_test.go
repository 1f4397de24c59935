package api_test

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/apiclient"
	"github.com/Alia5/usbfs/internal/server/api"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
	"github.com/Alia5/usbfs/internal/server/usb"
	th "github.com/Alia5/usbfs/testing"
)

func echoRoutes(r *api.Router, _ *usb.Server, _ *api.Server) {
	r.Register("echo/{word}", func(req *api.Request, res *api.Response, _ *slog.Logger) error {
		res.JSON = fmt.Sprintf(`{"word":%q,"payload":%q}`, req.Params["word"], req.Payload)
		return nil
	})
	r.Register("fail", func(*api.Request, *api.Response, *slog.Logger) error {
		return apierror.ErrConflict("nope")
	})
	r.Register("plain", func(*api.Request, *api.Response, *slog.Logger) error {
		return errors.New("boom")
	})
	r.RegisterStream("stream/{mode}", func(conn net.Conn, req *api.Request, _ *slog.Logger) error {
		if req.Params["mode"] == "reject" {
			return apierror.ErrNotFound("no such stream")
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return nil
		}
		_, _ = conn.Write([]byte("echo " + line))
		return nil
	})
}

func TestAPIServerDispatch(t *testing.T) {
	addr, _, done := th.StartAPIServer(t, echoRoutes)
	defer done()

	tests := []struct {
		name     string
		path     string
		payload  any
		expected string
	}{
		{name: "params and payload", path: "echo/Hello", payload: "a b\nc", expected: `{"word":"hello","payload":"a b\nc"}`},
		{name: "api error", path: "fail", expected: `{"status":409,"title":"Conflict","detail":"nope"}`},
		{name: "plain error wrapped", path: "plain", expected: `{"status":500,"title":"Internal Server Error","detail":"boom"}`},
		{name: "unknown path", path: "nothing/here", expected: `{"status":404,"title":"Not Found","detail":"unknown path: nothing/here"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := apiclient.NewTransport(addr).Do(tt.path, tt.payload, nil)
			require.NoError(t, err)
			assert.JSONEq(t, tt.expected, line)
		})
	}
}

func TestAPIServerStream(t *testing.T) {
	addr, _, done := th.StartAPIServer(t, echoRoutes)
	defer done()
	tr := apiclient.NewTransport(addr)

	conn, err := tr.OpenStream(t.Context(), "stream/echo", nil)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hi\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", line)

	rejected, err := tr.OpenStream(t.Context(), "stream/reject", nil)
	require.NoError(t, err)
	defer rejected.Close()
	require.NoError(t, rejected.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err = bufio.NewReader(rejected).ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":404,"title":"Not Found","detail":"no such stream"}`, line)
}

func TestAPIServerAuth(t *testing.T) {
	tests := []struct {
		name        string
		requireAuth bool
		password    string
		wantErr     string
	}{
		{name: "correct password", password: "s3cret"},
		{name: "loopback without password", password: ""},
		{name: "wrong password", password: "guess", wantErr: "401 Unauthorized: invalid password"},
		{name: "required but missing", requireAuth: true, password: "", wantErr: "authentication required"},
		{name: "required and given", requireAuth: true, password: "s3cret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := api.ServerConfig{Addr: "127.0.0.1:0", Password: "s3cret", RequireAuth: tt.requireAuth}
			addr, _, done := th.StartAPIServerWithConfig(t, cfg, echoRoutes)
			defer done()

			c := apiclient.NewTransportWithPassword(addr, tt.password)
			line, err := c.Do("echo/x", nil, nil)
			if tt.wantErr != "" {
				if err == nil {
					assert.Contains(t, line, tt.wantErr)
					return
				}
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, `{"word":"x","payload":""}`, line)
		})
	}
}

func TestAPIServerAuthDisabled(t *testing.T) {
	addr, _, done := th.StartAPIServer(t, echoRoutes)
	defer done()

	_, err := apiclient.NewTransportWithPassword(addr, "s3cret").Do("echo/x", nil, nil)
	assert.ErrorContains(t, err, "authentication is not enabled")
}

func TestRouterMatch(t *testing.T) {
	r := api.NewRouter()
	r.Register("bus/{id}/list", func(*api.Request, *api.Response, *slog.Logger) error { return nil })
	r.RegisterStream("bus/{busId}/{deviceid}/serial/{port}", func(net.Conn, *api.Request, *slog.Logger) error { return nil })

	h, params := r.Match("BUS/7/list")
	require.NotNil(t, h)
	assert.Equal(t, map[string]string{"id": "7"}, params)

	h, _ = r.Match("bus/7/list/extra")
	assert.Nil(t, h)

	sh, params := r.MatchStream("bus/1/2/serial/console")
	require.NotNil(t, sh)
	assert.Equal(t, map[string]string{"busId": "1", "deviceid": "2", "port": "console"}, params)

	sh, _ = r.MatchStream("bus/1/list")
	assert.Nil(t, sh)
}
