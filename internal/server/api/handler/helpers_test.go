package handler_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/internal/profile"
	"github.com/Alia5/usbfs/internal/server/api"
	"github.com/Alia5/usbfs/internal/server/api/handler"
	"github.com/Alia5/usbfs/internal/server/usb"
	th "github.com/Alia5/usbfs/testing"
	"github.com/Alia5/usbfs/virtualbus"
)

func addBus(t *testing.T, s *usb.Server, id uint32) *virtualbus.VirtualBus {
	t.Helper()
	b, err := virtualbus.NewWithBusId(id)
	if err != nil {
		t.Fatalf("create bus failed: %v", err)
	}
	if err := s.AddBus(b); err != nil {
		t.Fatalf("add bus failed: %v", err)
	}
	return b
}

func startDevice(t *testing.T, apiSrv *api.Server, b *virtualbus.VirtualBus, p profile.Profile) {
	t.Helper()
	if _, err := apiSrv.Devices().Start(context.Background(), b, p); err != nil {
		t.Fatalf("start device failed: %v", err)
	}
}

// startAllRoutes registers every management route the way the server
// command does.
func startAllRoutes(t *testing.T) (addr string, apiSrv *api.Server, done func()) {
	t.Helper()
	addr, _, done = th.StartAPIServer(t, func(r *api.Router, s *usb.Server, a *api.Server) {
		apiSrv = a
		handler.Register(a)
	})
	return addr, apiSrv, done
}

func itoa(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

// assertProblemOrEqual compares full responses, but only status and title
// of a problem whose detail comes from a parser.
func assertProblemOrEqual(t *testing.T, expected, line string) {
	t.Helper()
	var want map[string]any
	require.NoError(t, json.Unmarshal([]byte(expected), &want))
	if _, isProblem := want["status"]; !isProblem {
		assert.JSONEq(t, expected, line)
		return
	}
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &got), line)
	for k, v := range want {
		assert.Equal(t, v, got[k], k)
	}
}
