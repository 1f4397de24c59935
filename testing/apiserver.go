package testing

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/Alia5/usbfs/internal/devices"
	"github.com/Alia5/usbfs/internal/server/api"
	"github.com/Alia5/usbfs/internal/server/usb"
)

// StartAPIServer runs a management API on a loopback port next to a
// running USB-IP server. setup registers the routes under test.
func StartAPIServer(t testing.TB, setup func(r *api.Router, s *usb.Server, apiSrv *api.Server)) (addr string, srv *usb.Server, done func()) {
	t.Helper()
	return StartAPIServerWithConfig(t, api.ServerConfig{Addr: "127.0.0.1:0"}, setup)
}

func StartAPIServerWithConfig(t testing.TB, cfg api.ServerConfig, setup func(r *api.Router, s *usb.Server, apiSrv *api.Server)) (addr string, srv *usb.Server, done func()) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	usbSrv := NewTestServer(t)
	mgr := devices.New(logger)
	apiSrv, err := api.New(usbSrv, mgr, cfg, logger)
	if err != nil {
		t.Fatalf("create API server: %v", err)
	}
	if setup != nil {
		setup(apiSrv.Router(), usbSrv, apiSrv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := apiSrv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start API server: %v", err)
	}
	return apiSrv.Addr().String(), usbSrv, func() {
		cancel()
		apiSrv.Wait()
		for _, id := range usbSrv.ListBuses() {
			_ = usbSrv.RemoveBus(id)
		}
		mgr.Wait()
	}
}
