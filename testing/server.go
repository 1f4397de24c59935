package testing

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Alia5/usbfs/internal/server/usb"
)

// NewTestServer starts a USB-IP server on a loopback port and stops it when
// the test ends.
func NewTestServer(t testing.TB) *usb.Server {
	t.Helper()
	return NewTestServerWithConfig(t, TestServerConfig(t))
}

func NewTestServerWithConfig(t testing.TB, cfg usb.ServerConfig) *usb.Server {
	t.Helper()

	usbServer := usb.New(cfg, slog.Default(), nil)

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbServer.ListenAndServe()
	}()
	select {
	case <-usbServer.Ready():
		// ok
	case err := <-usbErrCh:
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		t.Fatalf("USB server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("USB server did not become ready")
	}
	t.Cleanup(func() { _ = usbServer.Close() })
	return usbServer
}

func TestServerConfig(t testing.TB) usb.ServerConfig {
	t.Helper()

	return usb.ServerConfig{
		Addr:              "127.0.0.1:0",
		ConnectionTimeout: 1 * time.Second,
		RetryInterval:     20 * time.Microsecond,
		ControlTimeout:    time.Second,
		FrameInterval:     time.Millisecond,
	}
}
