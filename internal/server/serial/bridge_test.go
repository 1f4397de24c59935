package serial_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/device"
	"github.com/Alia5/usbfs/internal/server/serial"
)

// fakePort is unconfigured until the first packet is queued for the host.
type fakePort struct {
	mu      sync.Mutex
	written []byte
	toHost  chan []byte
	ready   chan struct{}
	once    sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{toHost: make(chan []byte, 4), ready: make(chan struct{})}
}

func (f *fakePort) configure() { f.once.Do(func() { close(f.ready) }) }

func (f *fakePort) Read(ctx context.Context, p []byte) (int, error) {
	select {
	case <-f.ready:
	default:
		return 0, device.ErrNotConfigured
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case b := <-f.toHost:
		return copy(p, b), nil
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakePort) got() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

func start(t *testing.T, port serial.Port) (*serial.Bridge, chan error) {
	t.Helper()
	b := serial.New("127.0.0.1:0", port, nil)
	b.RetryInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-b.Ready():
	case err := <-done:
		t.Fatalf("bridge failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("bridge not ready")
	}
	return b, done
}

func TestBridgeCopiesBothWays(t *testing.T) {
	port := newFakePort()
	b, _ := start(t, port)

	c, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("AT\r"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return port.got() == "AT\r" }, time.Second, time.Millisecond)

	port.configure()
	port.toHost <- []byte("OK\r\n")
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "OK\r\n", string(buf))
}

func TestBridgeSingleClient(t *testing.T) {
	b, _ := start(t, newFakePort())

	first, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	// Give the bridge time to claim the first connection.
	time.Sleep(20 * time.Millisecond)

	second, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "second client is refused")

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", b.Addr().String())
		if err != nil {
			return false
		}
		defer c.Close()
		_ = c.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		_, err = c.Read(make([]byte, 1))
		var ne net.Error
		return err != nil && errors.As(err, &ne) && ne.Timeout()
	}, time.Second, 10*time.Millisecond, "port is free again after the client leaves")
}

func TestBridgeStopsOnCancel(t *testing.T) {
	b := serial.New("127.0.0.1:0", newFakePort(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.ListenAndServe(ctx) }()
	<-b.Ready()

	c, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
}
