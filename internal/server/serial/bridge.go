// Package serial exposes emulated serial ports as raw TCP streams, so a
// program on the server side can talk to whatever opened the port on the
// USB-IP client.
package serial

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alia5/usbfs/device"
	"github.com/Alia5/usbfs/internal/log"
)

// Port is the device side of a serial port.
type Port interface {
	Read(ctx context.Context, p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Bridge copies bytes between one TCP client at a time and a Port.
type Bridge struct {
	addr   string
	port   Port
	logger *slog.Logger

	// RetryInterval paces reads while the port's device is not configured.
	RetryInterval time.Duration

	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	active net.Conn
}

func New(addr string, port Port, logger *slog.Logger) *Bridge {
	return &Bridge{
		addr:          addr,
		port:          port,
		logger:        log.OrDefault(logger),
		RetryInterval: 100 * time.Millisecond,
		ready:         make(chan struct{}),
	}
}

// Ready is closed once the listener is bound.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Addr is the bound listen address, valid after Ready.
func (b *Bridge) Addr() net.Addr { return b.ln.Addr() }

// ListenAndServe accepts clients until ctx ends or Close is called. A
// second client is turned away while one is connected.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return err
	}
	b.ln = ln
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("Serial bridge listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				b.logger.Info("Serial bridge stopped")
				b.closeActive()
				return nil
			}
			b.logger.Error("Accept error", "error", err)
			continue
		}
		if !b.claim(c) {
			b.logger.Warn("Serial port busy, refusing client", "remote", c.RemoteAddr())
			_ = c.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.serve(ctx, c)
		}()
	}
}

// Close stops the listener and drops the connected client.
func (b *Bridge) Close() error {
	if b.ln == nil {
		return nil
	}
	return b.ln.Close()
}

func (b *Bridge) claim(c net.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		return false
	}
	b.active = c
	return true
}

func (b *Bridge) closeActive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != nil {
		_ = b.active.Close()
	}
}

func (b *Bridge) serve(ctx context.Context, c net.Conn) {
	logger := b.logger.With("remote", c.RemoteAddr().String())
	logger.Info("Serial client connected")
	defer func() {
		b.mu.Lock()
		b.active = nil
		b.mu.Unlock()
		logger.Info("Serial client disconnected")
	}()
	Pipe(ctx, c, b.port, b.RetryInterval, logger)
}

// Pipe copies bytes between c and port until either side fails or ctx
// ends, then closes c. Reads from an unconfigured port are retried every
// retry interval.
func Pipe(ctx context.Context, c net.Conn, port Port, retry time.Duration, logger *slog.Logger) {
	logger = log.OrDefault(logger)
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = c.Close()
	}()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	go toClient(ctx, c, port, retry, logger)

	buf := make([]byte, 512)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := port.Write(buf[:n]); werr != nil {
				logger.Debug("Dropping client data", "bytes", n, "error", werr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Client read", "error", err)
			}
			return
		}
	}
}

func toClient(ctx context.Context, c net.Conn, port Port, retry time.Duration, logger *slog.Logger) {
	defer func() { _ = c.Close() }()
	buf := make([]byte, 512)
	for {
		n, err := port.Read(ctx, buf)
		switch {
		case err == nil:
			if _, err := c.Write(buf[:n]); err != nil {
				logger.Debug("Client write", "error", err)
				return
			}
		case errors.Is(err, device.ErrNotConfigured):
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
		default:
			if ctx.Err() == nil {
				logger.Debug("Port read", "error", err)
			}
			return
		}
	}
}
