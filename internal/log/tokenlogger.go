package log

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/Alia5/usbfs/usb"
)

// TokenLogger wraps a usb.Device and logs every token and its handshake at
// LevelTrace. Logging is skipped entirely when the level is disabled.
type TokenLogger struct {
	dev    usb.Device
	logger *slog.Logger
}

// NewTokenLogger returns dev wrapped with token tracing.
func NewTokenLogger(dev usb.Device, logger *slog.Logger) *TokenLogger {
	return &TokenLogger{dev: dev, logger: OrDefault(logger)}
}

func (t *TokenLogger) enabled() bool {
	return t.logger.Enabled(context.Background(), LevelTrace)
}

func (t *TokenLogger) Setup(addr, ep uint8, packet [usb.SetupPacketSize]byte) usb.Handshake {
	hs := t.dev.Setup(addr, ep, packet)
	if t.enabled() {
		Trace(t.logger, "token", "pid", usb.PidSetup, "addr", addr, "ep", ep,
			"setup", usb.ParseSetup(packet).String(), "hs", hs)
	}
	return hs
}

func (t *TokenLogger) Out(addr, ep uint8, pid usb.Pid, data []byte) usb.Handshake {
	hs := t.dev.Out(addr, ep, pid, data)
	if t.enabled() {
		Trace(t.logger, "token", "pid", usb.PidOut, "addr", addr, "ep", ep,
			"data", pid, "bc", len(data), "hex", hex.EncodeToString(data), "hs", hs)
	}
	return hs
}

func (t *TokenLogger) In(addr, ep uint8) ([]byte, usb.Pid, usb.Handshake) {
	data, pid, hs := t.dev.In(addr, ep)
	if t.enabled() {
		args := []any{"pid", usb.PidIn, "addr", addr, "ep", ep, "hs", hs}
		if hs == usb.HandshakeACK {
			args = append(args, "data", pid, "bc", len(data), "hex", hex.EncodeToString(data))
		}
		Trace(t.logger, "token", args...)
	}
	return data, pid, hs
}

func (t *TokenLogger) BusReset() {
	Trace(t.logger, "bus reset")
	t.dev.BusReset()
}

func (t *TokenLogger) SOF(frame uint16) {
	t.dev.SOF(frame)
}
