// Package devices runs profile-built peripherals on USB-IP buses and keeps
// track of them until they leave the bus.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Alia5/usbfs/device"
	"github.com/Alia5/usbfs/device/cdc"
	"github.com/Alia5/usbfs/internal/log"
	"github.com/Alia5/usbfs/internal/profile"
	"github.com/Alia5/usbfs/internal/server/serial"
	"github.com/Alia5/usbfs/peripheral"
	pusb "github.com/Alia5/usbfs/usb"
	"github.com/Alia5/usbfs/virtualbus"
)

var ErrNotFound = errors.New("device not found")

// Running is a started device.
type Running struct {
	Profile    profile.Profile
	BusID      uint32
	DevID      uint32
	Peripheral *peripheral.Peripheral
	Serials    []*cdc.ACM

	bus    *virtualbus.VirtualBus
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *Running) BusIDString() string { return fmt.Sprintf("%d-%d", r.BusID, r.DevID) }

// Done is closed once the firmware and all serial bridges have stopped.
func (r *Running) Done() <-chan struct{} { return r.done }

type key struct{ bus, dev uint32 }

// Manager owns the firmware goroutines of every started device.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	running map[key]*Running
	wg      sync.WaitGroup
}

func New(logger *slog.Logger) *Manager {
	return &Manager{logger: log.OrDefault(logger), running: make(map[key]*Running)}
}

// Start builds p, puts it on bus and runs its firmware until ctx ends or
// the device is removed from the bus.
func (m *Manager) Start(ctx context.Context, bus *virtualbus.VirtualBus, p profile.Profile) (*Running, error) {
	logger := m.logger.With("profile", p.Name)
	dev, err := p.Build(logger)
	if err != nil {
		return nil, err
	}
	funcs := make([]device.Function, len(dev.Serials))
	for i, acm := range dev.Serials {
		funcs[i] = acm
		watchSerial(acm, logger.With("serial", p.Serials[i].Name))
	}
	per, err := peripheral.New(dev.Descriptor, logger, funcs...)
	if err != nil {
		return nil, err
	}
	devCtx, err := bus.Add(per)
	if err != nil {
		return nil, err
	}
	r := &Running{
		Profile:    p,
		BusID:      bus.BusID(),
		Peripheral: per,
		Serials:    dev.Serials,
		bus:        bus,
		done:       make(chan struct{}),
	}
	if meta := virtualbus.MetaFromContext(devCtx); meta != nil {
		r.DevID = meta.DevId
	}
	logger = logger.With("busid", r.BusIDString())

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	stop := context.AfterFunc(devCtx, cancel)

	m.mu.Lock()
	m.running[key{r.BusID, r.DevID}] = r
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := per.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Device stopped", "error", err)
		}
	}()
	for i, sp := range p.Serials {
		if sp.Listen == "" {
			continue
		}
		b := serial.New(sp.Listen, dev.Serials[i], logger.With("serial", sp.Name))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.ListenAndServe(runCtx); err != nil {
				logger.Error("Serial bridge failed", "listen", sp.Listen, "error", err)
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		wg.Wait()
		stop()
		cancel()
		_ = bus.Remove(per)
		m.mu.Lock()
		// The number may already belong to a newer device.
		if m.running[key{r.BusID, r.DevID}] == r {
			delete(m.running, key{r.BusID, r.DevID})
		}
		m.mu.Unlock()
		close(r.done)
		logger.Debug("Device released")
	}()
	return r, nil
}

// Stop removes the device from its bus and waits for its firmware to stop.
func (m *Manager) Stop(busID, devID uint32) error {
	r, ok := m.Get(busID, devID)
	if !ok {
		return fmt.Errorf("%w: %d-%d", ErrNotFound, busID, devID)
	}
	if err := r.bus.Remove(r.Peripheral); err != nil && !errors.Is(err, virtualbus.ErrNotFound) {
		return err
	}
	r.cancel()
	<-r.done
	return nil
}

func (m *Manager) Get(busID, devID uint32) (*Running, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.running[key{busID, devID}]
	return r, ok
}

// List returns the running devices of a bus ordered by device number.
func (m *Manager) List(busID uint32) []*Running {
	m.mu.Lock()
	out := make([]*Running, 0, len(m.running))
	for k, r := range m.running {
		if k.bus == busID {
			out = append(out, r)
		}
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *Running) int { return int(a.DevID) - int(b.DevID) })
	return out
}

// Wait blocks until every started device has stopped.
func (m *Manager) Wait() { m.wg.Wait() }

func watchSerial(acm *cdc.ACM, logger *slog.Logger) {
	acm.OnLineCoding(func(lc pusb.LineCoding) {
		logger.Info("Line coding set", "coding", lc.String())
	})
	acm.OnControlLine(func(dtr, rts bool) {
		logger.Debug("Control lines set", "dtr", dtr, "rts", rts)
	})
	acm.OnBreak(func(millis uint16) {
		logger.Debug("Break", "ms", millis)
	})
}
