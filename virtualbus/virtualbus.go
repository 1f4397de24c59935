// Package virtualbus manages USB bus topology and auto-assigns device addresses.
package virtualbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/Alia5/usbfs/usb"
	"github.com/Alia5/usbfs/usbip"
)

const basepath = "/sys/devices/platform/usbfs/usb"

// maxDevices keeps device numbers usable as USB addresses.
const maxDevices = 127

var (
	ErrNotFound     = errors.New("device not found")
	ErrBusy         = errors.New("device already imported")
	ErrDuplicate    = errors.New("device already registered on this bus")
	ErrBusExhausted = errors.New("no free device number on bus")
)

var (
	globalBusCounter uint32
	allocatedBusIds  = make(map[uint32]bool)
	globalMutex      sync.Mutex
)

// Device is what a bus exports: a peripheral answering bus tokens that can
// also report its descriptors without enumeration.
type Device interface {
	usb.Device
	usb.Describer
}

// VirtualBus manages USB bus topology and auto-assigns device addresses.
type VirtualBus struct {
	mutex           sync.Mutex
	busId           uint32
	allocatedDevIDs map[uint32]bool
	devices         []*busDevice
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	Dev  Device
	Meta usbip.ExportMeta
}

// Exported returns the devlist/import record of the device.
func (m DeviceMeta) Exported() usbip.ExportedDevice {
	return usbip.NewExportedDevice(m.Meta, m.Dev.GetDescriptor())
}

type busDevice struct {
	dev      Device
	meta     usbip.ExportMeta
	ctx      context.Context
	cancel   context.CancelFunc
	imported bool
}

// New creates a new VirtualBus instance with a unique auto-assigned bus number.
func New() *VirtualBus {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	busId := globalBusCounter
	if busId == 0 {
		busId = 1
	}
	for allocatedBusIds[busId] {
		busId++
	}
	globalBusCounter = busId + 1
	allocatedBusIds[busId] = true

	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}
}

// NewWithBusId creates a new VirtualBus instance starting at a specific bus number.
// Returns an error if the bus number is already allocated.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true

	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}, nil
}

// Add registers a device and assigns it the lowest free device number.
// The returned context ends when the device is removed or the bus closed;
// it carries the device's export metadata (see MetaFromContext).
func (vb *VirtualBus) Add(dev Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, ErrDuplicate
		}
	}
	var devID uint32
	for i := uint32(1); i <= maxDevices; i++ {
		if !vb.allocatedDevIDs[i] {
			devID = i
			break
		}
	}
	if devID == 0 {
		return nil, fmt.Errorf("%w %d", ErrBusExhausted, vb.busId)
	}
	vb.allocatedDevIDs[devID] = true

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	path := fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID)

	var meta usbip.ExportMeta
	copy(meta.Path[:], path)
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	ctx = withMeta(ctx, &meta)

	vb.devices = append(vb.devices, &busDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// GetAllDeviceMetas returns a copy of all registered devices with their descriptors and export metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta})
	}
	return out
}

// Import reserves the device with the given "bus-dev" id for one USB-IP
// connection. The returned context ends when the device is removed. The
// reservation is held until Release.
func (vb *VirtualBus) Import(busID string) (DeviceMeta, context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.meta.BusIDString() != busID {
			continue
		}
		if d.imported {
			return DeviceMeta{}, nil, fmt.Errorf("%w: %s", ErrBusy, busID)
		}
		d.imported = true
		return DeviceMeta{Dev: d.dev, Meta: d.meta}, d.ctx, nil
	}
	return DeviceMeta{}, nil, fmt.Errorf("%w: busid %s", ErrNotFound, busID)
}

// Release ends the reservation taken by Import.
func (vb *VirtualBus) Release(busID string) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.meta.BusIDString() == busID {
			d.imported = false
			return
		}
	}
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// Devices returns all devices currently attached to this bus.
func (vb *VirtualBus) Devices() []Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]Device, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, d.dev)
	}
	return out
}

// RemoveDeviceByID removes a device by its device number (e.g., "1").
func (vb *VirtualBus) RemoveDeviceByID(deviceID string) error {
	id, err := strconv.ParseUint(deviceID, 10, 32)
	if err != nil {
		return fmt.Errorf("device id %q: %w", deviceID, err)
	}
	return vb.remove(func(d *busDevice) bool { return d.meta.DevId == uint32(id) },
		fmt.Sprintf("id %s on bus %d", deviceID, vb.BusID()))
}

// Remove unregisters a device from the bus and ends its context, which
// closes any USB-IP connection using it.
func (vb *VirtualBus) Remove(dev Device) error {
	return vb.remove(func(d *busDevice) bool { return d.dev == dev }, "")
}

func (vb *VirtualBus) remove(match func(*busDevice) bool, what string) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if match(d) {
			d.cancel()
			delete(vb.allocatedDevIDs, d.meta.DevId)
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	if what == "" {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

// Close frees the bus number allocated to this VirtualBus, allowing it to be
// reused. After calling Close, this VirtualBus instance should not be used.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		d.cancel()
	}
	vb.devices = nil

	globalMutex.Lock()
	defer globalMutex.Unlock()

	delete(allocatedBusIds, vb.busId)
	return nil
}

// GetDeviceContext returns the context for a specific device.
// Returns nil if the device is not found.
func (vb *VirtualBus) GetDeviceContext(dev Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.dev == dev {
			return d.ctx
		}
	}
	return nil
}
