package sie

import (
	"fmt"
	"sync"
)

// Memory is the SRAM region buffer descriptors point into. Firmware
// allocates endpoint buffers from it; the engine reads and writes it as
// the SIE's DMA target.
type Memory struct {
	mu   sync.Mutex
	base uint32
	data []byte
	next uint32
}

// NewMemory returns size bytes of zeroed memory mapped at base.
func NewMemory(base uint32, size int) *Memory {
	return &Memory{
		base: base,
		data: make([]byte, size),
		next: base,
	}
}

func (m *Memory) Base() uint32 { return m.base }

func (m *Memory) Size() int { return len(m.data) }

// Alloc reserves size bytes aligned to align (a power of two, or 0/1 for
// none) and returns their address.
func (m *Memory) Alloc(size, align int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := m.next
	if align > 1 {
		a := uint32(align)
		addr = (addr + a - 1) &^ (a - 1)
	}
	end := uint64(addr) + uint64(size)
	if end > uint64(m.base)+uint64(len(m.data)) {
		return 0, fmt.Errorf("%w: %d bytes (align %d), %d free",
			ErrOutOfMemory, size, align, uint64(m.base)+uint64(len(m.data))-uint64(m.next))
	}
	m.next = uint32(end)
	return addr, nil
}

func (m *Memory) span(addr uint32, n int) (int, error) {
	off := int64(addr) - int64(m.base)
	if off < 0 || off+int64(n) > int64(len(m.data)) {
		return 0, fmt.Errorf("%w: 0x%08x+%d", ErrBusFault, addr, n)
	}
	return int(off), nil
}

// Read copies len(p) bytes starting at addr into p.
func (m *Memory) Read(addr uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, err := m.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, m.data[off:])
	return nil
}

// Write copies p to memory starting at addr.
func (m *Memory) Write(addr uint32, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, err := m.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(m.data[off:], p)
	return nil
}

// readFixed reads n bytes all from addr, as the SIE does with NINC set.
func (m *Memory) readFixed(addr uint32, n int) ([]byte, error) {
	var b [1]byte
	if err := m.Read(addr, b[:]); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = b[0]
	}
	return out, nil
}

// writeFixed stores every byte of p at addr in turn.
func (m *Memory) writeFixed(addr uint32, p []byte) error {
	for i := range p {
		if err := m.Write(addr, p[i:i+1]); err != nil {
			return err
		}
	}
	return nil
}
