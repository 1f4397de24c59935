package bdt

import (
	"encoding/binary"
	"fmt"
)

// Entry is a snapshot of one buffer descriptor in its in-memory layout:
//
//	byte 0     control
//	byte 1     reserved
//	bytes 2-3  byte count (LE)
//	bytes 4-7  buffer address (LE)
type Entry struct {
	Control   Control
	ByteCount uint16
	Address   uint32
}

// Bytes encodes the entry as the SIE reads it from memory.
func (e Entry) Bytes() [EntrySize]byte {
	var b [EntrySize]byte
	b[0] = uint8(e.Control)
	binary.LittleEndian.PutUint16(b[2:4], e.ByteCount)
	binary.LittleEndian.PutUint32(b[4:8], e.Address)
	return b
}

// ParseEntry decodes the first EntrySize bytes of data. The reserved byte
// is ignored.
func ParseEntry(data []byte) (Entry, error) {
	if len(data) < EntrySize {
		return Entry{}, fmt.Errorf("%w: have %d bytes", ErrEntryTooShort, len(data))
	}
	return Entry{
		Control:   Control(data[0]),
		ByteCount: binary.LittleEndian.Uint16(data[2:4]),
		Address:   binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

func (e Entry) String() string {
	return fmt.Sprintf("%s bc=%d addr=0x%08x", e.Control, e.ByteCount, e.Address)
}

// word0 packs control, reserved and byte count the way the first
// little-endian word of an entry sits in memory.
func (e Entry) word0() uint32 {
	return uint32(e.Control) | uint32(e.ByteCount)<<16
}

func entryOf(w0, w1 uint32) Entry {
	return Entry{
		Control:   Control(w0),
		ByteCount: uint16(w0 >> 16),
		Address:   w1,
	}
}
