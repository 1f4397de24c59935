// Package bdt models the Buffer Descriptor Table shared between device
// firmware and the USB full-speed Serial Interface Engine (SIE).
//
// Every entry is owned by exactly one side at a time. Firmware fills an
// entry through a Lease and hands it to the SIE with Release; the SIE
// observes it through a HardwarePort and hands it back with Complete. The
// ownership bit, read and written atomically, is the only synchronisation
// between the two sides: nothing in this package blocks or locks.
//
// Mutating an entry the SIE owns is a protocol violation. Builds tagged
// bdtdebug panic with ErrOwnership; other builds ignore the write and
// count it in Table.Violations.
package bdt
