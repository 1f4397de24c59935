package bdt

import "errors"

var (
	// ErrBadAlignment is returned when a table base address is not
	// aligned to TableAlign.
	ErrBadAlignment = errors.New("bdt base address not 512-byte aligned")

	// ErrOwnership reports a firmware write to an entry owned by the SIE.
	ErrOwnership = errors.New("bdt entry owned by SIE")

	// ErrEntryTooShort is returned by ParseEntry for fewer than EntrySize
	// bytes.
	ErrEntryTooShort = errors.New("bdt entry too short")
)
