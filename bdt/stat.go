package bdt

import "fmt"

// Stat is the USB STAT register: the entry that caused the last TOKDNE.
//
//	bits [4:8) endpoint, bit 3 tx, bit 2 odd, bits [0:2) reserved
type Stat uint8

// MakeStat composes a STAT value. ep is not range checked.
func MakeStat(ep uint8, dir Direction, parity BufferToggle) Stat {
	s := Stat(ep << 4)
	if dir == Tx {
		s |= 1 << 3
	}
	if parity == Odd {
		s |= 1 << 2
	}
	return s
}

func (s Stat) Endp() uint8 { return uint8(s) >> 4 }

func (s Stat) Tx() bool { return s&(1<<3) != 0 }

func (s Stat) Odd() bool { return s&(1<<2) != 0 }

func (s Stat) Direction() Direction {
	if s.Tx() {
		return Tx
	}
	return Rx
}

func (s Stat) Parity() BufferToggle { return BufferToggle(s.Odd()) }

// Handle is the table entry the status refers to.
func (s Stat) Handle() Handle { return Handle(s >> 2) }

func (s Stat) String() string {
	return fmt.Sprintf("0x%02x endp=%d %s %s", uint8(s), s.Endp(), s.Direction(), s.Parity())
}
