package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// RawLogger records the bytes of a USB-IP stream as they cross the socket.
type RawLogger interface {
	Log(clientToServer bool, data []byte)
}

type nopRaw struct{}

func (nopRaw) Log(bool, []byte) {}

type rawLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
	seq [2]uint64
}

// NewRaw returns a RawLogger writing to w, or a no-op logger when w is nil.
//
// Each chunk is a header line followed by a hexdump whose offsets count
// from the start of that direction's stream, so records split across reads
// line up.
func NewRaw(w io.Writer) RawLogger {
	if w == nil {
		return nopRaw{}
	}
	return &rawLogger{w: w, now: time.Now}
}

func (r *rawLogger) Log(clientToServer bool, data []byte) {
	if len(data) == 0 {
		return
	}
	dir, side := "S->C", 1
	if clientToServer {
		dir, side = "C->S", 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.seq[side]
	r.seq[side] += uint64(len(data))

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %d bytes @%d\n", r.now().Format("2006/01/02 15:04:05.000"), dir, len(data), start)
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		fmt.Fprintf(&b, "  %08x  %s\n", start+uint64(off), hexGroup(data[off:end]))
	}
	_, _ = io.WriteString(r.w, b.String())
}

func hexGroup(b []byte) string {
	s := hex.EncodeToString(b)
	var out strings.Builder
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(s[i : i+2])
	}
	return out.String()
}
