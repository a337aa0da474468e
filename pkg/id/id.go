package id

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// ID is a sortable 128-bit identifier: [8 bytes ms][8 bytes seq], big-endian.
type ID [16]byte

// Bytes returns a copy of the raw representation.
func (i ID) Bytes() []byte { return append([]byte(nil), i[:]...) }

// String returns the lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Millis returns the timestamp component.
func (i ID) Millis() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Compare orders ids by their bytes.
func (i ID) Compare(other ID) int { return bytes.Compare(i[:], other[:]) }

// NowMs returns current time in milliseconds since Unix epoch. Tests swap it.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator hands out strictly increasing IDs for one process.
type Generator struct {
	mu   sync.Mutex
	ms   int64
	next uint64
}

// NewGenerator creates a Generator.
func NewGenerator() *Generator { return &Generator{} }

// Next returns a new ID. A regressing clock is pinned to the last seen
// millisecond; an exhausted sequence waits for the clock to move on.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := NowMs()
	if now < g.ms {
		now = g.ms
	}
	switch {
	case now > g.ms:
		g.next = 0
	case g.next == math.MaxUint64:
		for now <= g.ms {
			time.Sleep(time.Millisecond / 8)
			now = NowMs()
		}
		g.next = 0
	default:
		g.next++
	}
	g.ms = now

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(now))
	binary.BigEndian.PutUint64(out[8:16], g.next)
	return out
}
