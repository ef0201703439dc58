package mcf

import (
	"encoding/binary"
	"math"
	"math/bits"
	"os"
)

func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	// half-open ranges [a0,a1) and [b0,b1)
	return a0 < b1 && b0 < a1
}

func mulUint64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

func alignUp(n, a uint64) uint64 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// cursor decodes little-endian fields from a section payload. The first
// out-of-bounds read sets err and every later read returns zero values.
type cursor struct {
	b    []byte
	off  int
	what string
	err  error
}

func newCursor(b []byte, what string) *cursor {
	return &cursor{b: b, what: what}
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || len(c.b)-c.off < n {
		c.err = truncated("%s: need %d bytes at offset %d, have %d", c.what, n, c.off, len(c.b)-c.off)
		return nil
	}
	out := c.b[c.off : c.off+n]
	c.off += n
	return out
}

func (c *cursor) u32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *cursor) f32() float32 {
	return math.Float32frombits(c.u32())
}

func (c *cursor) bytes() []byte {
	n := c.u32()
	if c.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(c.b)) {
		c.err = truncated("%s: length %d exceeds section", c.what, n)
		return nil
	}
	return c.take(int(n))
}

func (c *cursor) str() string {
	return string(c.bytes())
}

// appender is the encoding counterpart of cursor.
type appender struct {
	b []byte
}

func (a *appender) u32(v uint32) {
	a.b = binary.LittleEndian.AppendUint32(a.b, v)
}

func (a *appender) f32(v float32) {
	a.u32(math.Float32bits(v))
}

func (a *appender) bytes(p []byte) {
	a.u32(uint32(len(p)))
	a.b = append(a.b, p...)
}

func (a *appender) str(s string) {
	a.bytes([]byte(s))
}
