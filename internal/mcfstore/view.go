package mcfstore

import (
	"fmt"

	"github.com/samcharles93/strata/pkg/mcf"
	"github.com/samcharles93/strata/pkg/quant"
)

// View is a borrowed, read-only 2-D view of one tensor: leading dimensions
// are folded into rows and the last dimension is the row length. Rows are
// decoded on demand; the encoded bytes never leave this package.
//
// Views must only be read while holding a lease from File.Acquire.
type View struct {
	f        *File
	name     string
	dtype    mcf.TensorDType
	rows     int
	cols     int
	rowBytes int
	raw      []byte
}

func (v *View) Name() string           { return v.name }
func (v *View) DType() mcf.TensorDType { return v.dtype }
func (v *View) Shape() (rows, cols int) {
	return v.rows, v.cols
}

// read runs fn on the encoded bytes of row i while holding a read lock on
// the mapping, so Close cannot unmap it mid-read. Close sets closed before
// it asks for the write lock; a failed TryRLock therefore means the file is
// closing. Blocking on RLock here would deadlock against the caller's lease.
func (v *View) read(i int, fn func(raw []byte) error) error {
	if i < 0 || i >= v.rows {
		return fmt.Errorf("mcfstore: %s row %d out of range [0,%d)", v.name, i, v.rows)
	}
	if !v.f.mu.TryRLock() {
		return ErrClosed
	}
	defer v.f.mu.RUnlock()
	if v.f.closed.Load() {
		return ErrClosed
	}
	off := i * v.rowBytes
	return fn(v.raw[off : off+v.rowBytes])
}

// DecodeRow dequantizes row i into dst, which must hold cols values.
func (v *View) DecodeRow(i int, dst []float32) error {
	return v.read(i, func(raw []byte) error {
		return quant.DequantizeRow(v.dtype, raw, dst)
	})
}

// DotRow returns row i · x without materializing the row.
func (v *View) DotRow(i int, x []float32) (float32, error) {
	var dot float32
	err := v.read(i, func(raw []byte) error {
		var err error
		dot, err = quant.DotRow(v.dtype, raw, x)
		return err
	})
	return dot, err
}
