package mcf

import "fmt"

// TensorDType identifies the tensor element encoding.
// Keep these stable forever; add new values only.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = 0
	DTypeF32     TensorDType = 1
	DTypeF16     TensorDType = 2

	// Block-quantized encodings. Every block covers BlockSize consecutive
	// values of one row and starts with an f16 scale.
	DTypeQ4_0 TensorDType = 0x10
	DTypeQ4_1 TensorDType = 0x11
	DTypeQ5_0 TensorDType = 0x12
	DTypeQ5_1 TensorDType = 0x13
	DTypeQ8_0 TensorDType = 0x14
)

// BlockSize is the number of values covered by one quantization block.
const BlockSize = 32

func (d TensorDType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeQ4_0:
		return "q4_0"
	case DTypeQ4_1:
		return "q4_1"
	case DTypeQ5_0:
		return "q5_0"
	case DTypeQ5_1:
		return "q5_1"
	case DTypeQ8_0:
		return "q8_0"
	default:
		return fmt.Sprintf("dtype(%d)", uint32(d))
	}
}

// ParseDType maps a lower-case name back to its TensorDType.
func ParseDType(s string) (TensorDType, error) {
	for _, d := range []TensorDType{DTypeF32, DTypeF16, DTypeQ4_0, DTypeQ4_1, DTypeQ5_0, DTypeQ5_1, DTypeQ8_0} {
		if d.String() == s {
			return d, nil
		}
	}
	return DTypeUnknown, fmt.Errorf("mcf: unknown dtype %q", s)
}

// Quantized reports whether d is a block format.
func (d TensorDType) Quantized() bool {
	return d.blockBytes() > 0
}

// Known reports whether the reader understands d.
func (d TensorDType) Known() bool {
	return d == DTypeF32 || d == DTypeF16 || d.Quantized()
}

func (d TensorDType) blockBytes() uint64 {
	switch d {
	case DTypeQ4_0:
		return 2 + BlockSize/2
	case DTypeQ4_1:
		return 2 + 2 + BlockSize/2
	case DTypeQ5_0:
		return 2 + 4 + BlockSize/2
	case DTypeQ5_1:
		return 2 + 2 + 4 + BlockSize/2
	case DTypeQ8_0:
		return 2 + BlockSize
	default:
		return 0
	}
}

// BlockBytes returns the encoded size of one block, or 0 for unblocked types.
func (d TensorDType) BlockBytes() int {
	return int(d.blockBytes())
}

// RowBytes returns the encoded byte length of a row of cols values.
// It fails when cols is not representable in d.
func (d TensorDType) RowBytes(cols uint64) (uint64, error) {
	switch {
	case d == DTypeF32:
		return cols * 4, nil
	case d == DTypeF16:
		return cols * 2, nil
	case d.Quantized():
		if cols%BlockSize != 0 {
			return 0, fmt.Errorf("mcf: %s row of %d values is not a multiple of %d", d, cols, BlockSize)
		}
		return cols / BlockSize * d.blockBytes(), nil
	default:
		return 0, fmt.Errorf("mcf: unsupported dtype %s", d)
	}
}

// DataSize returns the encoded size of a tensor of the given shape.
// The last dimension is the row; every other dimension multiplies rows.
func (d TensorDType) DataSize(shape []uint64) (uint64, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("mcf: tensor has rank 0")
	}
	rows := uint64(1)
	for _, dim := range shape[:len(shape)-1] {
		next, ok := mulUint64(rows, dim)
		if !ok {
			return 0, fmt.Errorf("mcf: tensor shape %v overflows", shape)
		}
		rows = next
	}
	rb, err := d.RowBytes(shape[len(shape)-1])
	if err != nil {
		return 0, err
	}
	size, ok := mulUint64(rows, rb)
	if !ok {
		return 0, fmt.Errorf("mcf: tensor shape %v overflows", shape)
	}
	return size, nil
}
