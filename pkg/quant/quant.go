// Package quant implements the tensor encodings of the MCF container: plain
// f32 and f16 rows, and the 32-value block formats Q4_0, Q4_1, Q5_0, Q5_1 and
// Q8_0. Every block starts with an f16 scale d.
//
//	Q4_0  d, 16×u8 nibbles             x = (q-8)·d
//	Q4_1  d, m, 16×u8 nibbles          x = q·d + m
//	Q5_0  d, u32 high bits, 16×u8      x = (q-16)·d
//	Q5_1  d, m, u32 high bits, 16×u8   x = q·d + m
//	Q8_0  d, 32×i8                     x = q·d
//
// In the nibble formats byte j holds value j in its low nibble and value j+16
// in its high nibble; bit j of the high-bit word is the fifth bit of value j.
package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/samcharles93/strata/pkg/mcf"
)

const qk = mcf.BlockSize

func f16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

func putF16(b []byte, v float32) {
	binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
}

// Quantize encodes src as one or more rows of dt. For block formats len(src)
// must be a multiple of the block size.
func Quantize(dt mcf.TensorDType, src []float32) ([]byte, error) {
	size, err := dt.RowBytes(uint64(len(src)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	switch dt {
	case mcf.DTypeF32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case mcf.DTypeF16:
		for i, v := range src {
			putF16(out[i*2:], v)
		}
	default:
		bs := dt.BlockBytes()
		enc := blockEncoder(dt)
		for b := 0; b < len(src)/qk; b++ {
			enc(out[b*bs:(b+1)*bs], src[b*qk:(b+1)*qk])
		}
	}
	return out, nil
}

// DequantizeRow decodes raw, the encoding of exactly len(dst) values, into dst.
func DequantizeRow(dt mcf.TensorDType, raw []byte, dst []float32) error {
	if err := checkRow(dt, raw, len(dst)); err != nil {
		return err
	}
	switch dt {
	case mcf.DTypeF32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case mcf.DTypeF16:
		for i := range dst {
			dst[i] = f16(raw[i*2:])
		}
	default:
		bs := dt.BlockBytes()
		dec := blockDecoder(dt)
		for b := 0; b < len(dst)/qk; b++ {
			dec(dst[b*qk:(b+1)*qk], raw[b*bs:(b+1)*bs])
		}
	}
	return nil
}

// DotRow returns the dot product of the encoded row raw with x. Block formats
// accumulate each block in float32 and the row total in float64.
func DotRow(dt mcf.TensorDType, raw []byte, x []float32) (float32, error) {
	if err := checkRow(dt, raw, len(x)); err != nil {
		return 0, err
	}
	switch dt {
	case mcf.DTypeF32:
		var s0, s1, s2, s3 float32
		n := len(x)
		i := 0
		for ; i+4 <= n; i += 4 {
			s0 += math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])) * x[i]
			s1 += math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4+4:])) * x[i+1]
			s2 += math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4+8:])) * x[i+2]
			s3 += math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4+12:])) * x[i+3]
		}
		for ; i < n; i++ {
			s0 += math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])) * x[i]
		}
		return (s0 + s1) + (s2 + s3), nil
	case mcf.DTypeF16:
		var sum float32
		for i := range x {
			sum += f16(raw[i*2:]) * x[i]
		}
		return sum, nil
	}

	bs := dt.BlockBytes()
	dot := blockDot(dt)
	var total float64
	for b := 0; b < len(x)/qk; b++ {
		total += dot(raw[b*bs:(b+1)*bs], x[b*qk:(b+1)*qk])
	}
	return float32(total), nil
}

func checkRow(dt mcf.TensorDType, raw []byte, n int) error {
	want, err := dt.RowBytes(uint64(n))
	if err != nil {
		return err
	}
	if uint64(len(raw)) != want {
		return fmt.Errorf("quant: %s row of %d values needs %d bytes, got %d", dt, n, want, len(raw))
	}
	return nil
}

// MaxError returns the largest absolute error dequantize(quantize(block)) may
// show for any element of block, a slice of at most one block of values.
//
//	F32   0
//	F16   amax/1024
//	Q8_0  amax/254 + amax/1024
//	Q4_0  amax/8 + amax/1024
//	Q5_0  amax/16 + amax/1024
//	Q4_1  range/30 + (|min|+range)/1024
//	Q5_1  range/62 + (|min|+range)/1024
//
// The 1/1024 terms cover f16 rounding of the stored scale and minimum.
func MaxError(dt mcf.TensorDType, block []float32) float32 {
	var amax float32
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range block {
		amax = max(amax, abs(v))
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if len(block) == 0 {
		return 0
	}
	rng := hi - lo
	const tiny = 1e-7
	switch dt {
	case mcf.DTypeF32:
		return 0
	case mcf.DTypeF16:
		return amax/1024 + tiny
	case mcf.DTypeQ8_0:
		return amax/254 + amax/1024 + tiny
	case mcf.DTypeQ4_0:
		return amax/8 + amax/1024 + tiny
	case mcf.DTypeQ5_0:
		return amax/16 + amax/1024 + tiny
	case mcf.DTypeQ4_1:
		return rng/30 + (abs(lo)+rng)/1024 + tiny
	case mcf.DTypeQ5_1:
		return rng/62 + (abs(lo)+rng)/1024 + tiny
	default:
		return float32(math.Inf(1))
	}
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// RowBytes returns the encoded size of a row of cols values.
func RowBytes(dt mcf.TensorDType, cols int) (int, error) {
	n, err := dt.RowBytes(uint64(cols))
	return int(n), err
}
