package quant

import (
	"encoding/binary"
	"math"

	"github.com/samcharles93/strata/pkg/mcf"
)

type (
	encodeFunc func(dst []byte, x []float32)
	decodeFunc func(dst []float32, b []byte)
	dotFunc    func(b []byte, x []float32) float64
)

func blockEncoder(dt mcf.TensorDType) encodeFunc {
	switch dt {
	case mcf.DTypeQ4_0:
		return encodeQ4_0
	case mcf.DTypeQ4_1:
		return encodeQ4_1
	case mcf.DTypeQ5_0:
		return encodeQ5_0
	case mcf.DTypeQ5_1:
		return encodeQ5_1
	case mcf.DTypeQ8_0:
		return encodeQ8_0
	}
	panic("quant: no encoder for " + dt.String())
}

func blockDecoder(dt mcf.TensorDType) decodeFunc {
	switch dt {
	case mcf.DTypeQ4_0:
		return decodeQ4_0
	case mcf.DTypeQ4_1:
		return decodeQ4_1
	case mcf.DTypeQ5_0:
		return decodeQ5_0
	case mcf.DTypeQ5_1:
		return decodeQ5_1
	case mcf.DTypeQ8_0:
		return decodeQ8_0
	}
	panic("quant: no decoder for " + dt.String())
}

func blockDot(dt mcf.TensorDType) dotFunc {
	switch dt {
	case mcf.DTypeQ4_0:
		return dotQ4_0
	case mcf.DTypeQ4_1:
		return dotQ4_1
	case mcf.DTypeQ5_0:
		return dotQ5_0
	case mcf.DTypeQ5_1:
		return dotQ5_1
	case mcf.DTypeQ8_0:
		return dotQ8_0
	}
	panic("quant: no dot kernel for " + dt.String())
}

// signedMax returns the value with the largest magnitude, keeping its sign.
func signedMax(x []float32) float32 {
	var amax, m float32
	for _, v := range x {
		if abs(v) > amax {
			amax = abs(v)
			m = v
		}
	}
	return m
}

func minMax(x []float32) (float32, float32) {
	lo, hi := x[0], x[0]
	for _, v := range x[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func inv(d float32) float32 {
	if d == 0 {
		return 0
	}
	return 1 / d
}

// Q4_0: d(2) qs(16)

func encodeQ4_0(dst []byte, x []float32) {
	d := signedMax(x) / -8
	id := inv(d)
	putF16(dst[0:2], d)
	for j := range qk / 2 {
		q0 := min(15, int(x[j]*id+8.5))
		q1 := min(15, int(x[j+qk/2]*id+8.5))
		dst[2+j] = byte(q0) | byte(q1)<<4
	}
}

func decodeQ4_0(dst []float32, b []byte) {
	d := f16(b[0:2])
	qs := b[2:18]
	for j := range qk / 2 {
		dst[j] = float32(int(qs[j]&0x0f)-8) * d
		dst[j+qk/2] = float32(int(qs[j]>>4)-8) * d
	}
}

func dotQ4_0(b []byte, x []float32) float64 {
	d := f16(b[0:2])
	qs := b[2:18]
	var s float32
	for j := range qk / 2 {
		s += float32(int(qs[j]&0x0f)-8)*x[j] + float32(int(qs[j]>>4)-8)*x[j+qk/2]
	}
	return float64(d) * float64(s)
}

// Q4_1: d(2) m(2) qs(16)

func encodeQ4_1(dst []byte, x []float32) {
	lo, hi := minMax(x)
	d := (hi - lo) / 15
	id := inv(d)
	putF16(dst[0:2], d)
	putF16(dst[2:4], lo)
	for j := range qk / 2 {
		q0 := min(15, int((x[j]-lo)*id+0.5))
		q1 := min(15, int((x[j+qk/2]-lo)*id+0.5))
		dst[4+j] = byte(q0) | byte(q1)<<4
	}
}

func decodeQ4_1(dst []float32, b []byte) {
	d, m := f16(b[0:2]), f16(b[2:4])
	qs := b[4:20]
	for j := range qk / 2 {
		dst[j] = float32(qs[j]&0x0f)*d + m
		dst[j+qk/2] = float32(qs[j]>>4)*d + m
	}
}

func dotQ4_1(b []byte, x []float32) float64 {
	d, m := f16(b[0:2]), f16(b[2:4])
	qs := b[4:20]
	var s, sx float32
	for j := range qk / 2 {
		s += float32(qs[j]&0x0f)*x[j] + float32(qs[j]>>4)*x[j+qk/2]
		sx += x[j] + x[j+qk/2]
	}
	return float64(d)*float64(s) + float64(m)*float64(sx)
}

// Q5_0: d(2) qh(4) qs(16)

func encodeQ5_0(dst []byte, x []float32) {
	d := signedMax(x) / -16
	id := inv(d)
	putF16(dst[0:2], d)
	var qh uint32
	for j := range qk / 2 {
		q0 := min(31, int(x[j]*id+16.5))
		q1 := min(31, int(x[j+qk/2]*id+16.5))
		dst[6+j] = byte(q0&0x0f) | byte(q1&0x0f)<<4
		qh |= uint32(q0>>4&1) << j
		qh |= uint32(q1>>4&1) << (j + qk/2)
	}
	binary.LittleEndian.PutUint32(dst[2:6], qh)
}

func q5(qs []byte, qh uint32, j int) (int, int) {
	q0 := int(qs[j]&0x0f) | int(qh>>j&1)<<4
	q1 := int(qs[j]>>4) | int(qh>>(j+qk/2)&1)<<4
	return q0, q1
}

func decodeQ5_0(dst []float32, b []byte) {
	d := f16(b[0:2])
	qh := binary.LittleEndian.Uint32(b[2:6])
	qs := b[6:22]
	for j := range qk / 2 {
		q0, q1 := q5(qs, qh, j)
		dst[j] = float32(q0-16) * d
		dst[j+qk/2] = float32(q1-16) * d
	}
}

func dotQ5_0(b []byte, x []float32) float64 {
	d := f16(b[0:2])
	qh := binary.LittleEndian.Uint32(b[2:6])
	qs := b[6:22]
	var s float32
	for j := range qk / 2 {
		q0, q1 := q5(qs, qh, j)
		s += float32(q0-16)*x[j] + float32(q1-16)*x[j+qk/2]
	}
	return float64(d) * float64(s)
}

// Q5_1: d(2) m(2) qh(4) qs(16)

func encodeQ5_1(dst []byte, x []float32) {
	lo, hi := minMax(x)
	d := (hi - lo) / 31
	id := inv(d)
	putF16(dst[0:2], d)
	putF16(dst[2:4], lo)
	var qh uint32
	for j := range qk / 2 {
		q0 := min(31, int((x[j]-lo)*id+0.5))
		q1 := min(31, int((x[j+qk/2]-lo)*id+0.5))
		dst[8+j] = byte(q0&0x0f) | byte(q1&0x0f)<<4
		qh |= uint32(q0>>4&1) << j
		qh |= uint32(q1>>4&1) << (j + qk/2)
	}
	binary.LittleEndian.PutUint32(dst[4:8], qh)
}

func decodeQ5_1(dst []float32, b []byte) {
	d, m := f16(b[0:2]), f16(b[2:4])
	qh := binary.LittleEndian.Uint32(b[4:8])
	qs := b[8:24]
	for j := range qk / 2 {
		q0, q1 := q5(qs, qh, j)
		dst[j] = float32(q0)*d + m
		dst[j+qk/2] = float32(q1)*d + m
	}
}

func dotQ5_1(b []byte, x []float32) float64 {
	d, m := f16(b[0:2]), f16(b[2:4])
	qh := binary.LittleEndian.Uint32(b[4:8])
	qs := b[8:24]
	var s, sx float32
	for j := range qk / 2 {
		q0, q1 := q5(qs, qh, j)
		s += float32(q0)*x[j] + float32(q1)*x[j+qk/2]
		sx += x[j] + x[j+qk/2]
	}
	return float64(d)*float64(s) + float64(m)*float64(sx)
}

// Q8_0: d(2) qs(32)

func encodeQ8_0(dst []byte, x []float32) {
	var amax float32
	for _, v := range x {
		amax = max(amax, abs(v))
	}
	d := amax / 127
	id := inv(d)
	putF16(dst[0:2], d)
	for j := range qk {
		dst[2+j] = byte(int8(math.Round(float64(x[j] * id))))
	}
}

func decodeQ8_0(dst []float32, b []byte) {
	d := f16(b[0:2])
	for j := range qk {
		dst[j] = float32(int8(b[2+j])) * d
	}
}

func dotQ8_0(b []byte, x []float32) float64 {
	d := f16(b[0:2])
	var s float32
	for j := range qk {
		s += float32(int8(b[2+j])) * x[j]
	}
	return float64(d) * float64(s)
}
