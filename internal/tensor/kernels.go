package tensor

import (
	"fmt"
	"math"
)

// run executes share part of parts of the kernel of t.
func (t *Tensor) run(part, parts int) error {
	lo, hi := span(t.splitLen(), part, parts)
	switch t.op {
	case OpWeight:
		return decodeRows(t, lo, hi)
	case OpGetRows:
		return getRows(t, lo, hi)
	case OpMulMat:
		return mulMat(t, lo, hi)
	case OpAdd:
		add(t, lo, hi)
	case OpMul:
		mul(t, lo, hi)
	case OpScale:
		mapRows(t, lo, hi, func(v float32) float32 { return v * t.fp[0] })
	case OpClamp:
		mapRows(t, lo, hi, func(v float32) float32 { return min(max(v, t.fp[0]), t.fp[1]) })
	case OpGELU:
		mapRows(t, lo, hi, gelu)
	case OpSiLU:
		mapRows(t, lo, hi, silu)
	case OpLayerNorm:
		layerNorm(t, lo, hi)
	case OpRMSNorm:
		rmsNorm(t, lo, hi)
	case OpSoftmax:
		for i := lo; i < hi; i++ {
			copy(t.Row(i), t.src[0].Row(i))
			softmax(t.Row(i))
		}
	case OpRope:
		rope(t, lo, hi)
	case OpAlibi:
		alibi(t, lo, hi)
	case OpDiagMaskInf:
		diagMaskInf(t, lo, hi)
	case OpSliceCols:
		start := t.ip[0]
		for i := lo; i < hi; i++ {
			copy(t.Row(i), t.src[0].Row(i)[start:start+t.cols])
		}
	case OpSliceRows:
		start := t.ip[0]
		copy(t.data[lo*t.cols:hi*t.cols], t.src[0].data[(start+lo)*t.cols:(start+hi)*t.cols])
	case OpConcatCols:
		for i := lo; i < hi; i++ {
			dst := t.Row(i)
			off := 0
			for _, s := range t.src {
				off += copy(dst[off:], s.Row(i))
			}
		}
	case OpTranspose:
		x := t.src[0]
		for i := lo; i < hi; i++ {
			row := t.Row(i)
			for j := range row {
				row[j] = x.data[j*x.cols+i]
			}
		}
	case OpCacheAppend:
		pos, x := t.ip[0], t.src[1]
		copy(t.data[(pos+lo)*t.cols:(pos+hi)*t.cols], x.data[lo*x.cols:hi*x.cols])
	default:
		return fmt.Errorf("no kernel")
	}
	return nil
}

func decodeRows(t *Tensor, lo, hi int) error {
	for i := lo; i < hi; i++ {
		if err := t.weight.DecodeRow(i, t.Row(i)); err != nil {
			return err
		}
	}
	return nil
}

func getRows(t *Tensor, lo, hi int) error {
	src := t.src[0]
	for i := lo; i < hi; i++ {
		id := t.ids[i]
		if src.op == OpWeight && !src.dense {
			if err := src.weight.DecodeRow(id, t.Row(i)); err != nil {
				return err
			}
			continue
		}
		copy(t.Row(i), src.Row(id))
	}
	return nil
}

// mulMat computes output columns [lo, hi), one row of a each.
func mulMat(t *Tensor, lo, hi int) error {
	a, b := t.src[0], t.src[1]
	if a.op == OpWeight && !a.dense {
		for m := lo; m < hi; m++ {
			for n := range b.rows {
				v, err := a.weight.DotRow(m, b.Row(n))
				if err != nil {
					return err
				}
				t.data[n*t.cols+m] = v
			}
		}
		return nil
	}
	for m := lo; m < hi; m++ {
		ar := a.Row(m)
		for n := range b.rows {
			t.data[n*t.cols+m] = dot(ar, b.Row(n))
		}
	}
	return nil
}

func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

func add(t *Tensor, lo, hi int) {
	a, b := t.src[0], t.src[1]
	for i := lo; i < hi; i++ {
		br := b.Row(0)
		if b.rows != 1 {
			br = b.Row(i)
		}
		dst, ar := t.Row(i), a.Row(i)
		for j := range dst {
			dst[j] = ar[j] + br[j]
		}
	}
}

func mul(t *Tensor, lo, hi int) {
	a, b := t.src[0], t.src[1]
	for i := lo; i < hi; i++ {
		dst, ar, br := t.Row(i), a.Row(i), b.Row(i)
		for j := range dst {
			dst[j] = ar[j] * br[j]
		}
	}
}

func mapRows(t *Tensor, lo, hi int, f func(float32) float32) {
	src := t.src[0].data
	for i := lo * t.cols; i < hi*t.cols; i++ {
		t.data[i] = f(src[i])
	}
}

const (
	sqrt2OverPi = 0.7978845608028654
	geluCoefA   = 0.044715
)

func gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(sqrt2OverPi*v*(1+geluCoefA*v*v))))
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// affine applies optional gain and bias rows in place.
func affine(dst []float32, w, b *Tensor) {
	if w != nil {
		for j, g := range w.Row(0) {
			dst[j] *= g
		}
	}
	if b != nil {
		for j, v := range b.Row(0) {
			dst[j] += v
		}
	}
}

func layerNorm(t *Tensor, lo, hi int) {
	x, w, b := t.src[0], t.src[1], t.src[2]
	eps := float64(t.fp[0])
	for i := lo; i < hi; i++ {
		src, dst := x.Row(i), t.Row(i)
		var sum float64
		for _, v := range src {
			sum += float64(v)
		}
		mean := sum / float64(len(src))
		var sq float64
		for _, v := range src {
			d := float64(v) - mean
			sq += d * d
		}
		scale := 1 / math.Sqrt(sq/float64(len(src))+eps)
		for j, v := range src {
			dst[j] = float32((float64(v) - mean) * scale)
		}
		affine(dst, w, b)
	}
}

func rmsNorm(t *Tensor, lo, hi int) {
	x, w := t.src[0], t.src[1]
	eps := float64(t.fp[0])
	for i := lo; i < hi; i++ {
		src, dst := x.Row(i), t.Row(i)
		var sq float64
		for _, v := range src {
			sq += float64(v) * float64(v)
		}
		scale := float32(1 / math.Sqrt(sq/float64(len(src))+eps))
		for j, v := range src {
			dst[j] = v * scale
		}
		affine(dst, w, nil)
	}
}

// softmax normalizes x in place. A row with no finite maximum becomes all zero.
func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := float32(math.Inf(-1))
	for _, v := range x {
		maxv = max(maxv, v)
	}
	if math.IsInf(float64(maxv), -1) || math.IsNaN(float64(maxv)) {
		clear(x)
		return
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func rope(t *Tensor, lo, hi int) {
	nPast, headDim, nRot := t.ip[0], t.ip[1], t.ip[2]
	base := float64(t.fp[0])
	half := nRot / 2
	src := t.src[0]
	for i := lo; i < hi; i++ {
		dst := t.Row(i)
		copy(dst, src.Row(i))
		p := float64(nPast + i)
		for k := range half {
			theta := p * math.Pow(base, -2*float64(k)/float64(nRot))
			c, s := float32(math.Cos(theta)), float32(math.Sin(theta))
			for h := 0; h < t.cols; h += headDim {
				i0, i1 := h+2*k, h+2*k+1
				if t.mode == RopeNeoX {
					i0, i1 = h+k, h+k+half
				}
				x0, x1 := dst[i0], dst[i1]
				dst[i0] = x0*c - x1*s
				dst[i1] = x0*s + x1*c
			}
		}
	}
}

// alibiSlope returns the bias slope of head, following ggml: heads below the
// largest power of two n get m0^(h+1), the rest interleave powers of m1.
func alibiSlope(head, nHead int, maxBias float32) float32 {
	n := 1 << int(math.Floor(math.Log2(float64(nHead))))
	m0 := math.Pow(2, -float64(maxBias)/float64(n))
	m1 := math.Pow(2, -float64(maxBias)/2/float64(n))
	if head < n {
		return float32(math.Pow(m0, float64(head+1)))
	}
	return float32(math.Pow(m1, float64(2*(head-n)+1)))
}

func alibi(t *Tensor, lo, hi int) {
	slope := alibiSlope(t.ip[0], t.ip[1], t.fp[0])
	src := t.src[0]
	for i := lo; i < hi; i++ {
		dst, row := t.Row(i), src.Row(i)
		for j, v := range row {
			dst[j] = v + slope*float32(j)
		}
	}
}

func diagMaskInf(t *Tensor, lo, hi int) {
	nPast := t.ip[0]
	neg := float32(math.Inf(-1))
	src := t.src[0]
	for i := lo; i < hi; i++ {
		dst := t.Row(i)
		copy(dst, src.Row(i))
		for j := nPast + i + 1; j < t.cols; j++ {
			dst[j] = neg
		}
	}
}
