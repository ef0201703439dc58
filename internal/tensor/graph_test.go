package tensor

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type denseWeight struct {
	name       string
	rows, cols int
	data       []float32
	err        error

	mu      sync.Mutex
	decoded map[int]bool
}

func newDenseWeight(name string, rows, cols int, data []float32) *denseWeight {
	return &denseWeight{name: name, rows: rows, cols: cols, data: data, decoded: map[int]bool{}}
}

func (w *denseWeight) Name() string            { return w.name }
func (w *denseWeight) Shape() (rows, cols int) { return w.rows, w.cols }

func (w *denseWeight) DecodeRow(i int, dst []float32) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.decoded[i] = true
	w.mu.Unlock()
	copy(dst, w.data[i*w.cols:(i+1)*w.cols])
	return nil
}

func (w *denseWeight) DotRow(i int, x []float32) (float32, error) {
	if w.err != nil {
		return 0, w.err
	}
	return dot(w.data[i*w.cols:(i+1)*w.cols], x), nil
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func run(t *testing.T, g *Graph, threads int, outs ...*Tensor) {
	t.Helper()
	if err := g.Execute(threads, outs...); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestMulMat(t *testing.T) {
	t.Parallel()

	a := []float32{
		1, 2,
		3, 4,
		5, 6,
	}
	b := []float32{
		1, 0,
		1, -1,
	}
	want := []float32{
		1, 3, 5,
		-1, -1, -1,
	}

	for _, useWeight := range []bool{false, true} {
		g := NewGraph()
		var at *Tensor
		if useWeight {
			at = g.Weight(newDenseWeight("a", 3, 2, a))
		} else {
			at = g.Constant(3, 2, a)
		}
		out := g.MulMat(at, g.Constant(2, 2, b))
		run(t, g, 2, out)
		if r, c := out.Shape(); r != 2 || c != 3 {
			t.Fatalf("shape = %dx%d, want 2x3", r, c)
		}
		if diff := cmp.Diff(want, out.Data()); diff != "" {
			t.Fatalf("weight=%v mul_mat mismatch (-want +got):\n%s", useWeight, diff)
		}
	}
}

func TestAddBroadcastAndMul(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	x := g.Constant(2, 3, []float32{1, 2, 3, 4, 5, 6})
	bias := g.Weight(newDenseWeight("bias", 1, 3, []float32{10, 20, 30}))
	sum := g.Add(x, bias)
	prod := g.Mul(sum, x)
	scaled := g.Scale(prod, 0.5)
	run(t, g, 4, sum, scaled)

	if diff := cmp.Diff([]float32{11, 22, 33, 14, 25, 36}, sum.Data()); diff != "" {
		t.Fatalf("add mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{5.5, 22, 49.5, 28, 62.5, 108}, scaled.Data()); diff != "" {
		t.Fatalf("mul/scale mismatch (-want +got):\n%s", diff)
	}
}

func TestShapeErrorIsSticky(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	x := g.Constant(2, 3, make([]float32, 6))
	y := g.Constant(2, 4, make([]float32, 8))

	bad := g.Add(x, y)
	if bad.Op() != OpNone {
		t.Fatalf("failed op should return a zero tensor, got %s", bad.Op())
	}
	// Later ops, even valid-looking ones, must not replace the first error.
	_ = g.Mul(x, g.Constant(1, 1, []float32{0}))
	_ = g.GELU(bad)

	err := g.Execute(1)
	var se *ShapeError
	if !errors.As(err, &se) || !errors.Is(err, ErrShape) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
	if se.Op != "add" {
		t.Fatalf("sticky error op = %q, want add", se.Op)
	}
}

func TestMulMatShapeMismatch(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	g.MulMat(g.Constant(2, 3, make([]float32, 6)), g.Constant(1, 2, make([]float32, 2)))
	var se *ShapeError
	if !errors.As(g.Err(), &se) || se.Op != "mul_mat" {
		t.Fatalf("expected mul_mat ShapeError, got %v", g.Err())
	}
}

func TestNorms(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	x := g.Constant(1, 4, []float32{1, 2, 3, 4})
	w := g.Constant(1, 4, []float32{1, 1, 2, 2})
	b := g.Constant(1, 4, []float32{0, 0, 0, 1})
	ln := g.LayerNorm(x, w, b, 0)
	lnPlain := g.LayerNorm(x, nil, nil, 0)
	rms := g.RMSNorm(x, w, 0)
	run(t, g, 1, ln, lnPlain, rms)

	s := float32(1 / math.Sqrt(1.25))
	plain := []float32{-1.5 * s, -0.5 * s, 0.5 * s, 1.5 * s}
	if diff := cmp.Diff(plain, lnPlain.Data(), approx); diff != "" {
		t.Fatalf("layer norm mismatch (-want +got):\n%s", diff)
	}
	want := []float32{plain[0], plain[1], 2 * plain[2], 2*plain[3] + 1}
	if diff := cmp.Diff(want, ln.Data(), approx); diff != "" {
		t.Fatalf("layer norm affine mismatch (-want +got):\n%s", diff)
	}
	r := float32(1 / math.Sqrt(7.5))
	if diff := cmp.Diff([]float32{r, 2 * r, 6 * r, 8 * r}, rms.Data(), approx); diff != "" {
		t.Fatalf("rms norm mismatch (-want +got):\n%s", diff)
	}
}

func TestActivations(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	x := g.Constant(1, 3, []float32{-1, 0, 1})
	ge := g.GELU(x)
	si := g.SiLU(x)
	cl := g.Clamp(x, -0.5, 0.5)
	run(t, g, 1, ge, si, cl)

	if diff := cmp.Diff([]float32{-0.158808, 0, 0.841192}, ge.Data(), approx); diff != "" {
		t.Fatalf("gelu mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{-0.268941, 0, 0.731059}, si.Data(), approx); diff != "" {
		t.Fatalf("silu mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{-0.5, 0, 0.5}, cl.Data()); diff != "" {
		t.Fatalf("clamp mismatch (-want +got):\n%s", diff)
	}
}

func TestCausalSoftmax(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	x := g.Constant(2, 3, []float32{1, 1, 1, 0, 0, 5})
	p := g.Softmax(g.DiagMaskInf(x, 1))
	run(t, g, 2, p)

	want := []float32{
		0.5, 0.5, 0,
		1.0 / (2 + float32(math.Exp(5))), 1.0 / (2 + float32(math.Exp(5))), float32(math.Exp(5)) / (2 + float32(math.Exp(5))),
	}
	if diff := cmp.Diff(want, p.Data(), approx); diff != "" {
		t.Fatalf("softmax mismatch (-want +got):\n%s", diff)
	}

	// A fully masked row stays finite.
	g = NewGraph()
	inf := float32(math.Inf(-1))
	q := g.Softmax(g.Constant(1, 2, []float32{inf, inf}))
	run(t, g, 1, q)
	if diff := cmp.Diff([]float32{0, 0}, q.Data()); diff != "" {
		t.Fatalf("masked row mismatch (-want +got):\n%s", diff)
	}
}

func TestRope(t *testing.T) {
	t.Parallel()

	c1, s1 := float32(math.Cos(1)), float32(math.Sin(1))
	c01, s01 := float32(math.Cos(0.01)), float32(math.Sin(0.01))

	tests := []struct {
		name string
		mode RopeMode
		nRot int
		want []float32
	}{
		{
			// pairs (0,1) at theta=1 and (2,3) at theta=1/100
			name: "normal",
			mode: RopeNormal,
			nRot: 4,
			want: []float32{c1, s1, c01, s01},
		},
		{
			// pairs (0,2) at theta=1 and (1,3) at theta=1/100
			name: "neox",
			mode: RopeNeoX,
			nRot: 4,
			want: []float32{c1, c01, s1, s01},
		},
		{
			name: "partial",
			mode: RopeNormal,
			nRot: 2,
			want: []float32{c1, s1, 1, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := []float32{1, 0, 1, 0}
			if tt.mode == RopeNeoX {
				in = []float32{1, 1, 0, 0}
			}
			g := NewGraph()
			x := g.Constant(2, 4, append(append([]float32{}, in...), in...))
			// Row 0 sits at position 1, row 1 at position 2.
			out := g.Rope(x, 1, 4, tt.nRot, tt.mode, 10000)
			run(t, g, 2, out)
			if diff := cmp.Diff(tt.want, out.Row(0), approx); diff != "" {
				t.Fatalf("rope mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRopePositionZeroIsIdentity(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	in := []float32{0.3, -1, 2, 0.5, 1, 1, -2, 4}
	out := g.Rope(g.Constant(1, 8, in), 0, 4, 4, RopeNormal, 10000)
	run(t, g, 1, out)
	if diff := cmp.Diff(in, out.Data(), approx); diff != "" {
		t.Fatalf("rope at 0 mismatch (-want +got):\n%s", diff)
	}
}

func TestAlibiSlopes(t *testing.T) {
	t.Parallel()

	for h := range 8 {
		want := float32(math.Pow(2, -float64(h+1)))
		if got := alibiSlope(h, 8, 8); math.Abs(float64(got-want)) > 1e-7 {
			t.Fatalf("8 heads, head %d: slope %v want %v", h, got, want)
		}
	}
	for i, h := range []int{8, 9, 10, 11} {
		want := float32(math.Pow(2, -0.5*float64(2*i+1)))
		if got := alibiSlope(h, 12, 8); math.Abs(float64(got-want)) > 1e-7 {
			t.Fatalf("12 heads, head %d: slope %v want %v", h, got, want)
		}
	}

	g := NewGraph()
	out := g.Alibi(g.Constant(1, 3, []float32{1, 1, 1}), 0, 8, 8)
	run(t, g, 1, out)
	if diff := cmp.Diff([]float32{1, 1.5, 2}, out.Data(), approx); diff != "" {
		t.Fatalf("alibi mismatch (-want +got):\n%s", diff)
	}
}

func TestLayoutOps(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	x := g.Constant(2, 3, []float32{1, 2, 3, 4, 5, 6})
	cols := g.SliceCols(x, 1, 3)
	rows := g.SliceRows(x, 1, 2)
	cat := g.ConcatCols(cols, x)
	tr := g.Transpose(x)
	run(t, g, 3, cols, rows, cat, tr)

	checks := []struct {
		name string
		got  *Tensor
		r, c int
		want []float32
	}{
		{"slice_cols", cols, 2, 2, []float32{2, 3, 5, 6}},
		{"slice_rows", rows, 1, 3, []float32{4, 5, 6}},
		{"concat_cols", cat, 2, 5, []float32{2, 3, 1, 2, 3, 5, 6, 4, 5, 6}},
		{"transpose", tr, 3, 2, []float32{1, 4, 2, 5, 3, 6}},
	}
	for _, c := range checks {
		if r, cc := c.got.Shape(); r != c.r || cc != c.c {
			t.Fatalf("%s shape = %dx%d, want %dx%d", c.name, r, cc, c.r, c.c)
		}
		if diff := cmp.Diff(c.want, c.got.Data()); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", c.name, diff)
		}
	}
}

func TestCacheAppend(t *testing.T) {
	t.Parallel()

	buf := []float32{
		1, 1,
		0, 0,
		0, 0,
		0, 0,
	}
	g := NewGraph()
	cache := g.External("cache", 4, 2, buf)
	view := g.CacheAppend(cache, g.Constant(2, 2, []float32{2, 3, 4, 5}), 1)
	sum := g.Scale(view, 1)
	run(t, g, 2, sum)

	if r, c := view.Shape(); r != 3 || c != 2 {
		t.Fatalf("view shape = %dx%d, want 3x2", r, c)
	}
	if diff := cmp.Diff([]float32{1, 1, 2, 3, 4, 5, 0, 0}, buf); diff != "" {
		t.Fatalf("cache mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 1, 2, 3, 4, 5}, sum.Data()); diff != "" {
		t.Fatalf("reader saw stale cache (-want +got):\n%s", diff)
	}

	g = NewGraph()
	g.CacheAppend(g.External("cache", 4, 2, buf), g.Constant(2, 2, make([]float32, 4)), 3)
	if !errors.Is(g.Err(), ErrShape) {
		t.Fatalf("expected overflowing append to fail, got %v", g.Err())
	}
}

func TestGetRowsDecodesOnlySelectedRows(t *testing.T) {
	t.Parallel()

	w := newDenseWeight("emb", 4, 2, []float32{0, 0, 1, 1, 2, 2, 3, 3})
	g := NewGraph()
	out := g.GetRows(g.Weight(w), []int{3, 1, 3})
	run(t, g, 2, out)

	if diff := cmp.Diff([]float32{3, 3, 1, 1, 3, 3}, out.Data()); diff != "" {
		t.Fatalf("get_rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[int]bool{1: true, 3: true}, w.decoded); diff != "" {
		t.Fatalf("decoded rows (-want +got):\n%s", diff)
	}

	g = NewGraph()
	g.GetRows(g.Weight(w), []int{4})
	if !errors.Is(g.Err(), ErrShape) {
		t.Fatalf("expected out-of-range id to fail, got %v", g.Err())
	}
}

func TestKernelErrorAbortsExecute(t *testing.T) {
	t.Parallel()

	closed := errors.New("closed")
	w := newDenseWeight("w", 2, 2, make([]float32, 4))
	w.err = closed
	g := NewGraph()
	out := g.MulMat(g.Weight(w), g.Constant(1, 2, []float32{1, 1}))
	if err := g.Execute(2, out); !errors.Is(err, closed) {
		t.Fatalf("expected kernel error, got %v", err)
	}
}

// attentionGraph builds a small multi-head attention block so every op
// family shares levels with its neighbours.
func attentionGraph(seed uint64) (*Graph, *Tensor) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	fill := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = rng.Float32()*2 - 1
		}
		return out
	}
	const (
		n, heads, hd = 5, 4, 8
		embd         = heads * hd
	)
	g := NewGraph()
	x := g.Constant(n, embd, fill(n*embd))
	wq := g.Weight(newDenseWeight("wq", embd, embd, fill(embd*embd)))
	wk := g.Weight(newDenseWeight("wk", embd, embd, fill(embd*embd)))
	wv := g.Weight(newDenseWeight("wv", embd, embd, fill(embd*embd)))
	h := g.LayerNorm(x, nil, nil, 1e-5)
	q := g.Rope(g.MulMat(wq, h), 0, hd, hd, RopeNeoX, 10000)
	k := g.Rope(g.MulMat(wk, h), 0, hd, hd, RopeNeoX, 10000)
	v := g.MulMat(wv, h)
	outs := make([]*Tensor, heads)
	for i := range heads {
		qh := g.SliceCols(q, i*hd, (i+1)*hd)
		kh := g.SliceCols(k, i*hd, (i+1)*hd)
		vh := g.SliceCols(v, i*hd, (i+1)*hd)
		s := g.Scale(g.MulMat(kh, qh), float32(1/math.Sqrt(hd)))
		s = g.Alibi(s, i, heads, 8)
		p := g.Softmax(g.DiagMaskInf(s, 0))
		outs[i] = g.MulMat(g.Transpose(vh), p)
	}
	return g, g.GELU(g.Add(g.ConcatCols(outs...), x))
}

func TestExecuteIdenticalAcrossThreadCounts(t *testing.T) {
	t.Parallel()

	g, out := attentionGraph(42)
	run(t, g, 1, out)
	want := append([]float32(nil), out.Data()...)

	for _, threads := range []int{2, 3, 8, 64} {
		g, out := attentionGraph(42)
		run(t, g, threads, out)
		if diff := cmp.Diff(want, out.Data()); diff != "" {
			t.Fatalf("threads=%d differs from single-threaded (-want +got):\n%s", threads, diff)
		}
	}
}
