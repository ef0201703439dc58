package tensor

import (
	"fmt"
)

// Graph is an append-only list of op nodes for one forward pass.
type Graph struct {
	nodes []*Tensor
	err   error
}

func NewGraph() *Graph {
	return &Graph{}
}

// Err returns the first build error, if any.
func (g *Graph) Err() error { return g.err }

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) fail(op Op, want, got string) *Tensor {
	if g.err == nil {
		g.err = &ShapeError{Op: op.String(), Want: want, Got: got}
	}
	return &Tensor{g: g, op: OpNone}
}

// check validates that every input belongs to g and no earlier op failed.
func (g *Graph) check(op Op, inputs ...*Tensor) bool {
	if g.err != nil {
		return false
	}
	for _, in := range inputs {
		if in == nil {
			g.fail(op, "tensor", "nil")
			return false
		}
		if in.g != g || in.op == OpNone {
			g.fail(op, "tensor of this graph", fmt.Sprintf("foreign tensor %q", in.name))
			return false
		}
	}
	return true
}

func (g *Graph) add(op Op, rows, cols int, src ...*Tensor) *Tensor {
	t := &Tensor{g: g, id: len(g.nodes), op: op, rows: rows, cols: cols, src: src}
	g.nodes = append(g.nodes, t)
	return t
}

func (g *Graph) zero() *Tensor { return &Tensor{g: g, op: OpNone} }

// Weight adds a leaf backed by w.
func (g *Graph) Weight(w Weight) *Tensor {
	if g.err != nil {
		return g.zero()
	}
	if w == nil {
		return g.fail(OpWeight, "weight", "nil")
	}
	rows, cols := w.Shape()
	t := g.add(OpWeight, rows, cols)
	t.weight = w
	t.name = w.Name()
	return t
}

// External adds a leaf over a caller-owned buffer of at least rows*cols
// values. The graph writes into it only through CacheAppend.
func (g *Graph) External(name string, rows, cols int, data []float32) *Tensor {
	if g.err != nil {
		return g.zero()
	}
	if rows < 0 || cols < 0 || len(data) < rows*cols {
		return g.fail(OpExternal, fmt.Sprintf("%d values", rows*cols), fmt.Sprintf("%d", len(data)))
	}
	t := g.add(OpExternal, rows, cols)
	t.data = data[:rows*cols]
	t.name = name
	return t
}

// Constant adds a leaf holding a copy of data.
func (g *Graph) Constant(rows, cols int, data []float32) *Tensor {
	if g.err != nil {
		return g.zero()
	}
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return g.fail(OpConstant, fmt.Sprintf("%d values", rows*cols), fmt.Sprintf("%d", len(data)))
	}
	t := g.add(OpConstant, rows, cols)
	t.data = append([]float32(nil), data...)
	return t
}

// GetRows gathers rows ids of src, decoding only those rows of a weight.
func (g *Graph) GetRows(src *Tensor, ids []int) *Tensor {
	if !g.check(OpGetRows, src) {
		return g.zero()
	}
	for _, id := range ids {
		if id < 0 || id >= src.rows {
			return g.fail(OpGetRows, fmt.Sprintf("row in [0,%d)", src.rows), fmt.Sprintf("%d", id))
		}
	}
	t := g.add(OpGetRows, len(ids), src.cols, src)
	t.ids = append([]int(nil), ids...)
	return t
}

// MulMat returns b·aᵀ: for a [M,K] and b [N,K] the result is [N,M] with
// out[n][m] = dot(a[m], b[n]).
func (g *Graph) MulMat(a, b *Tensor) *Tensor {
	if !g.check(OpMulMat, a, b) {
		return g.zero()
	}
	if a.cols != b.cols {
		return g.fail(OpMulMat, fmt.Sprintf("[*,%d]", a.cols), b.shapeString())
	}
	g.useDense(b)
	return g.add(OpMulMat, b.rows, a.rows, a, b)
}

// useDense marks weight leaves read as plain data.
func (g *Graph) useDense(ts ...*Tensor) {
	for _, t := range ts {
		if t != nil && t.op == OpWeight {
			t.dense = true
		}
	}
}

// Add returns a+b. b is either the same shape as a or a [1,cols] row
// broadcast over every row of a.
func (g *Graph) Add(a, b *Tensor) *Tensor {
	if !g.check(OpAdd, a, b) {
		return g.zero()
	}
	if b.cols != a.cols || (b.rows != a.rows && b.rows != 1) {
		return g.fail(OpAdd, a.shapeString()+" or "+shapeString(1, a.cols), b.shapeString())
	}
	g.useDense(a, b)
	return g.add(OpAdd, a.rows, a.cols, a, b)
}

// Mul returns the elementwise product of two tensors of the same shape.
func (g *Graph) Mul(a, b *Tensor) *Tensor {
	if !g.check(OpMul, a, b) {
		return g.zero()
	}
	if a.rows != b.rows || a.cols != b.cols {
		return g.fail(OpMul, a.shapeString(), b.shapeString())
	}
	g.useDense(a, b)
	return g.add(OpMul, a.rows, a.cols, a, b)
}

func (g *Graph) Scale(x *Tensor, s float32) *Tensor {
	if !g.check(OpScale, x) {
		return g.zero()
	}
	g.useDense(x)
	t := g.add(OpScale, x.rows, x.cols, x)
	t.fp[0] = s
	return t
}

// Clamp limits every value of x to [lo, hi].
func (g *Graph) Clamp(x *Tensor, lo, hi float32) *Tensor {
	if !g.check(OpClamp, x) {
		return g.zero()
	}
	g.useDense(x)
	t := g.add(OpClamp, x.rows, x.cols, x)
	t.fp[0], t.fp[1] = lo, hi
	return t
}

func (g *Graph) checkGain(op Op, x, w *Tensor) bool {
	if w == nil {
		return true
	}
	if !g.check(op, w) {
		return false
	}
	if w.rows != 1 || w.cols != x.cols {
		g.fail(op, shapeString(1, x.cols), w.shapeString())
		return false
	}
	return true
}

// LayerNorm normalizes each row of x to zero mean and unit variance, then
// applies gain w and bias b when present.
func (g *Graph) LayerNorm(x, w, b *Tensor, eps float32) *Tensor {
	if !g.check(OpLayerNorm, x) || !g.checkGain(OpLayerNorm, x, w) || !g.checkGain(OpLayerNorm, x, b) {
		return g.zero()
	}
	g.useDense(x, w, b)
	t := g.add(OpLayerNorm, x.rows, x.cols, x, w, b)
	t.fp[0] = eps
	return t
}

// RMSNorm scales each row of x by its reciprocal root mean square, then by w.
func (g *Graph) RMSNorm(x, w *Tensor, eps float32) *Tensor {
	if !g.check(OpRMSNorm, x) || !g.checkGain(OpRMSNorm, x, w) {
		return g.zero()
	}
	g.useDense(x, w)
	t := g.add(OpRMSNorm, x.rows, x.cols, x, w)
	t.fp[0] = eps
	return t
}

func (g *Graph) unary(op Op, x *Tensor) *Tensor {
	if !g.check(op, x) {
		return g.zero()
	}
	g.useDense(x)
	return g.add(op, x.rows, x.cols, x)
}

// GELU applies the tanh approximation of GELU.
func (g *Graph) GELU(x *Tensor) *Tensor { return g.unary(OpGELU, x) }

func (g *Graph) SiLU(x *Tensor) *Tensor { return g.unary(OpSiLU, x) }

// Softmax normalizes each row of x.
func (g *Graph) Softmax(x *Tensor) *Tensor { return g.unary(OpSoftmax, x) }

// Rope rotates the first nRot dims of every headDim-wide segment of x. Row i
// is at position nPast+i.
func (g *Graph) Rope(x *Tensor, nPast, headDim, nRot int, mode RopeMode, base float32) *Tensor {
	if !g.check(OpRope, x) {
		return g.zero()
	}
	if headDim <= 0 || x.cols%headDim != 0 {
		return g.fail(OpRope, fmt.Sprintf("cols divisible by head dim %d", headDim), x.shapeString())
	}
	if nRot <= 0 || nRot > headDim || nRot%2 != 0 {
		return g.fail(OpRope, fmt.Sprintf("even rotary dims <= %d", headDim), fmt.Sprintf("%d", nRot))
	}
	g.useDense(x)
	t := g.add(OpRope, x.rows, x.cols, x)
	t.ip = [3]int{nPast, headDim, nRot}
	t.mode = mode
	t.fp[0] = base
	return t
}

// Alibi adds slope(head)·j to column j of the attention scores x of one head.
func (g *Graph) Alibi(x *Tensor, head, nHead int, maxBias float32) *Tensor {
	if !g.check(OpAlibi, x) {
		return g.zero()
	}
	if head < 0 || head >= nHead {
		return g.fail(OpAlibi, fmt.Sprintf("head in [0,%d)", nHead), fmt.Sprintf("%d", head))
	}
	g.useDense(x)
	t := g.add(OpAlibi, x.rows, x.cols, x)
	t.ip = [3]int{head, nHead}
	t.fp[0] = maxBias
	return t
}

// DiagMaskInf sets x[i][j] to -Inf for j > nPast+i.
func (g *Graph) DiagMaskInf(x *Tensor, nPast int) *Tensor {
	if !g.check(OpDiagMaskInf, x) {
		return g.zero()
	}
	g.useDense(x)
	t := g.add(OpDiagMaskInf, x.rows, x.cols, x)
	t.ip[0] = nPast
	return t
}

// SliceCols returns columns [start, end) of x.
func (g *Graph) SliceCols(x *Tensor, start, end int) *Tensor {
	if !g.check(OpSliceCols, x) {
		return g.zero()
	}
	if start < 0 || end > x.cols || start >= end {
		return g.fail(OpSliceCols, fmt.Sprintf("range within [0,%d)", x.cols), fmt.Sprintf("[%d,%d)", start, end))
	}
	g.useDense(x)
	t := g.add(OpSliceCols, x.rows, end-start, x)
	t.ip[0] = start
	return t
}

// SliceRows returns rows [start, end) of x.
func (g *Graph) SliceRows(x *Tensor, start, end int) *Tensor {
	if !g.check(OpSliceRows, x) {
		return g.zero()
	}
	if start < 0 || end > x.rows || start >= end {
		return g.fail(OpSliceRows, fmt.Sprintf("range within [0,%d)", x.rows), fmt.Sprintf("[%d,%d)", start, end))
	}
	g.useDense(x)
	t := g.add(OpSliceRows, end-start, x.cols, x)
	t.ip[0] = start
	return t
}

// ConcatCols joins tensors with equal row counts side by side.
func (g *Graph) ConcatCols(xs ...*Tensor) *Tensor {
	if len(xs) == 0 {
		return g.fail(OpConcatCols, "at least one tensor", "none")
	}
	if !g.check(OpConcatCols, xs...) {
		return g.zero()
	}
	cols := 0
	for _, x := range xs {
		if x.rows != xs[0].rows {
			return g.fail(OpConcatCols, fmt.Sprintf("%d rows", xs[0].rows), x.shapeString())
		}
		cols += x.cols
	}
	g.useDense(xs...)
	return g.add(OpConcatCols, xs[0].rows, cols, xs...)
}

func (g *Graph) Transpose(x *Tensor) *Tensor {
	if !g.check(OpTranspose, x) {
		return g.zero()
	}
	g.useDense(x)
	return g.add(OpTranspose, x.cols, x.rows, x)
}

// CacheAppend copies the rows of x into cache rows [pos, pos+n) and returns
// a view of cache rows [0, pos+n). Readers of the view run after the write.
func (g *Graph) CacheAppend(cache, x *Tensor, pos int) *Tensor {
	if !g.check(OpCacheAppend, cache, x) {
		return g.zero()
	}
	if cache.op != OpExternal {
		return g.fail(OpCacheAppend, "external cache", cache.op.String())
	}
	if x.cols != cache.cols {
		return g.fail(OpCacheAppend, fmt.Sprintf("[*,%d]", cache.cols), x.shapeString())
	}
	if pos < 0 || pos+x.rows > cache.rows {
		return g.fail(OpCacheAppend, fmt.Sprintf("rows within %d", cache.rows), fmt.Sprintf("[%d,%d)", pos, pos+x.rows))
	}
	g.useDense(x)
	t := g.add(OpCacheAppend, pos+x.rows, x.cols, cache, x)
	t.ip[0] = pos
	return t
}
