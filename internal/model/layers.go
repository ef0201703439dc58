package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tensor"
)

// weight adds v to g, or returns nil for an absent optional tensor.
func weight(g *tensor.Graph, v *mcfstore.View) *tensor.Tensor {
	if v == nil {
		return nil
	}
	return g.Weight(v)
}

// Project applies l to x: x·Wᵀ plus the bias when present.
func Project(g *tensor.Graph, l Linear, x *tensor.Tensor) *tensor.Tensor {
	y := g.MulMat(g.Weight(l.W), x)
	if l.B != nil {
		y = g.Add(y, g.Weight(l.B))
	}
	return y
}

func LayerNorm(g *tensor.Graph, n Norm, x *tensor.Tensor, eps float32) *tensor.Tensor {
	return g.LayerNorm(x, weight(g, n.W), weight(g, n.B), eps)
}

func RMSNorm(g *tensor.Graph, n Norm, x *tensor.Tensor, eps float32) *tensor.Tensor {
	return g.RMSNorm(x, weight(g, n.W), eps)
}

// FFNGELU is down(gelu(up(x))).
func FFNGELU(g *tensor.Graph, up, down Linear, x *tensor.Tensor) *tensor.Tensor {
	return Project(g, down, g.GELU(Project(g, up, x)))
}

// FFNSwiGLU is down(silu(gate(x)) * up(x)).
func FFNSwiGLU(g *tensor.Graph, gate, up, down Linear, x *tensor.Tensor) *tensor.Tensor {
	return Project(g, down, g.Mul(g.SiLU(Project(g, gate, x)), Project(g, up, x)))
}

// SplitQKV cuts a fused [n, 3*embd] projection into query, key and value.
func SplitQKV(g *tensor.Graph, qkv *tensor.Tensor, embd int) (q, k, v *tensor.Tensor) {
	return g.SliceCols(qkv, 0, embd), g.SliceCols(qkv, embd, 2*embd), g.SliceCols(qkv, 2*embd, 3*embd)
}

// Positions returns the absolute positions of a batch of n tokens.
func Positions(sess *session.Session, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = sess.Pos() + i
	}
	return out
}

// Attention describes the per-layer attention shape shared by all families.
type Attention struct {
	Heads   int
	HeadDim int
	// AlibiBiasMax enables ALiBi position biases when non-zero.
	AlibiBiasMax float32
}

// CacheKV appends k and v at sess.Pos() to the caches of layer and returns
// views over every cached position.
func CacheKV(g *tensor.Graph, sess *session.Session, layer int, k, v *tensor.Tensor) (kAll, vAll *tensor.Tensor) {
	ctx, width := sess.ContextLength(), sess.Width()
	kc := g.External(fmt.Sprintf("cache.k.%d", layer), ctx, width, sess.Keys(layer))
	vc := g.External(fmt.Sprintf("cache.v.%d", layer), ctx, width, sess.Values(layer))
	return g.CacheAppend(kc, k, sess.Pos()), g.CacheAppend(vc, v, sess.Pos())
}

// Attend caches k and v for layer, then attends every query row over all
// cached positions with a causal mask. q, k and v are [n, heads*headDim];
// the result has the same shape.
func (a Attention) Attend(g *tensor.Graph, sess *session.Session, layer int, q, k, v *tensor.Tensor) *tensor.Tensor {
	nPast := sess.Pos()
	kAll, vAll := CacheKV(g, sess, layer, k, v)
	scale := float32(1 / math.Sqrt(float64(a.HeadDim)))

	heads := make([]*tensor.Tensor, a.Heads)
	for h := range a.Heads {
		lo, hi := h*a.HeadDim, (h+1)*a.HeadDim
		qh := g.SliceCols(q, lo, hi)
		kh := g.SliceCols(kAll, lo, hi)
		vh := g.SliceCols(vAll, lo, hi)

		scores := g.Scale(g.MulMat(kh, qh), scale)
		if a.AlibiBiasMax != 0 {
			scores = g.Alibi(scores, h, a.Heads, a.AlibiBiasMax)
		}
		probs := g.Softmax(g.DiagMaskInf(scores, nPast))
		heads[h] = g.MulMat(g.Transpose(vh), probs)
	}
	return g.ConcatCols(heads...)
}

// LastRow keeps only the final row of x unless all rows are wanted.
func LastRow(g *tensor.Graph, x *tensor.Tensor, all bool) *tensor.Tensor {
	if all {
		return x
	}
	return g.SliceRows(x, x.Rows()-1, x.Rows())
}

// Head applies the final norm to the hidden state x and projects it to
// logits. With batch.Embeddings the normed rows of every position are
// returned as well. It reports the graph's build error, if any.
func Head(g *tensor.Graph, batch Batch, x *tensor.Tensor, norm func(*tensor.Tensor) *tensor.Tensor, output Linear) (Outputs, error) {
	var out Outputs
	if batch.Embeddings {
		h := norm(x)
		out.Embeddings = h
		out.Logits = Project(g, output, LastRow(g, h, batch.AllLogits))
	} else {
		out.Logits = Project(g, output, norm(LastRow(g, x, batch.AllLogits)))
	}
	if err := g.Err(); err != nil {
		return Outputs{}, err
	}
	return out, nil
}
