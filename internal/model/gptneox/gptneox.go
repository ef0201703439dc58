// Package gptneox implements GPT-NeoX: NeoX-style rotary positions over the
// first rotary_dims of each head and, unless use_parallel_residual is false,
// attention and feed-forward computed in parallel from separate norms.
package gptneox

import (
	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/pkg/mcf"
)

const defaultNormEps = 1e-5

type Adapter struct{}

func (Adapter) Arch() string { return "gptneox" }

func (Adapter) Required() []string { return model.Required(mcf.KeyRotaryDims) }

type layer struct {
	attnNorm model.Norm
	qkv      model.Linear
	wo       model.Linear
	ffnNorm  model.Norm
	up, down model.Linear
}

type Model struct {
	cfg        model.Config
	attn       model.Attention
	embeddings *mcfstore.View
	layers     []layer
	outputNorm model.Norm
	output     model.Linear
}

func (Adapter) Load(f *mcfstore.File) (model.Model, error) {
	cfg, err := model.BaseConfig(f, defaultNormEps)
	if err != nil {
		return nil, err
	}
	if cfg.RotaryDims, err = model.RotaryDims(f, cfg.HeadDim); err != nil {
		return nil, err
	}
	cfg.ParallelResidual = true
	if par, ok := f.Hyperparams().Bool(mcf.KeyUseParallelResidual); ok {
		cfg.ParallelResidual = par
	}

	n := model.Names
	w := model.NewWeights(f)
	e := cfg.Embedding
	m := &Model{
		attn:       model.Attention{Heads: cfg.Heads, HeadDim: cfg.HeadDim},
		embeddings: w.Require(n.Embedding+".weight", cfg.VocabSize, e),
		outputNorm: w.Norm(n.OutputNorm, e, true),
		output:     w.Linear(n.Output, cfg.VocabSize, e, false),
		layers:     make([]layer, cfg.Layers),
	}
	cfg.FFNHidden = w.FFNHidden(n.FFNW1(0) + ".weight")
	hidden := cfg.FFNHidden
	for i := range m.layers {
		m.layers[i] = layer{
			attnNorm: w.Norm(n.AttnNorm(i), e, true),
			qkv:      w.Linear(n.QKV(i), 3*e, e, true),
			wo:       w.Linear(n.WO(i), e, e, true),
			ffnNorm:  w.Norm(n.FFNNorm(i), e, true),
			up:       w.Linear(n.FFNW1(i), hidden, e, true),
			down:     w.Linear(n.FFNW2(i), e, hidden, true),
		}
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Model) Arch() string { return "gptneox" }

func (m *Model) Config() model.Config { return m.cfg }

func (m *Model) BuildForwardGraph(g *tensor.Graph, batch model.Batch, sess *session.Session) (model.Outputs, error) {
	cfg := m.cfg
	nPast := sess.Pos()
	x := g.GetRows(g.Weight(m.embeddings), batch.Tokens)

	for i := range m.layers {
		l := &m.layers[i]
		h := model.LayerNorm(g, l.attnNorm, x, cfg.NormEps)
		q, k, v := model.SplitQKV(g, model.Project(g, l.qkv, h), cfg.Embedding)
		q = g.Rope(q, nPast, cfg.HeadDim, cfg.RotaryDims, tensor.RopeNeoX, cfg.RopeBase)
		k = g.Rope(k, nPast, cfg.HeadDim, cfg.RotaryDims, tensor.RopeNeoX, cfg.RopeBase)
		attn := model.Project(g, l.wo, m.attn.Attend(g, sess, i, q, k, v))

		if cfg.ParallelResidual {
			ffn := model.FFNGELU(g, l.up, l.down, model.LayerNorm(g, l.ffnNorm, x, cfg.NormEps))
			x = g.Add(g.Add(x, attn), ffn)
			continue
		}
		x = g.Add(x, attn)
		x = g.Add(x, model.FFNGELU(g, l.up, l.down, model.LayerNorm(g, l.ffnNorm, x, cfg.NormEps)))
	}

	norm := func(x *tensor.Tensor) *tensor.Tensor { return model.LayerNorm(g, m.outputNorm, x, cfg.NormEps) }
	return model.Head(g, batch, x, norm, m.output)
}
