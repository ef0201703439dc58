// Package gptj implements GPT-J: one LayerNorm feeding attention and the
// feed-forward in parallel, rotary positions over the first rotary_dims of
// each head, and bias-free attention projections.
package gptj

import (
	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/pkg/mcf"
)

const defaultNormEps = 1e-5

type Adapter struct{}

func (Adapter) Arch() string { return "gptj" }

func (Adapter) Required() []string { return model.Required(mcf.KeyRotaryDims) }

type layer struct {
	norm       model.Norm
	wq, wk, wv model.Linear
	wo         model.Linear
	up, down   model.Linear
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

	n := model.Names
	w := model.NewWeights(f)
	e := cfg.Embedding
	m := &Model{
		attn:       model.Attention{Heads: cfg.Heads, HeadDim: cfg.HeadDim},
		embeddings: w.Require(n.Embedding+".weight", cfg.VocabSize, e),
		outputNorm: w.Norm(n.OutputNorm, e, true),
		output:     w.Linear(n.Output, cfg.VocabSize, e, true),
		layers:     make([]layer, cfg.Layers),
	}
	cfg.FFNHidden = w.FFNHidden(n.FFNW1(0) + ".weight")
	hidden := cfg.FFNHidden
	for i := range m.layers {
		m.layers[i] = layer{
			norm: w.Norm(n.AttnNorm(i), e, true),
			wq:   w.Linear(n.WQ(i), e, e, false),
			wk:   w.Linear(n.WK(i), e, e, false),
			wv:   w.Linear(n.WV(i), e, e, false),
			wo:   w.Linear(n.WO(i), e, e, false),
			up:   w.Linear(n.FFNW1(i), hidden, e, true),
			down: w.Linear(n.FFNW2(i), e, hidden, true),
		}
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Model) Arch() string { return "gptj" }

func (m *Model) Config() model.Config { return m.cfg }

func (m *Model) BuildForwardGraph(g *tensor.Graph, batch model.Batch, sess *session.Session) (model.Outputs, error) {
	cfg := m.cfg
	nPast := sess.Pos()
	x := g.GetRows(g.Weight(m.embeddings), batch.Tokens)

	for i := range m.layers {
		l := &m.layers[i]
		h := model.LayerNorm(g, l.norm, x, cfg.NormEps)

		q := g.Rope(model.Project(g, l.wq, h), nPast, cfg.HeadDim, cfg.RotaryDims, tensor.RopeNormal, cfg.RopeBase)
		k := g.Rope(model.Project(g, l.wk, h), nPast, cfg.HeadDim, cfg.RotaryDims, tensor.RopeNormal, cfg.RopeBase)
		v := model.Project(g, l.wv, h)
		attn := model.Project(g, l.wo, m.attn.Attend(g, sess, i, q, k, v))
		ffn := model.FFNGELU(g, l.up, l.down, h)

		x = g.Add(g.Add(x, attn), ffn)
	}

	norm := func(x *tensor.Tensor) *tensor.Tensor { return model.LayerNorm(g, m.outputNorm, x, cfg.NormEps) }
	return model.Head(g, batch, x, norm, m.output)
}
