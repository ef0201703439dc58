// Package gpt2 implements GPT-2: learned absolute position embeddings,
// pre-LayerNorm blocks with biases everywhere and a GELU feed-forward. The
// output projection falls back to the token embeddings when absent.
package gpt2

import (
	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tensor"
)

const defaultNormEps = 1e-5

type Adapter struct{}

func (Adapter) Arch() string { return "gpt2" }

func (Adapter) Required() []string { return model.Required() }

type layer struct {
	attnNorm model.Norm
	qkv      model.Linear
	wo       model.Linear
	ffnNorm  model.Norm
	up, down model.Linear
}

type Model struct {
	cfg          model.Config
	attn         model.Attention
	embeddings   *mcfstore.View
	posEmbedding *mcfstore.View
	layers       []layer
	outputNorm   model.Norm
	output       model.Linear
}

func (Adapter) Load(f *mcfstore.File) (model.Model, error) {
	cfg, err := model.BaseConfig(f, defaultNormEps)
	if err != nil {
		return nil, err
	}

	n := model.Names
	w := model.NewWeights(f)
	e := cfg.Embedding
	m := &Model{
		attn:         model.Attention{Heads: cfg.Heads, HeadDim: cfg.HeadDim},
		embeddings:   w.Require(n.Embedding+".weight", cfg.VocabSize, e),
		posEmbedding: w.Require(n.PosEmbedding+".weight", cfg.ContextLength, e),
		outputNorm:   w.Norm(n.OutputNorm, e, true),
		layers:       make([]layer, cfg.Layers),
	}
	m.output.W = w.Optional(n.Output+".weight", cfg.VocabSize, e)
	if m.output.W == nil {
		m.output.W = m.embeddings
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

func (m *Model) Arch() string { return "gpt2" }

func (m *Model) Config() model.Config { return m.cfg }

func (m *Model) BuildForwardGraph(g *tensor.Graph, batch model.Batch, sess *session.Session) (model.Outputs, error) {
	cfg := m.cfg
	x := g.Add(
		g.GetRows(g.Weight(m.embeddings), batch.Tokens),
		g.GetRows(g.Weight(m.posEmbedding), model.Positions(sess, len(batch.Tokens))),
	)

	for i := range m.layers {
		l := &m.layers[i]
		h := model.LayerNorm(g, l.attnNorm, x, cfg.NormEps)
		q, k, v := model.SplitQKV(g, model.Project(g, l.qkv, h), cfg.Embedding)
		x = g.Add(x, model.Project(g, l.wo, m.attn.Attend(g, sess, i, q, k, v)))

		h = model.LayerNorm(g, l.ffnNorm, x, cfg.NormEps)
		x = g.Add(x, model.FFNGELU(g, l.up, l.down, h))
	}

	norm := func(x *tensor.Tensor) *tensor.Tensor { return model.LayerNorm(g, m.outputNorm, x, cfg.NormEps) }
	return model.Head(g, batch, x, norm, m.output)
}
