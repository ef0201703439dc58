// Package mpt implements MPT: bias-free LayerNorms and projections, ALiBi
// attention biases, optional clamping of the fused QKV activations, and an
// output projection tied to the token embeddings.
package mpt

import (
	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/pkg/mcf"
)

const (
	defaultNormEps      = 1e-5
	defaultAlibiBiasMax = 8
)

type Adapter struct{}

func (Adapter) Arch() string { return "mpt" }

func (Adapter) Required() []string { return model.Required() }

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
	hp := f.Hyperparams()
	cfg.AlibiBiasMax = defaultAlibiBiasMax
	if v, ok := hp.Float32(mcf.KeyAlibiBiasMax); ok {
		cfg.AlibiBiasMax = v
	}
	if v, ok := hp.Float32(mcf.KeyClipQKV); ok && v > 0 {
		cfg.ClipQKV = v
	}

	n := model.Names
	w := model.NewWeights(f)
	e := cfg.Embedding
	m := &Model{
		attn:       model.Attention{Heads: cfg.Heads, HeadDim: cfg.HeadDim, AlibiBiasMax: cfg.AlibiBiasMax},
		embeddings: w.Require(n.Embedding+".weight", cfg.VocabSize, e),
		outputNorm: w.Norm(n.OutputNorm, e, false),
		layers:     make([]layer, cfg.Layers),
	}
	m.output.W = w.Optional(n.Output+".weight", cfg.VocabSize, e)
	if m.output.W == nil {
		m.output.W = m.embeddings
	}
	cfg.FFNHidden = w.FFNHidden(n.FFNW1(0) + ".weight")
	hidden := cfg.FFNHidden
	for i := range m.layers {
		m.layers[i] = layer{
			attnNorm: w.Norm(n.AttnNorm(i), e, false),
			qkv:      w.Linear(n.QKV(i), 3*e, e, false),
			wo:       w.Linear(n.WO(i), e, e, false),
			ffnNorm:  w.Norm(n.FFNNorm(i), e, false),
			up:       w.Linear(n.FFNW1(i), hidden, e, false),
			down:     w.Linear(n.FFNW2(i), e, hidden, false),
		}
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Model) Arch() string { return "mpt" }

func (m *Model) Config() model.Config { return m.cfg }

func (m *Model) BuildForwardGraph(g *tensor.Graph, batch model.Batch, sess *session.Session) (model.Outputs, error) {
	cfg := m.cfg
	x := g.GetRows(g.Weight(m.embeddings), batch.Tokens)

	for i := range m.layers {
		l := &m.layers[i]
		h := model.LayerNorm(g, l.attnNorm, x, cfg.NormEps)
		qkv := model.Project(g, l.qkv, h)
		if cfg.ClipQKV > 0 {
			qkv = g.Clamp(qkv, -cfg.ClipQKV, cfg.ClipQKV)
		}
		q, k, v := model.SplitQKV(g, qkv, cfg.Embedding)
		x = g.Add(x, model.Project(g, l.wo, m.attn.Attend(g, sess, i, q, k, v)))

		h = model.LayerNorm(g, l.ffnNorm, x, cfg.NormEps)
		x = g.Add(x, model.FFNGELU(g, l.up, l.down, h))
	}

	norm := func(x *tensor.Tensor) *tensor.Tensor { return model.LayerNorm(g, m.outputNorm, x, cfg.NormEps) }
	return model.Head(g, batch, x, norm, m.output)
}
