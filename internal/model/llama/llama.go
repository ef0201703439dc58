// Package llama implements the LLaMA family: RMSNorm before attention and
// feed-forward, rotary positions over the full head, SwiGLU and no biases.
package llama

import (
	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tensor"
)

const defaultNormEps = 1e-6

type Adapter struct{}

func (Adapter) Arch() string { return "llama" }

func (Adapter) Required() []string { return model.Required() }

type layer struct {
	attnNorm   model.Norm
	wq, wk, wv model.Linear
	wo         model.Linear
	ffnNorm    model.Norm
	w1, w2, w3 model.Linear
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
	cfg.RotaryDims = cfg.HeadDim

	n := model.Names
	w := model.NewWeights(f)
	e := cfg.Embedding
	m := &Model{
		attn:       model.Attention{Heads: cfg.Heads, HeadDim: cfg.HeadDim},
		embeddings: w.Require(n.Embedding+".weight", cfg.VocabSize, e),
		outputNorm: w.Norm(n.OutputNorm, e, false),
		output:     w.Linear(n.Output, cfg.VocabSize, e, false),
		layers:     make([]layer, cfg.Layers),
	}
	cfg.FFNHidden = w.FFNHidden(n.FFNW1(0) + ".weight")
	hidden := cfg.FFNHidden
	for i := range m.layers {
		m.layers[i] = layer{
			attnNorm: w.Norm(n.AttnNorm(i), e, false),
			wq:       w.Linear(n.WQ(i), e, e, false),
			wk:       w.Linear(n.WK(i), e, e, false),
			wv:       w.Linear(n.WV(i), e, e, false),
			wo:       w.Linear(n.WO(i), e, e, false),
			ffnNorm:  w.Norm(n.FFNNorm(i), e, false),
			w1:       w.Linear(n.FFNW1(i), hidden, e, false),
			w2:       w.Linear(n.FFNW2(i), e, hidden, false),
			w3:       w.Linear(n.FFNW3(i), hidden, e, false),
		}
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Model) Arch() string { return "llama" }

func (m *Model) Config() model.Config { return m.cfg }

func (m *Model) BuildForwardGraph(g *tensor.Graph, batch model.Batch, sess *session.Session) (model.Outputs, error) {
	cfg := m.cfg
	nPast := sess.Pos()
	x := g.GetRows(g.Weight(m.embeddings), batch.Tokens)

	for i := range m.layers {
		l := &m.layers[i]
		h := model.RMSNorm(g, l.attnNorm, x, cfg.NormEps)
		q := g.Rope(model.Project(g, l.wq, h), nPast, cfg.HeadDim, cfg.RotaryDims, tensor.RopeNormal, cfg.RopeBase)
		k := g.Rope(model.Project(g, l.wk, h), nPast, cfg.HeadDim, cfg.RotaryDims, tensor.RopeNormal, cfg.RopeBase)
		v := model.Project(g, l.wv, h)
		x = g.Add(x, model.Project(g, l.wo, m.attn.Attend(g, sess, i, q, k, v)))

		h = model.RMSNorm(g, l.ffnNorm, x, cfg.NormEps)
		x = g.Add(x, model.FFNSwiGLU(g, l.w1, l.w3, l.w2, h))
	}

	norm := func(x *tensor.Tensor) *tensor.Tensor { return model.RMSNorm(g, m.outputNorm, x, cfg.NormEps) }
	return model.Head(g, batch, x, norm, m.output)
}
