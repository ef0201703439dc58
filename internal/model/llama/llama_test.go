package llama_test

import (
	"errors"
	"testing"

	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/llama"
	"github.com/samcharles93/strata/internal/model/modeltest"
	"github.com/samcharles93/strata/pkg/mcf"
)

const (
	layers = 2
	embd   = 32
	heads  = 4
	ctx    = 8
	vocab  = 16
	hidden = 64
)

func build(t *testing.T, dt mcf.TensorDType, skip string) *mcfstore.File {
	t.Helper()
	n := model.Names
	b := modeltest.NewBuilder(t, "llama", layers, embd, heads, ctx, vocab)
	b.DType = dt
	b.Random(n.Embedding+".weight", vocab, embd)
	for i := range layers {
		b.Norm(n.AttnNorm(i), embd, false)
		for _, p := range []string{n.WQ(i), n.WK(i), n.WV(i), n.WO(i)} {
			b.Linear(p, embd, embd, false)
		}
		b.Norm(n.FFNNorm(i), embd, false)
		b.Linear(n.FFNW1(i), hidden, embd, false)
		b.Linear(n.FFNW2(i), embd, hidden, false)
		if n.FFNW3(i) != skip {
			b.Linear(n.FFNW3(i), hidden, embd, false)
		}
	}
	b.Norm(n.OutputNorm, embd, false)
	b.Linear(n.Output, vocab, embd, false)
	return b.Open()
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	f := build(t, mcf.DTypeF32, "")
	m, err := model.NewRegistry(llama.Adapter{}).Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := m.Config()
	if cfg.HeadDim != embd/heads || cfg.RotaryDims != cfg.HeadDim || cfg.FFNHidden != hidden {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.NormEps != 1e-6 {
		t.Fatalf("norm eps = %v, want 1e-6", cfg.NormEps)
	}
}

func TestLoadMissingTensor(t *testing.T) {
	t.Parallel()
	f := build(t, mcf.DTypeF32, model.Names.FFNW3(1))
	_, err := model.NewRegistry(llama.Adapter{}).Load(f)
	if !errors.Is(err, mcfstore.ErrMissingTensor) {
		t.Fatalf("err = %v, want ErrMissingTensor", err)
	}
}

func TestBatchedMatchesSequential(t *testing.T) {
	t.Parallel()
	for _, dt := range []mcf.TensorDType{mcf.DTypeF32, mcf.DTypeQ8_0, mcf.DTypeQ4_0} {
		t.Run(dt.String(), func(t *testing.T) {
			t.Parallel()
			f := build(t, dt, "")
			m, err := llama.Adapter{}.Load(f)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			modeltest.CheckBatchedMatchesSequential(t, m, f, modeltest.Tokens(6, vocab))
		})
	}
}

func TestOutOfContext(t *testing.T) {
	t.Parallel()
	f := build(t, mcf.DTypeF32, "")
	m, err := llama.Adapter{}.Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	modeltest.CheckOutOfContext(t, m, f)
}
