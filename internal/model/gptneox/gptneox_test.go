package gptneox_test

import (
	"errors"
	"testing"

	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/gptneox"
	"github.com/samcharles93/strata/internal/model/modeltest"
	"github.com/samcharles93/strata/pkg/mcf"
)

const (
	layers = 2
	embd   = 32
	heads  = 2
	ctx    = 8
	vocab  = 16
	hidden = 128
)

func build(t *testing.T, extras map[string]any) *mcfstore.File {
	t.Helper()
	n := model.Names
	b := modeltest.NewBuilder(t, "gptneox", layers, embd, heads, ctx, vocab)
	for k, v := range extras {
		b.HP.Set(k, v)
	}
	b.Random(n.Embedding+".weight", vocab, embd)
	for i := range layers {
		b.Norm(n.AttnNorm(i), embd, true)
		b.Linear(n.QKV(i), 3*embd, embd, true)
		b.Linear(n.WO(i), embd, embd, true)
		b.Norm(n.FFNNorm(i), embd, true)
		b.Linear(n.FFNW1(i), hidden, embd, true)
		b.Linear(n.FFNW2(i), embd, hidden, true)
	}
	b.Norm(n.OutputNorm, embd, true)
	b.Random(n.Output+".weight", vocab, embd)
	return b.Open()
}

func TestRequiresRotaryDims(t *testing.T) {
	t.Parallel()
	f := build(t, nil)
	_, err := model.NewRegistry(gptneox.Adapter{}).Load(f)
	if !errors.Is(err, model.ErrMissingHyperparam) {
		t.Fatalf("err = %v, want ErrMissingHyperparam", err)
	}
}

func TestBatchedMatchesSequential(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		extras   map[string]any
		parallel bool
	}{
		{"parallel by default", map[string]any{mcf.KeyRotaryDims: uint32(4)}, true},
		{"sequential residual", map[string]any{mcf.KeyRotaryDims: uint32(16), mcf.KeyUseParallelResidual: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := build(t, tt.extras)
			m, err := model.NewRegistry(gptneox.Adapter{}).Load(f)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got := m.Config().ParallelResidual; got != tt.parallel {
				t.Fatalf("parallel residual = %v, want %v", got, tt.parallel)
			}
			modeltest.CheckBatchedMatchesSequential(t, m, f, modeltest.Tokens(ctx, vocab))
		})
	}
}

// The two residual layouts are different functions of the same weights.
func TestResidualModesDiffer(t *testing.T) {
	t.Parallel()
	eval := func(parallel bool) []float32 {
		f := build(t, map[string]any{mcf.KeyRotaryDims: uint32(4), mcf.KeyUseParallelResidual: parallel})
		m, err := gptneox.Adapter{}.Load(f)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		sess, err := m.Config().NewSession()
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		out, err := model.Evaluate(m, sess, model.Batch{Tokens: []int{1, 2, 3}}, 2, f)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		return out
	}
	a, b := eval(true), eval(false)
	for i := range a {
		if a[i] != b[i] {
			return
		}
	}
	t.Fatalf("parallel and sequential residual produced identical logits")
}
