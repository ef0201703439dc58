package mpt_test

import (
	"testing"

	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/modeltest"
	"github.com/samcharles93/strata/internal/model/mpt"
	"github.com/samcharles93/strata/pkg/mcf"
)

const (
	layers = 2
	embd   = 32
	heads  = 4
	ctx    = 8
	vocab  = 16
	hidden = 128
)

func build(t *testing.T, extras map[string]any) *mcfstore.File {
	t.Helper()
	n := model.Names
	b := modeltest.NewBuilder(t, "mpt", layers, embd, heads, ctx, vocab)
	for k, v := range extras {
		b.HP.Set(k, v)
	}
	b.Random(n.Embedding+".weight", vocab, embd)
	for i := range layers {
		b.Norm(n.AttnNorm(i), embd, false)
		b.Linear(n.QKV(i), 3*embd, embd, false)
		b.Linear(n.WO(i), embd, embd, false)
		b.Norm(n.FFNNorm(i), embd, false)
		b.Linear(n.FFNW1(i), hidden, embd, false)
		b.Linear(n.FFNW2(i), embd, hidden, false)
	}
	b.Norm(n.OutputNorm, embd, false)
	return b.Open()
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		extras   map[string]any
		wantBias float32
		wantClip float32
	}{
		{"defaults", nil, 8, 0},
		{"overrides", map[string]any{mcf.KeyAlibiBiasMax: float32(4), mcf.KeyClipQKV: float32(0.25)}, 4, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := build(t, tt.extras)
			m, err := model.NewRegistry(mpt.Adapter{}).Load(f)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			cfg := m.Config()
			if cfg.AlibiBiasMax != tt.wantBias || cfg.ClipQKV != tt.wantClip {
				t.Fatalf("alibi=%v clip=%v, want %v %v", cfg.AlibiBiasMax, cfg.ClipQKV, tt.wantBias, tt.wantClip)
			}
		})
	}
}

func TestBatchedMatchesSequential(t *testing.T) {
	t.Parallel()
	for _, extras := range []map[string]any{nil, {mcf.KeyClipQKV: float32(0.05)}} {
		f := build(t, extras)
		m, err := mpt.Adapter{}.Load(f)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		modeltest.CheckBatchedMatchesSequential(t, m, f, modeltest.Tokens(ctx, vocab))
	}
}

func TestOutOfContext(t *testing.T) {
	t.Parallel()
	f := build(t, nil)
	m, err := mpt.Adapter{}.Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	modeltest.CheckOutOfContext(t, m, f)
}
