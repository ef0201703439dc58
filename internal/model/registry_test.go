package model_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/bloom"
	"github.com/samcharles93/strata/internal/model/gpt2"
	"github.com/samcharles93/strata/internal/model/gptneox"
	"github.com/samcharles93/strata/internal/model/llama"
	"github.com/samcharles93/strata/internal/model/modeltest"
	"github.com/samcharles93/strata/internal/session"
)

func TestRegistryArchs(t *testing.T) {
	t.Parallel()
	r := model.NewRegistry(llama.Adapter{}, gpt2.Adapter{}, bloom.Adapter{})
	if diff := cmp.Diff([]string{"bloom", "gpt2", "llama"}, r.Archs()); diff != "" {
		t.Fatalf("archs mismatch (-want +got):\n%s", diff)
	}
	a, err := r.Lookup(" LLaMA ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a.Arch() != "llama" {
		t.Fatalf("lookup returned %q", a.Arch())
	}
}

func TestRegistryUnsupportedArchitecture(t *testing.T) {
	t.Parallel()
	b := modeltest.NewBuilder(t, "falcon", 1, 32, 1, 4, 4)
	b.Random(model.Names.Embedding+".weight", 4, 32)
	f := b.Open()
	_, err := model.NewRegistry(llama.Adapter{}).Load(f)
	if !errors.Is(err, model.ErrUnsupportedArchitecture) {
		t.Fatalf("err = %v, want ErrUnsupportedArchitecture", err)
	}
	var ue *model.UnsupportedArchitectureError
	if !errors.As(err, &ue) || ue.Arch != "falcon" {
		t.Fatalf("err = %#v, want UnsupportedArchitectureError for falcon", err)
	}
}

func TestRegistryMissingHyperparam(t *testing.T) {
	t.Parallel()
	b := modeltest.NewBuilder(t, "gptneox", 1, 32, 1, 4, 4)
	b.Random(model.Names.Embedding+".weight", 4, 32)
	f := b.Open()
	_, err := model.NewRegistry(gptneox.Adapter{}).Load(f)
	if !errors.Is(err, model.ErrMissingHyperparam) {
		t.Fatalf("err = %v, want ErrMissingHyperparam", err)
	}
}

func TestEvaluateEmbeddings(t *testing.T) {
	t.Parallel()
	f := modeltest.TinyGPT2(t, 8, 8).Open()
	m, err := gpt2.Adapter{}.Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := m.Config()
	tokens := []int{3, 1, 6}

	plain, _ := cfg.NewSession()
	want, err := model.Evaluate(m, plain, model.Batch{Tokens: tokens}, 2, f)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	sess, _ := cfg.NewSession()
	ev, err := model.EvaluateAll(m, sess, model.Batch{Tokens: tokens, Embeddings: true}, 2, f)
	if err != nil {
		t.Fatalf("evaluate with embeddings: %v", err)
	}
	if diff := cmp.Diff(want, ev.Logits, cmpopts.EquateApprox(0, modeltest.Tolerance)); diff != "" {
		t.Fatalf("logits changed by embeddings (-want +got):\n%s", diff)
	}
	if len(ev.Embeddings) != len(tokens)*cfg.Embedding {
		t.Fatalf("embeddings len = %d, want %d", len(ev.Embeddings), len(tokens)*cfg.Embedding)
	}

	// Attention is causal, so the first row does not depend on later tokens.
	single, _ := cfg.NewSession()
	first, err := model.EvaluateAll(m, single, model.Batch{Tokens: tokens[:1], Embeddings: true}, 1, f)
	if err != nil {
		t.Fatalf("evaluate first token: %v", err)
	}
	if diff := cmp.Diff(first.Embeddings, ev.Embeddings[:cfg.Embedding], cmpopts.EquateApprox(0, modeltest.Tolerance)); diff != "" {
		t.Fatalf("first row mismatch (-single +batched):\n%s", diff)
	}

	if ev, err := model.EvaluateAll(m, single, model.Batch{Tokens: []int{2}}, 1, f); err != nil || ev.Embeddings != nil {
		t.Fatalf("embeddings without request = %v, err = %v", ev.Embeddings, err)
	}
}

func TestEvaluateErrorsLeaveSessionUnchanged(t *testing.T) {
	t.Parallel()
	f := modeltest.TinyGPT2(t, 4, 8).Open()
	m, err := model.NewRegistry(gpt2.Adapter{}).Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sess, err := m.Config().NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := model.Evaluate(m, sess, model.Batch{Tokens: []int{1, 2}}, 2, f); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	tests := []struct {
		name   string
		tokens []int
		want   error
	}{
		{"empty batch", nil, nil},
		{"token out of range", []int{1, 99}, nil},
		{"negative token", []int{-1}, nil},
		{"overflow", []int{1, 2, 3}, session.ErrOutOfContext},
	}
	for _, tt := range tests {
		_, err := model.Evaluate(m, sess, model.Batch{Tokens: tt.tokens}, 2, f)
		if err == nil {
			t.Fatalf("%s: evaluate succeeded", tt.name)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
		if sess.Pos() != 2 {
			t.Fatalf("%s: pos = %d, want 2", tt.name, sess.Pos())
		}
		if diff := cmp.Diff([]int{1, 2}, sess.History()); diff != "" {
			t.Fatalf("%s: history mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestEvaluateAfterCloseFails(t *testing.T) {
	t.Parallel()
	f := modeltest.TinyGPT2(t, 4, 8).Open()
	m, err := gpt2.Adapter{}.Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sess, err := m.Config().NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := model.Evaluate(m, sess, model.Batch{Tokens: []int{1}}, 1, f); err == nil {
		t.Fatalf("evaluate after close succeeded")
	}
	if sess.Pos() != 0 {
		t.Fatalf("pos = %d, want 0", sess.Pos())
	}
}

func TestSnapshotRestoresContinuation(t *testing.T) {
	t.Parallel()
	f := modeltest.TinyGPT2(t, 4, 8).Open()
	m, err := gpt2.Adapter{}.Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := m.Config()
	a, _ := cfg.NewSession()
	if _, err := model.Evaluate(m, a, model.Batch{Tokens: []int{3, 4}}, 1, f); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var buf bytes.Buffer
	if _, err := a.WriteTo(&buf); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	restored, _ := cfg.NewSession()
	if _, err := restored.ReadFrom(&buf); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	want, err := model.Evaluate(m, a, model.Batch{Tokens: []int{5}}, 1, f)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got, err := model.Evaluate(m, restored, model.Batch{Tokens: []int{5}}, 1, f)
	if err != nil {
		t.Fatalf("evaluate restored: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("logits mismatch (-want +got):\n%s", diff)
	}
}
