package inference

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/strata/internal/logits"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tokenizer"
	"github.com/samcharles93/strata/pkg/mcf"
)

// stepForwarder predicts token last+1 (mod vocab) after every pass, so a
// greedy sampler walks the vocabulary in order.
type stepForwarder struct {
	vocab   int
	flat    bool
	calls   [][]int
	panicAt int
}

func (f *stepForwarder) Config() model.Config {
	return model.Config{VocabSize: f.vocab}
}

func (f *stepForwarder) Evaluate(sess *session.Session, batch model.Batch) ([]float32, error) {
	if err := sess.Reserve(len(batch.Tokens)); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, append([]int(nil), batch.Tokens...))
	if f.panicAt > 0 && len(f.calls) == f.panicAt {
		panic("kernel fault")
	}
	if err := sess.Commit(batch.Tokens); err != nil {
		return nil, err
	}
	last := batch.Tokens[len(batch.Tokens)-1]
	out := make([]float32, f.vocab)
	for i := range out {
		if f.flat {
			out[i] = float32((i*(last+3))%5) / 4
		}
	}
	if !f.flat {
		out[(last+1)%f.vocab] = 10
	}
	return out, nil
}

// letters is <unk> <s> </s> a b c d e f g; "a" is id 3.
func letters(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	return newTokenizer(t, "<unk>", "<s>", "</s>", "a", "b", "c", "d", "e", "f", "g")
}

func newTokenizer(t *testing.T, tokens ...string) *tokenizer.Tokenizer {
	t.Helper()
	raw := make([][]byte, len(tokens))
	for i, s := range tokens {
		raw[i] = []byte(s)
	}
	v, err := mcf.NewVocabulary(raw, make([]float32, len(raw)))
	if err != nil {
		t.Fatalf("vocab: %v", err)
	}
	tok, err := tokenizer.New(v, nil, tokenizer.Options{})
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	return tok
}

func newSession(t *testing.T, ctx int) *session.Session {
	t.Helper()
	s, err := session.New(ctx, 1, 1, 1)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func greedy() *logits.Sampler {
	return logits.NewSampler(logits.SamplerConfig{Temperature: 0})
}

type delivered struct {
	ids  []int
	text string
}

func (d *delivered) cb(id int, fragment string) bool {
	d.ids = append(d.ids, id)
	d.text += fragment
	return true
}

func TestGenerateStopConditions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		req        Request
		wantTokens []int
		wantText   string
		wantStop    StopReason
		wantPos     int
		wantPending []int
	}{
		{
			name:        "max new tokens",
			req:         Request{Prompt: "a", MaxNewTokens: 3},
			wantTokens:  []int{4, 5, 6},
			wantText:    "bcd",
			wantStop:    StopLength,
			wantPos:     3,
			wantPending: []int{6},
		},
		{
			name:     "zero new tokens",
			req:      Request{Prompt: "ab", MaxNewTokens: 0},
			wantStop: StopLength,
			wantPos:  2,
		},
		{
			name:       "eos",
			req:        Request{Prompt: "a", MaxNewTokens: -1},
			wantTokens: []int{4, 5, 6, 7, 8, 9, 0, 1},
			wantText:   "bcdefg<unk><s>",
			wantStop:   StopEOS,
			wantPos:    9,
		},
		{
			name:       "stop string",
			req:        Request{Prompt: "a", MaxNewTokens: 10, StopSequences: []string{"de"}},
			wantTokens: []int{4, 5, 6},
			wantText:   "bcd",
			wantStop:   StopSequence,
			wantPos:    4,
		},
		{
			name:       "stop string inside one token",
			req:        Request{Prompt: "a", MaxNewTokens: 20, StopSequences: []string{"unk"}},
			wantTokens: []int{4, 5, 6, 7, 8, 9},
			wantText:   "bcdefg",
			wantStop:   StopSequence,
			wantPos:    7,
		},
		{
			name:       "stop token sequence spans prompt",
			req:        Request{Prompt: "a", MaxNewTokens: 10, StopTokenSequences: [][]int{{3, 4, 5}}},
			wantTokens: []int{4},
			wantText:   "b",
			wantStop:   StopSequence,
			wantPos:    2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fw := &stepForwarder{vocab: 10}
			sess := newSession(t, 32)
			var got delivered
			res, err := Generate(context.Background(), fw, sess, greedy(), letters(t), tt.req, got.cb)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if res.StopReason != tt.wantStop {
				t.Fatalf("stop = %q, want %q", res.StopReason, tt.wantStop)
			}
			if diff := cmp.Diff(tt.wantTokens, res.Tokens); diff != "" {
				t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantTokens, got.ids); diff != "" {
				t.Fatalf("callback ids mismatch (-want +got):\n%s", diff)
			}
			if res.Text != tt.wantText || got.text != tt.wantText {
				t.Fatalf("text = %q, callback text = %q, want %q", res.Text, got.text, tt.wantText)
			}
			if sess.Pos() != tt.wantPos {
				t.Fatalf("pos = %d, want %d", sess.Pos(), tt.wantPos)
			}
			if diff := cmp.Diff(tt.wantPending, res.Pending); diff != "" {
				t.Fatalf("pending mismatch (-want +got):\n%s", diff)
			}
			if res.Stats.GeneratedTokens != len(tt.wantTokens) {
				t.Fatalf("generated = %d, want %d", res.Stats.GeneratedTokens, len(tt.wantTokens))
			}
		})
	}
}

func TestGeneratePromptIsOneBatch(t *testing.T) {
	t.Parallel()
	fw := &stepForwarder{vocab: 10}
	res, err := Generate(context.Background(), fw, newSession(t, 16), greedy(), letters(t),
		Request{PromptTokens: []int{3, 5, 7}, MaxNewTokens: 2}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := [][]int{{3, 5, 7}, {8}}
	if diff := cmp.Diff(want, fw.calls); diff != "" {
		t.Fatalf("forward calls mismatch (-want +got):\n%s", diff)
	}
	if res.Stats.PromptTokens != 3 {
		t.Fatalf("prompt tokens = %d, want 3", res.Stats.PromptTokens)
	}
}

func TestGenerateCallbackCancels(t *testing.T) {
	t.Parallel()
	fw := &stepForwarder{vocab: 10}
	sess := newSession(t, 16)
	n := 0
	res, err := Generate(context.Background(), fw, sess, greedy(), letters(t),
		Request{Prompt: "a", MaxNewTokens: 10}, func(int, string) bool {
			n++
			return n < 2
		})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.StopReason != StopCancelled || len(res.Tokens) != 2 {
		t.Fatalf("stop = %q tokens = %v, want cancelled after 2", res.StopReason, res.Tokens)
	}
	// The rejected token is returned but not forwarded.
	if sess.Pos() != 2 {
		t.Fatalf("pos = %d, want 2", sess.Pos())
	}
	if diff := cmp.Diff(res.Tokens[1:], res.Pending); diff != "" {
		t.Fatalf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := newSession(t, 16)
	res, err := Generate(ctx, &stepForwarder{vocab: 10}, sess, greedy(), letters(t),
		Request{Prompt: "a", MaxNewTokens: 10}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.StopReason != StopCancelled || sess.Pos() != 0 {
		t.Fatalf("stop = %q pos = %d, want cancelled at 0", res.StopReason, sess.Pos())
	}
}

func TestGenerateOutOfContext(t *testing.T) {
	t.Parallel()
	sess := newSession(t, 4)
	res, err := Generate(context.Background(), &stepForwarder{vocab: 10}, sess, greedy(), letters(t),
		Request{Prompt: "a", MaxNewTokens: 10}, nil)
	if !errors.Is(err, session.ErrOutOfContext) {
		t.Fatalf("err = %v, want ErrOutOfContext", err)
	}
	if res.StopReason != StopContext {
		t.Fatalf("stop = %q, want context", res.StopReason)
	}
	if diff := cmp.Diff([]int{4, 5, 6, 7}, res.Tokens); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{7}, res.Pending); diff != "" {
		t.Fatalf("pending mismatch (-want +got):\n%s", diff)
	}
	if sess.Pos() != 4 {
		t.Fatalf("pos = %d, want 4", sess.Pos())
	}

	long := newSession(t, 2)
	res, err = Generate(context.Background(), &stepForwarder{vocab: 10}, long, greedy(), letters(t),
		Request{Prompt: "abc", MaxNewTokens: 1}, nil)
	if !errors.Is(err, session.ErrOutOfContext) || res.StopReason != StopContext {
		t.Fatalf("long prompt: err = %v stop = %q", err, res.StopReason)
	}
	if long.Pos() != 0 {
		t.Fatalf("long prompt pos = %d, want 0", long.Pos())
	}
}

func TestGenerateSeededDeterminism(t *testing.T) {
	t.Parallel()
	run := func() []int {
		sampler := logits.NewSampler(logits.SamplerConfig{Seed: 11, Temperature: 1, TopK: 6, TopP: 0.9})
		res, err := Generate(context.Background(), &stepForwarder{vocab: 10, flat: true}, newSession(t, 64),
			sampler, nil, Request{PromptTokens: []int{3}, MaxNewTokens: 24}, nil)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return res.Tokens
	}
	first := run()
	if len(first) != 24 {
		t.Fatalf("generated %d tokens, want 24", len(first))
	}
	if diff := cmp.Diff(first, run()); diff != "" {
		t.Fatalf("same seed diverged (-first +second):\n%s", diff)
	}
}

func TestGenerateContinuesSession(t *testing.T) {
	t.Parallel()
	fw := &stepForwarder{vocab: 10}
	sess := newSession(t, 32)
	tok := letters(t)
	first, err := Generate(context.Background(), fw, sess, greedy(), tok, Request{Prompt: "a", MaxNewTokens: 2}, nil)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := Generate(context.Background(), fw, sess, greedy(), tok, Request{PromptTokens: first.Pending, MaxNewTokens: 2}, nil)
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if diff := cmp.Diff([]int{6, 7}, res.Tokens); diff != "" {
		t.Fatalf("continued tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 4, 5, 6}, sess.History()); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	res, err = Generate(context.Background(), fw, sess, greedy(), tok, Request{Prompt: "a", MaxNewTokens: 1}, nil)
	if err != nil {
		t.Fatalf("append prompt: %v", err)
	}
	if diff := cmp.Diff([]int{4}, res.Tokens); diff != "" {
		t.Fatalf("appended prompt tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateStopsAtLimitWithFullContext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		maxTokens int
		wantCalls [][]int
	}{
		{name: "one token", maxTokens: 1, wantCalls: [][]int{{3, 4, 5}}},
		{name: "no tokens", maxTokens: 0, wantCalls: [][]int{{3, 4, 5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fw := &stepForwarder{vocab: 10}
			sess := newSession(t, 3)
			res, err := Generate(context.Background(), fw, sess, greedy(), letters(t),
				Request{PromptTokens: []int{3, 4, 5}, MaxNewTokens: tt.maxTokens}, nil)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if res.StopReason != StopLength || len(res.Tokens) != tt.maxTokens {
				t.Fatalf("stop = %q tokens = %v, want %d by length", res.StopReason, res.Tokens, tt.maxTokens)
			}
			if diff := cmp.Diff(tt.wantCalls, fw.calls); diff != "" {
				t.Fatalf("forward calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// fixedForwarder returns the same logits after every pass.
type fixedForwarder struct {
	logits []float32
}

func (f fixedForwarder) Config() model.Config {
	return model.Config{VocabSize: len(f.logits)}
}

func (f fixedForwarder) Evaluate(sess *session.Session, batch model.Batch) ([]float32, error) {
	if err := sess.Reserve(len(batch.Tokens)); err != nil {
		return nil, err
	}
	if err := sess.Commit(batch.Tokens); err != nil {
		return nil, err
	}
	return append([]float32(nil), f.logits...), nil
}

func TestGeneratePenaltyWindow(t *testing.T) {
	t.Parallel()
	fw := fixedForwarder{logits: []float32{0, 0, 0, 0, 0, 2, 1, 0}}
	sampling := logits.SamplerConfig{Temperature: 0, RepeatPenalty: 100, RepeatLastN: 16}
	tests := []struct {
		name  string
		carry bool
		want  []int
	}{
		{name: "scoped to request", want: []int{5}},
		{name: "carried from session", carry: true, want: []int{6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess := newSession(t, 16)
			if _, err := Generate(context.Background(), fw, sess, logits.NewSampler(sampling), nil,
				Request{PromptTokens: []int{5}, MaxNewTokens: 0}, nil); err != nil {
				t.Fatalf("first: %v", err)
			}
			res, err := Generate(context.Background(), fw, sess, logits.NewSampler(sampling), nil,
				Request{PromptTokens: []int{3}, MaxNewTokens: 1, CarryPenalty: tt.carry}, nil)
			if err != nil {
				t.Fatalf("second: %v", err)
			}
			if diff := cmp.Diff(tt.want, res.Tokens); diff != "" {
				t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGeneratePenaltyCoversOwnOutput(t *testing.T) {
	t.Parallel()
	fw := fixedForwarder{logits: []float32{0, 0, 0, 0, 0, 2, 1, 0}}
	sampler := logits.NewSampler(logits.SamplerConfig{Temperature: 0, RepeatPenalty: 100, RepeatLastN: 16})
	res, err := Generate(context.Background(), fw, newSession(t, 16), sampler, nil,
		Request{PromptTokens: []int{3}, MaxNewTokens: 2}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if diff := cmp.Diff([]int{5, 6}, res.Tokens); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateEmptyPrompt(t *testing.T) {
	t.Parallel()
	_, err := Generate(context.Background(), &stepForwarder{vocab: 10}, newSession(t, 8), greedy(), letters(t), Request{}, nil)
	if !errors.Is(err, errEmptyPrompt) {
		t.Fatalf("err = %v, want empty prompt", err)
	}
}

func TestGenerateHoldsBackPartialCharacters(t *testing.T) {
	t.Parallel()
	tok := newTokenizer(t, "<unk>", "<s>", "</s>", "a", "<0xC3>", "<0xA9>", "b")
	var frags []string
	res, err := Generate(context.Background(), &stepForwarder{vocab: 7}, newSession(t, 8), greedy(), tok,
		Request{Prompt: "a", MaxNewTokens: 3}, func(_ int, f string) bool {
			frags = append(frags, f)
			return true
		})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if diff := cmp.Diff([]string{"", "é", "b"}, frags); diff != "" {
		t.Fatalf("fragments mismatch (-want +got):\n%s", diff)
	}
	if res.Text != "éb" {
		t.Fatalf("text = %q, want %q", res.Text, "éb")
	}
}

func TestGenerateConvertsForwardPanicToError(t *testing.T) {
	t.Parallel()
	sess := newSession(t, 8)
	_, err := Generate(context.Background(), &stepForwarder{vocab: 10, panicAt: 2}, sess, greedy(), letters(t),
		Request{Prompt: "a", MaxNewTokens: 4}, nil)
	if err == nil || !strings.Contains(err.Error(), "panic in forward pass") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
	if sess.Pos() != 1 {
		t.Fatalf("pos = %d, want 1", sess.Pos())
	}
	if _, err := Generate(context.Background(), &stepForwarder{vocab: 10}, sess, greedy(), letters(t),
		Request{Prompt: "b", MaxNewTokens: 1}, nil); err != nil {
		t.Fatalf("session unusable after panic: %v", err)
	}
}

func TestGenerateConvertsSamplerPanicToError(t *testing.T) {
	t.Parallel()
	_, err := Generate(context.Background(), &stepForwarder{vocab: 10}, newSession(t, 8), nil, letters(t),
		Request{Prompt: "a", MaxNewTokens: 1}, nil)
	if err == nil || !strings.Contains(err.Error(), "panic in Sample") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
}

func TestStopTokens(t *testing.T) {
	t.Parallel()
	tok := newTokenizer(t, "a", "<|endoftext|>", "</s>", "<|im_end|>")
	if diff := cmp.Diff([]int{2, 1, 3}, StopTokens(tok)); diff != "" {
		t.Fatalf("stop tokens mismatch (-want +got):\n%s", diff)
	}
	if got := StopTokens(newTokenizer(t, "a", "b")); len(got) != 0 {
		t.Fatalf("stop tokens = %v, want none", got)
	}
}

func TestResolveRequest(t *testing.T) {
	t.Parallel()
	temp := float32(0)
	maxTokens := 7
	seed := int64(9)
	req := ResolveRequest(RequestOptions{
		Prompt:       "hi",
		MaxNewTokens: &maxTokens,
		Temperature:  &temp,
		Seed:         &seed,
		Stop:         []string{"\n"},
	}, DefaultDefaults())
	want := Request{
		Prompt:        "hi",
		MaxNewTokens:  7,
		StopSequences: []string{"\n"},
		Sampling: logits.SamplerConfig{
			Seed:          9,
			Temperature:   0,
			TopK:          40,
			TopP:          0.95,
			RepeatPenalty: 1.1,
			RepeatLastN:   64,
		},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	neg := int64(-1)
	if r := ResolveRequest(RequestOptions{Seed: &neg}, DefaultDefaults()); r.Sampling.Seed < 0 {
		t.Fatalf("negative seed kept: %d", r.Sampling.Seed)
	}
}
