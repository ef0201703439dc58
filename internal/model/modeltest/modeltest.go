// Package modeltest builds small synthetic model files and checks the
// invariants every architecture adapter must hold.
package modeltest

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/pkg/mcf"
	"github.com/samcharles93/strata/pkg/quant"
)

// Builder accumulates the tensors of a synthetic model file. Values are drawn
// from a seeded source so every run produces the same file.
type Builder struct {
	t       *testing.T
	HP      *mcf.Hyperparams
	Vocab   int
	// Tokens overrides the vocabulary spelling; it must hold Vocab entries.
	Tokens  [][]byte
	DType   mcf.TensorDType
	rng     *rand.Rand
	tensors []mcf.TensorSource
	names   map[string]bool
}

// NewBuilder starts a file for arch with the given sizes. Tensors are F32
// unless DType is changed before they are added.
func NewBuilder(t *testing.T, arch string, layers, embd, heads, ctx, vocab int) *Builder {
	t.Helper()
	return &Builder{
		t: t,
		HP: &mcf.Hyperparams{
			Arch:            arch,
			LayerCount:      uint32(layers),
			EmbeddingLength: uint32(embd),
			HeadCount:       uint32(heads),
			ContextLength:   uint32(ctx),
			FileType:        mcf.DTypeF32,
		},
		Vocab: vocab,
		DType: mcf.DTypeF32,
		rng:   rand.New(rand.NewPCG(1, uint64(len(arch)))),
		names: make(map[string]bool),
	}
}

func (b *Builder) add(name string, rows, cols int, vals []float32, dt mcf.TensorDType) {
	b.t.Helper()
	if b.names[name] {
		b.t.Fatalf("duplicate tensor %s", name)
	}
	raw, err := quant.Quantize(dt, vals)
	if err != nil {
		b.t.Fatalf("quantize %s: %v", name, err)
	}
	b.names[name] = true
	b.tensors = append(b.tensors, mcf.BytesSource(name, dt, []uint64{uint64(rows), uint64(cols)}, raw))
}

// Random adds a rows x cols tensor with values uniform in ±scale/sqrt(cols).
func (b *Builder) Random(name string, rows, cols int) {
	b.t.Helper()
	s := 1 / math.Sqrt(float64(cols))
	vals := make([]float32, rows*cols)
	for i := range vals {
		vals[i] = float32((b.rng.Float64()*2 - 1) * s)
	}
	b.add(name, rows, cols, vals, b.DType)
}

// Gain adds a [1, cols] F32 tensor with values close to one.
func (b *Builder) Gain(name string, cols int) {
	b.t.Helper()
	vals := make([]float32, cols)
	for i := range vals {
		vals[i] = 1 + float32(b.rng.Float64()*0.2-0.1)
	}
	b.add(name, 1, cols, vals, mcf.DTypeF32)
}

// Bias adds a small [1, cols] F32 tensor.
func (b *Builder) Bias(name string, cols int) {
	b.t.Helper()
	vals := make([]float32, cols)
	for i := range vals {
		vals[i] = float32(b.rng.Float64()*0.2 - 0.1)
	}
	b.add(name, 1, cols, vals, mcf.DTypeF32)
}

// Linear adds prefix.weight [out, in] and, with bias, prefix.bias.
func (b *Builder) Linear(prefix string, out, in int, bias bool) {
	b.t.Helper()
	b.Random(prefix+".weight", out, in)
	if bias {
		b.Bias(prefix+".bias", out)
	}
}

// Norm adds prefix.weight and, with bias, prefix.bias.
func (b *Builder) Norm(prefix string, cols int, bias bool) {
	b.t.Helper()
	b.Gain(prefix+".weight", cols)
	if bias {
		b.Bias(prefix+".bias", cols)
	}
}

// Write writes the file into a temp dir and returns its path. Token i is
// spelled "t<i>" unless Tokens is set.
func (b *Builder) Write() string {
	b.t.Helper()
	path := filepath.Join(b.t.TempDir(), b.HP.Arch+".mcf")
	out, err := os.Create(path)
	if err != nil {
		b.t.Fatalf("create: %v", err)
	}
	tokens := b.Tokens
	if tokens == nil {
		tokens = make([][]byte, b.Vocab)
		for i := range tokens {
			tokens[i] = fmt.Appendf(nil, "t%d", i)
		}
	}
	vocab, err := mcf.NewVocabulary(tokens, make([]float32, len(tokens)))
	if err != nil {
		b.t.Fatalf("vocab: %v", err)
	}
	if err := mcf.WriteModel(out, b.HP, vocab, b.tensors); err != nil {
		_ = out.Close()
		b.t.Fatalf("write model: %v", err)
	}
	if err := out.Close(); err != nil {
		b.t.Fatalf("close: %v", err)
	}
	return path
}

// Open writes the file and opens it. The file is closed when the test ends.
func (b *Builder) Open() *mcfstore.File {
	b.t.Helper()
	f, err := mcfstore.Open(b.Write())
	if err != nil {
		b.t.Fatalf("open: %v", err)
	}
	b.t.Cleanup(func() { _ = f.Close() })
	return f
}

// TinyGPT2 describes a one-layer gpt2 with tied output embeddings, the
// smallest complete model the loop and API tests run against.
func TinyGPT2(t *testing.T, ctx, vocab int) *Builder {
	t.Helper()
	const embd, hidden = 32, 64
	n := model.Names
	b := NewBuilder(t, "gpt2", 1, embd, 2, ctx, vocab)
	b.Random(n.Embedding+".weight", vocab, embd)
	b.Random(n.PosEmbedding+".weight", ctx, embd)
	b.Norm(n.AttnNorm(0), embd, true)
	b.Linear(n.QKV(0), 3*embd, embd, true)
	b.Linear(n.WO(0), embd, embd, true)
	b.Norm(n.FFNNorm(0), embd, true)
	b.Linear(n.FFNW1(0), hidden, embd, true)
	b.Linear(n.FFNW2(0), embd, hidden, true)
	b.Norm(n.OutputNorm, embd, true)
	return b
}

// Tolerance is the largest difference allowed between logits of the same
// position computed by different schedules.
const Tolerance = 1e-4

// Tokens returns n token ids spread over a vocabulary of size vocab.
func Tokens(n, vocab int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = (i*7 + 3) % vocab
	}
	return out
}

// CheckBatchedMatchesSequential evaluates tokens as one batch and one by one
// and requires the per-position logits to agree. It also checks that the
// last-row mode returns the final row of the batch and that the logits are
// finite.
func CheckBatchedMatchesSequential(t *testing.T, m model.Model, f *mcfstore.File, tokens []int) {
	t.Helper()
	cfg := m.Config()
	vocab := cfg.VocabSize

	batched, err := cfg.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	all, err := model.Evaluate(m, batched, model.Batch{Tokens: tokens, AllLogits: true}, 4, f)
	if err != nil {
		t.Fatalf("batched evaluate: %v", err)
	}
	if len(all) != len(tokens)*vocab {
		t.Fatalf("batched logits = %d values, want %d", len(all), len(tokens)*vocab)
	}
	if batched.Pos() != len(tokens) {
		t.Fatalf("batched pos = %d, want %d", batched.Pos(), len(tokens))
	}

	seq, err := cfg.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	for i, tok := range tokens {
		row, err := model.Evaluate(m, seq, model.Batch{Tokens: []int{tok}}, 1, f)
		if err != nil {
			t.Fatalf("sequential evaluate %d: %v", i, err)
		}
		compareRows(t, fmt.Sprintf("position %d", i), all[i*vocab:(i+1)*vocab], row)
	}

	last, err := cfg.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	row, err := model.Evaluate(m, last, model.Batch{Tokens: tokens}, 2, f)
	if err != nil {
		t.Fatalf("last-row evaluate: %v", err)
	}
	if len(row) != vocab {
		t.Fatalf("last-row logits = %d values, want %d", len(row), vocab)
	}
	compareRows(t, "last row", all[(len(tokens)-1)*vocab:], row)
}

func compareRows(t *testing.T, label string, want, got []float32) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: %d logits, want %d", label, len(got), len(want))
	}
	for j := range want {
		if math.IsNaN(float64(got[j])) || math.IsInf(float64(got[j]), 0) {
			t.Fatalf("%s: logit %d is %v", label, j, got[j])
		}
		if d := math.Abs(float64(want[j] - got[j])); d > Tolerance {
			t.Fatalf("%s: logit %d = %v, want %v (diff %g)", label, j, got[j], want[j], d)
		}
	}
}

// CheckOutOfContext fills a session to its limit and requires the next
// evaluation to fail with session.ErrOutOfContext without moving Pos.
func CheckOutOfContext(t *testing.T, m model.Model, f *mcfstore.File) {
	t.Helper()
	cfg := m.Config()
	sess, err := cfg.NewSession()
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := model.Evaluate(m, sess, model.Batch{Tokens: Tokens(cfg.ContextLength, cfg.VocabSize)}, 2, f); err != nil {
		t.Fatalf("fill context: %v", err)
	}
	_, err = model.Evaluate(m, sess, model.Batch{Tokens: []int{0}}, 2, f)
	if !errors.Is(err, session.ErrOutOfContext) {
		t.Fatalf("evaluate past context: err = %v, want ErrOutOfContext", err)
	}
	if sess.Pos() != cfg.ContextLength {
		t.Fatalf("pos = %d after failed evaluate, want %d", sess.Pos(), cfg.ContextLength)
	}
}
