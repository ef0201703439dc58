package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/pkg/mcf"
)

// Linear is a projection weight [out, in] with an optional [1, out] bias.
type Linear struct {
	W *mcfstore.View
	B *mcfstore.View
}

// Norm holds optional gain and bias rows of a normalization.
type Norm struct {
	W *mcfstore.View
	B *mcfstore.View
}

// Weights resolves tensors from a file while an adapter loads. The first
// failure is kept and returned by Err; later lookups return nil.
type Weights struct {
	f   *mcfstore.File
	err error
}

func NewWeights(f *mcfstore.File) *Weights { return &Weights{f: f} }

func (w *Weights) Err() error { return w.err }

func (w *Weights) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Require returns the named tensor, which must be rows x cols. A zero rows
// or cols skips that check.
func (w *Weights) Require(name string, rows, cols int) *mcfstore.View {
	if w.err != nil {
		return nil
	}
	v, err := w.f.Tensor(name)
	if err != nil {
		w.fail(err)
		return nil
	}
	r, c := v.Shape()
	if (rows != 0 && r != rows) || (cols != 0 && c != cols) {
		w.fail(fmt.Errorf("tensor %s: shape [%d,%d], want [%d,%d]", name, r, c, rows, cols))
		return nil
	}
	return v
}

// Optional is Require for a tensor that may be absent.
func (w *Weights) Optional(name string, rows, cols int) *mcfstore.View {
	if w.err != nil || !w.f.Has(name) {
		return nil
	}
	return w.Require(name, rows, cols)
}

// Linear loads prefix.weight as [out, in] and, when bias is set, prefix.bias.
func (w *Weights) Linear(prefix string, out, in int, bias bool) Linear {
	l := Linear{W: w.Require(prefix+".weight", out, in)}
	if bias {
		l.B = w.Require(prefix+".bias", 1, out)
	}
	return l
}

// Norm loads prefix.weight and, when bias is set, prefix.bias, both [1, cols].
func (w *Weights) Norm(prefix string, cols int, bias bool) Norm {
	n := Norm{W: w.Require(prefix+".weight", 1, cols)}
	if bias {
		n.B = w.Require(prefix+".bias", 1, cols)
	}
	return n
}

// FFNHidden infers the feed-forward width from the up projection.
func (w *Weights) FFNHidden(name string) int {
	v := w.Require(name, 0, 0)
	if v == nil {
		return 0
	}
	r, _ := v.Shape()
	return r
}

// BaseConfig reads the fixed hyperparameters shared by every family.
func BaseConfig(f *mcfstore.File, defaultEps float32) (Config, error) {
	hp := f.Hyperparams()
	cfg := Config{
		Arch:          hp.Arch,
		VocabSize:     f.Vocabulary().Len(),
		ContextLength: int(hp.ContextLength),
		Embedding:     int(hp.EmbeddingLength),
		Layers:        int(hp.LayerCount),
		Heads:         int(hp.HeadCount),
		NormEps:       defaultEps,
		RopeBase:      10000,
	}
	if name, ok := hp.Text(mcf.KeyModelName); ok {
		cfg.Name = name
	}
	switch {
	case cfg.VocabSize == 0:
		return Config{}, errors.New("empty vocabulary")
	case cfg.Layers == 0 || cfg.Heads == 0 || cfg.ContextLength == 0:
		return Config{}, fmt.Errorf("invalid sizes layers=%d heads=%d context=%d", cfg.Layers, cfg.Heads, cfg.ContextLength)
	case cfg.Embedding == 0 || cfg.Embedding%cfg.Heads != 0:
		return Config{}, fmt.Errorf("embedding %d is not divisible by %d heads", cfg.Embedding, cfg.Heads)
	}
	cfg.HeadDim = cfg.Embedding / cfg.Heads
	if eps, ok := hp.Float32(mcf.KeyNormEps); ok {
		cfg.NormEps = eps
	}
	if base, ok := hp.Float32(mcf.KeyRopeFreqBase); ok && base > 0 {
		cfg.RopeBase = base
	}
	return cfg, nil
}

// RotaryDims reads rotary_dims and checks it against the head width.
func RotaryDims(f *mcfstore.File, headDim int) (int, error) {
	n, ok := f.Hyperparams().Uint32(mcf.KeyRotaryDims)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMissingHyperparam, mcf.KeyRotaryDims)
	}
	if n == 0 || int(n) > headDim || n%2 != 0 {
		return 0, fmt.Errorf("rotary_dims %d must be even and at most head dim %d", n, headDim)
	}
	return int(n), nil
}

// Names are the tensor name prefixes shared by every family; append
// ".weight" or ".bias".
var Names = struct {
	Embedding     string
	EmbeddingNorm string
	PosEmbedding  string
	OutputNorm    string
	Output        string

	AttnNorm func(layer int) string
	QKV      func(layer int) string
	WQ       func(layer int) string
	WK       func(layer int) string
	WV       func(layer int) string
	WO       func(layer int) string
	FFNNorm  func(layer int) string
	FFNW1    func(layer int) string
	FFNW2    func(layer int) string
	FFNW3    func(layer int) string
}{
	Embedding:     "tok_embeddings",
	EmbeddingNorm: "norm",
	PosEmbedding:  "pos_embeddings",
	OutputNorm:    "output_norm",
	Output:        "output",

	AttnNorm: layerName("attention_norm"),
	QKV:      layerName("attention.query_key_value"),
	WQ:       layerName("attention.wq"),
	WK:       layerName("attention.wk"),
	WV:       layerName("attention.wv"),
	WO:       layerName("attention.wo"),
	FFNNorm:  layerName("ffn_norm"),
	FFNW1:    layerName("feed_forward.w1"),
	FFNW2:    layerName("feed_forward.w2"),
	FFNW3:    layerName("feed_forward.w3"),
}

func layerName(suffix string) func(int) string {
	return func(layer int) string {
		return fmt.Sprintf("layers.%d.%s", layer, suffix)
	}
}
