// Package model defines the contract between the inference loop and the
// per-family architecture adapters, and the graph building blocks the
// adapters share.
package model

import (
	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tensor"
)

// Adapter recognises one architecture tag and binds a model file to it.
type Adapter interface {
	Arch() string
	// Required lists hyperparameter keys that must be present.
	Required() []string
	Load(f *mcfstore.File) (Model, error)
}

// Model is a loaded architecture able to describe its forward pass.
type Model interface {
	Arch() string
	Config() Config
	// BuildForwardGraph adds the forward pass for batch to g. Keys and values
	// of the batch are written to sess at sess.Pos(). The logits are [1, vocab]
	// for the last token, or [len(Tokens), vocab] with AllLogits.
	BuildForwardGraph(g *tensor.Graph, batch Batch, sess *session.Session) (Outputs, error)
}

// Batch is the input of one forward pass.
type Batch struct {
	Tokens    []int
	AllLogits bool
	// Embeddings asks for the final normed hidden state of every token.
	Embeddings bool
}

// Outputs are the graph tensors a forward pass produces. Embeddings is
// [len(Tokens), embd] and nil unless the batch asked for it.
type Outputs struct {
	Logits     *tensor.Tensor
	Embeddings *tensor.Tensor
}

// Config is the resolved shape of a loaded model.
type Config struct {
	Arch          string
	Name          string
	VocabSize     int
	ContextLength int
	Embedding     int
	Layers        int
	Heads         int
	HeadDim       int
	FFNHidden     int

	NormEps          float32
	RotaryDims       int
	RopeBase         float32
	ParallelResidual bool
	AlibiBiasMax     float32
	ClipQKV          float32
}

// NewSession allocates a session sized for c.
func (c Config) NewSession() (*session.Session, error) {
	return session.New(c.ContextLength, c.Layers, c.Heads, c.HeadDim)
}
