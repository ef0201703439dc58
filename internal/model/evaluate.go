package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tensor"
)

// Leaser hands out read leases on the weights for the duration of a pass.
type Leaser interface {
	Acquire() (release func(), err error)
}

// Evaluation holds the values of one forward pass, row-major.
type Evaluation struct {
	Logits     []float32
	Embeddings []float32
}

// Evaluate runs one forward pass of batch over sess and returns the logits,
// one vocab-sized row per returned position. Positions are reserved first, so
// a batch that does not fit fails with session.ErrOutOfContext before any
// work; on any failure the session is left as it was.
func Evaluate(m Model, sess *session.Session, batch Batch, threads int, lease Leaser) ([]float32, error) {
	ev, err := EvaluateAll(m, sess, batch, threads, lease)
	return ev.Logits, err
}

// EvaluateAll is Evaluate returning every output the batch asked for.
func EvaluateAll(m Model, sess *session.Session, batch Batch, threads int, lease Leaser) (Evaluation, error) {
	n := len(batch.Tokens)
	if n == 0 {
		return Evaluation{}, errors.New("model: empty batch")
	}
	vocab := m.Config().VocabSize
	for _, id := range batch.Tokens {
		if id < 0 || id >= vocab {
			return Evaluation{}, fmt.Errorf("model: token id %d out of range [0,%d)", id, vocab)
		}
	}
	if err := sess.Reserve(n); err != nil {
		return Evaluation{}, err
	}
	ev, err := forward(m, sess, batch, threads, lease)
	if err != nil {
		sess.Abort()
		return Evaluation{}, err
	}
	if err := sess.Commit(batch.Tokens); err != nil {
		return Evaluation{}, err
	}
	return ev, nil
}

func forward(m Model, sess *session.Session, batch Batch, threads int, lease Leaser) (Evaluation, error) {
	if lease != nil {
		release, err := lease.Acquire()
		if err != nil {
			return Evaluation{}, err
		}
		defer release()
	}
	g := tensor.NewGraph()
	out, err := m.BuildForwardGraph(g, batch, sess)
	if err != nil {
		return Evaluation{}, err
	}
	outputs := []*tensor.Tensor{out.Logits}
	if out.Embeddings != nil {
		outputs = append(outputs, out.Embeddings)
	}
	if err := g.Execute(threads, outputs...); err != nil {
		return Evaluation{}, err
	}
	ev := Evaluation{Logits: append([]float32(nil), out.Logits.Data()...)}
	if out.Embeddings != nil {
		ev.Embeddings = append([]float32(nil), out.Embeddings.Data()...)
	}
	return ev, nil
}
