// Package session holds the mutable state of one inference stream: the
// per-layer key/value caches, the position counter and the token history.
package session

import (
	"errors"
	"fmt"
)

var ErrOutOfContext = errors.New("session: out of context")

// OutOfContextError reports an append that would run past the context window.
type OutOfContextError struct {
	Pos     int
	N       int
	Context int
}

func (e *OutOfContextError) Error() string {
	return fmt.Sprintf("session: out of context: %d positions used, %d more requested, context is %d", e.Pos, e.N, e.Context)
}

func (e *OutOfContextError) Is(target error) bool { return target == ErrOutOfContext }

// Session caches keys and values for every layer as [context, heads*headDim]
// row-major buffers. Rows [0, Pos) are valid.
//
// A Session is not safe for concurrent use.
type Session struct {
	ctx     int
	layers  int
	heads   int
	headDim int

	keys    [][]float32
	values  [][]float32
	pos     int
	history []int

	reserved int
}

// New allocates caches for contextLength positions.
func New(contextLength, layerCount, headCount, headDim int) (*Session, error) {
	if contextLength <= 0 || layerCount <= 0 || headCount <= 0 || headDim <= 0 {
		return nil, fmt.Errorf("session: invalid size ctx=%d layers=%d heads=%d head_dim=%d",
			contextLength, layerCount, headCount, headDim)
	}
	s := &Session{
		ctx:     contextLength,
		layers:  layerCount,
		heads:   headCount,
		headDim: headDim,
		keys:    make([][]float32, layerCount),
		values:  make([][]float32, layerCount),
	}
	width := headCount * headDim
	for l := range layerCount {
		s.keys[l] = make([]float32, contextLength*width)
		s.values[l] = make([]float32, contextLength*width)
	}
	return s, nil
}

func (s *Session) ContextLength() int { return s.ctx }
func (s *Session) Layers() int        { return s.layers }
func (s *Session) Heads() int         { return s.heads }
func (s *Session) HeadDim() int       { return s.headDim }

// Width is the row length of every cache, heads*headDim.
func (s *Session) Width() int { return s.heads * s.headDim }

func (s *Session) Pos() int { return s.pos }

// Remaining is the number of positions left before the context is full.
func (s *Session) Remaining() int { return s.ctx - s.pos }

// History returns the tokens committed so far. The slice must not be modified.
func (s *Session) History() []int { return s.history }

// Keys returns the key cache of layer l.
func (s *Session) Keys(l int) []float32 { return s.keys[l] }

// Values returns the value cache of layer l.
func (s *Session) Values(l int) []float32 { return s.values[l] }

func (s *Session) fits(n int) error {
	if n < 0 || s.pos+n > s.ctx {
		return &OutOfContextError{Pos: s.pos, N: n, Context: s.ctx}
	}
	return nil
}

// Append writes n rows of keys and values per layer at Pos and advances Pos.
// keys[l] and values[l] are flattened [n, Width] slices. Nothing is written
// when the rows do not fit.
func (s *Session) Append(keys, values [][]float32) error {
	if len(keys) != s.layers || len(values) != s.layers {
		return fmt.Errorf("session: append needs %d layers, got %d keys and %d values", s.layers, len(keys), len(values))
	}
	w := s.Width()
	if len(keys[0])%w != 0 {
		return fmt.Errorf("session: key rows of %d values are not a multiple of width %d", len(keys[0]), w)
	}
	n := len(keys[0]) / w
	for l := range s.layers {
		if len(keys[l]) != n*w || len(values[l]) != n*w {
			return fmt.Errorf("session: layer %d: want %d values, got %d keys and %d values", l, n*w, len(keys[l]), len(values[l]))
		}
	}
	if err := s.fits(n); err != nil {
		return err
	}
	for l := range s.layers {
		copy(s.keys[l][s.pos*w:], keys[l])
		copy(s.values[l][s.pos*w:], values[l])
	}
	s.pos += n
	return nil
}

// Reserve checks that n more positions fit and marks them as pending. The
// forward pass writes those cache rows itself and then calls Commit.
func (s *Session) Reserve(n int) error {
	if err := s.fits(n); err != nil {
		return err
	}
	s.reserved = n
	return nil
}

// Commit advances Pos over the reserved positions and records their tokens.
func (s *Session) Commit(tokens []int) error {
	if len(tokens) != s.reserved {
		return fmt.Errorf("session: commit of %d tokens, %d reserved", len(tokens), s.reserved)
	}
	s.pos += len(tokens)
	s.history = append(s.history, tokens...)
	s.reserved = 0
	return nil
}

// Abort drops a pending reservation.
func (s *Session) Abort() { s.reserved = 0 }

// Rewind drops every position from n on, keeping [0, n). Later passes
// overwrite the dropped cache rows.
func (s *Session) Rewind(n int) error {
	if n < 0 || n > s.pos {
		return fmt.Errorf("session: rewind to %d outside [0,%d]", n, s.pos)
	}
	s.pos = n
	s.reserved = 0
	s.history = s.history[:min(n, len(s.history))]
	return nil
}

// Reset empties the session. Cache contents past Pos are never read, so the
// buffers are kept as they are.
func (s *Session) Reset() {
	s.pos = 0
	s.reserved = 0
	s.history = s.history[:0]
}
