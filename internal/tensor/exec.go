package tensor

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Execute computes outputs and every node they depend on. With no outputs it
// computes the whole graph.
//
// Nodes run level by level, where a node's level is one more than the
// highest level of its inputs. Output buffers for a level are allocated on
// the calling goroutine, then each node's parts run on an errgroup bounded
// by threads, and the level ends with a Wait barrier. No worker outlives the
// call.
func (g *Graph) Execute(threads int, outputs ...*Tensor) error {
	if g.err != nil {
		return g.err
	}
	if threads < 1 {
		threads = 1
	}
	for _, out := range outputs {
		if out == nil || out.g != g || out.op == OpNone {
			return fmt.Errorf("tensor: execute: output is not a node of this graph")
		}
	}

	levels := g.schedule(outputs)
	for _, level := range levels {
		for _, t := range level {
			t.alloc()
		}

		var eg errgroup.Group
		eg.SetLimit(threads)
		for _, t := range level {
			parts := min(threads, t.splitLen())
			for part := range parts {
				eg.Go(func() error {
					if err := t.run(part, parts); err != nil {
						return fmt.Errorf("tensor: %s %q: %w", t.op, t.name, err)
					}
					return nil
				})
			}
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// schedule returns the needed nodes grouped by level. Leaves are level 0 and
// only appear when they have work to do.
func (g *Graph) schedule(outputs []*Tensor) [][]*Tensor {
	need := make([]bool, len(g.nodes))
	if len(outputs) == 0 {
		for i := range need {
			need[i] = true
		}
	} else {
		stack := append([]*Tensor(nil), outputs...)
		for len(stack) > 0 {
			t := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if need[t.id] {
				continue
			}
			need[t.id] = true
			for _, s := range t.src {
				if s != nil && !need[s.id] {
					stack = append(stack, s)
				}
			}
		}
	}

	var levels [][]*Tensor
	for _, t := range g.nodes {
		if !need[t.id] {
			continue
		}
		t.level = 0
		for _, s := range t.src {
			if s != nil {
				t.level = max(t.level, s.level+1)
			}
		}
		if t.leaf() && !(t.op == OpWeight && t.dense) {
			continue
		}
		for len(levels) <= t.level {
			levels = append(levels, nil)
		}
		levels[t.level] = append(levels[t.level], t)
	}
	return levels
}

// alloc sets up the output buffer of t.
func (t *Tensor) alloc() {
	switch t.op {
	case OpCacheAppend:
		t.data = t.src[0].data[:t.rows*t.cols]
	case OpWeight:
		if t.data == nil {
			t.data = make([]float32, t.rows*t.cols)
		}
	default:
		t.data = make([]float32, t.rows*t.cols)
	}
}

// splitLen is the number of independent units the kernel of t divides
// between parts.
func (t *Tensor) splitLen() int {
	n := t.rows
	switch t.op {
	case OpMulMat:
		n = t.cols
	case OpCacheAppend:
		n = t.src[1].rows
	}
	return max(n, 1)
}

// span returns the share [lo, hi) of n units that belongs to part.
func span(n, part, parts int) (int, int) {
	return n * part / parts, n * (part + 1) / parts
}
