package logits

import (
	"cmp"
	"errors"
	"math"
	"math/rand"
	"slices"
)

// ErrDegenerate is returned when there is nothing to sample from.
var ErrDegenerate = errors.New("logits: degenerate distribution")

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed int64
	// Temperature 0 selects the arg-max after the repetition penalty.
	Temperature float32
	// TopK keeps the k most likely candidates; 0 keeps all of them.
	TopK int
	// TopP keeps the smallest prefix whose probability reaches TopP; 1 keeps all.
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// DefaultSamplerConfig returns the settings used when a request leaves
// sampling unconfigured.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
	}
}

type candidate struct {
	id    int
	logit float32
}

type Sampler struct {
	rng *rand.Rand
	cfg SamplerConfig

	scratch   []float32
	cands     []candidate
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
}

// NewSampler returns a new sampler with the provided configuration. Out of
// range values are clamped to their neutral setting.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Temperature < 0 || math.IsNaN(float64(cfg.Temperature)) {
		cfg.Temperature = 0
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN < 0 {
		cfg.RepeatLastN = 0
	}
	return &Sampler{
		rng: rand.New(rand.NewSource(cfg.Seed)),
		cfg: cfg,
	}
}

func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Sample draws the next token id from logits. The caller's slice is not
// modified. The steps run in a fixed order:
//
//  1. Repetition penalty over the distinct ids among the last RepeatLastN
//     entries of recent: positive logits are divided by the penalty and
//     negative ones multiplied.
//  2. Temperature 0 returns the arg-max; otherwise logits are divided by it.
//  3. Top-k keeps the k largest logits, ordered from largest to smallest.
//  4. Top-p keeps the smallest prefix whose cumulative probability reaches p.
//  5. A value is drawn from the renormalised distribution.
//
// A distribution with no finite mass falls back to the arg-max. Only an empty
// logits vector is an error.
func (s *Sampler) Sample(logits []float32, recent []int) (int, error) {
	if len(logits) == 0 {
		return 0, ErrDegenerate
	}
	x := s.penalize(logits, recent)

	if s.cfg.Temperature == 0 {
		return argmax(x), nil
	}

	cands := s.topK(x, s.cfg.Temperature)
	if len(cands) == 0 || math.IsInf(float64(cands[0].logit), -1) {
		return argmax(x), nil
	}

	maxv := float64(cands[0].logit)
	if cap(s.prob) < len(cands) {
		s.prob = make([]float64, len(cands))
	}
	prob := s.prob[:len(cands)]
	var sum float64
	for i, c := range cands {
		prob[i] = math.Exp(float64(c.logit) - maxv)
		sum += prob[i]
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return argmax(x), nil
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i] / sum
			if c >= float64(s.cfg.TopP) {
				cut = i + 1
				break
			}
		}
	}
	var kept float64
	for _, p := range prob[:cut] {
		kept += p
	}

	r := s.rng.Float64() * kept
	var c float64
	for i := range cut {
		c += prob[i]
		if r < c {
			return cands[i].id, nil
		}
	}
	return cands[cut-1].id, nil
}

// penalize copies logits into scratch and applies the repetition penalty.
func (s *Sampler) penalize(logits []float32, recent []int) []float32 {
	s.scratch = append(s.scratch[:0], logits...)
	x := s.scratch
	if s.cfg.RepeatPenalty == 1 || s.cfg.RepeatLastN == 0 || len(recent) == 0 {
		return x
	}
	window := recent[max(len(recent)-s.cfg.RepeatLastN, 0):]

	if len(s.seenMark) < len(x) {
		s.seenMark = make([]uint32, len(x))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	for _, id := range window {
		if id < 0 || id >= len(x) || s.seenMark[id] == s.seenEpoch {
			continue
		}
		s.seenMark[id] = s.seenEpoch
		if x[id] > 0 {
			x[id] /= s.cfg.RepeatPenalty
		} else {
			x[id] *= s.cfg.RepeatPenalty
		}
	}
	return x
}

// argmax returns the index of the largest value, the lowest index on ties.
// NaN never wins; an all-NaN slice yields 0.
func argmax(x []float32) int {
	best := 0
	bestV := float32(math.Inf(-1))
	found := false
	for i, v := range x {
		if v != v {
			continue
		}
		if !found || v > bestV {
			best, bestV, found = i, v, true
		}
	}
	return best
}

// topK returns the candidates kept by top-k with logits divided by temp,
// largest first and lowest id first on ties. NaN logits are dropped.
func (s *Sampler) topK(x []float32, temp float32) []candidate {
	cands := s.cands[:0]
	inv := 1 / temp
	for i, v := range x {
		if v != v {
			continue
		}
		cands = append(cands, candidate{id: i, logit: v * inv})
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		return cmp.Compare(b.logit, a.logit)
	})
	if k := s.cfg.TopK; k > 0 && k < len(cands) {
		cands = cands[:k]
	}
	s.cands = cands
	return cands
}
