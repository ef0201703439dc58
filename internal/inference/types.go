package inference

import (
	"time"

	"github.com/samcharles93/strata/internal/logits"
)

// StopReason says why a generation ended.
type StopReason string

const (
	StopLength    StopReason = "length"
	StopEOS       StopReason = "eos"
	StopSequence  StopReason = "stop"
	StopCancelled StopReason = "cancelled"
	StopContext   StopReason = "context"
)

// Callback receives each generated token with the text it completes. The
// fragment is empty while a multi-byte character is still incomplete.
// Returning false ends the generation.
type Callback func(id int, fragment string) bool

// Request describes one generation. PromptTokens takes precedence over Prompt.
type Request struct {
	Prompt       string
	PromptTokens []int

	// MaxNewTokens bounds the generated tokens; negative means until the
	// context is full.
	MaxNewTokens int

	// StopSequences end generation when the generated text contains one.
	StopSequences []string
	// StopTokenSequences end generation when the token history ends with one.
	StopTokenSequences [][]int

	Sampling logits.SamplerConfig

	// ReuseSession keeps the engine session between requests and evaluates
	// only the part of the prompt that differs from its history.
	ReuseSession bool
	// CarryPenalty seeds the repetition window from the whole session
	// history instead of this request's prompt.
	CarryPenalty bool

	// reused counts leading prompt tokens already in the session.
	reused int
}

type Stats struct {
	PromptTokens       int
	CachedTokens       int
	GeneratedTokens    int
	PromptDuration     time.Duration
	GenerationDuration time.Duration
	TPS                float64
}

type Result struct {
	Tokens []int
	// Pending holds the trailing entry of Tokens that was delivered but not
	// evaluated into the session.
	Pending    []int
	Text       string
	StopReason StopReason
	Stats      Stats
}

func (s *Stats) finish() {
	if secs := s.GenerationDuration.Seconds(); secs > 0 {
		s.TPS = float64(s.GeneratedTokens) / secs
	}
}
