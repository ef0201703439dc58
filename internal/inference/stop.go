package inference

import (
	"bytes"
	"slices"

	"github.com/samcharles93/strata/internal/tokenizer"
)

// endOfText spellings that end generation like EOS when the vocabulary has
// them, since converted checkpoints do not always record every terminator.
var endOfText = []string{"</s>", "<|endoftext|>", "<|end_of_text|>", "<|im_end|>", "<|eot_id|>"}

// StopTokens returns the ids that end generation with StopEOS: the
// tokenizer's EOS id followed by any other end-of-text token in the vocabulary.
func StopTokens(tok *tokenizer.Tokenizer) []int {
	var ids []int
	if eos := tok.EOS(); eos >= 0 {
		ids = append(ids, eos)
	}
	for _, s := range endOfText {
		if id, ok := tok.Lookup(s); ok && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// stopMatcher watches generated output for configured stop sequences.
type stopMatcher struct {
	texts   [][]byte
	tokens  [][]int
	longest int
	tail    []byte
}

func newStopMatcher(texts []string, tokens [][]int) *stopMatcher {
	m := &stopMatcher{}
	for _, s := range texts {
		if s == "" {
			continue
		}
		m.texts = append(m.texts, []byte(s))
		m.longest = max(m.longest, len(s))
	}
	for _, seq := range tokens {
		if len(seq) > 0 {
			m.tokens = append(m.tokens, seq)
		}
	}
	return m
}

// matchText appends the bytes of a new token and reports whether a stop
// string now ends inside them.
func (m *stopMatcher) matchText(b []byte) bool {
	if len(m.texts) == 0 {
		return false
	}
	prev := len(m.tail)
	m.tail = append(m.tail, b...)
	for _, s := range m.texts {
		start := max(0, prev-len(s)+1)
		if bytes.Contains(m.tail[start:], s) {
			return true
		}
	}
	if keep := m.longest - 1; len(m.tail) > keep {
		m.tail = append(m.tail[:0], m.tail[len(m.tail)-keep:]...)
	}
	return false
}

// matchTokens reports whether history ends with a stop token sequence.
func (m *stopMatcher) matchTokens(history []int) bool {
	for _, seq := range m.tokens {
		if len(history) >= len(seq) && slices.Equal(history[len(history)-len(seq):], seq) {
			return true
		}
	}
	return false
}
