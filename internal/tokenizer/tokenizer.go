// Package tokenizer maps text to token ids and back using the vocabulary
// stored in a model file.
package tokenizer

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/samcharles93/strata/pkg/mcf"
)

var ErrTokenization = errors.New("tokenizer: cannot encode input")

// TokenizationError reports input bytes that no token covers.
type TokenizationError struct {
	Offset int
	Byte   byte
}

func (e *TokenizationError) Error() string {
	return fmt.Sprintf("tokenizer: no token for byte 0x%02X at offset %d", e.Byte, e.Offset)
}

func (e *TokenizationError) Is(target error) bool { return target == ErrTokenization }

type Options struct {
	// Strict fails on bytes that need the unknown token.
	Strict bool
	// AddBOS prepends the BOS id, when the vocabulary has one.
	AddBOS bool
}

// Tokenizer is safe for concurrent use.
type Tokenizer struct {
	tokens   [][]byte
	index    map[string]int
	byteIDs  [256]int
	specials []special
	maxLen   int
	bos      int
	eos      int
	unk      int
	opts     Options
}

// New builds a tokenizer over v. Special ids are read from hp when present
// and otherwise looked up by their conventional spelling; hp may be nil.
func New(v *mcf.Vocabulary, hp *mcf.Hyperparams, opts Options) (*Tokenizer, error) {
	if v == nil || v.Len() == 0 {
		return nil, errors.New("tokenizer: empty vocabulary")
	}
	t := &Tokenizer{
		tokens: v.Tokens,
		index:  make(map[string]int, v.Len()),
		opts:   opts,
	}
	for i := range t.byteIDs {
		t.byteIDs[i] = -1
	}
	for id, tok := range v.Tokens {
		s := string(tok)
		if b, ok := parseByteToken(s); ok {
			if t.byteIDs[b] < 0 {
				t.byteIDs[b] = id
			}
			continue
		}
		if len(s) == 0 {
			continue
		}
		if _, dup := t.index[s]; !dup {
			t.index[s] = id
			t.maxLen = max(t.maxLen, len(s))
		}
	}
	t.specials = collectSpecials(v.Tokens)

	var err error
	if t.bos, err = t.specialID(hp, mcf.KeyBOSID, "<s>", "<|endoftext|>"); err != nil {
		return nil, err
	}
	if t.eos, err = t.specialID(hp, mcf.KeyEOSID, "</s>", "<|endoftext|>"); err != nil {
		return nil, err
	}
	if t.unk, err = t.specialID(hp, mcf.KeyUnkID, "<unk>"); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tokenizer) specialID(hp *mcf.Hyperparams, key string, names ...string) (int, error) {
	if hp != nil {
		if id, ok := hp.Uint32(key); ok {
			if int(id) >= len(t.tokens) {
				return 0, fmt.Errorf("tokenizer: %s %d out of range [0,%d)", key, id, len(t.tokens))
			}
			return int(id), nil
		}
	}
	for _, name := range names {
		if id, ok := t.index[name]; ok {
			return id, nil
		}
	}
	return -1, nil
}

// parseByteToken recognises the <0xXX> byte fallback spelling.
func parseByteToken(s string) (byte, bool) {
	if len(s) != 6 || s[:3] != "<0x" || s[5] != '>' {
		return 0, false
	}
	b, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(b), true
}

func (t *Tokenizer) VocabSize() int { return len(t.tokens) }

// BOS returns the beginning-of-sequence id, or -1.
func (t *Tokenizer) BOS() int { return t.bos }

// EOS returns the end-of-sequence id, or -1.
func (t *Tokenizer) EOS() int { return t.eos }

// Unk returns the unknown-token id, or -1.
func (t *Tokenizer) Unk() int { return t.unk }

func (t *Tokenizer) AddBOS() bool { return t.opts.AddBOS && t.bos >= 0 }

// Token returns the vocabulary spelling of id, or "" when out of range.
func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.tokens) {
		return ""
	}
	return string(t.tokens[id])
}

// Lookup returns the id of an exact vocabulary entry. Byte tokens are found
// by their <0xXX> spelling.
func (t *Tokenizer) Lookup(s string) (int, bool) {
	if id, ok := t.index[s]; ok {
		return id, true
	}
	if b, ok := parseByteToken(s); ok && t.byteIDs[b] >= 0 {
		return t.byteIDs[b], true
	}
	return 0, false
}

// Encode splits text into token ids. Control tokens written out in text are
// kept whole; every other run is segmented by maximising the sum of squared
// token lengths, so longer matches win. Bytes that no token covers use their
// <0xXX> token, then the unknown token, and fail in strict mode.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.AddBOS() {
		ids = append(ids, t.bos)
	}
	return t.appendText(ids, text)
}

// EncodeText is Encode without the BOS id, for text that continues an
// existing context.
func (t *Tokenizer) EncodeText(text string) ([]int, error) {
	return t.appendText(nil, text)
}

func (t *Tokenizer) appendText(ids []int, text string) ([]int, error) {
	offset := 0
	for _, part := range splitSpecials(text, t.specials) {
		if part.id >= 0 {
			ids = append(ids, part.id)
		} else {
			var err error
			if ids, err = t.encodeRun(ids, part.text, offset); err != nil {
				return nil, err
			}
		}
		offset += len(part.text)
	}
	return ids, nil
}

type step struct {
	fallbacks int
	score     int
	prev      int
	id        int // -1 for a fallback byte
}

func better(a, b step) bool {
	if a.fallbacks != b.fallbacks {
		return a.fallbacks < b.fallbacks
	}
	return a.score > b.score
}

func (t *Tokenizer) encodeRun(ids []int, s string, offset int) ([]int, error) {
	n := len(s)
	if n == 0 {
		return ids, nil
	}
	best := make([]step, n+1)
	for i := 1; i <= n; i++ {
		// A fallback byte is always available, so every prefix is reachable.
		cur := step{
			fallbacks: best[i-1].fallbacks + 1,
			score:     best[i-1].score,
			prev:      i - 1,
			id:        -1,
		}
		for l := 1; l <= min(t.maxLen, i); l++ {
			id, ok := t.index[s[i-l:i]]
			if !ok {
				continue
			}
			cand := step{
				fallbacks: best[i-l].fallbacks,
				score:     best[i-l].score + l*l,
				prev:      i - l,
				id:        id,
			}
			if better(cand, cur) {
				cur = cand
			}
		}
		best[i] = cur
	}

	var path []step
	for i := n; i > 0; i = best[i].prev {
		path = append(path, best[i])
	}
	unkRun := false
	for k := len(path) - 1; k >= 0; k-- {
		st := path[k]
		if st.id >= 0 {
			ids = append(ids, st.id)
			unkRun = false
			continue
		}
		b := s[st.prev]
		if id := t.byteIDs[b]; id >= 0 {
			ids = append(ids, id)
			unkRun = false
			continue
		}
		if t.opts.Strict || t.unk < 0 {
			return nil, &TokenizationError{Offset: offset + st.prev, Byte: b}
		}
		// A run of uncovered bytes becomes a single unknown token.
		if !unkRun {
			ids = append(ids, t.unk)
			unkRun = true
		}
	}
	return ids, nil
}

// TokenBytes returns the raw bytes id decodes to.
func (t *Tokenizer) TokenBytes(id int) ([]byte, error) {
	if id < 0 || id >= len(t.tokens) {
		return nil, fmt.Errorf("tokenizer: token id %d out of range [0,%d)", id, len(t.tokens))
	}
	tok := t.tokens[id]
	if b, ok := parseByteToken(string(tok)); ok {
		return []byte{b}, nil
	}
	return tok, nil
}

// Decode concatenates the bytes of ids. The result may hold partial UTF-8
// sequences when ids end mid-character. A leading BOS id is the one Encode
// adds and is dropped, so Decode(Encode(s)) == s.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	if t.AddBOS() && len(ids) > 0 && ids[0] == t.bos {
		ids = ids[1:]
	}
	var out []byte
	for _, id := range ids {
		b, err := t.TokenBytes(id)
		if err != nil {
			return "", err
		}
		out = append(out, b...)
	}
	return string(out), nil
}
