package mcf

import "errors"

// Vocab payload format (v1), little-endian.
//
// Layout:
//   u32 version
//   u32 count
//   count × { u32 byte_len, []byte token, f32 score }

const VocabVersion uint32 = 1

// Vocabulary is the ordered token table of a model. Token ids are the dense
// indexes into Tokens.
type Vocabulary struct {
	Tokens [][]byte
	Scores []float32

	index    map[string]int
	maxToken int
}

// NewVocabulary builds a Vocabulary and its reverse index. On duplicate token
// strings the lowest id wins.
func NewVocabulary(tokens [][]byte, scores []float32) (*Vocabulary, error) {
	if len(tokens) != len(scores) {
		return nil, errors.New("mcf: vocabulary tokens and scores differ in length")
	}
	v := &Vocabulary{
		Tokens: tokens,
		Scores: scores,
		index:  make(map[string]int, len(tokens)),
	}
	for id, tok := range tokens {
		if _, dup := v.index[string(tok)]; !dup {
			v.index[string(tok)] = id
		}
		v.maxToken = max(v.maxToken, len(tok))
	}
	return v, nil
}

func (v *Vocabulary) Len() int {
	return len(v.Tokens)
}

// ID returns the id of an exact token string.
func (v *Vocabulary) ID(tok string) (int, bool) {
	id, ok := v.index[tok]
	return id, ok
}

// MaxTokenLen returns the byte length of the longest token.
func (v *Vocabulary) MaxTokenLen() int {
	return v.maxToken
}

func EncodeVocab(v *Vocabulary) ([]byte, error) {
	if v == nil {
		return nil, errors.New("mcf: nil vocabulary")
	}
	if len(v.Tokens) != len(v.Scores) {
		return nil, errors.New("mcf: vocabulary tokens and scores differ in length")
	}
	var a appender
	a.u32(VocabVersion)
	a.u32(uint32(len(v.Tokens)))
	for i, tok := range v.Tokens {
		a.bytes(tok)
		a.f32(v.Scores[i])
	}
	return a.b, nil
}

// ParseVocab decodes a vocabulary section payload. Token bytes are copied out
// of sec so the vocabulary survives the file mapping.
func ParseVocab(sec []byte) (*Vocabulary, error) {
	c := newCursor(sec, "vocab")
	version := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	if version != VocabVersion {
		return nil, formatErr(ErrUnsupportedVersion, "vocab version %d", version)
	}
	n := c.u32()
	if c.err != nil {
		return nil, c.err
	}
	// Every entry needs at least 8 bytes.
	if uint64(n)*8 > uint64(len(sec)) {
		return nil, truncated("vocab: %d entries cannot fit in %d bytes", n, len(sec))
	}
	tokens := make([][]byte, n)
	scores := make([]float32, n)
	for i := range tokens {
		tokens[i] = append([]byte(nil), c.bytes()...)
		scores[i] = c.f32()
		if c.err != nil {
			return nil, c.err
		}
	}
	return NewVocabulary(tokens, scores)
}
