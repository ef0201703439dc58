package tokenizer

import (
	"slices"
	"strings"
)

type textPart struct {
	text string
	id   int // token id when the part is a special token, else -1
}

// isSpecialToken reports whether a vocabulary entry is a control token that
// must be matched whole, such as <s>, </s> or <|endoftext|>.
func isSpecialToken(s string) bool {
	switch {
	case len(s) < 3:
		return false
	case strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>"):
		return true
	case s == "<s>" || s == "</s>" || s == "<unk>" || s == "<pad>":
		return true
	}
	return false
}

type special struct {
	text string
	id   int
}

// collectSpecials returns the control tokens of tokens, longest first.
func collectSpecials(tokens [][]byte) []special {
	var out []special
	seen := make(map[string]bool)
	for id, t := range tokens {
		s := string(t)
		if isSpecialToken(s) && !seen[s] {
			seen[s] = true
			out = append(out, special{text: s, id: id})
		}
	}
	slices.SortStableFunc(out, func(a, b special) int { return len(b.text) - len(a.text) })
	return out
}

// splitSpecials cuts text around occurrences of special tokens.
func splitSpecials(text string, specials []special) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<") {
		return []textPart{{text: text, id: -1}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		if text[i] != '<' {
			i++
			continue
		}
		match := -1
		for j, sp := range specials {
			if strings.HasPrefix(text[i:], sp.text) {
				match = j
				break
			}
		}
		if match < 0 {
			i++
			continue
		}
		if start < i {
			parts = append(parts, textPart{text: text[start:i], id: -1})
		}
		sp := specials[match]
		parts = append(parts, textPart{text: sp.text, id: sp.id})
		i += len(sp.text)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:], id: -1})
	}
	return parts
}
