package tokenizer

import "unicode/utf8"

// UTF8Buffer holds back the tail of a byte stream until it forms complete
// UTF-8 characters, so streamed fragments never split a rune.
type UTF8Buffer struct {
	pending []byte
}

// Push appends b and returns every complete character now available. Bytes
// that can never start a valid sequence are passed through unchanged.
func (u *UTF8Buffer) Push(b []byte) string {
	u.pending = append(u.pending, b...)
	cut := len(u.pending)
	for i := len(u.pending) - 1; i >= 0 && i >= len(u.pending)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(u.pending[i]) {
			continue
		}
		if !utf8.FullRune(u.pending[i:]) {
			cut = i
		}
		break
	}
	out := string(u.pending[:cut])
	u.pending = append(u.pending[:0], u.pending[cut:]...)
	return out
}

// Flush returns whatever is held back, complete or not.
func (u *UTF8Buffer) Flush() string {
	out := string(u.pending)
	u.pending = u.pending[:0]
	return out
}

func (u *UTF8Buffer) Pending() int { return len(u.pending) }
