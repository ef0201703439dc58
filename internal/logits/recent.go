package logits

// Recent is a fixed-size ring of the most recent token ids, oldest first.
type Recent struct {
	buf  []int
	next int
	full bool
}

func NewRecent(size int) *Recent {
	return &Recent{buf: make([]int, max(size, 0))}
}

// Push records id, evicting the oldest entry once the ring is full.
func (r *Recent) Push(ids ...int) {
	if len(r.buf) == 0 {
		return
	}
	for _, id := range ids {
		r.buf[r.next] = id
		r.next++
		if r.next == len(r.buf) {
			r.next = 0
			r.full = true
		}
	}
}

func (r *Recent) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Tokens returns the held ids in insertion order.
func (r *Recent) Tokens() []int {
	if !r.full {
		return append([]int(nil), r.buf[:r.next]...)
	}
	out := make([]int, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *Recent) Reset() {
	r.next = 0
	r.full = false
}
