package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (want instant, smooth or quiet)", s)
	}
}

// StreamWriter prints generated fragments. Instant flushes every fragment,
// smooth batches them for flushInterval, quiet prints nothing until Flush.
// With raw set, control characters are escaped.
type StreamWriter struct {
	mode StreamMode
	out  *bufio.Writer
	raw  bool

	lastFlush     time.Time
	flushInterval time.Duration
	now           func() time.Time

	text strings.Builder
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode:          mode,
		out:           bufio.NewWriterSize(w, 4096),
		raw:           raw,
		flushInterval: 50 * time.Millisecond,
		now:           time.Now,
		lastFlush:     time.Now(),
	}
}

// Write takes one fragment from the generation callback.
func (w *StreamWriter) Write(fragment string) {
	w.text.WriteString(fragment)
	switch w.mode {
	case StreamQuiet:
		return
	case StreamSmooth:
		w.emit(fragment)
		if now := w.now(); now.Sub(w.lastFlush) >= w.flushInterval {
			_ = w.out.Flush()
			w.lastFlush = now
		}
	default:
		w.emit(fragment)
		_ = w.out.Flush()
	}
}

// Flush writes anything buffered and returns the full text seen so far.
func (w *StreamWriter) Flush() string {
	if w.mode == StreamQuiet {
		w.emit(w.text.String())
	}
	_ = w.out.Flush()
	return w.text.String()
}

func (w *StreamWriter) emit(s string) {
	if !w.raw {
		_, _ = w.out.WriteString(s)
		return
	}
	for _, r := range s {
		_, _ = w.out.WriteString(escapeRawOutputRune(r))
	}
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
