package api

import (
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes server-sent events, one JSON object per data line,
// and flushes after each event.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	events  int
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	return &SSEStreamWriter{w: res, flusher: flusher.Flush}, nil
}

// Send writes payload as one event.
func (s *SSEStreamWriter) Send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.events++
	s.flusher()
	return nil
}

// Done writes the terminating [DONE] event.
func (s *SSEStreamWriter) Done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher()
	return nil
}

// Started reports whether any event has been written, after which errors
// can no longer change the status code.
func (s *SSEStreamWriter) Started() bool {
	return s.events > 0
}
