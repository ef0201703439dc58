package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/session"
	"github.com/samcharles93/strata/internal/tokenizer"
)

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return writeJSON(c, status, ErrorBody{Error: APIError{
		Message: msg,
		Type:    errType,
		Param:   param,
	}})
}

// writeEngineError maps engine and provider failures to HTTP statuses.
func writeEngineError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, tokenizer.ErrTokenization):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, ErrModelNotFound):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), "model")
	case errors.Is(err, session.ErrOutOfContext):
		return writeError(c, http.StatusBadRequest, "context_length_exceeded", err.Error(), "prompt")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, newInvalidRequest(fmt.Sprintf("decode body: %v", err))
	}
	return out, nil
}

// parseStop accepts null, a string or an array of strings.
func parseStop(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, newInvalidRequest("stop: expected string or array of strings")
			}
			if str != "" {
				out = append(out, str)
			}
		}
		return out, nil
	default:
		return nil, newInvalidRequest("stop: expected string or array of strings")
	}
}
