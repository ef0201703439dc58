package mcf

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat matches every FormatError regardless of kind.
	ErrFormat = errors.New("mcf: invalid file format")

	ErrBadMagic              = errors.New("bad magic")
	ErrUnsupportedVersion    = errors.New("unsupported version")
	ErrTruncated             = errors.New("truncated section")
	ErrInconsistentDirectory = errors.New("directory inconsistent with file")
)

// FormatError reports a structural problem found while opening a container.
// Kind is one of ErrBadMagic, ErrUnsupportedVersion, ErrTruncated or
// ErrInconsistentDirectory.
type FormatError struct {
	Kind   error
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return "mcf: " + e.Kind.Error()
	}
	return "mcf: " + e.Kind.Error() + ": " + e.Detail
}

func (e *FormatError) Unwrap() []error {
	return []error{ErrFormat, e.Kind}
}

func formatErr(kind error, format string, args ...any) error {
	return &FormatError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func truncated(format string, args ...any) error {
	return formatErr(ErrTruncated, format, args...)
}

func inconsistent(format string, args ...any) error {
	return formatErr(ErrInconsistentDirectory, format, args...)
}
