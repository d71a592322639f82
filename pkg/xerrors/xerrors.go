package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"

	"github.com/jacktea/hyport/pkg/drive"
)

// Kind classifies hyport errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindAlreadyExists
	KindNotEmpty
	KindIsDir
	KindPermission
	KindNotSupported
	KindConflict
	KindRejected
	KindUnavailable
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindNotEmpty:
		return "not empty"
	case KindIsDir:
		return "is a directory"
	case KindPermission:
		return "permission denied"
	case KindNotSupported:
		return "not supported"
	case KindConflict:
		return "busy"
	case KindRejected:
		return "rejected"
	case KindUnavailable:
		return "unavailable"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, drive.ErrNotFound),
		errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, drive.ErrExist),
		errors.Is(err, iofs.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, drive.ErrNotEmpty):
		return KindNotEmpty
	case errors.Is(err, drive.ErrIsDir):
		return KindIsDir
	case errors.Is(err, drive.ErrNotSupported):
		return KindNotSupported
	case errors.Is(err, iofs.ErrPermission):
		return KindPermission
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, drive.ErrClosed):
		return KindUnavailable
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}
