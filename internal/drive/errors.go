package drive

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/clouddrive/internal/metadata"
	"github.com/fruitsalade/clouddrive/internal/sharing"
	"github.com/fruitsalade/clouddrive/internal/storage"
)

// Kind classifies a drive failure for callers.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindInvalidInput
	KindInvalidPath
	KindUpstreamUnavailable
	KindExpired
	KindPasswordRequired
)

var kindNames = map[Kind]string{
	KindInternal:            "internal",
	KindUnauthenticated:     "unauthenticated",
	KindForbidden:           "forbidden",
	KindNotFound:            "not_found",
	KindConflict:            "conflict",
	KindInvalidInput:        "invalid_input",
	KindInvalidPath:         "invalid_path",
	KindUpstreamUnavailable: "upstream_unavailable",
	KindExpired:             "expired",
	KindPasswordRequired:    "password_required",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by every Service operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// Message returns the caller-safe message of err.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Msg
	}
	return "internal error"
}

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// wrap classifies a lower-layer error.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}

	kind, msg := KindInternal, "internal error"
	switch {
	case errors.Is(err, metadata.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		kind, msg = KindNotFound, "not found"
	case errors.Is(err, metadata.ErrConflict):
		kind, msg = KindConflict, "conflict"
	case errors.Is(err, storage.ErrInvalidPath):
		kind, msg = KindInvalidPath, "invalid storage path"
	case errors.Is(err, storage.ErrUpstreamUnavailable):
		kind, msg = KindUpstreamUnavailable, "remote storage unavailable"
	case errors.Is(err, sharing.ErrExpired):
		kind, msg = KindExpired, "share link has expired"
	case errors.Is(err, sharing.ErrPasswordRequired):
		kind, msg = KindPasswordRequired, "password required"
	case errors.Is(err, sharing.ErrInvalidPassword):
		kind, msg = KindForbidden, "invalid password"
	case errors.Is(err, sharing.ErrUnknownExpiry):
		kind, msg = KindInvalidInput, "unknown expiry"
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}
