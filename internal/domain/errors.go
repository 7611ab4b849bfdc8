package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the versioning layer.
type ErrorKind int

const (
	// EncodingError is returned when prior or new state cannot be encoded.
	EncodingError ErrorKind = iota + 1
	// WriteError is returned when the datastore rejects a version or entity write.
	WriteError
	// NotFound is returned when no version or live entity matches.
	NotFound
	// ConfigurationMismatch is returned when the identifier mode differs from the dataset's.
	ConfigurationMismatch
	// InvalidOption is returned for unrecognized or malformed query options.
	InvalidOption
	// UnknownKind is returned for entities whose kind was never registered.
	UnknownKind
)

func (k ErrorKind) String() string {
	switch k {
	case EncodingError:
		return "encoding error"
	case WriteError:
		return "write error"
	case NotFound:
		return "not found"
	case ConfigurationMismatch:
		return "configuration mismatch"
	case InvalidOption:
		return "invalid option"
	case UnknownKind:
		return "unknown kind"
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error is returned by every package of the versioning layer.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error from a formatted message.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Op == "" && other.Err == nil && other.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrEncoding              = &Error{Kind: EncodingError}
	ErrWrite                 = &Error{Kind: WriteError}
	ErrNotFound              = &Error{Kind: NotFound}
	ErrConfigurationMismatch = &Error{Kind: ConfigurationMismatch}
	ErrInvalidOption         = &Error{Kind: InvalidOption}
	ErrUnknownKind           = &Error{Kind: UnknownKind}
)

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// IsNotFound reports whether err means "nothing matched".
func IsNotFound(err error) bool {
	return IsKind(err, NotFound)
}
