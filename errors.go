package rodepush

import (
	"errors"
	"strings"
)

// Error is the rodepush error domain type.
//
// Errors coming from rodepush components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of rodepush components should create an Error at the system
// boundary (e.g. when using a database client or reading from the object
// store) and intermediate layers should not wrap in another Error except to
// add additional [ErrorKind] information. That is to say, use [fmt.Errorf]
// with a "%w" verb in preference to creating a containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	switch e.Kind {
	case ErrValidation,
		ErrIntegrity,
		ErrConflict,
		ErrNotFound,
		ErrStorage,
		ErrCatalog,
		ErrExhausted,
		ErrInternal,
		ErrTransient,
		ErrPermanent:
		b.WriteString(string(e.Kind))
	default:
		b.WriteString("???")
	}
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// If an error is unsure which kind to use, ErrInternal should be used.
type ErrorKind string

// Defined error kinds.
var (
	ErrValidation = ErrorKind("validation") // malformed input, unknown version, bad platform
	ErrIntegrity  = ErrorKind("integrity")  // checksum mismatch, truncated blob, corrupt diff header
	ErrConflict   = ErrorKind("conflict")   // duplicate bundle, conflicting deployment
	ErrNotFound   = ErrorKind("not_found")  // unknown bundle, diff, or deployment
	ErrStorage    = ErrorKind("storage")    // object-store read/write failure
	ErrCatalog    = ErrorKind("catalog")    // database connection, transaction failure
	ErrExhausted  = ErrorKind("exhausted")  // size-limit, quota, timeout
	ErrInternal   = ErrorKind("internal")   // programmer errors, invariant violations

	// ErrTransient and ErrPermanent mark whether a retry may succeed.
	// They ride alongside the kinds above in a nested Error; the storage
	// retry policy consults them.
	ErrTransient = ErrorKind("transient")
	ErrPermanent = ErrorKind("permanent")
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}
