package errdefs

import "errors"

var (
	// ErrAlreadyExists is returned when a registration targets an
	// identity that already has an assigned ID.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned when a caller reads a key it expected to
	// be present (e.g. a blob digest with no stored payload).
	ErrNotFound = errors.New("not found")
	// ErrMalformedRecord marks a queue tuple that failed to parse.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrInvariant marks required metadata that is absent, such as a
	// top directory without an EDITORS list.
	ErrInvariant = errors.New("invariant violation")
	// ErrExhausted is returned when a bounded allocation loop runs out
	// of attempts.
	ErrExhausted = errors.New("resource exhausted")
)
