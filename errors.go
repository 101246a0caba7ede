package main

import "github.com/pkg/errors"

// Error kinds. Callers classify with errors.Is; the wrapped message carries
// the offending field or value.
var (
	// ErrRequest marks malformed announce input: wrong arity, unparseable or
	// out-of-range fields. Nothing has been mutated when it is returned.
	ErrRequest = errors.New("malformed announce")

	// ErrDecode marks a peer id that cannot be decoded or whose vendor is unknown.
	ErrDecode = errors.New("unrecognized peer id")

	// ErrCapacity is only exchanged between SeederArray and SeederInfo.
	ErrCapacity = errors.New("seeder array full")

	// ErrBackend marks a failed relay to the accounting backend.
	ErrBackend = errors.New("backend relay failed")

	// ErrAccessDenied is the single rejection for unknown clients and unknown
	// passkeys alike.
	ErrAccessDenied = errors.New("access denied")
)

func requestErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrRequest, format, args...)
}
