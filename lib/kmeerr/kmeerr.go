// Package kmeerr supplies the error kinds spec §7 names that
// gravitational/trace has no built-in predicate for: Gone, a key that
// exists but is no longer live, and Unauthenticated, a request that
// never established who the caller is (no/invalid client certificate,
// no resolvable SAE ID). Every other kind in the table maps directly
// onto a trace.Is* predicate at the httpfront boundary.
package kmeerr

import "errors"

type goneError struct {
	msg string
}

func (e *goneError) Error() string { return e.msg }

// Gone constructs an error representing a key_ID that exists but is
// expired, consumed, or revoked.
func Gone(msg string) error {
	return &goneError{msg: msg}
}

// IsGone reports whether err (or anything it wraps) is a Gone error.
func IsGone(err error) bool {
	var g *goneError
	return errors.As(err, &g)
}

type unauthenticatedError struct {
	msg string
}

func (e *unauthenticatedError) Error() string { return e.msg }

// Unauthenticated constructs an error representing a failure to
// establish caller identity: no client certificate presented, a
// certificate outside its validity period, or a certificate from which
// no SAE_ID could be resolved. This is distinct from AccessDenied,
// which spec §7 reserves for a resolved-but-unauthorized caller.
func Unauthenticated(msg string) error {
	return &unauthenticatedError{msg: msg}
}

// IsUnauthenticated reports whether err (or anything it wraps) is an
// Unauthenticated error.
func IsUnauthenticated(err error) bool {
	var u *unauthenticatedError
	return errors.As(err, &u)
}
