// Package kerrs defines the typed error taxonomy shared by the acquire
// and renew daemons, so the maintenance loop can switch on error kind
// instead of matching strings.
package kerrs

import "errors"

var (
	// ErrConfig marks an invalid flag combination, detected before the
	// maintenance loop starts.
	ErrConfig = errors.New("invalid configuration")

	// ErrCacheIO marks a failure to read, create or prepare the
	// credential cache.
	ErrCacheIO = errors.New("cache i/o error")

	// ErrCachePermIO marks a failure applying owner/group/mode to a
	// finalised cache.
	ErrCachePermIO = errors.New("cache permission error")

	// ErrCacheRename marks a failure atomically renaming the scratch
	// cache over the final path.
	ErrCacheRename = errors.New("cache rename error")

	// ErrSpawnFailed marks a failure to start the supervised child.
	ErrSpawnFailed = errors.New("failed to start child process")

	// ErrWaitFailed marks a failure reaping the supervised child.
	ErrWaitFailed = errors.New("failed to wait on child process")

	// ErrHookNonZero marks a post-auth hook that exited non-zero. It is
	// logged but never fatal on its own.
	ErrHookNonZero = errors.New("post-auth hook exited non-zero")
)

// AuthKind classifies the result of a CredentialProvider authentication
// attempt.
type AuthKind int

const (
	// AuthOK means the attempt succeeded.
	AuthOK AuthKind = iota
	// AuthTransientNetwork means the KDC was unreachable or the request
	// timed out; retryable.
	AuthTransientNetwork
	// AuthBadCredentials means the password or keytab key didn't match
	// what the KDC has on file; fatal.
	AuthBadCredentials
	// AuthCannotRenew means the ticket's renewable lifetime is already
	// exhausted; fatal for renew unless ignore_initial_errors is set.
	AuthCannotRenew
	// AuthPermissionDenied means the client lacks rights to the
	// requested credential; fatal.
	AuthPermissionDenied
	// AuthOther is any other failure kind.
	AuthOther
)

func (k AuthKind) String() string {
	switch k {
	case AuthOK:
		return "ok"
	case AuthTransientNetwork:
		return "transient-network"
	case AuthBadCredentials:
		return "bad-credentials"
	case AuthCannotRenew:
		return "cannot-renew"
	case AuthPermissionDenied:
		return "permission-denied"
	default:
		return "other"
	}
}

// AuthError wraps a Kerberos-layer failure with its classification so
// the maintenance loop can decide fatality without string matching.
// The underlying message is appended via ": ", matching the CLI
// diagnostic convention in spec.md's error handling design.
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	if e == nil || e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the loop should keep trying without
// escalating to a fatal exit.
func (e *AuthError) Retryable() bool {
	return e != nil && e.Kind == AuthTransientNetwork
}

// Fatal reports whether e is of a kind the taxonomy classes as fatal
// (bad credentials, permission denied). The maintenance loop does not
// consult it: those kinds follow the same retry and exit rules as any
// other authentication failure.
func (e *AuthError) Fatal() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case AuthBadCredentials, AuthPermissionDenied:
		return true
	default:
		return false
	}
}
