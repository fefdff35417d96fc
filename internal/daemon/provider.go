package daemon

import (
	"github.com/gravwell/kstart/internal/expiry"
	"github.com/gravwell/kstart/internal/kerrs"
)

// CredentialProvider is the external collaborator of spec §4.6: the
// capability for obtaining, renewing, and inspecting credentials. The
// maintenance loop only ever talks to this interface, never to a
// Kerberos library directly.
type CredentialProvider interface {
	// Authenticate writes a complete new cache to req.ScratchPath. For
	// acquire, req.PriorStatus may be used to skip work if the
	// existing cache is already fresh. For renew, the credentials to
	// extend are read from req.SourcePath and the renewed cache is
	// written to req.ScratchPath; a non-nil req.PriorStatus means
	// "renewal required";
	// a *kerrs.AuthError with Kind==AuthCannotRenew means the ticket
	// cannot be renewed at all.
	Authenticate(req AuthRequest) error

	// Inspect reads the credential summary the Expiry Evaluator
	// consults. A non-nil error means the cache could not be read at
	// all (missing, corrupt, or removed out from under the process).
	Inspect(path string) (expiry.Summary, error)

	// Copy snapshots srcPath into a new private cache dstPath, used by
	// renew at startup so its renewals don't disturb other consumers
	// of the user's original cache.
	Copy(srcPath, dstPath string) error
}

// AuthRequest bundles what Authenticate needs to know about the call
// site; it intentionally carries no back-pointer to the Configuration
// or runtime state (spec §9's "no cyclic data" resolution).
type AuthRequest struct {
	// ScratchPath is where Authenticate must write the complete new
	// cache; the Maintenance Loop commits it atomically over
	// SourcePath afterward (spec §4.3's prepare/commit contract).
	ScratchPath string
	// SourcePath is the current managed cache, read-only. acquire
	// ignores it; renew loads the credentials to extend from here.
	SourcePath       string
	ClientPrincipal  string
	Keytab           string
	Stdin            bool
	DeriveFromKeytab bool
	LifetimeMin      int
	Realm            string
	Renew            bool
	PriorStatus      error
}

// AfsIntegration is the external collaborator of spec §4.6/§6: the
// filesystem/OS-specific mechanism for creating a process
// authentication group for a network filesystem, and for running the
// post-auth hook once credentials land in it.
type AfsIntegration interface {
	// CreateGroup creates the process authentication group. Called
	// during INIT, before any authentication, only when a child will
	// be supervised (spec §4.7 INIT).
	CreateGroup() error

	// RunHook execs the post-auth hook (typically aklog) after a
	// successful (re)authentication. It never runs before the cache
	// at cachePath reflects the new credentials (spec §5 ordering
	// guarantee).
	RunHook(cachePath string) (exitCode int, err error)
}

// classify turns a generic error from a CredentialProvider into the
// AuthError taxonomy the loop switches on, defaulting to AuthOther so
// an unrecognized failure is always treated conservatively (mid-flight
// tight retry, not silently ignored).
func classify(err error) *kerrs.AuthError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*kerrs.AuthError); ok {
		return ae
	}
	return &kerrs.AuthError{Kind: kerrs.AuthOther, Err: err}
}
