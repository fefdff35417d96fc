// Package afs implements the AfsIntegration capability (spec §4.6):
// creating a process authentication group (PAG) for a network
// filesystem and invoking the post-auth hook (typically aklog) once
// credentials land in it. Grounded on the original AFS ioctl protocol
// (original_source/kafs/sys-linux.c) and the golang.org/x/sys/unix
// syscall idiom the teacher uses for Linux-specific capability code
// (ingesters/utils/caps/caps_linux.go).
package afs

import (
	"os"
	"os/exec"
	"strings"

	"github.com/gravwell/kstart/internal/kerrs"
)

const (
	// envHookPrimary mirrors spec §6's AKLOG environment variable.
	envHookPrimary = "AKLOG"
	// envHookLegacy is the legacy name the original implementation
	// also honors.
	envHookLegacy = "KINIT_PROG"
	// defaultHook is the compile-time default when neither env var is
	// set.
	defaultHook = "/usr/bin/aklog"
)

// Integration is the concrete AfsIntegration. HookPath is resolved
// once at construction per spec §6's env var precedence.
type Integration struct {
	HookPath string
}

// New resolves the hook binary from AKLOG, then KINIT_PROG, then the
// compile-time default.
func New() *Integration {
	hook := os.Getenv(envHookPrimary)
	if hook == "" {
		hook = os.Getenv(envHookLegacy)
	}
	if hook == "" {
		hook = defaultHook
	}
	return &Integration{HookPath: hook}
}

// CreateGroup creates the process authentication group so credentials
// obtained afterward land in the child's isolated container, per spec
// §4.7 INIT. Failure here is fatal to INIT: original_source/k5start.c
// dies immediately when k_hasafs() is false, and this mirrors that —
// a configured AFS integration that can't create its group is a
// misconfiguration, not something to silently ignore.
func (i *Integration) CreateGroup() error {
	return createGroup()
}

// RunHook execs the resolved hook binary with KRB5CCNAME pointed at
// cachePath, matching spec §6 ("set before the supervised command
// starts") extended to the hook invocation itself, since aklog reads
// the same variable to find the TGT.
func (i *Integration) RunHook(cachePath string) (exitCode int, err error) {
	if i.HookPath == "" {
		return 0, nil
	}
	fields := strings.Fields(i.HookPath)
	if len(fields) == 0 {
		return 0, nil
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cmd.Env = append(os.Environ(), "KRB5CCNAME="+cachePath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	runErr := cmd.Run()
	if runErr == nil {
		return 0, nil
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), kerrs.ErrHookNonZero
	}
	return 1, runErr
}
