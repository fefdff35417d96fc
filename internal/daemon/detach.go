package daemon

import (
	"os"
	"syscall"
)

// Detach implements spec §4.7 DETACHED's "new session, close standard
// streams, chdir to root" for the real process. A true double-fork
// daemonization (as the original k5start.c performs) isn't available
// to a running Go binary — fork() after the runtime has started
// goroutines and threads is unsafe — so this does the part that is
// still meaningful in-process: start a new session (detaching from
// the controlling terminal), point the standard streams at
// /dev/null, and chdir to "/" so the process doesn't pin whatever
// directory it was launched from.
func (realDetacher) Detach() error {
	if _, err := syscall.Setsid(); err != nil {
		// Already a session leader (e.g. re-run under a test harness
		// or init system) is not fatal; anything else is.
		if err != syscall.EPERM {
			return err
		}
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	if err := syscall.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return err
	}
	if err := syscall.Dup2(int(devNull.Fd()), int(os.Stdout.Fd())); err != nil {
		return err
	}
	if err := syscall.Dup2(int(devNull.Fd()), int(os.Stderr.Fd())); err != nil {
		return err
	}

	return os.Chdir("/")
}
