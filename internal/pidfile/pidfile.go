// Package pidfile writes and removes the plain-text PID files named
// by -p/-c (spec §6 "Persisted state"), using an atomic rename so a
// reader never observes a partially written file.
package pidfile

import (
	"fmt"
	"os"

	"github.com/google/renameio"
)

// Write atomically writes "<pid>\n" to path. A blank path is a no-op,
// since -p/-c are optional.
func Write(path string, pid int) error {
	if path == "" {
		return nil
	}
	return renameio.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// Remove unlinks path if set, ignoring a missing file. Every exit path
// of the maintenance loop routes through DRAIN, which calls this for
// both the pidfile and the childfile (spec invariant 4).
func Remove(path string) {
	if path == "" {
		return
	}
	os.Remove(path)
}
