//go:build !linux
// +build !linux

package afs

// createGroup is a no-op off Linux: the AFS ioctl interface this
// package speaks (original_source/kafs/sys-linux.c) only exists on
// Linux hosts running OpenAFS or Arla/nnpfs. Other platforms had
// their own syscall shims in the original (kafs/sys-darwin*.c,
// sys-solaris.c) that are out of scope here — see DESIGN.md.
func createGroup() error {
	return nil
}
