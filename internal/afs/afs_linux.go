//go:build linux
// +build linux

package afs

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The AFS ioctl ABI, ported from original_source/kafs/sys-linux.c: a
// fixed-size struct of five longs handed to ioctl() on the OpenAFS (or
// legacy nnpfs) proc file. AFSCALL_PIOCTL/VIOCSETTOK and friends are
// selected by the syscall field; setting a new PAG is syscall 21
// (AFSCALL_SETPAG) in the OpenAFS ABI this was modeled on.
const (
	afsIoctlOpenAFS = "/proc/fs/openafs/afs_ioctl"
	afsIoctlNNPFS   = "/proc/fs/nnpfs/afs_ioctl"

	afscallSetpag = 21
)

type afsProcData struct {
	Param4  int64
	Param3  int64
	Param2  int64
	Param1  int64
	Syscall int64
}

func createGroup() error {
	fd, path, err := openAfsIoctl()
	if err != nil {
		return fmt.Errorf("opening AFS ioctl interface: %w", err)
	}
	defer unix.Close(fd)

	data := afsProcData{Syscall: afscallSetpag}
	if err := ioctlAfs(fd, &data); err != nil {
		return fmt.Errorf("creating process authentication group via %s: %w", path, err)
	}
	return nil
}

func openAfsIoctl() (fd int, path string, err error) {
	for _, p := range []string{afsIoctlOpenAFS, afsIoctlNNPFS} {
		fd, err = unix.Open(p, os.O_RDWR, 0)
		if err == nil {
			return fd, p, nil
		}
	}
	return -1, "", err
}

func ioctlAfs(fd int, data *afsProcData) error {
	// The OpenAFS ioctl command encodes direction/size/type/nr the
	// same way the C _IOW('C', 1, void *) macro does. The struct
	// payload doesn't fit any of the typed unix.IoctlSet* helpers, so
	// this goes through the raw syscall the same way caps_linux.go
	// reaches for unix.Syscall when no typed wrapper exists.
	const afsIoctlCmd = 0x40084301 // _IOW('C', 1, sizeof(void*)) on amd64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(afsIoctlCmd), uintptr(unsafe.Pointer(data)))
	if errno != 0 {
		return errno
	}
	return nil
}
