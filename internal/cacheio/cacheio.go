// Package cacheio implements the Cache Writer (spec §4.3): the
// atomic cache-update protocol, the single-instance lock on
// cache_path, and fabrication of a throwaway cache path when none was
// configured.
package cacheio

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/dchest/safefile"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/gravwell/kstart/internal/kerrs"
)

// Perms is the optional ownership/mode override applied to a
// finalised cache (spec §3's owner/group/mode fields).
type Perms struct {
	Owner   string
	Group   string
	Mode    os.FileMode
	HasMode bool
}

// HasAny reports whether any override is set; when none are, Commit
// may skip the chown/chmod step entirely.
func (p Perms) HasAny() bool {
	return p.Owner != "" || p.Group != "" || p.HasMode
}

// ScratchHandle identifies an in-flight temporary cache file returned
// by Prepare.
type ScratchHandle struct {
	f    *safefile.File
	Path string
}

// Writer owns the atomic cache-update protocol for one cache_path, and
// the flock-based single-instance lock that enforces spec §5's
// "writers outside the process are not supported, exclusive
// ownership" assumption.
type Writer struct {
	finalPath string
	lock      *flock.Flock
}

// New returns a Writer for finalPath. It does not touch the
// filesystem.
func New(finalPath string) *Writer {
	return &Writer{
		finalPath: finalPath,
		lock:      flock.New(finalPath + ".lock"),
	}
}

// Lock acquires exclusive ownership of the cache path for the life of
// the process. Call once during INIT; Unlock during DRAIN.
func (w *Writer) Lock() error {
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("%w: locking %s: %v", kerrs.ErrCacheIO, w.finalPath, err)
	}
	if !ok {
		return fmt.Errorf("%w: cache %s is already managed by another process", kerrs.ErrCacheIO, w.finalPath)
	}
	return nil
}

// Unlock releases the exclusive lock and removes the lock file.
func (w *Writer) Unlock() {
	w.lock.Unlock()
	os.Remove(w.finalPath + ".lock")
}

// Prepare creates a sibling scratch file with owner-only mode 0600
// and returns a handle identifying it. The caller (the
// CredentialProvider) writes the whole cache to handle.Path.
func (w *Writer) Prepare() (*ScratchHandle, error) {
	f, err := safefile.Create(w.finalPath, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kerrs.ErrCacheIO, err)
	}
	return &ScratchHandle{f: f, Path: f.Name()}, nil
}

// Commit applies perms to the scratch file, then atomically renames
// it over finalPath. On any failure the scratch file is unlinked and
// finalPath is left untouched.
func (w *Writer) Commit(h *ScratchHandle, perms Perms) error {
	if perms.HasAny() {
		if err := applyPerms(h.Path, perms); err != nil {
			w.Discard(h)
			return fmt.Errorf("%w: %v", kerrs.ErrCachePermIO, err)
		}
	}
	if err := h.f.Commit(); err != nil {
		w.Discard(h)
		return fmt.Errorf("%w: %v", kerrs.ErrCacheRename, err)
	}
	return nil
}

// Discard unlinks the scratch file unconditionally; used on error
// paths where Commit will not be called.
func (w *Writer) Discard(h *ScratchHandle) {
	if h == nil {
		return
	}
	h.f.File.Close()
	os.Remove(h.Path)
}

// Destroy removes the finalized cache file. Used in DRAIN when
// clean_cache is set.
func (w *Writer) Destroy() error {
	if err := os.Remove(w.finalPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func applyPerms(path string, perms Perms) error {
	if perms.HasMode {
		if err := os.Chmod(path, perms.Mode); err != nil {
			return err
		}
	}
	if perms.Owner != "" || perms.Group != "" {
		uid, gid := -1, -1
		if perms.Owner != "" {
			u, err := user.Lookup(perms.Owner)
			if err != nil {
				return err
			}
			if uid, err = strconv.Atoi(u.Uid); err != nil {
				return err
			}
		}
		if perms.Group != "" {
			g, err := user.LookupGroup(perms.Group)
			if err != nil {
				return err
			}
			var err2 error
			if gid, err2 = strconv.Atoi(g.Gid); err2 != nil {
				return err2
			}
		}
		if err := os.Chown(path, uid, gid); err != nil {
			return err
		}
	}
	return nil
}

// FabricateCachePath builds a throwaway cache path under the system
// temporary directory, per spec §4.3: used when the user configured a
// child command but no explicit -k cache path. The returned path is
// unique per invocation and carries the invoking uid in its name so
// concurrent users on a shared host never collide.
func FabricateCachePath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("krb5cc_%d_%s", os.Getuid(), uuid.NewString()))
}
