// Package tracedir resolves and bootstraps the directory hierarchy that
// holds recorded traces: the trace root, the per-recording trace
// directory, and the "latest-trace" symlink that lets a replayer find the
// most recent recording without being told its name.
package tracedir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Root resolves the trace root directory following the same search order
// the recorder and replayer agree on:
//
//  1. $_RR_TRACE_DIR, if set.
//  2. $XDG_DATA_HOME/rr, if that directory already exists.
//  3. $HOME/.rr, if that directory already exists (back-compat).
//  4. $XDG_DATA_HOME/rr or $HOME/.local/share/rr, whichever env var is set.
//  5. /tmp/rr.
func Root() string {
	if dir := os.Getenv("_RR_TRACE_DIR"); dir != "" {
		return dir
	}

	home := os.Getenv("HOME")
	var dotDir string
	if home != "" {
		dotDir = filepath.Join(home, ".rr")
	}

	xdgDataHome := os.Getenv("XDG_DATA_HOME")
	var xdgDir string
	if xdgDataHome != "" {
		xdgDir = filepath.Join(xdgDataHome, "rr")
	} else if home != "" {
		xdgDir = filepath.Join(home, ".local", "share", "rr")
	}

	// If the XDG dir doesn't exist but ~/.rr does, prefer ~/.rr for
	// backwards compatibility with traces recorded before the XDG move.
	switch {
	case dirExists(xdgDir):
		return xdgDir
	case dirExists(dotDir):
		return dotDir
	case xdgDir != "":
		return xdgDir
	default:
		return "/tmp/rr"
	}
}

// LatestSymlinkPath is the path of the "latest-trace" symlink inside the
// trace root.
func LatestSymlinkPath() string {
	return filepath.Join(Root(), "latest-trace")
}

func dirExists(dir string) bool {
	if dir == "" {
		return false
	}
	st, err := os.Stat(dir)
	return err == nil && st.IsDir()
}

// EnsureDir recursively creates dir and any missing ancestors with the
// given mode, treating a concurrent creation race (EEXIST) as benign. It
// fails if an ancestor exists but is not a directory, or if the resulting
// directory isn't writable by us.
func EnsureDir(dir string, mode os.FileMode) error {
	dir = filepath.Clean(dir)

	st, err := os.Stat(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error accessing trace directory %q: %w", dir, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("can't find trace directory %q", dir)
		}
		if err := EnsureDir(parent, mode); err != nil {
			return err
		}

		// Allow for a race where someone else creates the directory
		// between our Stat above and this Mkdir.
		if err := os.Mkdir(dir, mode); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("can't create trace directory %q: %w", dir, err)
		}
		st, err = os.Stat(dir)
		if err != nil {
			return fmt.Errorf("can't stat trace directory %q: %w", dir, err)
		}
	}

	if !st.IsDir() {
		return fmt.Errorf("%q exists but isn't a directory", dir)
	}
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return fmt.Errorf("can't write to %q: %w", dir, err)
	}
	return nil
}

// EnsureDefaultRoot creates the default trace root (per Root) if it
// doesn't already exist.
func EnsureDefaultRoot() error {
	return EnsureDir(Root(), 0o700)
}

// MakeTraceDir creates a fresh, uniquely named trace directory under the
// trace root for a recording of the executable at exePath: the root's
// EnsureDefaultRoot is called first, then a directory named
// "<basename(exePath)>-N" is created, with N starting at 0 and increasing
// until mkdir succeeds. Only EEXIST is treated as retriable; any other
// mkdir failure is fatal.
func MakeTraceDir(exePath string) (string, error) {
	if err := EnsureDefaultRoot(); err != nil {
		return "", err
	}

	base := filepath.Base(exePath)
	root := Root()
	for nonce := 0; ; nonce++ {
		dir := filepath.Join(root, fmt.Sprintf("%s-%d", base, nonce))
		err := os.Mkdir(dir, 0o770)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("unable to create trace directory %q: %w", dir, err)
		}
	}
}

// UpdateLatestSymlink repoints (best-effort) the trace root's
// "latest-trace" symlink at traceDir. The update is not atomic with
// respect to other recorders: we unlink and then symlink, so a concurrent
// recorder can recreate the link between our unlink and our symlink call.
// That race is treated as benign — whichever link wins still references a
// legitimate, recent trace.
func UpdateLatestSymlink(traceDir string) error {
	link := LatestSymlinkPath()
	_ = os.Remove(link)
	if err := os.Symlink(traceDir, link); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to update symlink %q to %q: %w", link, traceDir, err)
	}
	return nil
}
