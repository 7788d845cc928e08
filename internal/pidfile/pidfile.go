// Package pidfile writes and removes the daemon's PID file, the only
// on-disk state the core keeps (spec.md §6). Lifecycle mirrors the
// teacher's signal-driven shutdown: written at startup, removed on
// the same path that handles SIGINT/SIGTERM.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
)

// File represents a written PID file, removable exactly once.
type File struct {
	path string
}

// Write creates path containing the current process's decimal PID,
// failing if a file already exists there (a stale or live PID file
// from another instance).
func Write(path string) (*File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	return &File{path: path}, nil
}

// Remove deletes the PID file. Safe to call on a nil *File (no path
// was configured) and safe to call more than once.
func (f *File) Remove() error {
	if f == nil || f.path == "" {
		return nil
	}
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	f.path = ""
	return nil
}
