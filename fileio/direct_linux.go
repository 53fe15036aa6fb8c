//go:build linux

package fileio

import (
	"os"

	"golang.org/x/sys/unix"
)

// openDirect opens path for unbuffered sequential reads. Not every
// filesystem honors O_DIRECT (tmpfs and some overlay mounts reject it with
// EINVAL), so a failure to open with it falls back to a normal buffered
// open rather than failing the transfer outright.
func openDirect(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT, 0)
	if err != nil {
		return os.Open(path)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// createDirect creates (or truncates) path for unbuffered sequential
// writes, with the same O_DIRECT fallback as openDirect.
func createDirect(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_DIRECT, 0o644)
	if err != nil {
		return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	}
	return os.NewFile(uintptr(fd), path), nil
}
