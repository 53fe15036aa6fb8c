//go:build !linux

package fileio

import "os"

// openDirect falls back to a normal buffered open on platforms without a
// portable O_DIRECT equivalent wired up here.
func openDirect(path string) (*os.File, error) {
	return os.Open(path)
}

func createDirect(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}
