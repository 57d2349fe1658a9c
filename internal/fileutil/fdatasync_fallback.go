//go:build !linux

package fileutil

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}

func syncDir(d *os.File) error {
	// Directories cannot be synced on some platforms (notably Windows).
	_ = d.Sync()
	return nil
}
