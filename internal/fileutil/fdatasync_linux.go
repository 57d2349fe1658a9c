package fileutil

import (
	"os"

	"golang.org/x/sys/unix"
)

func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

func syncDir(d *os.File) error {
	return unix.Fsync(int(d.Fd()))
}
