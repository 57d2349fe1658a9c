// Package fileutil holds the small file-system primitives shared by the
// journal and the pager.
package fileutil

import "os"

// Fdatasync triggers the fastest fsync-like operation that ensures durability
// of the data written to the given file.
//
// Fdatasync might be faster than f.Sync() aka fsync thanks to not syncing
// metadata (last modification/access time) that isn't necessary to ensure
// durability of the data.
//
// WARNING: ERRORS RETURNED BY THIS FUNCTION ARE NOT RECOVERABLE. Many operating
// systems and file systems mark modified pages as clean in case of fsync
// failures, so the only sensible handling of a failure is to stop writing and
// require the database to be reopened (which replays the journal).
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}

// SyncDir makes a newly created or removed directory entry durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return syncDir(d)
}
