// Package fsx holds small filesystem helpers shared by the WAL and snapshot
// writers.
package fsx

import (
	"fmt"
	"os"
	"runtime"
)

// SyncDir fsyncs a directory so that renames and file creations inside it
// survive a crash.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		// Directories can't be opened for sync on windows; NTFS journals
		// metadata itself.
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
