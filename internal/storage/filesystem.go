package storage

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// syncDir flushes a directory entry so that a rename into it survives a
// crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// copyFileSynced copies srcPath to destPath and flushes the copy.
func copyFileSynced(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		destFile.Close()
		return err
	}
	if err := destFile.Sync(); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}

// publishFile atomically moves a fully written and flushed file at srcPath to
// destPath, then flushes the destination directory.
func publishFile(srcPath string, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	if err := os.Rename(srcPath, destPath); err != nil {

		// If the source file lives on a different filesystem, copy it next to
		// the destination first so the final step is still a rename.
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
			return err
		}

		sibling := destPath + ".keeper-publish"
		if err := copyFileSynced(srcPath, sibling); err != nil {
			_ = os.Remove(sibling)
			return err
		}
		if err := os.Rename(sibling, destPath); err != nil {
			_ = os.Remove(sibling)
			return err
		}
		if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	return syncDir(filepath.Dir(destPath))
}

// pruneEmptyDirs removes empty directories from dir upwards, stopping at
// (and never removing) stop.
func pruneEmptyDirs(dir string, stop string) {
	for dir != stop && len(dir) > len(stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
