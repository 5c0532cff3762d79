//go:build !windows

package petrel

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// lockFileName is created inside each owned directory to mark it as
// claimed by a live engine instance.
const lockFileName = "LOCK"

// dirLock pins the engine's directories to this process. The engine is
// single-process by contract: two instances sharing a data or WAL
// directory would corrupt each other, so Open takes a non-blocking
// flock(2) on every directory and fails fast with ErrDBAlreadyOpen
// when any of them is already held.
type dirLock struct {
	files []*os.File
}

// acquireDirLock claims every directory in dirs. If a later directory
// is unavailable, everything already claimed is released before the
// error returns.
func acquireDirLock(dirs ...string) (*dirLock, error) {
	dl := &dirLock{}
	for _, dir := range dirs {
		file, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			dl.Release()
			return nil, fmt.Errorf("failed to open lock file in %s: %w", dir, err)
		}
		dl.files = append(dl.files, file)

		if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			dl.Release()
			if err == syscall.EWOULDBLOCK {
				return nil, ErrDBAlreadyOpen
			}
			return nil, fmt.Errorf("failed to lock directory %s: %w", dir, err)
		}
	}
	return dl, nil
}

// Release unlocks and closes every held lock file. Safe to call on a
// partially acquired or already released lock.
func (dl *dirLock) Release() error {
	var firstErr error
	for _, file := range dl.files {
		if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to release directory lock: %w", err)
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	dl.files = nil
	return firstErr
}
