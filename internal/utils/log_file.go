package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// LogFile is a log file owned by this process until Close.
type LogFile struct {
	*os.File
	lock *flock.Flock
}

// OpenLogFile truncates and opens path. When another running instance holds path, the log goes
// to a sibling named after this process id instead, e.g. livedb-1234.log.
func OpenLogFile(path string) (*LogFile, error) {
	if err := EnsureParent(path); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock log file: %w", err)
	}
	if !locked {
		ext := filepath.Ext(path)
		path = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), os.Getpid(), ext)
		lock = nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, err
	}
	return &LogFile{File: file, lock: lock}, nil
}

func (f *LogFile) Close() error {
	err := f.File.Close()
	if f.lock != nil && f.lock.Locked() {
		if uerr := f.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
		os.Remove(f.lock.Path())
	}
	return err
}
