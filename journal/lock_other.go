//go:build !unix

package journal

import (
	"os"
	"path/filepath"
)

// dirLock only creates the lock file on platforms without flock.
type dirLock struct {
	file *os.File
}

func lockDir(dir string) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) release() error {
	return l.file.Close()
}
