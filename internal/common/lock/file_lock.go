package lock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileLockFactory creates flock-backed locks for single-node deployments. The
// lifetime hint is ignored: the kernel releases the lock when the holding
// process exits, which serves the same crash-safety purpose.
type FileLockFactory struct {
	BaseDir string
}

func NewFileLockFactory(baseDir string) *FileLockFactory {
	return &FileLockFactory{BaseDir: baseDir}
}

func (f *FileLockFactory) NewLock(id string) DistributedLock {
	return &fileLock{path: filepath.Join(f.BaseDir, id+".lock")}
}

type fileLock struct {
	path string
	file *os.File
}

func (l *fileLock) TryLock(_ context.Context, _ time.Duration) (bool, error) {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, errors.WithStack(err)
	}
	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		_ = file.Close()
		return false, nil
	}
	if err != nil {
		_ = file.Close()
		return false, errors.WithStack(err)
	}
	l.file = file
	return true, nil
}

func (l *fileLock) Unlock(_ context.Context) error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(closeErr)
}
