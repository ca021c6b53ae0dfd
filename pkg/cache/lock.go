package cache

import (
	"os"
	"path/filepath"

	"github.com/glorpus-work/conda-index/pkg/errors"
	"github.com/gofrs/flock"
)

// Lock is the advisory lock guarding one subdir's cache. Only one indexer
// may hold it at a time; a second process gets ErrCacheLocked immediately
// instead of blocking.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the exclusive lock at <subdirPath>/.cache/.lock,
// creating the directory if needed.
func AcquireLock(subdirPath string) (*Lock, error) {
	dir := filepath.Join(subdirPath, cacheDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create cache directory %s", dir)
	}

	fl := flock.New(filepath.Join(dir, LockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", fl.Path())
	}
	if !locked {
		return nil, errors.Wrapf(errors.ErrCacheLocked, "%s", fl.Path())
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call once on every exit path.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
