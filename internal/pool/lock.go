package pool

import (
	"fmt"
	"os"
	"syscall"
)

// lockedFile holds an advisory flock on the pool file. Exclusive for
// snapshot-modify-write, shared for reads.
type lockedFile struct {
	f *os.File
}

func lockFile(path string, exclusive bool) (*lockedFile, error) {
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	var how = syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err = syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &lockedFile{f: f}, nil
}

func (l *lockedFile) unlock() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
}
