package daemon

import (
	"fmt"
	"os"
	"sync"
)

const (
	// rotateAt is the size that triggers rotation of the daemon log.
	rotateAt = 10 << 20
	// rotateKeep is how many rotated generations are retained.
	rotateKeep = 3
)

// RotatingWriter appends to a log file, rotating it at 10 MB and keeping
// three generations (daemon.log, daemon.log.1, daemon.log.2).
type RotatingWriter struct {
	path string

	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenRotatingWriter opens (or creates) the log file for appending.
func OpenRotatingWriter(path string) (*RotatingWriter, error) {
	var w = &RotatingWriter{path: path}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	var f, err = os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.size = f, info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > rotateAt {
		if err := w.rotate(); err != nil {
			// Keep writing to the oversized file rather than lose entries.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	var n, err = w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate shifts daemon.log -> .1 -> .2, dropping the oldest. The live
// handle must stay writable on any failure, so the open file is renamed
// in place and closed only once a fresh base file is open.
func (w *RotatingWriter) rotate() error {
	for i := rotateKeep - 1; i >= 2; i-- {
		var to = fmt.Sprintf("%s.%d", w.path, i)
		_ = os.Remove(to)
		_ = os.Rename(fmt.Sprintf("%s.%d", w.path, i-1), to)
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	var old = w.f
	if err := w.open(); err != nil {
		// Keep appending through the old handle; w.f is unchanged.
		return err
	}
	_ = old.Close()
	return nil
}

// Close flushes and closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
