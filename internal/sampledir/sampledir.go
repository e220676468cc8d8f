// Package sampledir owns one bulk-storage directory of sample files: the
// flock'd directory lock, the sidecar metadata file, and a two-goroutine
// I/O pool that performs every blocking file-system syscall (open, write,
// fsync, unlink, pread) so no other component's goroutine ever blocks on
// disk.
package sampledir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nvrcore/engine/internal/nvrerr"
)

// Dir owns one sample-file directory: its exclusive flock, its worker
// pool, and the open file handles recordings are currently appending to.
// The directory is the unit of bulk storage: one lock, one pool, one
// sidecar, shared by every stream assigned to it.
type Dir struct {
	Path string
	ID   int32

	lockFile *os.File

	mu      sync.Mutex
	handles map[string]*handle
	degraded bool

	jobs chan job
	wg   sync.WaitGroup
}

type handle struct {
	f        *os.File
	filename string
}

// Open acquires the directory's exclusive lock and starts its two-worker
// I/O pool. Only one writer process may hold the lock at a time.
func Open(id int32, path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create sample file dir %s: %w", path, err)
	}

	lockPath := filepath.Join(path, ".lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, nvrerr.Directory("flock", fmt.Errorf("directory %s already locked by another writer: %w", path, err))
	}

	d := &Dir{
		Path:     path,
		ID:       id,
		lockFile: lf,
		handles:  make(map[string]*handle),
		jobs:     make(chan job, 64),
	}

	const poolSize = 2
	for i := 0; i < poolSize; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d, nil
}

// Close drains the worker pool and releases the directory lock.
func (d *Dir) Close() error {
	close(d.jobs)
	d.wg.Wait()

	d.mu.Lock()
	for _, h := range d.handles {
		_ = h.f.Close()
	}
	d.handles = nil
	d.mu.Unlock()

	if err := unix.Flock(int(d.lockFile.Fd()), unix.LOCK_UN); err != nil {
		d.lockFile.Close()
		return fmt.Errorf("unlock directory: %w", err)
	}
	return d.lockFile.Close()
}

// Degraded reports whether the directory has been marked unusable after an
// ENOSPC on write, blocking new writes until an admin repair clears it.
// Other I/O errors do not mark the directory degraded.
func (d *Dir) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

func (d *Dir) setDegraded() {
	d.mu.Lock()
	d.degraded = true
	d.mu.Unlock()
}

// ClearDegraded is called by the admin repair endpoint after a directory
// has been verified usable again.
func (d *Dir) ClearDegraded() {
	d.mu.Lock()
	d.degraded = false
	d.mu.Unlock()
}

// filename returns the 16-hex-digit sample file name for (streamID,
// recordingID).
func filename(streamID, recordingID int32) string {
	return fmt.Sprintf("%08x%08x", uint32(streamID), uint32(recordingID))
}
