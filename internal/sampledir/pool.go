package sampledir

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/nvrcore/engine/internal/nvrerr"
)

// job is one unit of work executed by a pool worker. Every blocking
// filesystem syscall on a Dir's sample files and sidecar goes through the
// jobs channel so streamer/retention/syncer goroutines never block on disk
// themselves. Open, Close and Scan call the filesystem directly.
type job struct {
	run  func() error
	done chan error
}

func (d *Dir) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		j.done <- j.run()
	}
}

// submit enqueues run and blocks the caller until it completes. Per-handle
// ordering is preserved because EnqueueWrite/EnqueueClose always submit to the same
// shared pool in call order and the caller awaits completion before
// issuing the next operation on that handle — this is SPSC per handle by
// construction, not by separate per-handle queues.
func (d *Dir) submit(run func() error) error {
	j := job{run: run, done: make(chan error, 1)}
	d.jobs <- j
	return <-j.done
}

// Handle is a reference to one sample file open for append.
type Handle struct {
	dir      *Dir
	filename string
}

// OpenForAppend opens a new sample file for (streamID, recordingID) with
// exclusive create, failing if the file already exists.
func (d *Dir) OpenForAppend(streamID, recordingID int32) (*Handle, error) {
	if d.Degraded() {
		return nil, nvrerr.Directory("open_for_append", fmt.Errorf("directory %s is degraded", d.Path))
	}

	name := filename(streamID, recordingID)
	path := d.Path + "/" + name

	var f *os.File
	err := d.submit(func() error {
		var openErr error
		f, openErr = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("open_for_append %s: %w", name, err)
	}

	h := &handle{f: f, filename: name}
	d.mu.Lock()
	d.handles[name] = h
	d.mu.Unlock()

	return &Handle{dir: d, filename: name}, nil
}

// EnqueueWrite appends bytes to the handle's file. Callers batch writes
// at roughly one call per GOP, not per frame.
func (h *Handle) EnqueueWrite(data []byte) error {
	d := h.dir
	d.mu.Lock()
	hd, ok := d.handles[h.filename]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("enqueue_write: handle %s already closed", h.filename)
	}

	err := d.submit(func() error {
		_, writeErr := hd.f.Write(data)
		return writeErr
	})
	if err != nil {
		if isENOSPC(err) {
			d.setDegraded()
			return nvrerr.Directory("enqueue_write", fmt.Errorf("directory %s over capacity: %w", d.Path, err))
		}
		return fmt.Errorf("enqueue_write %s: %w", h.filename, err)
	}
	return nil
}

// EnqueueClose fsyncs and closes the handle's file; success means the
// contents are durable.
func (h *Handle) EnqueueClose() error {
	d := h.dir
	d.mu.Lock()
	hd, ok := d.handles[h.filename]
	delete(d.handles, h.filename)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("enqueue_close: handle %s already closed", h.filename)
	}

	err := d.submit(func() error {
		if syncErr := hd.f.Sync(); syncErr != nil {
			return syncErr
		}
		return hd.f.Close()
	})
	if err != nil {
		return fmt.Errorf("enqueue_close %s: %w", h.filename, err)
	}
	return nil
}

// FsyncDir fsyncs the directory itself, required after any rename/unlink
// burst so the directory entry changes are durable.
func (d *Dir) FsyncDir() error {
	return d.submit(func() error {
		dirFile, err := os.Open(d.Path)
		if err != nil {
			return err
		}
		defer dirFile.Close()
		return dirFile.Sync()
	})
}

// Unlink removes the sample file for (streamID, recordingID).
func (d *Dir) Unlink(streamID, recordingID int32) error {
	name := filename(streamID, recordingID)
	path := d.Path + "/" + name
	err := d.submit(func() error {
		return os.Remove(path)
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink %s: %w", name, err)
	}
	return nil
}

// ReadRange reads length bytes starting at offset from the sample file for
// (streamID, recordingID). An ENOENT here is fatal: a committed recording
// whose file is missing means the store's accounting is broken.
func (d *Dir) ReadRange(streamID, recordingID int32, offset int64, length int) ([]byte, error) {
	name := filename(streamID, recordingID)
	path := d.Path + "/" + name

	buf := make([]byte, length)
	err := d.submit(func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.ReadAt(buf, offset)
		return err
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nvrerr.GlobalFatal("read_range", fmt.Errorf("sample file %s missing for committed recording: %w", name, err))
		}
		return nil, fmt.Errorf("read_range %s: %w", name, err)
	}
	return buf, nil
}

func isENOSPC(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
