package sampledir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// metaFilename is the sidecar metadata file kept alongside the sample
// files. It binds the directory to one database and records which open is
// in progress, so a restart (or a directory moved between machines) can
// tell whether the contents belong to the database about to use them.
const metaFilename = "meta.json"

// OpenRef names one row of the database's open table.
type OpenRef struct {
	ID   int64  `json:"id"`
	UUID string `json:"uuid"`
}

// Meta is the sidecar's contents: the owning database's uuid, this
// directory's uuid, the last open known to have completed an orderly
// startup, and the open currently in progress (nil outside a read-write
// session).
type Meta struct {
	DBUUID           string   `json:"db_uuid"`
	DirUUID          string   `json:"dir_uuid"`
	LastCompleteOpen *OpenRef `json:"last_complete_open,omitempty"`
	InProgressOpen   *OpenRef `json:"in_progress_open,omitempty"`
}

// ReadMeta loads the sidecar, returning (nil, nil) when the directory has
// never been written to (a fresh directory has no sidecar yet).
func (d *Dir) ReadMeta() (*Meta, error) {
	var m *Meta
	err := d.submit(func() error {
		data, err := os.ReadFile(filepath.Join(d.Path, metaFilename))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		m = &Meta{}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s sidecar: %w", d.Path, err)
	}
	return m, nil
}

// WriteMeta durably replaces the sidecar: write to a temp file, fsync it,
// rename over the old one, fsync the directory. The rename is the commit
// point, so a crash mid-write leaves the previous sidecar intact.
func (d *Dir) WriteMeta(m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}

	err = d.submit(func() error {
		tmp := filepath.Join(d.Path, metaFilename+".tmp")
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Rename(tmp, filepath.Join(d.Path, metaFilename)); err != nil {
			return err
		}
		dirFile, err := os.Open(d.Path)
		if err != nil {
			return err
		}
		defer dirFile.Close()
		return dirFile.Sync()
	})
	if err != nil {
		return fmt.Errorf("write %s sidecar: %w", d.Path, err)
	}
	return nil
}

// VerifyMeta checks a previously-written sidecar against the database and
// directory uuids about to use it. A mismatch means the directory belongs
// to a different database (or was swapped on disk) and using it would
// break the one-writer invariant.
func (d *Dir) VerifyMeta(dbUUID, dirUUID string) (*Meta, error) {
	m, err := d.ReadMeta()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	if m.DBUUID != dbUUID {
		return nil, fmt.Errorf("directory %s belongs to database %s, not %s", d.Path, m.DBUUID, dbUUID)
	}
	if m.DirUUID != dirUUID {
		return nil, fmt.Errorf("directory %s has uuid %s, expected %s", d.Path, m.DirUUID, dirUUID)
	}
	return m, nil
}
