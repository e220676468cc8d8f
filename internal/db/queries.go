package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
)

// Store is the metadata database's query surface: raw SQL, manual Scan,
// one struct per row, built around the recording/garbage data model.
type Store struct {
	db *DB

	// reserveMu guards the in-memory reservation counters. A stream's
	// next_recording_id column only advances when a recording commits;
	// ids handed out above it are reservations, which is what lets the
	// startup scan distinguish an in-flight sample file (id >= column
	// value) from an orphan.
	reserveMu    sync.Mutex
	nextByStream map[int32]int32
}

func NewStore(db *DB) *Store {
	return &Store{db: db, nextByStream: make(map[int32]int32)}
}

// OpenRun inserts a new `open` row for this process's lifetime and returns
// its id, which every recording and garbage row written during this run is
// tagged with.
func (s *Store) OpenRun(ctx context.Context, uuid string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO open (uuid) VALUES (?)", uuid)
	if err != nil {
		return 0, fmt.Errorf("insert open: %w", err)
	}
	return res.LastInsertId()
}

// DatabaseUUID returns this database's stable identity, generating and
// persisting one on first call. Sample file directory sidecars record it
// so a directory attached to the wrong database is caught at startup.
func (s *Store) DatabaseUUID(ctx context.Context, generate func() string) (string, error) {
	var id string
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT uuid FROM db_meta LIMIT 1")
		switch err := row.Scan(&id); err {
		case nil:
			return nil
		case sql.ErrNoRows:
			id = generate()
			_, err := tx.ExecContext(ctx, "INSERT INTO db_meta (uuid) VALUES (?)", id)
			return err
		default:
			return fmt.Errorf("read db uuid: %w", err)
		}
	})
	return id, err
}

// OpenByID fetches one open row, used when stamping directory sidecars.
func (s *Store) OpenByID(ctx context.Context, id int64) (*OpenRow, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, uuid FROM open WHERE id = ?", id)
	var o OpenRow
	if err := row.Scan(&o.ID, &o.UUID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup open: %w", err)
	}
	return &o, nil
}

// Reserve allocates the next recording id for a stream without writing a
// recording row yet — the streamer reserves an id before it starts
// receiving frames so sample filenames are assignable immediately. The
// stream's next_recording_id column is deliberately not touched: it
// advances only when the recording commits, so after a crash every id at
// or above it is known to have been a discarded in-flight reservation.
func (s *Store) Reserve(ctx context.Context, streamID int32) (int32, error) {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	next, ok := s.nextByStream[streamID]
	if !ok {
		row := s.db.QueryRowContext(ctx, "SELECT next_recording_id FROM stream WHERE id = ?", streamID)
		if err := row.Scan(&next); err != nil {
			return 0, fmt.Errorf("read next_recording_id: %w", err)
		}
	}
	s.nextByStream[streamID] = next + 1
	return next, nil
}

// Commit durably applies a batch: new recordings, retention deletions
// (moved to the garbage ledger rather than dropped outright), and garbage
// purges, plus the day-duration index update — all in one transaction on
// the writer connection, which uses synchronous=FULL so this call does not
// return until the transaction is fsync-durable.
func (s *Store) Commit(ctx context.Context, b Batch) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, r := range b.AddRecordings {
			if err := insertRecording(ctx, tx, r); err != nil {
				return err
			}
			if err := bumpDayDuration(ctx, tx, r, 1); err != nil {
				return err
			}
			// Stream position advance: the recording id is retired from
			// reservation space in the same transaction that makes its
			// row visible.
			if _, err := tx.ExecContext(ctx,
				"UPDATE stream SET next_recording_id = ? WHERE id = ? AND next_recording_id < ?",
				r.CompositeID.RecordingID()+1, r.StreamID, r.CompositeID.RecordingID()+1,
			); err != nil {
				return fmt.Errorf("advance stream position: %w", err)
			}
		}

		for _, cid := range b.DeleteRecordings {
			var rec Recording
			if err := scanRecordingByID(ctx, tx, cid, &rec); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM recording WHERE composite_id = ?", int64(cid)); err != nil {
				return fmt.Errorf("delete recording: %w", err)
			}
			if err := bumpDayDuration(ctx, tx, rec, -1); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO garbage (sample_file_dir_id, composite_id, open_id, unlinked) VALUES (?, ?, ?, 0)",
				b.StreamDirID, int64(cid), rec.OpenID,
			); err != nil {
				return fmt.Errorf("insert garbage: %w", err)
			}
		}

		for _, cid := range b.PurgeGarbage {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM garbage WHERE sample_file_dir_id = ? AND composite_id = ?",
				b.StreamDirID, int64(cid),
			); err != nil {
				return fmt.Errorf("purge garbage: %w", err)
			}
		}
		return nil
	})
}

func insertRecording(ctx context.Context, tx *sql.Tx, r Recording) error {
	videoIndex := r.VideoIndex
	if videoIndex == nil {
		videoIndex = []byte{} // zero-length blob, not NULL
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO recording (
			composite_id, stream_id, open_id, run_offset, flags,
			sample_file_bytes, start_time_90k, wall_duration_90k,
			media_duration_delta_90k, local_time_delta_90k,
			video_sample_entry_id, video_samples, video_sync_samples, video_index
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.CompositeID), r.StreamID, r.OpenID, r.RunOffset, r.Flags,
		r.SampleFileBytes, r.StartTime90k, r.WallDuration90k,
		r.MediaDurationDelta90k, r.LocalTimeDelta90k,
		r.VideoSampleEntryID, r.VideoSamples, r.VideoSyncSamples, videoIndex,
	)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

// bumpDayDuration adds (sign * duration) to the per-day aggregate covering
// a recording's start time. Recordings that straddle midnight are
// attributed entirely to their start day — acceptable slop for an
// aggregate that exists purely to avoid a full table scan.
func bumpDayDuration(ctx context.Context, tx *sql.Tx, r Recording, sign int64) error {
	day := r.StartTimeUTC().Format("2006-01-02")
	delta := sign * r.WallDuration90k
	_, err := tx.ExecContext(ctx, `
		INSERT INTO recording_day_duration (stream_id, day, duration_90k)
		VALUES (?, ?, ?)
		ON CONFLICT (stream_id, day) DO UPDATE SET duration_90k = duration_90k + excluded.duration_90k
	`, r.StreamID, day, delta)
	if err != nil {
		return fmt.Errorf("bump day duration: %w", err)
	}
	return nil
}

func scanRecordingByID(ctx context.Context, tx *sql.Tx, cid CompositeID, out *Recording) error {
	row := tx.QueryRowContext(ctx, `
		SELECT composite_id, stream_id, open_id, run_offset, flags,
			sample_file_bytes, start_time_90k, wall_duration_90k,
			media_duration_delta_90k, local_time_delta_90k,
			video_sample_entry_id, video_samples, video_sync_samples, video_index
		FROM recording WHERE composite_id = ?`, int64(cid))
	return scanRecordingRow(row, out)
}

func scanRecordingRow(row *sql.Row, out *Recording) error {
	var composite int64
	if err := row.Scan(
		&composite, &out.StreamID, &out.OpenID, &out.RunOffset, &out.Flags,
		&out.SampleFileBytes, &out.StartTime90k, &out.WallDuration90k,
		&out.MediaDurationDelta90k, &out.LocalTimeDelta90k,
		&out.VideoSampleEntryID, &out.VideoSamples, &out.VideoSyncSamples, &out.VideoIndex,
	); err != nil {
		return fmt.Errorf("scan recording: %w", err)
	}
	out.CompositeID = CompositeID(composite)
	return nil
}

// ListRecordingsByTimeRange returns recordings overlapping
// [startTime90k, endTime90k) for a stream, oldest first, using the
// covering index on (stream_id, start_time_90k).
func (s *Store) ListRecordingsByTimeRange(ctx context.Context, streamID int32, startTime90k, endTime90k int64) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT composite_id, stream_id, open_id, run_offset, flags,
			sample_file_bytes, start_time_90k, wall_duration_90k,
			media_duration_delta_90k, local_time_delta_90k,
			video_sample_entry_id, video_samples, video_sync_samples, video_index
		FROM recording
		WHERE stream_id = ? AND start_time_90k < ? AND start_time_90k + wall_duration_90k > ?
		ORDER BY start_time_90k`, streamID, endTime90k, startTime90k)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var r Recording
		var composite int64
		if err := rows.Scan(
			&composite, &r.StreamID, &r.OpenID, &r.RunOffset, &r.Flags,
			&r.SampleFileBytes, &r.StartTime90k, &r.WallDuration90k,
			&r.MediaDurationDelta90k, &r.LocalTimeDelta90k,
			&r.VideoSampleEntryID, &r.VideoSamples, &r.VideoSyncSamples, &r.VideoIndex,
		); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		r.CompositeID = CompositeID(composite)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DayDurations returns the per-day recorded duration index for a stream.
func (s *Store) DayDurations(ctx context.Context, streamID int32) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT day, duration_90k FROM recording_day_duration WHERE stream_id = ? ORDER BY day", streamID)
	if err != nil {
		return nil, fmt.Errorf("list day durations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var day string
		var dur int64
		if err := rows.Scan(&day, &dur); err != nil {
			return nil, err
		}
		out[day] = dur
	}
	return out, rows.Err()
}

// ListGarbage returns garbage rows for a sample file directory, used on
// startup to resume an interrupted mark/unlink/purge sequence.
func (s *Store) ListGarbage(ctx context.Context, dirID int32) ([]GarbageRow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT sample_file_dir_id, composite_id, open_id, unlinked FROM garbage WHERE sample_file_dir_id = ?", dirID)
	if err != nil {
		return nil, fmt.Errorf("list garbage: %w", err)
	}
	defer rows.Close()

	var out []GarbageRow
	for rows.Next() {
		var g GarbageRow
		var composite int64
		var unlinked int
		if err := rows.Scan(&g.SampleFileDirID, &composite, &g.OpenID, &unlinked); err != nil {
			return nil, err
		}
		g.CompositeID = CompositeID(composite)
		g.Unlinked = unlinked != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkUnlinked flips a garbage row's unlinked bit once its sample file has
// been removed from disk, the boundary between retention's phase 2 and
// phase 3 of deletion.
func (s *Store) MarkUnlinked(ctx context.Context, dirID int32, cid CompositeID) error {
	_, err := s.db.ExecContext(ctx, "UPDATE garbage SET unlinked = 1 WHERE sample_file_dir_id = ? AND composite_id = ?", dirID, int64(cid))
	if err != nil {
		return fmt.Errorf("mark unlinked: %w", err)
	}
	return nil
}

func (s *Store) ListSampleFileDirs(ctx context.Context) ([]SampleFileDir, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, path, uuid, last_complete_open_id FROM sample_file_dir")
	if err != nil {
		return nil, fmt.Errorf("list sample file dirs: %w", err)
	}
	defer rows.Close()

	var out []SampleFileDir
	for rows.Next() {
		var d SampleFileDir
		var lastOpen sql.NullInt64
		if err := rows.Scan(&d.ID, &d.Path, &d.UUID, &lastOpen); err != nil {
			return nil, err
		}
		if lastOpen.Valid {
			v := lastOpen.Int64
			d.LastCompleteOpenID = &v
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertSampleFileDir registers a directory by path. An existing row keeps
// its uuid — the identity written into the directory's sidecar must stay
// stable across restarts; the caller's value only seeds the first insert.
func (s *Store) UpsertSampleFileDir(ctx context.Context, d SampleFileDir) (int32, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id FROM sample_file_dir WHERE path = ?", d.Path)
	var id int32
	switch err := row.Scan(&id); {
	case err == nil:
		return id, nil
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("lookup sample file dir: %w", err)
	}

	res, err := s.db.ExecContext(ctx, "INSERT INTO sample_file_dir (path, uuid) VALUES (?, ?)", d.Path, d.UUID)
	if err != nil {
		return 0, fmt.Errorf("insert sample file dir: %w", err)
	}
	id64, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int32(id64), nil
}

// SampleFileDirByPath fetches a directory row by its filesystem path.
func (s *Store) SampleFileDirByPath(ctx context.Context, path string) (*SampleFileDir, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, path, uuid, last_complete_open_id FROM sample_file_dir WHERE path = ?", path)
	var d SampleFileDir
	var lastOpen sql.NullInt64
	if err := row.Scan(&d.ID, &d.Path, &d.UUID, &lastOpen); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup sample file dir: %w", err)
	}
	if lastOpen.Valid {
		v := lastOpen.Int64
		d.LastCompleteOpenID = &v
	}
	return &d, nil
}

func (s *Store) SetDirCompleteOpen(ctx context.Context, dirID int32, openID int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sample_file_dir SET last_complete_open_id = ? WHERE id = ?", openID, dirID)
	return err
}

// UpsertCamera inserts or updates a camera row by its config-assigned
// UUID, used by the config loader to reconcile the database with the
// current config file on each reload.
func (s *Store) UpsertCamera(ctx context.Context, c Camera) (int32, error) {
	// The id must come from the RETURNING column: last_insert_rowid() is
	// not updated on the conflict/update path, so reading it there would
	// hand back whatever row some earlier insert created.
	var id int32
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO camera (uuid, short_name, description) VALUES (?, ?, ?)
		 ON CONFLICT (uuid) DO UPDATE SET short_name = excluded.short_name, description = excluded.description
		 RETURNING id`,
		c.UUID, c.ShortName, c.Description,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert camera: %w", err)
	}
	return id, nil
}

// UpsertStream inserts or updates the (camera, type) stream row, used by
// the config loader alongside UpsertCamera.
func (s *Store) UpsertStream(ctx context.Context, st Stream) (int32, error) {
	record := 0
	if st.Record {
		record = 1
	}
	var id int32
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO stream (camera_id, sample_file_dir_id, type, record, rtsp_url, retain_bytes, flush_if_sec)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (camera_id, type) DO UPDATE SET
			sample_file_dir_id = excluded.sample_file_dir_id,
			record = excluded.record,
			rtsp_url = excluded.rtsp_url,
			retain_bytes = excluded.retain_bytes,
			flush_if_sec = excluded.flush_if_sec
		 RETURNING id`,
		st.CameraID, st.SampleFileDirID, st.Type, record, st.RTSPURL, st.RetainBytes, st.FlushIfSec,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert stream: %w", err)
	}
	return id, nil
}

func (s *Store) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, camera_id, sample_file_dir_id, type, record, rtsp_url,
			retain_bytes, flush_if_sec, next_recording_id FROM stream`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var st Stream
		var dirID sql.NullInt32
		var record int
		if err := rows.Scan(&st.ID, &st.CameraID, &dirID, &st.Type, &record, &st.RTSPURL,
			&st.RetainBytes, &st.FlushIfSec, &st.NextRecordingID); err != nil {
			return nil, err
		}
		st.Record = record != 0
		if dirID.Valid {
			v := dirID.Int32
			st.SampleFileDirID = &v
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CameraByUUID looks up a camera by its config-assigned UUID, used by the
// API to resolve the `<uuid>` path segment in camera endpoints.
func (s *Store) CameraByUUID(ctx context.Context, uuid string) (*Camera, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, uuid, short_name, description FROM camera WHERE uuid = ?", uuid)
	var c Camera
	if err := row.Scan(&c.ID, &c.UUID, &c.ShortName, &c.Description); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup camera by uuid: %w", err)
	}
	return &c, nil
}

// StreamByCameraAndType resolves the (camera, "main"|"sub") pair the API's
// `<stream>` path segment names to a stream row.
func (s *Store) StreamByCameraAndType(ctx context.Context, cameraID int32, streamType string) (*Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, camera_id, sample_file_dir_id, type, record, rtsp_url,
			retain_bytes, flush_if_sec, next_recording_id
		FROM stream WHERE camera_id = ? AND type = ?`, cameraID, streamType)
	var st Stream
	var dirID sql.NullInt32
	var record int
	if err := row.Scan(&st.ID, &st.CameraID, &dirID, &st.Type, &record, &st.RTSPURL,
		&st.RetainBytes, &st.FlushIfSec, &st.NextRecordingID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup stream: %w", err)
	}
	st.Record = record != 0
	if dirID.Valid {
		v := dirID.Int32
		st.SampleFileDirID = &v
	}
	return &st, nil
}

func (s *Store) ListCameras(ctx context.Context) ([]Camera, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, uuid, short_name, description FROM camera")
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	defer rows.Close()

	var out []Camera
	for rows.Next() {
		var c Camera
		if err := rows.Scan(&c.ID, &c.UUID, &c.ShortName, &c.Description); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// VideoSampleEntryBySHA1 looks up a previously-stored codec parameter set
// by its content hash, used to dedupe entries across runs with identical
// parameters; runs merge only on byte-identical parameter sets.
func (s *Store) VideoSampleEntryBySHA1(ctx context.Context, sha1 string) (*VideoSampleEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, sha1, width, height, rfc6381_codec, data FROM video_sample_entry WHERE sha1 = ?", sha1)
	var e VideoSampleEntry
	if err := row.Scan(&e.ID, &e.SHA1, &e.Width, &e.Height, &e.RFC6381Codec, &e.Data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup video sample entry: %w", err)
	}
	return &e, nil
}

func (s *Store) InsertVideoSampleEntry(ctx context.Context, e VideoSampleEntry) (int64, error) {
	if e.SHA1 == "" {
		sum := sha1.Sum(e.Data)
		e.SHA1 = hex.EncodeToString(sum[:])
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO video_sample_entry (sha1, width, height, rfc6381_codec, data) VALUES (?, ?, ?, ?, ?)",
		e.SHA1, e.Width, e.Height, e.RFC6381Codec, e.Data,
	)
	if err != nil {
		return 0, fmt.Errorf("insert video sample entry: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) VideoSampleEntry(ctx context.Context, id int64) (*VideoSampleEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, sha1, width, height, rfc6381_codec, data FROM video_sample_entry WHERE id = ?", id)
	var e VideoSampleEntry
	if err := row.Scan(&e.ID, &e.SHA1, &e.Width, &e.Height, &e.RFC6381Codec, &e.Data); err != nil {
		return nil, fmt.Errorf("lookup video sample entry: %w", err)
	}
	return &e, nil
}

// Recording fetches a single recording by composite id, used by the MP4
// assembler to serve one recording's samples.
func (s *Store) Recording(ctx context.Context, cid CompositeID) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT composite_id, stream_id, open_id, run_offset, flags,
			sample_file_bytes, start_time_90k, wall_duration_90k,
			media_duration_delta_90k, local_time_delta_90k,
			video_sample_entry_id, video_samples, video_sync_samples, video_index
		FROM recording WHERE composite_id = ?`, int64(cid))
	var r Recording
	if err := scanRecordingRow(row, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
