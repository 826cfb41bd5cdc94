package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/osprey-nvr/osprey/internal/database"
)

// RecordingStore is the repository over the recordings table.
type RecordingStore struct {
	db *database.DB
}

// NewRecordingStore creates a new recording repository
func NewRecordingStore(db *database.DB) *RecordingStore {
	return &RecordingStore{db: db}
}

const recordingColumns = `id, camera_identifier, start_time, adjusted_start_time, end_time,
	trigger_type, trigger_id, thumbnail_path, clip_path, created_at, updated_at`

// Insert creates a recording row. AdjustedStartTime must be precomputed by
// the caller (start_time - segment_length - lookback).
func (s *RecordingStore) Insert(ctx context.Context, rec *Recording) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return database.Retry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO recordings (
				camera_identifier, start_time, adjusted_start_time, end_time,
				trigger_type, trigger_id, thumbnail_path, clip_path, created_at, updated_at
			) VALUES (?, ?, ?, NULL, ?, ?, ?, NULL, ?, ?)
		`,
			rec.CameraID, unixFloat(rec.StartTime), unixFloat(rec.AdjustedStartTime),
			rec.TriggerType, rec.TriggerID, rec.ThumbnailPath,
			now.Unix(), now.Unix(),
		)
		if err != nil {
			return err
		}
		rec.ID, err = result.LastInsertId()
		return err
	})
}

// SetEndTime closes the recording.
func (s *RecordingStore) SetEndTime(ctx context.Context, id int64, end time.Time) error {
	return database.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE recordings SET end_time = ?, updated_at = ? WHERE id = ?",
			unixFloat(end), time.Now().Unix(), id)
		return err
	})
}

// SetClipPath stores the materialized event clip path.
func (s *RecordingStore) SetClipPath(ctx context.Context, id int64, path string) error {
	return database.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE recordings SET clip_path = ?, updated_at = ? WHERE id = ?",
			path, time.Now().Unix(), id)
		return err
	})
}

// UpdatePaths rewrites thumbnail and clip paths after a tier move.
func (s *RecordingStore) UpdatePaths(ctx context.Context, id int64, thumbnailPath, clipPath string) error {
	return database.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE recordings SET thumbnail_path = ?, clip_path = ?, updated_at = ? WHERE id = ?",
			thumbnailPath, nullable(clipPath), time.Now().Unix(), id)
		return err
	})
}

// Delete removes the recording row.
func (s *RecordingStore) Delete(ctx context.Context, id int64) error {
	return database.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM recordings WHERE id = ?", id)
		return err
	})
}

// Get retrieves a recording by id, nil when absent.
func (s *RecordingStore) Get(ctx context.Context, id int64) (*Recording, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM recordings WHERE id = ?", recordingColumns), id)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// Intersecting returns the camera's recordings whose
// [adjusted_start_time, end_time or now] interval intersects [from, to],
// ordered oldest first.
func (s *RecordingStore) Intersecting(ctx context.Context, cameraID string, from, to time.Time) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM recordings
		WHERE camera_identifier = ?
		  AND adjusted_start_time <= ?
		  AND (end_time IS NULL OR end_time >= ?)
		ORDER BY start_time ASC
	`, recordingColumns), cameraID, unixFloat(to), unixFloat(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecordings(rows)
}

// List returns the camera's recordings, newest first.
func (s *RecordingStore) List(ctx context.Context, cameraID string, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM recordings
		WHERE camera_identifier = ?
		ORDER BY start_time DESC
		LIMIT ?
	`, recordingColumns), cameraID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecordings(rows)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanRecording(r rowScanner) (*Recording, error) {
	var rec Recording
	var startTime, adjustedStart float64
	var endTime sql.NullFloat64
	var triggerID, thumbnailPath, clipPath sql.NullString
	var createdAt, updatedAt int64

	err := r.Scan(
		&rec.ID, &rec.CameraID, &startTime, &adjustedStart, &endTime,
		&rec.TriggerType, &triggerID, &thumbnailPath, &clipPath,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.StartTime = fromUnixFloat(startTime)
	rec.AdjustedStartTime = fromUnixFloat(adjustedStart)
	if endTime.Valid {
		rec.EndTime = fromUnixFloat(endTime.Float64)
	}
	rec.TriggerID = triggerID.String
	rec.ThumbnailPath = thumbnailPath.String
	rec.ClipPath = clipPath.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func scanRecordings(rows *sql.Rows) ([]Recording, error) {
	var recs []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}
