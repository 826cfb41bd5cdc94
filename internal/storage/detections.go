package storage

import (
	"context"
	"time"

	"github.com/osprey-nvr/osprey/internal/database"
	"github.com/osprey-nvr/osprey/internal/detect"
)

// DetectionStore persists raw detection output: motion intervals and
// per-frame object hits with optional snapshots.
type DetectionStore struct {
	db *database.DB
}

func NewDetectionStore(db *database.DB) *DetectionStore {
	return &DetectionStore{db: db}
}

// InsertMotion opens a motion interval and returns its id.
func (s *DetectionStore) InsertMotion(ctx context.Context, cameraID string, start time.Time) (int64, error) {
	var id int64
	err := database.Retry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO motion (camera_identifier, start_time, created_at)
			VALUES (?, ?, ?)
		`, cameraID, unixFloat(start), time.Now().Unix())
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	return id, err
}

// EndMotion closes a motion interval.
func (s *DetectionStore) EndMotion(ctx context.Context, id int64, end time.Time) error {
	return database.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE motion SET end_time = ? WHERE id = ?", unixFloat(end), id)
		return err
	})
}

// InsertObjects stores one tick's filtered detections, all referencing
// the same snapshot image.
func (s *DetectionStore) InsertObjects(ctx context.Context, cameraID string, objects []detect.DetectedObject, snapshotPath string) error {
	if len(objects) == 0 {
		return nil
	}
	return database.Retry(ctx, func() error {
		now := time.Now().Unix()
		for _, obj := range objects {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO objects (camera_identifier, label, confidence,
					width, height, x, y, snapshot_path, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, cameraID, obj.Label, obj.Confidence,
				obj.RelWidth, obj.RelHeight, obj.RelX, obj.RelY,
				nullable(snapshotPath), now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}
