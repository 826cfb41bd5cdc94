package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/osprey-nvr/osprey/internal/database"
)

// FileStore is the repository over the files table. All writes go through
// the Indexer's serialized queue; readers may use it directly.
type FileStore struct {
	db *database.DB
}

// NewFileStore creates a new file repository
func NewFileStore(db *database.DB) *FileStore {
	return &FileStore{db: db}
}

const fileColumns = `id, tier_id, tier_path, camera_identifier, category, subcategory,
	path, directory, filename, size, orig_ctime, duration, created_at, updated_at`

// Upsert inserts a row for path or refreshes size/updated_at when the row
// already exists. Row creation is idempotent per path.
func (s *FileStore) Upsert(ctx context.Context, row *FileRow) error {
	now := time.Now()
	return database.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO files (
				tier_id, tier_path, camera_identifier, category, subcategory,
				path, directory, filename, size, orig_ctime, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				size = excluded.size,
				updated_at = excluded.updated_at
		`,
			row.TierID, row.TierPath, row.CameraID, row.Category, row.Subcategory,
			row.Path, filepath.Dir(row.Path), filepath.Base(row.Path),
			row.Size, unixFloat(row.OrigCtime), now.Unix(), now.Unix(),
		)
		return err
	})
}

// UpdateSize updates the size of the row for path.
func (s *FileStore) UpdateSize(ctx context.Context, path string, size int64) error {
	return database.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE files SET size = ?, updated_at = ? WHERE path = ?",
			size, time.Now().Unix(), path)
		return err
	})
}

// SetDuration records the authoritative EXTINF duration for path.
func (s *FileStore) SetDuration(ctx context.Context, path string, duration float64) error {
	return database.Retry(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			"UPDATE files SET duration = ?, updated_at = ? WHERE path = ?",
			duration, time.Now().Unix(), path)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("file not indexed: %s", path)
		}
		return nil
	})
}

// Move rewrites the row for oldPath to its new tier location. The rewrite
// is atomic: until it lands, readers resolve the source path.
func (s *FileStore) Move(ctx context.Context, oldPath, newPath string, tierID int, tierPath string) error {
	return database.Retry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE files SET tier_id = ?, tier_path = ?, path = ?, directory = ?,
				filename = ?, updated_at = ?
			WHERE path = ?
		`, tierID, tierPath, newPath, filepath.Dir(newPath), filepath.Base(newPath),
			time.Now().Unix(), oldPath)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("file not indexed: %s", oldPath)
		}
		return nil
	})
}

// Delete removes the row for path. Missing rows are not an error; deletes
// race with watcher events.
func (s *FileStore) Delete(ctx context.Context, path string) error {
	return database.Retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE path = ?", path)
		return err
	})
}

// Get retrieves the row for path.
func (s *FileStore) Get(ctx context.Context, path string) (*FileRow, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM files WHERE path = ?", fileColumns), path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// List returns rows for one (camera, tier, category, subcategory) key
// ordered by orig_ctime ascending. This is the tier sweep's working set.
func (s *FileStore) List(ctx context.Context, cameraID string, tierID int, category, subcategory string) ([]FileRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM files
		WHERE camera_identifier = ? AND tier_id = ? AND category = ? AND subcategory = ?
		ORDER BY orig_ctime ASC
	`, fileColumns), cameraID, tierID, category, subcategory)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFiles(rows)
}

// ListCameras returns the distinct camera identifiers present in a tier.
func (s *FileStore) ListCameras(ctx context.Context, tierID int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT camera_identifier FROM files WHERE tier_id = ?", tierID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cameras []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		cameras = append(cameras, id)
	}
	return cameras, rows.Err()
}

// ListSubcategories returns the distinct subcategories a camera has in a
// tier for one category. For snapshots these are detector domains.
func (s *FileStore) ListSubcategories(ctx context.Context, cameraID string, tierID int, category string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT subcategory FROM files
		WHERE camera_identifier = ? AND tier_id = ? AND category = ?
	`, cameraID, tierID, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []string
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// FragmentsInRange returns the camera's fragments intersecting
// [from, to]: every fragment starting inside the window plus the single
// fragment that started before it but ends inside it
// (orig_ctime + duration >= from). Rows sharing a filename are
// deduplicated preferring the most recent created_at, which covers the
// in-flight tier-move window where both copies exist.
func (s *FileStore) FragmentsInRange(ctx context.Context, cameraID string, from, to time.Time) ([]FileRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM files
		WHERE camera_identifier = ?
		  AND category = ? AND subcategory = ?
		  AND duration IS NOT NULL
		  AND orig_ctime <= ?
		  AND orig_ctime + duration >= ?
		ORDER BY orig_ctime ASC, created_at ASC
	`, fileColumns), cameraID, CategoryRecorder, SubcategorySegments,
		unixFloat(to), unixFloat(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}

	// Later created_at wins per filename; input is ordered so the last
	// occurrence is the preferred row.
	byName := make(map[string]int, len(all))
	var out []FileRow
	for _, f := range all {
		if i, ok := byName[f.Filename]; ok {
			out[i] = f
			continue
		}
		byName[f.Filename] = len(out)
		out = append(out, f)
	}
	return out, nil
}

// TotalSize sums the sizes for one (camera, tier, category, subcategory) key.
func (s *FileStore) TotalSize(ctx context.Context, cameraID string, tierID int, category, subcategory string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(size) FROM files
		WHERE camera_identifier = ? AND tier_id = ? AND category = ? AND subcategory = ?
	`, cameraID, tierID, category, subcategory).Scan(&total)
	return total.Int64, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(r rowScanner) (*FileRow, error) {
	var f FileRow
	var origCtime float64
	var duration sql.NullFloat64
	var createdAt, updatedAt int64

	err := r.Scan(
		&f.ID, &f.TierID, &f.TierPath, &f.CameraID, &f.Category, &f.Subcategory,
		&f.Path, &f.Directory, &f.Filename, &f.Size, &origCtime, &duration,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.OrigCtime = fromUnixFloat(origCtime)
	f.Duration = duration.Float64
	f.HasDuration = duration.Valid
	f.CreatedAt = time.Unix(createdAt, 0)
	f.UpdatedAt = time.Unix(updatedAt, 0)
	return &f, nil
}

func scanFiles(rows *sql.Rows) ([]FileRow, error) {
	var files []FileRow
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}
