// Package storage provides the segment index (the relational catalog of
// every file on disk), the filesystem watchers feeding it, and the tiered
// retention engine that moves or deletes files as they age.
package storage

import (
	"path/filepath"
	"time"

	"github.com/osprey-nvr/osprey/internal/config"
)

// File categories and subcategories as stored in the files table.
const (
	CategoryRecorder  = "recorder"
	CategorySnapshots = "snapshots"

	SubcategorySegments   = "segments"
	SubcategoryEventClips = "event_clips"
	SubcategoryThumbnails = "thumbnails"
)

// Trigger types for recordings.
const (
	TriggerObject = "object"
	TriggerMotion = "motion"
	TriggerManual = "manual"
)

// FileRow is one row of the files table: exactly one per file on disk
// under a monitored tier path.
type FileRow struct {
	ID          int64
	TierID      int
	TierPath    string
	CameraID    string
	Category    string
	Subcategory string
	Path        string
	Directory   string
	Filename    string
	Size        int64
	OrigCtime   time.Time
	Duration    float64 // seconds; 0 until the fragmenter sets it
	HasDuration bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Recording is a logical event interval for one camera. EndTime is zero
// while the recording is still active.
type Recording struct {
	ID                int64
	CameraID          string
	StartTime         time.Time
	AdjustedStartTime time.Time
	EndTime           time.Time
	TriggerType       string
	TriggerID         string
	ThumbnailPath     string
	ClipPath          string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Active reports whether the recording has not been closed yet.
func (r *Recording) Active() bool { return r.EndTime.IsZero() }

// Tier is a resolved storage tier: its position, root path and retention
// rules per category.
type Tier struct {
	ID             int
	Path           string
	Poll           bool
	MoveOnShutdown bool
	CheckInterval  time.Duration
	Continuous     config.RetentionRules
	Events         config.RetentionRules
	Snapshots      config.RetentionRules
}

// ResolveTiers turns the configured tier list into ordered Tier values.
func ResolveTiers(cfg config.StorageConfig) []Tier {
	tiers := make([]Tier, 0, len(cfg.Tiers))
	for i, tc := range cfg.Tiers {
		tiers = append(tiers, Tier{
			ID:             i,
			Path:           tc.Path,
			Poll:           tc.Poll,
			MoveOnShutdown: tc.MoveOnShutdown,
			CheckInterval:  tc.CheckInterval.Std(),
			Continuous:     tc.Continuous,
			Events:         tc.Events,
			Snapshots:      tc.Snapshots,
		})
	}
	return tiers
}

// SegmentsDir returns the fragment directory for a camera within the tier.
func (t Tier) SegmentsDir(cameraID string) string {
	return filepath.Join(t.Path, SubcategorySegments, cameraID)
}

// EventClipsDir returns the event clip directory for a camera within the tier.
func (t Tier) EventClipsDir(cameraID string) string {
	return filepath.Join(t.Path, SubcategoryEventClips, cameraID)
}

// ThumbnailsDir returns the thumbnail directory for a camera within the tier.
func (t Tier) ThumbnailsDir(cameraID string) string {
	return filepath.Join(t.Path, SubcategoryThumbnails, cameraID)
}

// SnapshotsDir returns the snapshot directory for a detector domain and
// camera within the tier.
func (t Tier) SnapshotsDir(domain, cameraID string) string {
	return filepath.Join(t.Path, CategorySnapshots, domain, cameraID)
}

// unixFloat converts a time to float unix seconds as stored in the index.
func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromUnixFloat converts float unix seconds back to a time.
func fromUnixFloat(f float64) time.Time {
	return time.Unix(0, int64(f*1e9))
}
