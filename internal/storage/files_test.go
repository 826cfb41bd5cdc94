package storage

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/osprey-nvr/osprey/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(database.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testLogger() *slog.Logger { return slog.Default() }

func fragmentRow(cameraID string, tierID int, ts time.Time, size int64) *FileRow {
	return &FileRow{
		TierID:      tierID,
		TierPath:    "/tier",
		CameraID:    cameraID,
		Category:    CategoryRecorder,
		Subcategory: SubcategorySegments,
		Path:        fmt.Sprintf("/tier/segments/%s/%d.m4s", cameraID, ts.Unix()),
		Size:        size,
		OrigCtime:   ts,
	}
}

func TestFileStore_UpsertIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewFileStore(db)
	ctx := context.Background()

	row := &FileRow{
		TierID: 0, TierPath: "/t", CameraID: "cam", Category: CategoryRecorder,
		Subcategory: SubcategorySegments, Path: "/t/segments/cam/100.m4s",
		Size: 10, OrigCtime: time.Unix(100, 0),
	}
	if err := store.Upsert(ctx, row); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	row.Size = 20
	if err := store.Upsert(ctx, row); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	got, err := store.Get(ctx, row.Path)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for upserted path")
	}
	if got.Size != 20 {
		t.Errorf("Size = %d, want 20", got.Size)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestFileStore_Move(t *testing.T) {
	db := newTestDB(t)
	store := NewFileStore(db)
	ctx := context.Background()

	row := &FileRow{
		TierID: 0, TierPath: "/fast", CameraID: "cam", Category: CategoryRecorder,
		Subcategory: SubcategorySegments, Path: "/fast/segments/cam/100.m4s",
		Size: 10, OrigCtime: time.Unix(100, 0),
	}
	if err := store.Upsert(ctx, row); err != nil {
		t.Fatal(err)
	}

	if err := store.Move(ctx, row.Path, "/slow/segments/cam/100.m4s", 1, "/slow"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}

	if got, _ := store.Get(ctx, row.Path); got != nil {
		t.Error("old path still resolves after move")
	}
	got, err := store.Get(ctx, "/slow/segments/cam/100.m4s")
	if err != nil || got == nil {
		t.Fatalf("Get(new path) = %v, %v", got, err)
	}
	if got.TierID != 1 || got.TierPath != "/slow" || got.Filename != "100.m4s" {
		t.Errorf("moved row = %+v", got)
	}

	if err := store.Move(ctx, "/missing", "/x", 1, "/slow"); err == nil {
		t.Error("Move() of unindexed path succeeded, want error")
	}
}

func TestFileStore_SetDuration(t *testing.T) {
	db := newTestDB(t)
	store := NewFileStore(db)
	ctx := context.Background()

	if err := store.SetDuration(ctx, "/missing", 5.0); err == nil {
		t.Error("SetDuration() on missing row succeeded, want error")
	}

	row := &FileRow{
		TierID: 0, TierPath: "/t", CameraID: "cam", Category: CategoryRecorder,
		Subcategory: SubcategorySegments, Path: "/t/segments/cam/100.m4s",
		Size: 10, OrigCtime: time.Unix(100, 0),
	}
	if err := store.Upsert(ctx, row); err != nil {
		t.Fatal(err)
	}
	if err := store.SetDuration(ctx, row.Path, 5.005); err != nil {
		t.Fatalf("SetDuration() error = %v", err)
	}
	got, _ := store.Get(ctx, row.Path)
	if !got.HasDuration || got.Duration != 5.005 {
		t.Errorf("duration = %v (set=%v), want 5.005", got.Duration, got.HasDuration)
	}
}

func TestFileStore_FragmentsInRange(t *testing.T) {
	db := newTestDB(t)
	store := NewFileStore(db)
	ctx := context.Background()

	base := time.Unix(1000, 0)
	insert := func(ts time.Time, dur float64) {
		t.Helper()
		row := fragmentRow("cam", 0, ts, 100)
		if err := store.Upsert(ctx, row); err != nil {
			t.Fatal(err)
		}
		if err := store.SetDuration(ctx, row.Path, dur); err != nil {
			t.Fatal(err)
		}
	}

	// Fragments at t=1000, 1005, 1010, 1015, each 5s long.
	for i := 0; i < 4; i++ {
		insert(base.Add(time.Duration(i*5)*time.Second), 5.0)
	}

	// Window [1007, 1012]: fragment 1005 straddles the start, 1010 starts
	// inside. 1000 ends at 1005 (before the window), 1015 starts after.
	got, err := store.FragmentsInRange(ctx, "cam", time.Unix(1007, 0), time.Unix(1012, 0))
	if err != nil {
		t.Fatalf("FragmentsInRange() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d fragments, want 2", len(got))
	}
	if got[0].OrigCtime.Unix() != 1005 || got[1].OrigCtime.Unix() != 1010 {
		t.Errorf("fragments at %d, %d; want 1005, 1010",
			got[0].OrigCtime.Unix(), got[1].OrigCtime.Unix())
	}

	// A fragment with no duration yet must never surface.
	pending := fragmentRow("cam", 0, time.Unix(1011, 0), 100)
	pending.Path = "/tier/segments/cam/pending.m4s"
	if err := store.Upsert(ctx, pending); err != nil {
		t.Fatal(err)
	}
	got, err = store.FragmentsInRange(ctx, "cam", time.Unix(1007, 0), time.Unix(1012, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("fragment without duration surfaced, got %d rows", len(got))
	}
}

func TestFileStore_FragmentsInRange_DedupeInFlightMove(t *testing.T) {
	db := newTestDB(t)
	store := NewFileStore(db)
	ctx := context.Background()

	ts := time.Unix(2000, 0)

	src := fragmentRow("cam", 0, ts, 100)
	src.Path = "/fast/segments/cam/2000.m4s"
	if err := store.Upsert(ctx, src); err != nil {
		t.Fatal(err)
	}
	if err := store.SetDuration(ctx, src.Path, 5.0); err != nil {
		t.Fatal(err)
	}

	// The copy at the destination tier got indexed by the watcher before
	// the source row was rewritten. Both rows share the filename.
	time.Sleep(1100 * time.Millisecond) // distinct created_at seconds
	dst := fragmentRow("cam", 1, ts, 100)
	dst.Path = "/slow/segments/cam/2000.m4s"
	dst.TierPath = "/slow"
	if err := store.Upsert(ctx, dst); err != nil {
		t.Fatal(err)
	}
	if err := store.SetDuration(ctx, dst.Path, 5.0); err != nil {
		t.Fatal(err)
	}

	got, err := store.FragmentsInRange(ctx, "cam", time.Unix(1995, 0), time.Unix(2010, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows for one filename, want 1", len(got))
	}
	if got[0].Path != dst.Path {
		t.Errorf("dedupe kept %s, want the newer row %s", got[0].Path, dst.Path)
	}
}

func TestRecordingStore_InsertAndIntersecting(t *testing.T) {
	db := newTestDB(t)
	store := NewRecordingStore(db)
	ctx := context.Background()

	rec := &Recording{
		CameraID:          "cam",
		StartTime:         time.Unix(5000, 0),
		AdjustedStartTime: time.Unix(4990, 0),
		TriggerType:       TriggerObject,
		ThumbnailPath:     "/t/thumbnails/cam/1.jpg",
	}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("Insert() did not assign an id")
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active() {
		t.Error("fresh recording not active")
	}
	if got.AdjustedStartTime.Unix() != 4990 {
		t.Errorf("adjusted start = %v", got.AdjustedStartTime)
	}

	// Open recordings intersect any window reaching past their start.
	recs, err := store.Intersecting(ctx, "cam", time.Unix(6000, 0), time.Unix(7000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("open recording not returned, got %d", len(recs))
	}

	if err := store.SetEndTime(ctx, rec.ID, time.Unix(5100, 0)); err != nil {
		t.Fatal(err)
	}

	recs, err = store.Intersecting(ctx, "cam", time.Unix(6000, 0), time.Unix(7000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("closed recording returned for a later window, got %d", len(recs))
	}

	recs, err = store.Intersecting(ctx, "cam", time.Unix(5050, 0), time.Unix(5060, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Active() {
		t.Errorf("closed recording missing from its own window: %+v", recs)
	}
}

func TestRecordingStore_GetMissing(t *testing.T) {
	db := newTestDB(t)
	store := NewRecordingStore(db)

	got, err := store.Get(context.Background(), 999)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get(missing) = %+v, want nil", got)
	}
}
