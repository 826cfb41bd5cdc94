package nvr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osprey-nvr/osprey/internal/camera"
	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/database"
	"github.com/osprey-nvr/osprey/internal/storage"
)

func newTestRecordings(t *testing.T) *storage.RecordingStore {
	t.Helper()
	db, err := database.Open(database.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.NewRecordingStore(db)
}

type fakeClips struct {
	path  string
	fails int // errors returned before succeeding
	calls int
}

func (f *fakeClips) CreateClip(ctx context.Context, rec *storage.Recording) (string, error) {
	f.calls++
	if f.calls <= f.fails {
		return "", errors.New("fragments not indexed yet")
	}
	return f.path, nil
}

func grayFrame(t *testing.T) *camera.Frame {
	t.Helper()
	w, h := 16, 16
	buf := make([]byte, w*h*3/2)
	for i := range buf {
		buf[i] = 128
	}
	return camera.NewFrame(buf, w, h, time.Now())
}

func recorderConfig() config.CameraConfig {
	return config.CameraConfig{
		ID:              "front",
		SegmentDuration: 5,
		Lookback:        5,
	}
}

func TestRecorder_StartWritesRowAndThumbnail(t *testing.T) {
	store := newTestRecordings(t)
	tier := storage.Tier{ID: 0, Path: t.TempDir()}
	r := NewRecorder(recorderConfig(), store, tier, nil, nil, slog.Default())

	frame := grayFrame(t)
	defer frame.Release()

	rec, err := r.Start(context.Background(), storage.TriggerObject, "person", frame)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("recording got no id")
	}

	// The adjusted start reaches back one segment plus the lookback.
	wantAdjusted := rec.StartTime.Add(-10 * time.Second)
	if !rec.AdjustedStartTime.Equal(wantAdjusted) {
		t.Errorf("adjusted start = %v, want %v", rec.AdjustedStartTime, wantAdjusted)
	}

	wantThumb := filepath.Join(tier.ThumbnailsDir("front"), fmt.Sprintf("%d.jpg", rec.ID))
	if rec.ThumbnailPath != wantThumb {
		t.Errorf("thumbnail path = %s, want %s", rec.ThumbnailPath, wantThumb)
	}
	if _, err := os.Stat(wantThumb); err != nil {
		t.Errorf("thumbnail not on disk: %v", err)
	}

	stored, err := store.Get(context.Background(), rec.ID)
	if err != nil || stored == nil {
		t.Fatalf("Get() = %v, %v", stored, err)
	}
	if stored.TriggerType != storage.TriggerObject || stored.TriggerID != "person" {
		t.Errorf("stored trigger = %s/%s", stored.TriggerType, stored.TriggerID)
	}
	if !stored.Active() {
		t.Error("fresh recording not active")
	}
}

func TestRecorder_StopClosesRow(t *testing.T) {
	store := newTestRecordings(t)
	tier := storage.Tier{ID: 0, Path: t.TempDir()}
	r := NewRecorder(recorderConfig(), store, tier, nil, nil, slog.Default())

	rec, err := r.Start(context.Background(), storage.TriggerMotion, "", nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	end := rec.StartTime.Add(30 * time.Second)
	if err := r.Stop(context.Background(), rec, end); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stored, err := store.Get(context.Background(), rec.ID)
	if err != nil || stored == nil {
		t.Fatalf("Get() = %v, %v", stored, err)
	}
	if stored.Active() {
		t.Error("stopped recording still active")
	}
	if stored.EndTime.Unix() != end.Unix() {
		t.Errorf("end time = %v, want %v", stored.EndTime, end)
	}
}

func TestRecorder_ClipRetriesOnce(t *testing.T) {
	store := newTestRecordings(t)
	tier := storage.Tier{ID: 0, Path: t.TempDir()}
	cfg := recorderConfig()
	cfg.Recorder.CreateEventClip = true
	clips := &fakeClips{path: "/tier/event_clips/front/1.mp4", fails: 1}
	r := NewRecorder(cfg, store, tier, clips, nil, slog.Default())

	rec, err := r.Start(context.Background(), storage.TriggerObject, "person", nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Stop(context.Background(), rec, rec.StartTime.Add(10*time.Second)); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// The clip runs on a goroutine with a retry delay between attempts.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := store.Get(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if stored.ClipPath == clips.path {
			if clips.calls != 2 {
				t.Errorf("clip calls = %d, want 2", clips.calls)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("clip path never stored")
}
