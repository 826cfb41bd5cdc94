// Package nvr contains the per-camera recording brain: the recorder that
// owns recording rows and their artifacts, and the state machine deciding
// when recordings start and stop.
package nvr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/osprey-nvr/osprey/internal/bus"
	"github.com/osprey-nvr/osprey/internal/camera"
	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/storage"
)

// clipRetryDelay waits out the fragmenter when an event clip fails on
// the first attempt because the final fragment is not indexed yet.
const clipRetryDelay = 2 * time.Second

// ClipMaker materializes a recording's fragments into a single MP4.
type ClipMaker interface {
	CreateClip(ctx context.Context, rec *storage.Recording) (string, error)
}

// RecordingEvent is the payload published on recorder start/stop/complete.
type RecordingEvent struct {
	CameraID  string             `json:"camera_identifier"`
	Recording *storage.Recording `json:"recording"`
}

// Recorder owns recording rows for one camera: inserting them, writing
// the start thumbnail, closing them and materializing event clips.
type Recorder struct {
	cfg        config.CameraConfig
	recordings *storage.RecordingStore
	tier       storage.Tier // first tier, where artifacts land
	clips      ClipMaker
	bus        *bus.Bus
	logger     *slog.Logger
}

func NewRecorder(cfg config.CameraConfig, recordings *storage.RecordingStore, tier storage.Tier, clips ClipMaker, b *bus.Bus, logger *slog.Logger) *Recorder {
	return &Recorder{
		cfg:        cfg,
		recordings: recordings,
		tier:       tier,
		clips:      clips,
		bus:        b,
		logger:     logger.With("component", "recorder", "camera", cfg.ID),
	}
}

// Start inserts the recording row, snapshots the triggering frame as the
// thumbnail and announces the recording on the bus.
func (r *Recorder) Start(ctx context.Context, triggerType, triggerID string, frame *camera.Frame) (*storage.Recording, error) {
	now := time.Now()
	lookback := time.Duration(r.cfg.Lookback) * time.Second
	segment := time.Duration(r.cfg.SegmentDuration) * time.Second

	rec := &storage.Recording{
		CameraID:          r.cfg.ID,
		StartTime:         now,
		AdjustedStartTime: now.Add(-segment - lookback),
		TriggerType:       triggerType,
		TriggerID:         triggerID,
	}
	if err := r.recordings.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert recording: %w", err)
	}

	if frame != nil {
		if path, err := r.writeThumbnail(rec.ID, frame); err != nil {
			r.logger.Warn("Failed to write thumbnail", "recording", rec.ID, "error", err)
		} else {
			rec.ThumbnailPath = path
			if err := r.recordings.UpdatePaths(ctx, rec.ID, path, rec.ClipPath); err != nil {
				r.logger.Warn("Failed to store thumbnail path", "recording", rec.ID, "error", err)
			}
		}
	}

	r.logger.Info("Recording started", "recording", rec.ID, "trigger", triggerType)
	r.publish(bus.SubjectRecorderStart, rec)
	return rec, nil
}

// Stop closes the recording and, when configured, materializes the event
// clip before announcing completion. The clip is retried once because
// the final fragment may still be in flight through the fragmenter.
func (r *Recorder) Stop(ctx context.Context, rec *storage.Recording, end time.Time) error {
	if err := r.recordings.SetEndTime(ctx, rec.ID, end); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	rec.EndTime = end

	duration := end.Sub(rec.StartTime).Round(time.Second)
	r.logger.Info("Recording stopped", "recording", rec.ID, "duration", duration.String())
	r.publish(bus.SubjectRecorderStop, rec)

	if r.clips == nil || !r.cfg.Recorder.CreateEventClip {
		r.publish(bus.SubjectRecorderDone, rec)
		return nil
	}

	go r.materializeClip(ctx, rec)
	return nil
}

func (r *Recorder) materializeClip(ctx context.Context, rec *storage.Recording) {
	path, err := r.clips.CreateClip(ctx, rec)
	if err != nil {
		r.logger.Warn("Event clip failed, retrying once", "recording", rec.ID, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(clipRetryDelay):
		}
		path, err = r.clips.CreateClip(ctx, rec)
	}
	if err != nil {
		// Clip stays NULL; the fragments are still in the index and the
		// recording plays back via HLS regardless.
		r.logger.Error("Event clip failed", "recording", rec.ID, "error", err)
		r.publish(bus.SubjectRecorderDone, rec)
		return
	}

	rec.ClipPath = path
	if err := r.recordings.SetClipPath(ctx, rec.ID, path); err != nil {
		r.logger.Error("Failed to store clip path", "recording", rec.ID, "error", err)
	}
	r.publish(bus.SubjectRecorderDone, rec)
}

func (r *Recorder) writeThumbnail(recordingID int64, frame *camera.Frame) (string, error) {
	data, err := frame.EncodeJPEG(80)
	if err != nil {
		return "", err
	}
	dir := r.tier.ThumbnailsDir(r.cfg.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.jpg", recordingID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Recorder) publish(subjectFormat string, rec *storage.Recording) {
	if r.bus == nil {
		return
	}
	subject := bus.CameraSubject(subjectFormat, r.cfg.ID)
	if err := r.bus.Publish(subject, RecordingEvent{CameraID: r.cfg.ID, Recording: rec}); err != nil {
		r.logger.Warn("Failed to publish recorder event", "subject", subject, "error", err)
	}
}
