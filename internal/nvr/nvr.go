package nvr

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/osprey-nvr/osprey/internal/bus"
	"github.com/osprey-nvr/osprey/internal/camera"
	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/detect"
	"github.com/osprey-nvr/osprey/internal/storage"
)

// staleResultAge discards scanner results that sat in a queue across a
// long stall; acting on them would re-trigger recordings for objects
// long gone.
const staleResultAge = 5 * time.Second

// snapshotInterval throttles object snapshot writes while objects remain
// in view.
const snapshotInterval = 5 * time.Second

// ResultSource is the scanner surface the state machine drives: drain one
// result per tick, toggle scanning.
type ResultSource interface {
	TryResult() (camera.ScanResult, bool)
	Arm(on bool)
	Armed() bool
}

// RecorderControl abstracts the recorder for the state machine.
type RecorderControl interface {
	Start(ctx context.Context, triggerType, triggerID string, frame *camera.Frame) (*storage.Recording, error)
	Stop(ctx context.Context, rec *storage.Recording, end time.Time) error
}

// Options wires one camera's state machine.
type Options struct {
	Camera         config.CameraConfig
	Recorder       RecorderControl
	ObjectScanner  ResultSource // nil when object detection is off
	MotionScanner  ResultSource // nil when motion detection is off
	Detections     *storage.DetectionStore
	SnapshotTier   *storage.Tier
	SnapshotDomain string
	Bus            *bus.Bus
	Logger         *slog.Logger
	Now            func() time.Time
}

// StateMachine runs once per raw frame tick and decides when the
// recorder starts and stops. All state is owned by the tick goroutine;
// only the manual-request inbox is shared.
type StateMachine struct {
	cfg      config.CameraConfig
	filters  *detect.LabelFilters
	recorder RecorderControl
	object   ResultSource
	motion   ResultSource

	detections     *storage.DetectionStore
	snapshotTier   *storage.Tier
	snapshotDomain string

	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	// Recording state.
	isRecording    bool
	active         *storage.Recording
	currentTrigger string
	stopAt         time.Time
	lastCountdown  int

	// Detection state.
	motionDetected  bool
	motionRowID     int64
	objects         []detect.DetectedObject
	objectTriggers  bool
	motionOnlySince time.Time
	lastSnapshot    time.Time

	// Manual recording inbox, fed from the bus.
	mu             sync.Mutex
	manualPending  bool
	manualDuration time.Duration
	stopPending    bool
	manualActive   bool
	manualDeadline time.Time

	// Disconnect bookkeeping for gap semantics.
	disconnectedAt time.Time
}

// NewStateMachine builds the per-camera state machine.
func NewStateMachine(opts Options) *StateMachine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		cfg:            opts.Camera,
		filters:        detect.NewLabelFilters(opts.Camera.ObjectDetection.Labels),
		recorder:       opts.Recorder,
		object:         opts.ObjectScanner,
		motion:         opts.MotionScanner,
		detections:     opts.Detections,
		snapshotTier:   opts.SnapshotTier,
		snapshotDomain: opts.SnapshotDomain,
		bus:            opts.Bus,
		logger:         logger.With("component", "nvr", "camera", opts.Camera.ID),
		now:            now,
		lastCountdown:  -1,
	}
}

// Run consumes camera ticks until the channel closes, then closes any
// recording still open.
func (s *StateMachine) Run(ctx context.Context, cam *camera.Camera) {
	var subs []*nats.Subscription
	if s.bus != nil {
		if sub, err := s.bus.Subscribe(
			bus.CameraSubject(bus.SubjectManualStart, s.cfg.ID), s.onManualStart); err == nil {
			subs = append(subs, sub)
		}
		if sub, err := s.bus.Subscribe(
			bus.CameraSubject(bus.SubjectManualStop, s.cfg.ID), s.onManualStop); err == nil {
			subs = append(subs, sub)
		}
		if sub, err := s.bus.Subscribe(
			bus.CameraSubject(bus.SubjectCameraStatus, s.cfg.ID), s.onCameraStatus); err == nil {
			subs = append(subs, sub)
		}
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	s.applyScannerGates()

	for frame := range cam.Ticks() {
		s.Tick(ctx, frame)
		frame.Release()
	}

	if s.isRecording {
		s.stopRecording(context.Background(), s.now(), "shutdown")
	}
}

// Tick is one pass of the per-frame procedure: drain scanner results,
// compute the trigger, drive the recorder, recompute scanner gates.
func (s *StateMachine) Tick(ctx context.Context, frame *camera.Frame) {
	now := s.now()

	s.drainResults(ctx, frame, now)

	s.mu.Lock()
	stopPending := s.stopPending
	s.stopPending = false
	s.mu.Unlock()
	if stopPending && s.isRecording {
		s.stopRecording(ctx, now, "stop requested")
	}

	triggerNow, triggerType, triggerID := s.computeTrigger(now)
	s.applyTrigger(ctx, frame, now, triggerNow, triggerType, triggerID)
	s.enforceDeadlines(ctx, now)
	s.applyScannerGates()
}

// drainResults pulls at most one result per scanner. Motion drains first
// so require_motion object filters see this tick's motion state.
func (s *StateMachine) drainResults(ctx context.Context, frame *camera.Frame, now time.Time) {
	if s.motion != nil {
		if res, ok := s.motion.TryResult(); ok && now.Sub(res.Time) < staleResultAge {
			s.setMotion(ctx, res.Motion, now)
		}
	}
	if s.object != nil {
		if res, ok := s.object.TryResult(); ok && now.Sub(res.Time) < staleResultAge {
			if res.Err != nil {
				s.objects = nil
				s.objectTriggers = false
			} else {
				s.objects = s.filters.Apply(res.Objects, s.motionDetected)
				s.objectTriggers = s.filters.TriggersRecording(s.objects)
				s.persistObjects(ctx, frame, now)
			}
		}
	}
}

// setMotion tracks motion transitions and their interval rows.
func (s *StateMachine) setMotion(ctx context.Context, detected bool, now time.Time) {
	if detected == s.motionDetected {
		return
	}
	s.motionDetected = detected

	if s.detections == nil {
		return
	}
	if detected {
		id, err := s.detections.InsertMotion(ctx, s.cfg.ID, now)
		if err != nil {
			s.logger.Warn("Failed to record motion start", "error", err)
			return
		}
		s.motionRowID = id
	} else if s.motionRowID != 0 {
		if err := s.detections.EndMotion(ctx, s.motionRowID, now); err != nil {
			s.logger.Warn("Failed to close motion interval", "error", err)
		}
		s.motionRowID = 0
	}
}

// persistObjects stores filtered detections with a throttled snapshot.
func (s *StateMachine) persistObjects(ctx context.Context, frame *camera.Frame, now time.Time) {
	if s.detections == nil || len(s.objects) == 0 {
		return
	}
	if now.Sub(s.lastSnapshot) < snapshotInterval {
		return
	}
	s.lastSnapshot = now

	var snapshotPath string
	if s.snapshotTier != nil && frame != nil {
		if path, err := s.writeSnapshot(frame); err != nil {
			s.logger.Warn("Failed to write object snapshot", "error", err)
		} else {
			snapshotPath = path
		}
	}
	if err := s.detections.InsertObjects(ctx, s.cfg.ID, s.objects, snapshotPath); err != nil {
		s.logger.Warn("Failed to store detections", "error", err)
	}
}

func (s *StateMachine) writeSnapshot(frame *camera.Frame) (string, error) {
	data, err := frame.EncodeJPEG(80)
	if err != nil {
		return "", err
	}
	dir := s.snapshotTier.SnapshotsDir(s.snapshotDomain, s.cfg.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// computeTrigger applies the precedence: pending manual request, then
// objects, then motion.
func (s *StateMachine) computeTrigger(now time.Time) (bool, string, string) {
	s.mu.Lock()
	manualPending := s.manualPending
	manualDuration := s.manualDuration
	s.manualPending = false
	manualActive := s.manualActive
	s.mu.Unlock()

	if manualPending {
		s.mu.Lock()
		s.manualActive = true
		if manualDuration > 0 {
			s.manualDeadline = now.Add(manualDuration)
		} else {
			s.manualDeadline = time.Time{}
		}
		s.mu.Unlock()
		return true, storage.TriggerManual, ""
	}
	if manualActive {
		// A manual recording with no finite duration holds the trigger
		// until an explicit stop.
		return true, storage.TriggerManual, ""
	}
	if s.objectTriggers {
		return true, storage.TriggerObject, s.objects[0].Label
	}
	if s.motion != nil && s.cfg.MotionDetection.TriggerEventRecording && s.motionDetected {
		return true, storage.TriggerMotion, ""
	}
	return false, "", ""
}

func (s *StateMachine) applyTrigger(ctx context.Context, frame *camera.Frame, now time.Time, triggerNow bool, triggerType, triggerID string) {
	switch {
	case triggerNow && !s.isRecording:
		s.startRecording(ctx, frame, now, triggerType, triggerID)

	case triggerNow && s.isRecording:
		s.stopAt = time.Time{}
		s.lastCountdown = -1
		s.motionOnlySince = time.Time{}
		if triggerType == storage.TriggerManual && s.currentTrigger != storage.TriggerManual {
			s.logger.Info("Manual recording overrides event recording",
				"previous_trigger", s.currentTrigger)
			// stopRecording clears manual state as part of its reset; the
			// manual request that forced this transition must survive it.
			s.mu.Lock()
			manualActive, manualDeadline := s.manualActive, s.manualDeadline
			s.mu.Unlock()
			s.stopRecording(ctx, now, "manual override")
			s.mu.Lock()
			s.manualActive, s.manualDeadline = manualActive, manualDeadline
			s.mu.Unlock()
			s.startRecording(ctx, frame, now, triggerType, triggerID)
		}

	case !triggerNow && s.isRecording:
		s.armCountdown(now)
	}
}

// armCountdown starts the idle countdown unless the motion keepalive is
// holding the recording open.
func (s *StateMachine) armCountdown(now time.Time) {
	keepalive := s.cfg.Recorder.Keepalive && s.motion != nil && s.motionDetected &&
		s.currentTrigger != storage.TriggerManual

	if keepalive {
		if s.motionOnlySince.IsZero() {
			s.motionOnlySince = now
		}
		maxKeepalive := time.Duration(s.cfg.Recorder.MaxKeepalive) * time.Second
		if now.Sub(s.motionOnlySince) <= maxKeepalive {
			// Motion is extending the recording; no countdown yet.
			return
		}
		if s.stopAt.IsZero() {
			s.logger.Info("Max keepalive reached, starting idle countdown")
		}
	}

	if s.stopAt.IsZero() {
		s.stopAt = now.Add(time.Duration(s.cfg.Recorder.IdleTimeout) * time.Second)
		s.lastCountdown = -1
	}
}

// enforceDeadlines runs the countdown, the hard recording cap and finite
// manual durations.
func (s *StateMachine) enforceDeadlines(ctx context.Context, now time.Time) {
	if !s.isRecording {
		return
	}

	s.mu.Lock()
	manualDeadline := s.manualDeadline
	s.mu.Unlock()

	if !s.stopAt.IsZero() {
		left := int(math.Ceil(s.stopAt.Sub(now).Seconds()))
		if left < 0 {
			left = 0
		}
		if left != s.lastCountdown {
			s.logger.Debug("Stopping recorder", "seconds_left", left)
			s.lastCountdown = left
		}
		if left == 0 {
			s.stopRecording(ctx, now, "idle timeout")
			return
		}
	}

	maxTime := time.Duration(s.cfg.Recorder.MaxRecordingTime) * time.Second
	if maxTime > 0 && now.Sub(s.active.StartTime) >= maxTime {
		s.logger.Warn("Max recording time exceeded, forcing stop")
		s.stopRecording(ctx, now, "max recording time")
		return
	}

	if !manualDeadline.IsZero() && !now.Before(manualDeadline) {
		s.stopRecording(ctx, now, "manual duration elapsed")
	}
}

func (s *StateMachine) startRecording(ctx context.Context, frame *camera.Frame, now time.Time, triggerType, triggerID string) {
	rec, err := s.recorder.Start(ctx, triggerType, triggerID, frame)
	if err != nil {
		s.logger.Error("Failed to start recording", "error", err)
		return
	}
	s.isRecording = true
	s.active = rec
	s.currentTrigger = triggerType
	s.stopAt = time.Time{}
	s.lastCountdown = -1
	s.motionOnlySince = time.Time{}

	// The motion scanner may have been idle; keepalive needs it running.
	if s.cfg.Recorder.Keepalive && s.motion != nil {
		s.motion.Arm(true)
	}
}

func (s *StateMachine) stopRecording(ctx context.Context, now time.Time, reason string) {
	if err := s.recorder.Stop(ctx, s.active, now); err != nil {
		s.logger.Error("Failed to stop recording", "error", err)
	}
	s.logger.Info("Recorder stopped", "reason", reason)

	s.isRecording = false
	s.active = nil
	s.currentTrigger = ""
	s.stopAt = time.Time{}
	s.lastCountdown = -1
	s.motionOnlySince = time.Time{}

	s.mu.Lock()
	s.manualActive = false
	s.manualDeadline = time.Time{}
	s.mu.Unlock()
}

// applyScannerGates recomputes scan flags at tick end.
func (s *StateMachine) applyScannerGates() {
	if s.object != nil {
		on := !s.cfg.ObjectDetection.ScanOnMotionOnly || s.motionDetected
		s.object.Arm(on)
	}
	if s.motion != nil {
		on := !s.isRecording || s.cfg.Recorder.Keepalive
		s.motion.Arm(on)
	}
}

// RequestManualStart queues a manual recording. duration zero means open
// ended until RequestManualStop.
func (s *StateMachine) RequestManualStart(duration time.Duration) {
	s.mu.Lock()
	s.manualPending = true
	s.manualDuration = duration
	s.mu.Unlock()
}

// RequestManualStop queues a stop for the active recording.
func (s *StateMachine) RequestManualStop() {
	s.mu.Lock()
	s.stopPending = true
	s.manualActive = false
	s.mu.Unlock()
}

func (s *StateMachine) onManualStart(msg *nats.Msg) {
	var req bus.ManualStart
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("Malformed manual start request", "error", err)
			return
		}
	}
	s.logger.Info("Manual recording requested", "duration_seconds", req.Duration)
	s.RequestManualStart(time.Duration(req.Duration) * time.Second)
}

func (s *StateMachine) onManualStop(msg *nats.Msg) {
	s.logger.Info("Manual recording stop requested")
	s.RequestManualStop()
}

// onCameraStatus implements the disconnect gap rule: a reconnect after a
// gap longer than idle_timeout closes the open recording; a shorter gap
// keeps writing into the same event.
func (s *StateMachine) onCameraStatus(msg *nats.Msg) {
	var status bus.CameraStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch status.Status {
	case "disconnected":
		if s.disconnectedAt.IsZero() {
			s.disconnectedAt = s.now()
		}
	case "connected":
		if !s.disconnectedAt.IsZero() {
			gap := s.now().Sub(s.disconnectedAt)
			idle := time.Duration(s.cfg.Recorder.IdleTimeout) * time.Second
			if gap > idle {
				// Queue a stop; the tick goroutine owns recording state
				// and discards it when nothing is recording.
				s.stopPending = true
				s.logger.Info("Stream gap exceeded idle timeout", "gap", gap.String())
			}
			s.disconnectedAt = time.Time{}
		}
	}
}
