package nvr

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/osprey-nvr/osprey/internal/camera"
	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/detect"
	"github.com/osprey-nvr/osprey/internal/storage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeScanner struct {
	results []camera.ScanResult
	armed   bool
}

func (f *fakeScanner) TryResult() (camera.ScanResult, bool) {
	if len(f.results) == 0 {
		return camera.ScanResult{}, false
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, true
}

func (f *fakeScanner) Arm(on bool) { f.armed = on }
func (f *fakeScanner) Armed() bool { return f.armed }

type fakeRecorder struct {
	clock  *fakeClock
	nextID int64

	starts      int
	stops       int
	lastTrigger string
	lastEnd     time.Time
}

func (f *fakeRecorder) Start(ctx context.Context, triggerType, triggerID string, frame *camera.Frame) (*storage.Recording, error) {
	f.starts++
	f.nextID++
	f.lastTrigger = triggerType
	return &storage.Recording{
		ID:          f.nextID,
		CameraID:    "front",
		StartTime:   f.clock.now(),
		TriggerType: triggerType,
		TriggerID:   triggerID,
	}, nil
}

func (f *fakeRecorder) Stop(ctx context.Context, rec *storage.Recording, end time.Time) error {
	f.stops++
	f.lastEnd = end
	return nil
}

func testCameraConfig() config.CameraConfig {
	return config.CameraConfig{
		ID: "front",
		Recorder: config.RecorderConfig{
			IdleTimeout:      10,
			MaxRecordingTime: 300,
		},
		ObjectDetection: config.ObjectDetectionConfig{
			Enabled: true,
			Labels: []config.LabelConfig{
				{Label: "person", Confidence: 0.5},
			},
		},
		MotionDetection: config.MotionDetectionConfig{
			Enabled:               true,
			TriggerEventRecording: false,
		},
	}
}

func newTestMachine(t *testing.T, cfg config.CameraConfig) (*StateMachine, *fakeRecorder, *fakeScanner, *fakeScanner, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rec := &fakeRecorder{clock: clock}
	object := &fakeScanner{}
	motion := &fakeScanner{}

	sm := NewStateMachine(Options{
		Camera:        cfg,
		Recorder:      rec,
		ObjectScanner: object,
		MotionScanner: motion,
		Logger:        slog.Default(),
		Now:           clock.now,
	})
	return sm, rec, object, motion, clock
}

func personResult(clock *fakeClock) camera.ScanResult {
	return camera.ScanResult{
		Objects: []detect.DetectedObject{
			{Label: "person", Confidence: 0.9, RelWidth: 0.2, RelHeight: 0.4},
		},
		Time: clock.now(),
	}
}

func motionResult(clock *fakeClock, detected bool) camera.ScanResult {
	return camera.ScanResult{Motion: detected, Time: clock.now()}
}

func TestStateMachine_ObjectTriggerThenIdleStop(t *testing.T) {
	sm, rec, object, _, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)

	if rec.starts != 1 {
		t.Fatalf("starts = %d, want 1", rec.starts)
	}
	if rec.lastTrigger != storage.TriggerObject {
		t.Errorf("trigger = %s", rec.lastTrigger)
	}

	// Objects gone: an empty result clears the trigger, the countdown arms.
	clock.advance(time.Second)
	object.results = append(object.results, camera.ScanResult{Time: clock.now()})
	sm.Tick(ctx, nil)
	if rec.stops != 0 {
		t.Fatal("stopped before idle timeout")
	}

	// Halfway through the countdown nothing happens.
	clock.advance(5 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 0 {
		t.Fatal("stopped mid countdown")
	}

	clock.advance(6 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 1 {
		t.Fatalf("stops = %d, want 1", rec.stops)
	}
}

func TestStateMachine_RetriggerCancelsCountdown(t *testing.T) {
	sm, rec, object, _, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)

	clock.advance(time.Second)
	object.results = append(object.results, camera.ScanResult{Time: clock.now()})
	sm.Tick(ctx, nil) // countdown armed

	// Person returns before the countdown expires.
	clock.advance(5 * time.Second)
	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)

	// The original deadline passes without a stop.
	clock.advance(8 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 0 {
		t.Fatal("countdown was not cancelled by the re-trigger")
	}
}

func TestStateMachine_KeepaliveExtendsUntilCap(t *testing.T) {
	cfg := testCameraConfig()
	cfg.Recorder.Keepalive = true
	cfg.Recorder.MaxKeepalive = 30
	sm, rec, object, motion, clock := newTestMachine(t, cfg)
	ctx := context.Background()

	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)

	// Objects leave but motion continues.
	clock.advance(time.Second)
	object.results = append(object.results, camera.ScanResult{Time: clock.now()})
	motion.results = append(motion.results, motionResult(clock, true))
	sm.Tick(ctx, nil)

	// Well past the idle timeout, motion alone holds the recording open.
	clock.advance(20 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 0 {
		t.Fatal("keepalive did not hold the recording open")
	}

	// Past the keepalive cap the countdown finally arms and expires.
	clock.advance(15 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 0 {
		t.Fatal("stopped the moment the cap was reached, before the countdown")
	}
	clock.advance(11 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 1 {
		t.Fatalf("stops = %d, want 1 after keepalive cap plus idle timeout", rec.stops)
	}
}

func TestStateMachine_ManualOverridesEvent(t *testing.T) {
	sm, rec, object, _, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)
	if rec.lastTrigger != storage.TriggerObject {
		t.Fatalf("trigger = %s", rec.lastTrigger)
	}

	// A manual request while an event recording runs replaces it.
	clock.advance(time.Second)
	sm.RequestManualStart(0)
	sm.Tick(ctx, nil)
	if rec.stops != 1 || rec.starts != 2 {
		t.Fatalf("starts/stops = %d/%d, want 2/1", rec.starts, rec.stops)
	}
	if rec.lastTrigger != storage.TriggerManual {
		t.Errorf("trigger = %s", rec.lastTrigger)
	}

	// Open-ended manual recording ignores the idle timeout.
	clock.advance(60 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 1 {
		t.Fatal("manual recording stopped without a stop request")
	}

	sm.RequestManualStop()
	sm.Tick(ctx, nil)
	if rec.stops != 2 {
		t.Fatalf("stops = %d, want 2 after manual stop", rec.stops)
	}
}

func TestStateMachine_ManualFiniteDuration(t *testing.T) {
	sm, rec, _, _, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	sm.RequestManualStart(60 * time.Second)
	sm.Tick(ctx, nil)
	if rec.starts != 1 {
		t.Fatalf("starts = %d, want 1", rec.starts)
	}

	clock.advance(30 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 0 {
		t.Fatal("stopped before the requested duration")
	}

	clock.advance(31 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 1 {
		t.Fatalf("stops = %d, want 1 after the duration elapsed", rec.stops)
	}
}

func TestStateMachine_ManualOverrideKeepsFiniteDuration(t *testing.T) {
	sm, rec, object, _, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)

	// Override the event recording with a 2 s manual one. The objects
	// clear on the same tick, so only the manual deadline can stop it.
	clock.advance(time.Second)
	sm.RequestManualStart(2 * time.Second)
	object.results = append(object.results, camera.ScanResult{Time: clock.now()})
	sm.Tick(ctx, nil)
	if rec.stops != 1 || rec.starts != 2 {
		t.Fatalf("starts/stops = %d/%d, want 2/1", rec.starts, rec.stops)
	}

	clock.advance(time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 1 {
		t.Fatal("manual recording stopped before its duration")
	}

	clock.advance(3 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 2 {
		t.Fatalf("stops = %d, want 2 after the manual duration elapsed", rec.stops)
	}
}

func TestStateMachine_ManualOverrideHoldsAfterObjectsClear(t *testing.T) {
	sm, rec, object, _, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)

	clock.advance(time.Second)
	sm.RequestManualStart(0)
	object.results = append(object.results, camera.ScanResult{Time: clock.now()})
	sm.Tick(ctx, nil)
	if rec.stops != 1 || rec.starts != 2 {
		t.Fatalf("starts/stops = %d/%d, want 2/1", rec.starts, rec.stops)
	}

	// With no objects in view only the manual hold keeps it open; the
	// idle timeout must not fire.
	clock.advance(60 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 1 {
		t.Fatal("open-ended manual recording fell to the idle timeout")
	}

	sm.RequestManualStop()
	sm.Tick(ctx, nil)
	if rec.stops != 2 {
		t.Fatalf("stops = %d, want 2 after manual stop", rec.stops)
	}
}

func TestStateMachine_MaxRecordingTime(t *testing.T) {
	sm, rec, object, _, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)

	// The object stays in view the whole time; the hard cap still fires.
	clock.advance(301 * time.Second)
	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)
	if rec.stops != 1 {
		t.Fatalf("stops = %d, want 1 after max recording time", rec.stops)
	}
}

func TestStateMachine_MotionTrigger(t *testing.T) {
	cfg := testCameraConfig()
	cfg.MotionDetection.TriggerEventRecording = true
	sm, rec, _, motion, clock := newTestMachine(t, cfg)
	ctx := context.Background()

	motion.results = append(motion.results, motionResult(clock, true))
	sm.Tick(ctx, nil)
	if rec.starts != 1 || rec.lastTrigger != storage.TriggerMotion {
		t.Fatalf("starts = %d trigger = %s", rec.starts, rec.lastTrigger)
	}

	clock.advance(time.Second)
	motion.results = append(motion.results, motionResult(clock, false))
	sm.Tick(ctx, nil)
	clock.advance(11 * time.Second)
	sm.Tick(ctx, nil)
	if rec.stops != 1 {
		t.Fatalf("stops = %d, want 1", rec.stops)
	}
}

func TestStateMachine_ScannerGates(t *testing.T) {
	cfg := testCameraConfig()
	cfg.ObjectDetection.ScanOnMotionOnly = true
	sm, _, object, motion, clock := newTestMachine(t, cfg)
	ctx := context.Background()

	// No motion yet: object scanning stays off, motion scanning on.
	sm.Tick(ctx, nil)
	if object.Armed() {
		t.Error("object scanner armed without motion")
	}
	if !motion.Armed() {
		t.Error("motion scanner not armed while idle")
	}

	// Motion arrives: object scanning turns on.
	motion.results = append(motion.results, motionResult(clock, true))
	sm.Tick(ctx, nil)
	if !object.Armed() {
		t.Error("object scanner not armed after motion")
	}
}

func TestStateMachine_MotionDisarmedWhileRecordingWithoutKeepalive(t *testing.T) {
	sm, rec, object, motion, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	object.results = append(object.results, personResult(clock))
	sm.Tick(ctx, nil)
	if rec.starts != 1 {
		t.Fatal("no recording")
	}
	if motion.Armed() {
		t.Error("motion scanner armed mid recording with keepalive off")
	}
}

func TestStateMachine_StaleResultsIgnored(t *testing.T) {
	sm, rec, object, _, clock := newTestMachine(t, testCameraConfig())
	ctx := context.Background()

	// A result that sat in the queue through a long stall.
	stale := personResult(clock)
	stale.Time = clock.now().Add(-time.Minute)
	object.results = append(object.results, stale)
	sm.Tick(ctx, nil)
	if rec.starts != 0 {
		t.Fatal("stale result started a recording")
	}
}
