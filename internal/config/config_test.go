package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
system:
  data_dir: /tmp/nvr
  log_level: debug
storage:
  tiers:
    - path: /tmp/tier0
      move_on_shutdown: true
      continuous:
        max_age: 24h
        max_size_gb: 10
      events:
        max_age: 168h
    - path: /tmp/tier1
      poll: true
      continuous:
        max_age: 720h
cameras:
  - id: front_door
    name: Front Door
    stream:
      url: rtsp://cam.local/stream
      sub_url: rtsp://cam.local/substream
    segment_duration: 5
    lookback: 5
    recorder:
      idle_timeout: 10
      keepalive: true
    object_detection:
      enabled: true
      fps: 1
      labels:
        - label: person
          confidence: 0.8
          width_max: 1
          height_max: 1
    motion_detection:
      enabled: true
      fps: 2
      trigger_event_recording: false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Cameras) != 1 {
		t.Fatalf("expected 1 camera, got %d", len(cfg.Cameras))
	}
	cam := cfg.Cameras[0]
	if cam.ID != "front_door" {
		t.Errorf("camera id = %q", cam.ID)
	}
	if !cam.Recorder.Keepalive {
		t.Error("keepalive not parsed")
	}
	if cam.Recorder.MaxKeepalive != 30 {
		t.Errorf("max_keepalive default = %d, want 30", cam.Recorder.MaxKeepalive)
	}
	if len(cfg.Storage.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(cfg.Storage.Tiers))
	}
	if cfg.Storage.Tiers[0].Continuous.MaxAge.Std() != 24*time.Hour {
		t.Errorf("tier 0 max_age = %v", cfg.Storage.Tiers[0].Continuous.MaxAge.Std())
	}
	if cfg.Storage.Tiers[0].Continuous.MaxBytes() != 10*1024*1024*1024 {
		t.Errorf("tier 0 max bytes = %d", cfg.Storage.Tiers[0].Continuous.MaxBytes())
	}
	if !cfg.Storage.Tiers[1].Poll {
		t.Error("tier 1 poll flag not parsed")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage:
  tiers:
    - path: /tmp/only
cameras:
  - id: cam1
    stream:
      url: rtsp://x/1
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cam := cfg.Cameras[0]
	if cam.SegmentDuration != 5 {
		t.Errorf("segment_duration default = %d", cam.SegmentDuration)
	}
	if cam.Recorder.IdleTimeout != 10 {
		t.Errorf("idle_timeout default = %d", cam.Recorder.IdleTimeout)
	}
	if cam.Recorder.MaxRecordingTime != 300 {
		t.Errorf("max_recording_time default = %d", cam.Recorder.MaxRecordingTime)
	}
	if cfg.System.TierWorkers != 4 {
		t.Errorf("tier_workers default = %d", cfg.System.TierWorkers)
	}
	if cfg.Storage.Tiers[0].CheckInterval.Std() != time.Minute {
		t.Errorf("check_interval default = %v", cfg.Storage.Tiers[0].CheckInterval.Std())
	}
}

func TestLoad_DeprecatedMaxDays(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage:
  tiers:
    - path: /tmp/only
      max_days: 2
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Storage.Tiers[0].Continuous.MaxAge.Std(); got != 48*time.Hour {
		t.Errorf("max_days not resolved to continuous.max_age, got %v", got)
	}
	if cfg.Storage.Tiers[0].MaxDays != 0 {
		t.Error("deprecated field not cleared")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no tiers", "cameras:\n  - id: c\n    stream:\n      url: rtsp://x\n"},
		{"duplicate camera", `
storage:
  tiers:
    - path: /t
cameras:
  - id: c
    stream: {url: rtsp://x}
  - id: c
    stream: {url: rtsp://y}
`},
		{"missing stream url", `
storage:
  tiers:
    - path: /t
cameras:
  - id: c
`},
		{"bad confidence", `
storage:
  tiers:
    - path: /t
cameras:
  - id: c
    stream: {url: rtsp://x}
    object_detection:
      enabled: true
      labels:
        - label: person
          confidence: 1.5
`},
		{"inverted size bounds", `
storage:
  tiers:
    - path: /t
cameras:
  - id: c
    stream: {url: rtsp://x}
    object_detection:
      enabled: true
      labels:
        - label: person
          width_min: 0.9
          width_max: 0.1
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLabelConfig_TriggersRecording(t *testing.T) {
	l := LabelConfig{Label: "person"}
	if !l.TriggersRecording() {
		t.Error("unset trigger_event_recording should default to true")
	}
	off := false
	l.TriggerEventRecording = &off
	if l.TriggersRecording() {
		t.Error("explicit false ignored")
	}
}
