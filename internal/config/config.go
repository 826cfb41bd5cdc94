// Package config provides configuration management for the NVR core
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "24h").
type Duration time.Duration

// UnmarshalYAML parses a duration string or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the main NVR configuration
type Config struct {
	System  SystemConfig   `yaml:"system"`
	Cameras []CameraConfig `yaml:"cameras"`
	Storage StorageConfig  `yaml:"storage"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
	MP4BoxPath  string `yaml:"mp4box_path"`
	TierWorkers int    `yaml:"tier_workers"`
	ListenAddr  string `yaml:"listen_addr"`
	BusPort     int    `yaml:"bus_port"`
}

// StreamConfig holds camera stream settings
type StreamConfig struct {
	URL      string `yaml:"url"`
	SubURL   string `yaml:"sub_url,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// CameraConfig holds configuration for a single camera
type CameraConfig struct {
	ID     string       `yaml:"id"`
	Name   string       `yaml:"name"`
	Stream StreamConfig `yaml:"stream"`

	// Overrides used when the stream probe fails or returns zeros.
	Width  int     `yaml:"width,omitempty"`
	Height int     `yaml:"height,omitempty"`
	FPS    float64 `yaml:"fps,omitempty"`
	Codec  string  `yaml:"codec,omitempty"`

	SegmentDuration   int      `yaml:"segment_duration"`
	Lookback          int      `yaml:"lookback"`
	HWAccel           string   `yaml:"hwaccel,omitempty"`
	FFmpegLogLevel    string   `yaml:"ffmpeg_loglevel,omitempty"`
	RecoverableErrors []string `yaml:"recoverable_errors,omitempty"`

	Recorder        RecorderConfig        `yaml:"recorder"`
	ObjectDetection ObjectDetectionConfig `yaml:"object_detection"`
	MotionDetection MotionDetectionConfig `yaml:"motion_detection"`
}

// RecorderConfig holds per-camera event recorder settings
type RecorderConfig struct {
	IdleTimeout      int  `yaml:"idle_timeout"`
	MaxRecordingTime int  `yaml:"max_recording_time"`
	Keepalive        bool `yaml:"keepalive"`
	MaxKeepalive     int  `yaml:"max_keepalive"`
	CreateEventClip  bool `yaml:"create_event_clip"`
}

// LabelConfig filters detected objects for a single label
type LabelConfig struct {
	Label                 string  `yaml:"label"`
	Confidence            float64 `yaml:"confidence"`
	WidthMin              float64 `yaml:"width_min"`
	WidthMax              float64 `yaml:"width_max"`
	HeightMin             float64 `yaml:"height_min"`
	HeightMax             float64 `yaml:"height_max"`
	TriggerEventRecording *bool   `yaml:"trigger_event_recording,omitempty"`
	RequireMotion         bool    `yaml:"require_motion"`
}

// TriggersRecording reports whether this label may start an event recording.
// Defaults to true when unset.
func (l LabelConfig) TriggersRecording() bool {
	return l.TriggerEventRecording == nil || *l.TriggerEventRecording
}

// ObjectDetectionConfig holds object scanner settings for a camera
type ObjectDetectionConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Detector         string        `yaml:"detector,omitempty"`
	ScanFPS          float64       `yaml:"fps"`
	ScanOnMotionOnly bool          `yaml:"scan_on_motion_only"`
	Labels           []LabelConfig `yaml:"labels,omitempty"`
}

// MotionDetectionConfig holds motion scanner settings for a camera
type MotionDetectionConfig struct {
	Enabled               bool    `yaml:"enabled"`
	ScanFPS               float64 `yaml:"fps"`
	TriggerEventRecording bool    `yaml:"trigger_event_recording"`
	Threshold             float64 `yaml:"threshold,omitempty"`
}

// RetentionRules bound one category of files within a tier.
// Zero values mean "no bound" for ages and sizes alike.
type RetentionRules struct {
	MaxAge  Duration `yaml:"max_age,omitempty"`
	MinAge  Duration `yaml:"min_age,omitempty"`
	MaxSize float64  `yaml:"max_size_gb,omitempty"`
	MinSize float64  `yaml:"min_size_gb,omitempty"`
}

// MaxBytes returns the max size bound in bytes, 0 when unbounded.
func (r RetentionRules) MaxBytes() int64 { return int64(r.MaxSize * 1024 * 1024 * 1024) }

// MinBytes returns the min size floor in bytes.
func (r RetentionRules) MinBytes() int64 { return int64(r.MinSize * 1024 * 1024 * 1024) }

// TierConfig holds one ordered storage tier
type TierConfig struct {
	Path           string         `yaml:"path"`
	Poll           bool           `yaml:"poll"`
	MoveOnShutdown bool           `yaml:"move_on_shutdown"`
	CheckInterval  Duration       `yaml:"check_interval,omitempty"`
	Continuous     RetentionRules `yaml:"continuous"`
	Events         RetentionRules `yaml:"events"`
	Snapshots      RetentionRules `yaml:"snapshots"`

	// Deprecated: use continuous.max_age.
	MaxDays int `yaml:"max_days,omitempty"`
}

// StorageConfig holds the ordered tier list
type StorageConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate applies defaults, resolves deprecations and rejects invalid values.
func (c *Config) Validate() error {
	c.setDefaults()

	if len(c.Storage.Tiers) == 0 {
		return fmt.Errorf("storage: at least one tier is required")
	}
	for i := range c.Storage.Tiers {
		tier := &c.Storage.Tiers[i]
		if tier.Path == "" {
			return fmt.Errorf("storage: tier %d has no path", i)
		}
		if tier.MaxDays > 0 {
			slog.Warn("storage: max_days is deprecated, use continuous.max_age",
				"tier", i, "max_days", tier.MaxDays)
			if tier.Continuous.MaxAge == 0 {
				tier.Continuous.MaxAge = Duration(time.Duration(tier.MaxDays) * 24 * time.Hour)
			}
			tier.MaxDays = 0
		}
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.ID == "" {
			return fmt.Errorf("camera %d: id is required", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("camera %q: duplicate id", cam.ID)
		}
		seen[cam.ID] = true
		if cam.Stream.URL == "" {
			return fmt.Errorf("camera %q: stream url is required", cam.ID)
		}
		for _, label := range cam.ObjectDetection.Labels {
			if label.Label == "" {
				return fmt.Errorf("camera %q: object label name is required", cam.ID)
			}
			if label.Confidence < 0 || label.Confidence > 1 {
				return fmt.Errorf("camera %q label %q: confidence must be in [0,1]", cam.ID, label.Label)
			}
			if label.WidthMin > label.WidthMax || label.HeightMin > label.HeightMax {
				return fmt.Errorf("camera %q label %q: size bounds inverted", cam.ID, label.Label)
			}
		}
	}

	return nil
}

// GetCamera returns a camera by ID
func (c *Config) GetCamera(id string) *CameraConfig {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.System.DataDir == "" {
		c.System.DataDir = "/data"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.FFmpegPath == "" {
		c.System.FFmpegPath = "ffmpeg"
	}
	if c.System.FFprobePath == "" {
		c.System.FFprobePath = "ffprobe"
	}
	if c.System.MP4BoxPath == "" {
		c.System.MP4BoxPath = "MP4Box"
	}
	if c.System.TierWorkers <= 0 {
		c.System.TierWorkers = 4
	}
	if c.System.ListenAddr == "" {
		c.System.ListenAddr = "0.0.0.0:8554"
	}

	for i := range c.Storage.Tiers {
		tier := &c.Storage.Tiers[i]
		if tier.CheckInterval == 0 {
			tier.CheckInterval = Duration(time.Minute)
		}
	}

	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Name == "" {
			cam.Name = cam.ID
		}
		if cam.SegmentDuration <= 0 {
			cam.SegmentDuration = 5
		}
		if cam.Lookback < 0 {
			cam.Lookback = 0
		}
		if cam.FFmpegLogLevel == "" {
			cam.FFmpegLogLevel = "error"
		}
		if cam.Recorder.IdleTimeout <= 0 {
			cam.Recorder.IdleTimeout = 10
		}
		if cam.Recorder.MaxRecordingTime <= 0 {
			cam.Recorder.MaxRecordingTime = 300
		}
		if cam.Recorder.Keepalive && cam.Recorder.MaxKeepalive <= 0 {
			cam.Recorder.MaxKeepalive = 30
		}
		if cam.ObjectDetection.Enabled && cam.ObjectDetection.ScanFPS <= 0 {
			cam.ObjectDetection.ScanFPS = 1
		}
		if cam.MotionDetection.Enabled && cam.MotionDetection.ScanFPS <= 0 {
			cam.MotionDetection.ScanFPS = 2
		}
		if cam.MotionDetection.Threshold <= 0 {
			cam.MotionDetection.Threshold = 0.02
		}
	}
}
