// Package detect holds the detector registry and the object filtering
// rules applied to raw detector output before it can trigger recordings.
package detect

import (
	"fmt"
	"sort"
	"sync"

	"github.com/osprey-nvr/osprey/internal/config"
)

// DetectedObject is one detection in a frame. Coordinates and dimensions
// are relative to the frame (0..1).
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	RelX       float64 `json:"rel_x"`
	RelY       float64 `json:"rel_y"`
	RelWidth   float64 `json:"rel_width"`
	RelHeight  float64 `json:"rel_height"`
}

// Result is the outcome of one inference pass.
type Result struct {
	Objects        []DetectedObject
	MotionDetected bool
}

// InferFunc runs inference over a packed RGB frame of the given
// dimensions. It must be pure: no shared state between calls.
type InferFunc func(rgb []byte, width, height int) (Result, error)

// Detector is a registered detector implementation.
type Detector struct {
	Name   string
	Domain string // snapshot subcategory
	Width  int    // expected input width
	Height int    // expected input height
	Infer  InferFunc
}

// Registry maps detector names to implementations. Detectors register at
// startup; cameras reference them by name in config.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
}

func NewRegistry() *Registry {
	return &Registry{detectors: make(map[string]Detector)}
}

// Register adds a detector. Registering the same name twice is an error.
func (r *Registry) Register(d Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.detectors[d.Name]; ok {
		return fmt.Errorf("detector already registered: %s", d.Name)
	}
	if d.Infer == nil {
		return fmt.Errorf("detector %s has no infer function", d.Name)
	}
	r.detectors[d.Name] = d
	return nil
}

// Get looks up a detector by name.
func (r *Registry) Get(name string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns the registered detector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LabelFilters indexes per-label filter config for one camera.
type LabelFilters struct {
	labels map[string]config.LabelConfig
}

// NewLabelFilters builds the filter set. An empty config filters
// everything out: only configured labels pass.
func NewLabelFilters(labels []config.LabelConfig) *LabelFilters {
	m := make(map[string]config.LabelConfig, len(labels))
	for _, l := range labels {
		m[l.Label] = l
	}
	return &LabelFilters{labels: m}
}

// Apply drops objects whose label is not configured, whose confidence is
// below threshold, whose relative size falls outside the configured
// window, or which require motion when none is present.
func (f *LabelFilters) Apply(objects []DetectedObject, motionDetected bool) []DetectedObject {
	var out []DetectedObject
	for _, obj := range objects {
		cfg, ok := f.labels[obj.Label]
		if !ok {
			continue
		}
		if obj.Confidence < cfg.Confidence {
			continue
		}
		if cfg.WidthMax > 0 && (obj.RelWidth < cfg.WidthMin || obj.RelWidth > cfg.WidthMax) {
			continue
		}
		if cfg.HeightMax > 0 && (obj.RelHeight < cfg.HeightMin || obj.RelHeight > cfg.HeightMax) {
			continue
		}
		if cfg.RequireMotion && !motionDetected {
			continue
		}
		out = append(out, obj)
	}
	return out
}

// TriggersRecording reports whether any passed object belongs to a label
// configured to start event recordings.
func (f *LabelFilters) TriggersRecording(objects []DetectedObject) bool {
	for _, obj := range objects {
		if cfg, ok := f.labels[obj.Label]; ok && cfg.TriggersRecording() {
			return true
		}
	}
	return false
}
