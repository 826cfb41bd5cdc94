package detect

import "sync"

// Motion detection input resolution. Small frames are plenty for
// detecting change and keep the per-frame cost trivial.
const (
	motionWidth  = 320
	motionHeight = 180
)

// motionDetector flags frames that differ from the previous frame by more
// than a threshold fraction of pixels. It keeps the previous frame's
// grayscale as state, so each camera gets its own instance.
type motionDetector struct {
	mu        sync.Mutex
	threshold float64
	prev      []byte
}

// NewMotionDetector returns a frame-difference motion detector.
// threshold is the fraction of changed pixels (0..1) that counts as
// motion; zero uses a default of 2%.
func NewMotionDetector(name string, threshold float64) Detector {
	if threshold <= 0 {
		threshold = 0.02
	}
	m := &motionDetector{threshold: threshold}
	return Detector{
		Name:   name,
		Domain: "motion_detector",
		Width:  motionWidth,
		Height: motionHeight,
		Infer:  m.infer,
	}
}

func (m *motionDetector) infer(rgb []byte, width, height int) (Result, error) {
	gray := make([]byte, width*height)
	for i := range gray {
		// Integer luma approximation.
		r := int(rgb[i*3])
		g := int(rgb[i*3+1])
		b := int(rgb[i*3+2])
		gray[i] = byte((r*77 + g*150 + b*29) >> 8)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.prev
	m.prev = gray
	if prev == nil || len(prev) != len(gray) {
		return Result{}, nil
	}

	changed := 0
	for i := range gray {
		d := int(gray[i]) - int(prev[i])
		if d < 0 {
			d = -d
		}
		if d > 25 {
			changed++
		}
	}
	fraction := float64(changed) / float64(len(gray))
	return Result{MotionDetected: fraction >= m.threshold}, nil
}
