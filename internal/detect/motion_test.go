package detect

import "testing"

func uniformRGB(width, height int, v byte) []byte {
	buf := make([]byte, width*height*3)
	for i := range buf {
		buf[i] = v
	}
	return buf
}

func TestMotionDetector(t *testing.T) {
	det := NewMotionDetector("motion", 0.02)
	if det.Domain != "motion_detector" {
		t.Errorf("domain = %s", det.Domain)
	}

	// First frame has nothing to compare against.
	res, err := det.Infer(uniformRGB(320, 180, 50), 320, 180)
	if err != nil {
		t.Fatal(err)
	}
	if res.MotionDetected {
		t.Error("motion on first frame")
	}

	// Identical frame: no motion.
	res, _ = det.Infer(uniformRGB(320, 180, 50), 320, 180)
	if res.MotionDetected {
		t.Error("motion between identical frames")
	}

	// Large luma jump everywhere: motion.
	res, _ = det.Infer(uniformRGB(320, 180, 200), 320, 180)
	if !res.MotionDetected {
		t.Error("no motion on a full-frame change")
	}
}
