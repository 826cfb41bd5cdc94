package video

import (
	"context"
	"testing"
)

func TestDecodeArgs(t *testing.T) {
	tests := []struct {
		accel    HWAccelType
		codec    string
		expected []string
	}{
		{HWAccelNone, "h264", nil},
		{HWAccelCUDA, "h264", []string{"-hwaccel", "cuda", "-c:v", "h264_cuvid"}},
		{HWAccelCUDA, "hevc", []string{"-hwaccel", "cuda", "-c:v", "hevc_cuvid"}},
		{HWAccelCUDA, "h265", []string{"-hwaccel", "cuda", "-c:v", "hevc_cuvid"}},
		{HWAccelVAAPI, "h264", []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}},
		{HWAccelQSV, "h264", []string{"-hwaccel", "qsv"}},
		{HWAccelV4L2M2M, "h264", []string{"-c:v", "h264_v4l2m2m"}},
		{HWAccelV4L2M2M, "hevc", []string{"-c:v", "hevc_v4l2m2m"}},
		{HWAccelV4L2M2M, "mjpeg", nil},
		{HWAccelVideoToolbox, "h264", []string{"-hwaccel", "videotoolbox"}},
	}

	for _, tt := range tests {
		result := DecodeArgs(tt.accel, tt.codec)
		if len(result) != len(tt.expected) {
			t.Errorf("DecodeArgs(%s, %s) = %v, want %v", tt.accel, tt.codec, result, tt.expected)
			continue
		}
		for i, v := range result {
			if v != tt.expected[i] {
				t.Errorf("DecodeArgs(%s, %s)[%d] = %s, want %s", tt.accel, tt.codec, i, v, tt.expected[i])
			}
		}
	}
}

func TestNormalizeCodec(t *testing.T) {
	tests := map[string]string{
		"h264":  "h264",
		"H264":  "h264",
		"avc":   "h264",
		"hevc":  "hevc",
		"h265":  "hevc",
		"mjpeg": "mjpeg",
	}
	for in, want := range tests {
		if got := normalizeCodec(in); got != want {
			t.Errorf("normalizeCodec(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		available []HWAccelType
		expected  HWAccelType
	}{
		{[]HWAccelType{}, HWAccelNone},
		{[]HWAccelType{HWAccelCUDA}, HWAccelCUDA},
		{[]HWAccelType{HWAccelVAAPI, HWAccelCUDA}, HWAccelCUDA},
		{[]HWAccelType{HWAccelVAAPI, HWAccelQSV}, HWAccelQSV},
		{[]HWAccelType{HWAccelV4L2M2M}, HWAccelV4L2M2M},
	}
	for _, tt := range tests {
		if got := recommend(tt.available); got != tt.expected {
			t.Errorf("recommend(%v) = %s, want %s", tt.available, got, tt.expected)
		}
	}
}

func TestDetector_Resolve(t *testing.T) {
	d := NewDetector("ffmpeg")
	ctx := context.Background()

	// Explicit values pass through without probing.
	if got := d.Resolve(ctx, "cuda"); got != HWAccelCUDA {
		t.Errorf("Resolve(cuda) = %s", got)
	}
	if got := d.Resolve(ctx, ""); got != HWAccelNone {
		t.Errorf("Resolve(\"\") = %s", got)
	}
}

func TestDetector_CapabilitiesCached(t *testing.T) {
	d := NewDetector("ffmpeg")
	ctx := context.Background()

	caps1 := d.Capabilities(ctx)
	caps2 := d.Capabilities(ctx)
	if caps1 == nil || caps2 == nil {
		t.Fatal("Capabilities returned nil")
	}
	if caps1 != caps2 {
		t.Error("second Capabilities call did not use the cache")
	}
	if caps1.DetectedAt.IsZero() {
		t.Error("DetectedAt not set")
	}
}
