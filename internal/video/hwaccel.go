// Package video provides video processing utilities including hardware
// accelerated decode selection for the ffmpeg pipelines.
package video

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// HWAccelType represents a hardware acceleration type
type HWAccelType string

const (
	HWAccelNone         HWAccelType = ""
	HWAccelAuto         HWAccelType = "auto"
	HWAccelCUDA         HWAccelType = "cuda"         // NVIDIA GPU
	HWAccelVAAPI        HWAccelType = "vaapi"        // Linux VA-API
	HWAccelQSV          HWAccelType = "qsv"          // Intel Quick Sync
	HWAccelV4L2M2M      HWAccelType = "v4l2m2m"      // Raspberry Pi / stateful V4L2
	HWAccelVideoToolbox HWAccelType = "videotoolbox" // macOS
)

// Capabilities describes the decode acceleration available on this host.
type Capabilities struct {
	Available   []HWAccelType `json:"available"`
	Recommended HWAccelType   `json:"recommended"`
	GPUName     string        `json:"gpu_name,omitempty"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// Detector probes ffmpeg and the host for usable decode acceleration.
type Detector struct {
	mu         sync.RWMutex
	caps       *Capabilities
	ffmpegPath string
	logger     *slog.Logger
}

// NewDetector creates a detector using the given ffmpeg binary.
func NewDetector(ffmpegPath string) *Detector {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Detector{
		ffmpegPath: ffmpegPath,
		logger:     slog.Default().With("component", "hwaccel"),
	}
}

// Detect probes for available acceleration and caches the result.
func (d *Detector) Detect(ctx context.Context) *Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps := &Capabilities{
		Available:  make([]HWAccelType, 0),
		DetectedAt: time.Now(),
	}

	hwaccels := d.listHWAccels(ctx)
	if hwaccels == "" {
		d.logger.Warn("ffmpeg not found or has no hwaccel support, decoding in software")
		d.caps = caps
		return caps
	}

	if strings.Contains(hwaccels, "cuda") && hasNVIDIAGPU() {
		caps.Available = append(caps.Available, HWAccelCUDA)
		caps.GPUName = nvidiaGPUName()
	}
	if strings.Contains(hwaccels, "vaapi") && hasRenderDevice() {
		caps.Available = append(caps.Available, HWAccelVAAPI)
	}
	if strings.Contains(hwaccels, "qsv") && hasRenderDevice() {
		caps.Available = append(caps.Available, HWAccelQSV)
	}
	if runtime.GOOS == "linux" && hasV4L2Decoder() {
		caps.Available = append(caps.Available, HWAccelV4L2M2M)
	}
	if runtime.GOOS == "darwin" && strings.Contains(hwaccels, "videotoolbox") {
		caps.Available = append(caps.Available, HWAccelVideoToolbox)
	}

	caps.Recommended = recommend(caps.Available)
	d.caps = caps

	d.logger.Info("Hardware decode detection complete",
		"available", caps.Available,
		"recommended", caps.Recommended,
		"gpu", caps.GPUName,
	)
	return caps
}

// Capabilities returns cached capabilities, detecting on first use.
func (d *Detector) Capabilities(ctx context.Context) *Capabilities {
	d.mu.RLock()
	if d.caps != nil {
		caps := d.caps
		d.mu.RUnlock()
		return caps
	}
	d.mu.RUnlock()
	return d.Detect(ctx)
}

// Resolve maps a camera's configured hwaccel value to a concrete type.
// "auto" picks the recommended acceleration, empty means software.
func (d *Detector) Resolve(ctx context.Context, configured string) HWAccelType {
	switch HWAccelType(configured) {
	case HWAccelNone:
		return HWAccelNone
	case HWAccelAuto:
		return d.Capabilities(ctx).Recommended
	default:
		return HWAccelType(configured)
	}
}

func (d *Detector) listHWAccels(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, d.ffmpegPath, "-hide_banner", "-hwaccels")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}
	return string(output)
}

// DecodeArgs returns the ffmpeg input-side arguments selecting a hardware
// decoder for the camera's codec. Software decode returns nil and lets
// ffmpeg pick.
func DecodeArgs(accel HWAccelType, codec string) []string {
	codec = normalizeCodec(codec)
	switch accel {
	case HWAccelCUDA:
		args := []string{"-hwaccel", "cuda"}
		switch codec {
		case "h264":
			args = append(args, "-c:v", "h264_cuvid")
		case "hevc":
			args = append(args, "-c:v", "hevc_cuvid")
		}
		return args
	case HWAccelVAAPI:
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	case HWAccelQSV:
		return []string{"-hwaccel", "qsv"}
	case HWAccelV4L2M2M:
		switch codec {
		case "h264":
			return []string{"-c:v", "h264_v4l2m2m"}
		case "hevc":
			return []string{"-c:v", "hevc_v4l2m2m"}
		}
		return nil
	case HWAccelVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	default:
		return nil
	}
}

func normalizeCodec(codec string) string {
	switch strings.ToLower(codec) {
	case "h264", "avc":
		return "h264"
	case "h265", "hevc":
		return "hevc"
	default:
		return strings.ToLower(codec)
	}
}

// recommend picks the best available acceleration, discrete GPUs first.
func recommend(available []HWAccelType) HWAccelType {
	priority := []HWAccelType{
		HWAccelCUDA,
		HWAccelVideoToolbox,
		HWAccelQSV,
		HWAccelVAAPI,
		HWAccelV4L2M2M,
	}
	for _, accel := range priority {
		for _, avail := range available {
			if accel == avail {
				return accel
			}
		}
	}
	return HWAccelNone
}

func hasNVIDIAGPU() bool {
	cmd := exec.Command("nvidia-smi", "-L")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(output), "GPU")
}

func nvidiaGPUName() string {
	cmd := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

func hasRenderDevice() bool {
	_, err := os.Stat("/dev/dri/renderD128")
	return err == nil
}

func hasV4L2Decoder() bool {
	_, err := os.Stat("/dev/video10")
	return err == nil
}
