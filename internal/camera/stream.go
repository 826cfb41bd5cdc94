package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/osprey-nvr/osprey/internal/bus"
	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/video"
)

const (
	// rtspStallTimeout is passed to ffmpeg's -stimeout in microseconds.
	rtspStallTimeout = "5000000"
	reconnectDelay   = 5 * time.Second
)

// defaultRecoverableErrors match transient stream failures worth retrying
// forever. Cameras reboot, DHCP leases change, NVR networks flap.
var defaultRecoverableErrors = []string{
	"Connection refused",
	"Connection timed out",
	"Connection reset by peer",
	"No route to host",
	"timed out",
	"Network is unreachable",
	"Immediate exit requested",
	"Invalid data found when processing input",
	"401 Unauthorized",
	"461 Unsupported transport",
}

// Reader supervises the external decoder for one camera: a segment chain
// written to the temp directory plus raw NV12 frames piped back for
// analysis. When a substream is configured it supplies the frame pipe and
// the main stream only the segments.
type Reader struct {
	cfg        config.CameraConfig
	tempDir    string
	ffmpegPath string
	accel      video.HWAccelType
	bus        *bus.Bus
	logger     *slog.Logger

	probe func(ctx context.Context, url string) (*StreamInfo, error)

	frames     chan *Frame
	pipeBroken int32
	connected  int32

	// Resolved at startup, re-probed after disconnects.
	info *StreamInfo
}

// NewReader builds the reader. Frame consumers read from Frames().
func NewReader(cfg config.CameraConfig, tempDir, ffmpegPath string, accel video.HWAccelType, prober *Prober, b *bus.Bus, logger *slog.Logger) *Reader {
	return &Reader{
		cfg:        cfg,
		tempDir:    tempDir,
		ffmpegPath: ffmpegPath,
		accel:      accel,
		bus:        b,
		logger:     logger.With("component", "stream", "camera", cfg.ID),
		probe:      prober.Probe,
		frames:     make(chan *Frame, 1),
	}
}

// Frames is the decoded frame output. The channel holds one frame; a slow
// consumer loses the older frame, never blocks the pipe.
func (r *Reader) Frames() <-chan *Frame { return r.frames }

// Info returns the resolved stream properties, nil before the first
// successful startup.
func (r *Reader) Info() *StreamInfo { return r.info }

// MarkPipeBroken flags the frame pipe for restart. Called by decode
// workers when a frame buffer turns out malformed.
func (r *Reader) MarkPipeBroken() { atomic.StoreInt32(&r.pipeBroken, 1) }

// Run supervises the decoder until ctx is cancelled. Transient errors
// retry forever with a fixed delay; a non-recoverable dry-run error is
// fatal to this camera.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.frames)
	defer r.setConnected(false, false, nil)

	for {
		if err := r.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// runOnce performs one full connect cycle: probe, dry-run, stream until
// the pipe breaks. A nil return means "retry"; an error is fatal.
func (r *Reader) runOnce(ctx context.Context) error {
	info, err := r.resolveInfo(ctx)
	if err != nil {
		r.logger.Warn("Stream probe failed, retrying", "error", err)
		r.setConnected(false, true, err)
		return nil
	}
	r.info = info

	if err := r.dryRun(ctx); err != nil {
		if recoverable(err.Error(), r.recoverableErrors()) {
			r.logger.Warn("Recoverable stream error, retrying", "error", err)
			r.setConnected(false, true, err)
			return nil
		}
		return fmt.Errorf("stream startup: %w", err)
	}

	return r.stream(ctx, info)
}

// resolveInfo probes the stream feeding the frame pipe, falling back to
// configured overrides when the probe fails or returns zeros.
func (r *Reader) resolveInfo(ctx context.Context) (*StreamInfo, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	info, err := r.probe(probeCtx, r.pipeURL())
	if err != nil {
		info = &StreamInfo{}
		if r.cfg.Width == 0 || r.cfg.Height == 0 {
			return nil, err
		}
		r.logger.Warn("Probe failed, using configured overrides", "error", err)
	}
	if info.Width == 0 {
		info.Width = r.cfg.Width
	}
	if info.Height == 0 {
		info.Height = r.cfg.Height
	}
	if info.FPS == 0 {
		info.FPS = r.cfg.FPS
	}
	if info.Codec == "" {
		info.Codec = r.cfg.Codec
	}
	if info.Width == 0 || info.Height == 0 || info.FPS == 0 {
		return nil, fmt.Errorf("stream dimensions unknown and no overrides configured")
	}
	return info, nil
}

// dryRun decodes a single frame to surface connection errors before the
// long-lived processes start.
func (r *Reader) dryRun(ctx context.Context) error {
	args := append(r.inputArgs(r.pipeURL(), true),
		"-frames:v", "1", "-f", "null", "-")
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// stream runs the decoder processes and the frame read loop until
// something breaks.
func (r *Reader) stream(ctx context.Context, info *StreamInfo) error {
	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return err
	}
	atomic.StoreInt32(&r.pipeBroken, 0)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var segmentCmd, pipeCmd *exec.Cmd
	if r.cfg.Stream.SubURL != "" {
		segmentCmd = exec.CommandContext(streamCtx, r.ffmpegPath, r.segmentArgs()...)
		pipeCmd = exec.CommandContext(streamCtx, r.ffmpegPath, r.pipeArgs()...)
	} else {
		// Single process, two outputs.
		pipeCmd = exec.CommandContext(streamCtx, r.ffmpegPath, r.combinedArgs()...)
	}

	stdout, err := pipeCmd.StdoutPipe()
	if err != nil {
		return err
	}
	r.logStderr(pipeCmd)
	if err := pipeCmd.Start(); err != nil {
		return err
	}
	if segmentCmd != nil {
		r.logStderr(segmentCmd)
		if err := segmentCmd.Start(); err != nil {
			cancel()
			pipeCmd.Wait()
			return err
		}
	}

	r.logger.Info("Stream connected", "width", info.Width, "height", info.Height,
		"fps", info.FPS, "codec", info.Codec, "hwaccel", string(r.accel))
	r.setConnected(true, false, nil)

	readErr := r.readFrames(streamCtx, stdout, info)

	cancel()
	pipeCmd.Wait()
	if segmentCmd != nil {
		segmentCmd.Wait()
	}

	if ctx.Err() == nil {
		r.logger.Warn("Stream disconnected", "error", readErr)
		r.setConnected(false, true, readErr)
	}
	return nil
}

// readFrames reads exactly one NV12 frame per iteration. Any short read
// means the pipe is unusable and the whole cycle restarts.
func (r *Reader) readFrames(ctx context.Context, stdout io.Reader, info *StreamInfo) error {
	frameSize := info.Width * info.Height * 3 / 2
	reader := bufio.NewReaderSize(stdout, frameSize)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if atomic.LoadInt32(&r.pipeBroken) == 1 {
			return fmt.Errorf("frame pipe flagged broken")
		}

		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return fmt.Errorf("short frame read: %w", err)
		}
		r.publish(NewFrame(buf, info.Width, info.Height, time.Now()))
	}
}

// publish delivers a frame, dropping the previous one if the consumer
// has not picked it up yet.
func (r *Reader) publish(frame *Frame) {
	for {
		select {
		case r.frames <- frame:
			return
		default:
			select {
			case stale := <-r.frames:
				stale.Release()
			default:
			}
		}
	}
}

func (r *Reader) pipeURL() string {
	if r.cfg.Stream.SubURL != "" {
		return r.cfg.Stream.SubURL
	}
	return r.cfg.Stream.URL
}

// inputArgs builds the shared RTSP input arguments. The decode flag adds
// hardware decoder selection for outputs that decode (the raw pipe);
// segment outputs stream-copy and never decode.
func (r *Reader) inputArgs(url string, decode bool) []string {
	logLevel := r.cfg.FFmpegLogLevel
	if logLevel == "" {
		logLevel = "error"
	}
	args := []string{
		"-hide_banner",
		"-loglevel", logLevel,
		"-rtsp_transport", "tcp",
		"-stimeout", rtspStallTimeout,
		"-fflags", "nobuffer+genpts",
		"-flags", "low_delay",
	}
	if decode {
		args = append(args, video.DecodeArgs(r.accel, r.codec())...)
	}
	return append(args, "-i", url)
}

func (r *Reader) codec() string {
	if r.info != nil && r.info.Codec != "" {
		return r.info.Codec
	}
	return r.cfg.Codec
}

func (r *Reader) segmentOutputArgs() []string {
	return []string{
		"-map", "0:v",
		"-c:v", "copy",
		"-an",
		"-f", "segment",
		"-segment_time", strconv.Itoa(r.cfg.SegmentDuration),
		"-reset_timestamps", "1",
		"-strftime", "1",
		r.tempDir + "/%s.mp4",
	}
}

func (r *Reader) rawOutputArgs() []string {
	return []string{
		"-map", "0:v",
		"-an",
		"-f", "rawvideo",
		"-pix_fmt", "nv12",
		"pipe:1",
	}
}

func (r *Reader) segmentArgs() []string {
	return append(r.inputArgs(r.cfg.Stream.URL, false), r.segmentOutputArgs()...)
}

func (r *Reader) pipeArgs() []string {
	return append(r.inputArgs(r.cfg.Stream.SubURL, true), r.rawOutputArgs()...)
}

func (r *Reader) combinedArgs() []string {
	args := append(r.inputArgs(r.cfg.Stream.URL, true), r.segmentOutputArgs()...)
	return append(args, r.rawOutputArgs()...)
}

func (r *Reader) recoverableErrors() []string {
	return append(defaultRecoverableErrors, r.cfg.RecoverableErrors...)
}

func recoverable(stderr string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(stderr, pattern) {
			return true
		}
	}
	return false
}

// logStderr drains a child's stderr into the log so segment muxer
// messages are not lost.
func (r *Reader) logStderr(cmd *exec.Cmd) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			r.logger.Debug("ffmpeg", "line", scanner.Text())
		}
	}()
}

// setConnected publishes camera status transitions on the bus.
func (r *Reader) setConnected(connected, retrying bool, cause error) {
	was := atomic.SwapInt32(&r.connected, boolInt(connected))
	if was == boolInt(connected) {
		return
	}
	if r.bus == nil {
		return
	}
	status := bus.CameraStatus{CameraID: r.cfg.ID, Retrying: retrying}
	if connected {
		status.Status = "connected"
	} else {
		status.Status = "disconnected"
		if cause != nil {
			status.Error = cause.Error()
		}
	}
	if err := r.bus.Publish(bus.CameraSubject(bus.SubjectCameraStatus, r.cfg.ID), status); err != nil {
		r.logger.Warn("Failed to publish camera status", "error", err)
	}
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
