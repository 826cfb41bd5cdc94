package camera

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/osprey-nvr/osprey/internal/bus"
	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/detect"
	"github.com/osprey-nvr/osprey/internal/video"
)

// Camera composes one camera's stream reader and scanners. Frames fan out
// to scanners in a fixed order, then the tick channel signals the state
// machine that a new raw frame (plus any scanner results) is ready.
type Camera struct {
	cfg    config.CameraConfig
	reader *Reader
	logger *slog.Logger
	bus    *bus.Bus

	object      *Scanner
	motion      *Scanner
	passthrough *Scanner
	scanners    []*Scanner // deposit order

	ticks chan *Frame

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New wires a camera from config. tempRoot holds per-camera segment temp
// directories; the detector registry resolves the configured object
// detector.
func New(cfg config.CameraConfig, tempRoot, ffmpegPath string, accel video.HWAccelType, prober *Prober, registry *detect.Registry, b *bus.Bus, logger *slog.Logger) (*Camera, error) {
	logger = logger.With("camera", cfg.ID)
	tempDir := filepath.Join(tempRoot, cfg.ID)

	c := &Camera{
		cfg:    cfg,
		reader: NewReader(cfg, tempDir, ffmpegPath, accel, prober, b, logger),
		logger: logger,
		bus:    b,
		ticks:  make(chan *Frame, 1),
	}

	if cfg.ObjectDetection.Enabled {
		det, ok := registry.Get(cfg.ObjectDetection.Detector)
		if !ok {
			return nil, fmt.Errorf("camera %s: unknown object detector %q",
				cfg.ID, cfg.ObjectDetection.Detector)
		}
		c.object = NewScanner("object", det, cfg.ObjectDetection.ScanFPS,
			c.reader.MarkPipeBroken, logger)
		c.scanners = append(c.scanners, c.object)
	}
	if cfg.MotionDetection.Enabled {
		det := detect.NewMotionDetector("motion", cfg.MotionDetection.Threshold)
		c.motion = NewScanner("motion", det, cfg.MotionDetection.ScanFPS,
			c.reader.MarkPipeBroken, logger)
		c.scanners = append(c.scanners, c.motion)
	}
	if c.object == nil && c.motion == nil {
		// No detectors: a passthrough scanner exists for external frame
		// consumers (live view) but stays disarmed otherwise.
		c.passthrough = NewScanner("passthrough", detect.Detector{}, 0,
			c.reader.MarkPipeBroken, logger)
		c.scanners = append(c.scanners, c.passthrough)
	}

	return c, nil
}

func (c *Camera) ID() string                   { return c.cfg.ID }
func (c *Camera) Config() config.CameraConfig  { return c.cfg }
func (c *Camera) Reader() *Reader              { return c.reader }
func (c *Camera) ObjectScanner() *Scanner      { return c.object }
func (c *Camera) MotionScanner() *Scanner      { return c.motion }
func (c *Camera) PassthroughScanner() *Scanner { return c.passthrough }

// TempDir is where the stream reader writes closed MP4 segments.
func (c *Camera) TempDir() string { return c.reader.tempDir }

// Ticks delivers the most recent frame once per raw output frame. The
// consumer owns one reference per received frame.
func (c *Camera) Ticks() <-chan *Frame { return c.ticks }

// Start launches the reader, the scanner workers and the fan-out loop.
func (c *Camera) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	for _, s := range c.scanners {
		s := s
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			s.Run(ctx)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.reader.Run(ctx); err != nil {
			c.logger.Error("Stream reader failed", "error", err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.fanout()
	}()

	if c.bus != nil {
		c.bus.Publish(bus.CameraSubject(bus.SubjectCameraStarted, c.cfg.ID), nil)
	}
	c.logger.Info("Camera started")
}

// fanout distributes frames from the reader to scanners and the tick
// channel, numbering raw frames for interval scheduling.
func (c *Camera) fanout() {
	var tick int64
	intervalsSet := false

	for frame := range c.reader.Frames() {
		if !intervalsSet {
			if info := c.reader.Info(); info != nil && info.FPS > 0 {
				for _, s := range c.scanners {
					s.SetOutputFPS(info.FPS)
				}
				intervalsSet = true
			}
		}

		for _, s := range c.scanners {
			s.Deposit(frame, tick)
		}
		tick++

		// Hand the state machine its own reference, dropping the
		// previous tick if it has not been consumed.
		frame.Acquire()
		select {
		case c.ticks <- frame:
		default:
			select {
			case stale := <-c.ticks:
				stale.Release()
			default:
			}
			select {
			case c.ticks <- frame:
			default:
				frame.Release()
			}
		}

		frame.Release()
	}
	close(c.ticks)
}

// Stop tears the camera down and waits for its goroutines.
func (c *Camera) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.bus != nil {
		c.bus.Publish(bus.CameraSubject(bus.SubjectCameraStopped, c.cfg.ID), nil)
	}
	c.logger.Info("Camera stopped")
}
