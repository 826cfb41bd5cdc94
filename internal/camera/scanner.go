package camera

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/osprey-nvr/osprey/internal/detect"
)

// ScanResult is one detector outcome delivered to the state machine.
type ScanResult struct {
	Scanner string
	Objects []detect.DetectedObject
	Motion  bool
	Err     error
	Time    time.Time
}

// Scanner owns a single-slot frame queue and the worker that runs one
// detector over deposited frames. The state machine toggles scanning via
// Arm and drains Results once per tick.
type Scanner struct {
	name     string
	detector detect.Detector

	scanFPS  float64
	interval int64

	armed   int32
	queue   chan *Frame
	results chan ScanResult

	// onDecodeError flags the stream reader's pipe when a frame buffer
	// cannot be decoded.
	onDecodeError func()
	logger        *slog.Logger
}

// NewScanner creates a scanner for one detector.
func NewScanner(name string, detector detect.Detector, scanFPS float64, onDecodeError func(), logger *slog.Logger) *Scanner {
	return &Scanner{
		name:          name,
		detector:      detector,
		scanFPS:       scanFPS,
		interval:      1,
		queue:         make(chan *Frame, 1),
		results:       make(chan ScanResult, 1),
		onDecodeError: onDecodeError,
		logger:        logger.With("component", "scanner", "scanner", name),
	}
}

func (s *Scanner) Name() string { return s.name }

// SetOutputFPS computes the deposit interval once the camera's real
// output fps is known. A scan fps above the output fps clamps to it.
func (s *Scanner) SetOutputFPS(outputFPS float64) {
	scanFPS := s.scanFPS
	if scanFPS <= 0 {
		scanFPS = outputFPS
	}
	if scanFPS > outputFPS {
		s.logger.Warn("Scan fps exceeds camera output fps, clamping",
			"scan_fps", scanFPS, "output_fps", outputFPS)
		scanFPS = outputFPS
	}
	interval := int64(math.Round(outputFPS / scanFPS))
	if interval < 1 {
		interval = 1
	}
	atomic.StoreInt64(&s.interval, interval)
}

// Armed reports whether the scanner currently accepts frames.
func (s *Scanner) Armed() bool { return atomic.LoadInt32(&s.armed) == 1 }

// Arm toggles scanning. Disarming drains the pending queue at most once.
func (s *Scanner) Arm(on bool) {
	if on {
		atomic.StoreInt32(&s.armed, 1)
		return
	}
	atomic.StoreInt32(&s.armed, 0)
	select {
	case stale := <-s.queue:
		stale.Release()
	default:
	}
}

// Deposit offers a frame at the scanner's interval, dropping the oldest
// queued frame when full. tick counts raw output frames.
func (s *Scanner) Deposit(frame *Frame, tick int64) {
	if !s.Armed() {
		return
	}
	if tick%atomic.LoadInt64(&s.interval) != 0 {
		return
	}

	frame.Acquire()
	for {
		select {
		case s.queue <- frame:
			return
		default:
			select {
			case stale := <-s.queue:
				stale.Release()
			default:
			}
		}
	}
}

// TryResult drains one result without blocking.
func (s *Scanner) TryResult() (ScanResult, bool) {
	select {
	case res := <-s.results:
		return res, true
	default:
		return ScanResult{}, false
	}
}

// Run is the decode worker: it blocks on the queue, decodes and resizes
// the frame, runs inference and pushes the result. Decode failures flag
// the stream reader instead of crashing the worker.
func (s *Scanner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case frame := <-s.queue:
			s.process(frame)
		}
	}
}

func (s *Scanner) process(frame *Frame) {
	defer frame.Release()

	result := ScanResult{Scanner: s.name, Time: frame.Captured()}

	if s.detector.Infer == nil {
		// Passthrough scanner: no inference, the result token just marks
		// that a frame passed through.
		s.push(result)
		return
	}

	width, height := s.detector.Width, s.detector.Height
	if width == 0 || height == 0 {
		width, height = frame.Width(), frame.Height()
	}
	rgb, err := frame.Resized(width, height)
	if err != nil {
		s.logger.Error("Frame decode failed, flagging pipe", "error", err)
		if s.onDecodeError != nil {
			s.onDecodeError()
		}
		return
	}

	out, err := s.detector.Infer(rgb, width, height)
	if err != nil {
		result.Err = err
		s.logger.Error("Inference failed", "detector", s.detector.Name, "error", err)
	} else {
		result.Objects = out.Objects
		result.Motion = out.MotionDetected
	}
	s.push(result)
}

// push delivers with the same drop-oldest policy as the frame queue.
func (s *Scanner) push(res ScanResult) {
	for {
		select {
		case s.results <- res:
			return
		default:
			select {
			case <-s.results:
			default:
			}
		}
	}
}

func (s *Scanner) drain() {
	select {
	case stale := <-s.queue:
		stale.Release()
	default:
	}
}
