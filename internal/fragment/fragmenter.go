// Package fragment converts the stream reader's closed MP4 segments into
// HLS-ready fragmented MP4s and registers them in the segment index, and
// materializes single-file event clips by concatenating fragments.
package fragment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/google/renameio/v2"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/storage"
)

const (
	sweepInterval = 5 * time.Second
	initFileName  = "init.mp4"
	quarantineDir = "quarantine"

	// maxFailures is the consecutive-failure count after which a source
	// file is quarantined instead of retried forever.
	maxFailures = 3

	// emergencyDropCount is how many of the oldest fragments the tier
	// manager is asked to drop when a move still hits ENOSPC after a
	// forced sweep.
	emergencyDropCount = 5

	// fullSweepWait gives a forced tier sweep time to move files off a
	// full tier before the copy is retried.
	fullSweepWait = 2 * time.Second
)

// ErrFragmentationFailed wraps MP4Box failures so callers can match them.
var ErrFragmentationFailed = errors.New("fragmentation failed")

// tierSweeper recovers space on a full tier: force a sweep ahead of its
// schedule, and as a last resort drop the oldest fragments outright.
// Implemented by the tier manager.
type tierSweeper interface {
	RunNow(cameraID string, tierID int, category, subcategory string)
	EmergencyFree(ctx context.Context, cameraID string, tierID, count int) error
}

// Fragmenter sweeps one camera's temp segment directory. Each closed MP4
// becomes an init.mp4 plus a .m4s media fragment in the first tier, with
// the EXTINF duration recorded in the index before the file lands.
type Fragmenter struct {
	cfg     config.CameraConfig
	tier    storage.Tier
	tempDir string
	mp4box  string
	ffmpeg  string
	files   *storage.FileStore
	indexer *storage.Indexer
	sweeper tierSweeper
	logger  *slog.Logger

	// Swapped in tests.
	run       func(ctx context.Context, dir, name string, args ...string) error
	runStdin  func(ctx context.Context, stdin, name string, args ...string) error
	openFiles func() (map[string]struct{}, error)
	copyFile  func(src, dst string) error
	sweepWait time.Duration

	sweepMu  sync.Mutex
	failures map[string]int

	cron *cron.Cron
}

// New builds the fragmenter for one camera. tempDir is where the stream
// reader writes closed MP4s; sweeper may be nil.
func New(cfg config.CameraConfig, tier storage.Tier, tempDir, mp4boxPath, ffmpegPath string, files *storage.FileStore, indexer *storage.Indexer, sweeper tierSweeper, logger *slog.Logger) *Fragmenter {
	return &Fragmenter{
		cfg:       cfg,
		tier:      tier,
		tempDir:   tempDir,
		mp4box:    mp4boxPath,
		ffmpeg:    ffmpegPath,
		files:     files,
		indexer:   indexer,
		sweeper:   sweeper,
		logger:    logger.With("component", "fragmenter", "camera", cfg.ID),
		run:       runCommand,
		runStdin:  runCommandStdin,
		openFiles: processOpenFiles,
		copyFile:  copyDurable,
		sweepWait: fullSweepWait,
		failures:  make(map[string]int),
	}
}

// Start schedules the periodic sweep.
func (f *Fragmenter) Start(ctx context.Context) {
	f.cron = cron.New()
	f.cron.Schedule(cron.Every(sweepInterval), cron.FuncJob(func() {
		f.Sweep(ctx)
	}))
	f.cron.Start()
}

// Stop halts the periodic sweep. Call FinalSweep afterwards, once the
// stream reader has exited, to drain whatever is left.
func (f *Fragmenter) Stop() {
	if f.cron != nil {
		f.cron.Stop()
	}
}

// Sweep processes every eligible MP4 in the temp directory. Overlapping
// sweeps are skipped rather than queued.
func (f *Fragmenter) Sweep(ctx context.Context) {
	if !f.sweepMu.TryLock() {
		return
	}
	defer f.sweepMu.Unlock()
	f.sweep(ctx, false)
}

// FinalSweep runs once after the stream reader has stopped, with the
// open-file check skipped: nothing can be writing anymore.
func (f *Fragmenter) FinalSweep(ctx context.Context) {
	f.sweepMu.Lock()
	defer f.sweepMu.Unlock()
	f.sweep(ctx, true)
}

func (f *Fragmenter) sweep(ctx context.Context, final bool) {
	entries, err := os.ReadDir(f.tempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			f.logger.Error("Failed to read temp dir", "error", err)
		}
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp4") {
			continue
		}
		names = append(names, e.Name())
	}
	// Sorted filenames keep fragments appearing in the index in capture
	// order; the names are unix timestamps.
	sort.Strings(names)

	var open map[string]struct{}
	if !final {
		if open, err = f.openFiles(); err != nil {
			f.logger.Warn("Open-file scan failed, deferring sweep", "error", err)
			return
		}
	}

	for _, name := range names {
		if ctx.Err() != nil && !final {
			return
		}
		src := filepath.Join(f.tempDir, name)
		if _, inUse := open[src]; inUse {
			continue
		}
		if err := f.process(ctx, src); err != nil {
			f.failures[name]++
			f.logger.Error("Failed to fragment segment",
				"file", name, "attempt", f.failures[name], "error", err)
			if f.failures[name] >= maxFailures {
				f.quarantine(src)
				delete(f.failures, name)
			}
			continue
		}
		delete(f.failures, name)
	}
}

// process turns one closed MP4 into init.mp4 + <stem>.m4s in the first
// tier. The index row is written before the file lands so the duration is
// never observed as missing.
func (f *Fragmenter) process(ctx context.Context, src string) error {
	stem := strings.TrimSuffix(filepath.Base(src), ".mp4")
	workdir := filepath.Join(f.tempDir, stem+".work")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return err
	}

	err := f.run(ctx, workdir, f.mp4box,
		"-dash", "10000", "-rap", "-frag-rap",
		"-segment-name", "clip_",
		"-out", filepath.Join(workdir, "master.m3u8"),
		src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFragmentationFailed, err)
	}

	sidecar, err := os.ReadFile(filepath.Join(workdir, "master_1.m3u8"))
	if err != nil {
		return fmt.Errorf("read sidecar playlist: %w", err)
	}
	duration, err := sidecarDuration(sidecar)
	if err != nil {
		return fmt.Errorf("parse sidecar playlist: %w", err)
	}

	mediaSrc := filepath.Join(workdir, "clip_1.m4s")
	info, err := os.Stat(mediaSrc)
	if err != nil {
		return err
	}

	destDir := f.tier.SegmentsDir(f.cfg.ID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, stem+".m4s")
	ctime := f.ctimeFromStem(stem, src)

	f.indexer.RegisterCTime(dest, ctime)
	if err := f.files.Upsert(ctx, &storage.FileRow{
		TierID:      f.tier.ID,
		TierPath:    f.tier.Path,
		CameraID:    f.cfg.ID,
		Category:    storage.CategoryRecorder,
		Subcategory: storage.SubcategorySegments,
		Path:        dest,
		Size:        info.Size(),
		OrigCtime:   ctime,
	}); err != nil {
		return fmt.Errorf("index fragment: %w", err)
	}
	if err := f.files.SetDuration(ctx, dest, duration.Seconds()); err != nil {
		return fmt.Errorf("record duration: %w", err)
	}

	if err := f.moveDurable(ctx, mediaSrc, dest); err != nil {
		return err
	}

	// The init is overwritten per segment; all fragments must decode
	// against the latest one.
	initDest := filepath.Join(destDir, initFileName)
	f.indexer.RegisterCTime(initDest, ctime)
	if err := f.moveDurable(ctx, filepath.Join(workdir, "clip_init.mp4"), initDest); err != nil {
		return err
	}

	if err := os.Remove(src); err != nil {
		f.logger.Warn("Failed to remove source segment", "file", src, "error", err)
	}
	if err := os.RemoveAll(workdir); err != nil {
		f.logger.Warn("Failed to remove workdir", "dir", workdir, "error", err)
	}

	f.logger.Debug("Fragmented segment",
		"file", filepath.Base(dest), "duration", duration.Seconds())
	return nil
}

// moveDurable copies src to dst with an atomic replace, then removes src.
// A plain rename would break across filesystems; temp dirs usually live
// on tmpfs while tiers do not. A full tier first gets a forced sweep;
// the oldest fragments are dropped only when the retry still fails.
func (f *Fragmenter) moveDurable(ctx context.Context, src, dst string) error {
	err := f.copyFile(src, dst)
	if errors.Is(err, syscall.ENOSPC) && f.sweeper != nil {
		f.logger.Warn("Destination tier full, forcing tier sweep")
		f.sweeper.RunNow(f.cfg.ID, f.tier.ID,
			storage.CategoryRecorder, storage.SubcategorySegments)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.sweepWait):
		}
		err = f.copyFile(src, dst)
	}
	if errors.Is(err, syscall.ENOSPC) && f.sweeper != nil {
		f.logger.Warn("Tier still full after sweep, dropping oldest fragments",
			"count", emergencyDropCount)
		if ferr := f.sweeper.EmergencyFree(ctx, f.cfg.ID, f.tier.ID, emergencyDropCount); ferr != nil {
			return fmt.Errorf("emergency free: %w", ferr)
		}
		err = f.copyFile(src, dst)
	}
	if err != nil {
		return err
	}
	return os.Remove(src)
}

func copyDurable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	pending, err := renameio.NewPendingFile(dst)
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	if _, err := io.Copy(pending, in); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// quarantine moves a repeatedly-failing source out of the sweep's path.
func (f *Fragmenter) quarantine(src string) {
	dir := filepath.Join(f.tempDir, quarantineDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		f.logger.Error("Failed to create quarantine dir", "error", err)
		return
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := os.Rename(src, dst); err != nil {
		f.logger.Error("Failed to quarantine segment", "file", src, "error", err)
		return
	}
	f.logger.Warn("Segment quarantined after repeated failures", "file", dst)
}

// ctimeFromStem recovers the capture time from the strftime filename the
// stream reader produces, falling back to the file's mtime.
func (f *Fragmenter) ctimeFromStem(stem, src string) time.Time {
	if ts, err := strconv.ParseInt(stem, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0)
	}
	if info, err := os.Stat(src); err == nil {
		return info.ModTime()
	}
	return time.Now()
}

// sidecarDuration extracts the authoritative duration from the first
// EXTINF of the MP4Box side playlist.
func sidecarDuration(data []byte) (time.Duration, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return 0, err
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return 0, errors.New("sidecar is not a media playlist")
	}
	if len(media.Segments) == 0 {
		return 0, errors.New("sidecar playlist has no segments")
	}
	return media.Segments[0].Duration, nil
}

// processOpenFiles lists every path currently held open by any process.
// Scan errors for individual processes are ignored; they come and go.
func processOpenFiles() (map[string]struct{}, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	open := make(map[string]struct{})
	for _, p := range procs {
		files, err := p.OpenFiles()
		if err != nil {
			continue
		}
		for _, of := range files {
			open[of.Path] = struct{}{}
		}
	}
	return open, nil
}

func runCommand(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

func runCommandStdin(ctx context.Context, stdin, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}
