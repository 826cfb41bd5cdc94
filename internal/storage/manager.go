package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/osprey-nvr/osprey/internal/bus"
	"github.com/osprey-nvr/osprey/internal/config"
)

const (
	sweepBatchSize  = 100
	sweepBatchPause = 100 * time.Millisecond
	sweepThrottle   = 10 * time.Second
	initFileName    = "init.mp4"
)

type jobKey struct {
	CameraID    string
	TierID      int
	Category    string
	Subcategory string
}

type jobState struct {
	mu      sync.Mutex
	lastRun time.Time
	forced  bool
}

// Manager runs the tiered retention engine: per (camera, tier, category,
// subcategory) sweep jobs on a worker pool, the filesystem watchers and
// the index writer they feed.
type Manager struct {
	cameras    map[string]config.CameraConfig
	tiers      []Tier
	files      *FileStore
	recordings *RecordingStore
	bus        *bus.Bus
	indexer    *Indexer
	logger     *slog.Logger

	workers  int
	watchers []Watcher
	cron     *cron.Cron
	jobs     chan jobKey

	mu     sync.Mutex
	states map[jobKey]*jobState

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager builds the tier manager. workers caps concurrent sweeps.
func NewManager(cameras []config.CameraConfig, tiers []Tier, files *FileStore, recordings *RecordingStore, b *bus.Bus, workers int, logger *slog.Logger) *Manager {
	camMap := make(map[string]config.CameraConfig, len(cameras))
	for _, cam := range cameras {
		camMap[cam.ID] = cam
	}
	m := &Manager{
		cameras:    camMap,
		tiers:      tiers,
		files:      files,
		recordings: recordings,
		bus:        b,
		logger:     logger.With("component", "tiers"),
		workers:    workers,
		jobs:       make(chan jobKey, 256),
		states:     make(map[jobKey]*jobState),
	}
	m.indexer = NewIndexer(files, b, tiers, logger)
	return m
}

// Indexer exposes the index writer for orig_ctime hand-offs.
func (m *Manager) Indexer() *Indexer { return m.indexer }

// Start launches watchers, the index writer, the worker pool and the
// per-tier schedules.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	for _, tier := range m.tiers {
		w := NewWatcher(tier.Path, tier.Poll, m.logger)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watch tier %d: %w", tier.ID, err)
		}
		m.watchers = append(m.watchers, w)
		go m.indexer.Feed(tier, w)
	}
	go m.indexer.Run(ctx)

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}

	m.cron = cron.New()
	for _, tier := range m.tiers {
		tier := tier
		m.cron.Schedule(cron.Every(tier.CheckInterval), cron.FuncJob(func() {
			m.enqueueTier(ctx, tier)
		}))
	}
	m.cron.Start()

	if m.bus != nil {
		_, err := m.bus.Subscribe("storage.check_tier.>", func(msg *nats.Msg) {
			key, ok := parseCheckTierSubject(msg.Subject)
			if !ok {
				m.logger.Warn("Malformed check_tier subject", "subject", msg.Subject)
				return
			}
			m.RunNow(key.CameraID, key.TierID, key.Category, key.Subcategory)
		})
		if err != nil {
			return fmt.Errorf("subscribe check_tier: %w", err)
		}
	}

	m.logger.Info("Tier manager started", "tiers", len(m.tiers), "workers", m.workers)
	return nil
}

// RunNow enqueues a single sweep ahead of its schedule, bypassing the
// throttle window.
func (m *Manager) RunNow(cameraID string, tierID int, category, subcategory string) {
	key := jobKey{CameraID: cameraID, TierID: tierID, Category: category, Subcategory: subcategory}
	m.state(key).force()
	select {
	case m.jobs <- key:
	default:
		m.logger.Warn("Sweep queue full, dropping trigger", "camera", cameraID, "tier", tierID)
	}
}

func (m *Manager) enqueueTier(ctx context.Context, tier Tier) {
	for _, key := range m.tierJobs(ctx, tier) {
		select {
		case m.jobs <- key:
		case <-ctx.Done():
			return
		}
	}
}

// tierJobs lists every (camera, category, subcategory) key present in a
// tier, from configured cameras plus whatever the index already holds.
func (m *Manager) tierJobs(ctx context.Context, tier Tier) []jobKey {
	cameras := make(map[string]bool, len(m.cameras))
	for id := range m.cameras {
		cameras[id] = true
	}
	indexed, err := m.files.ListCameras(ctx, tier.ID)
	if err != nil {
		m.logger.Error("Failed to list tier cameras", "tier", tier.ID, "error", err)
	}
	for _, id := range indexed {
		cameras[id] = true
	}

	var keys []jobKey
	for cam := range cameras {
		keys = append(keys,
			jobKey{cam, tier.ID, CategoryRecorder, SubcategorySegments},
			jobKey{cam, tier.ID, CategoryRecorder, SubcategoryEventClips},
			jobKey{cam, tier.ID, CategoryRecorder, SubcategoryThumbnails},
		)
		domains, err := m.files.ListSubcategories(ctx, cam, tier.ID, CategorySnapshots)
		if err != nil {
			m.logger.Error("Failed to list snapshot domains", "camera", cam, "error", err)
			continue
		}
		for _, domain := range domains {
			keys = append(keys, jobKey{cam, tier.ID, CategorySnapshots, domain})
		}
	}
	return keys
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-m.jobs:
			m.runJob(ctx, key, false)
		}
	}
}

func (m *Manager) state(key jobKey) *jobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		st = &jobState{}
		m.states[key] = st
	}
	return st
}

func (st *jobState) force() {
	st.mu.Lock()
	st.forced = true
	st.mu.Unlock()
}

// runJob serializes per key and coalesces bursts within the throttle
// window. Ad-hoc triggers set forced and skip the throttle. The
// unbounded shutdown pass must not be skipped, so it waits for a
// scheduled sweep holding the key instead of returning.
func (m *Manager) runJob(ctx context.Context, key jobKey, unbounded bool) {
	st := m.state(key)
	if unbounded {
		st.mu.Lock()
	} else if !st.mu.TryLock() {
		return
	}
	defer st.mu.Unlock()

	if !unbounded && !st.forced && time.Since(st.lastRun) < sweepThrottle {
		return
	}
	st.lastRun = time.Now()
	st.forced = false

	tier, ok := m.tier(key.TierID)
	if !ok {
		return
	}

	var err error
	switch {
	case key.Category == CategoryRecorder && key.Subcategory == SubcategorySegments:
		err = m.sweepSegments(ctx, key.CameraID, tier, unbounded)
	case key.Category == CategoryRecorder:
		err = m.reconcileRecordings(ctx, key.CameraID, tier, unbounded)
	case key.Category == CategorySnapshots:
		err = m.sweepSnapshots(ctx, key.CameraID, tier, key.Subcategory, unbounded)
	}
	if err != nil {
		m.logger.Error("Sweep failed", "camera", key.CameraID, "tier", key.TierID,
			"category", key.Category, "subcategory", key.Subcategory, "error", err)
	}
}

func (m *Manager) tier(id int) (Tier, bool) {
	for _, t := range m.tiers {
		if t.ID == id {
			return t, true
		}
	}
	return Tier{}, false
}

// nextTier returns the tier files overflow into, nil when overflow means
// deletion.
func (m *Manager) nextTier(current Tier) *Tier {
	for i := range m.tiers {
		if m.tiers[i].ID == current.ID+1 {
			return &m.tiers[i]
		}
	}
	return nil
}

func (m *Manager) cameraTimings(cameraID string) (lookback, segmentLen time.Duration) {
	lookback = 5 * time.Second
	segmentLen = 5 * time.Second
	if cam, ok := m.cameras[cameraID]; ok {
		lookback = time.Duration(cam.Lookback) * time.Second
		segmentLen = time.Duration(cam.SegmentDuration) * time.Second
	}
	return lookback, segmentLen
}

func (m *Manager) sweepSegments(ctx context.Context, cameraID string, tier Tier, unbounded bool) error {
	all, err := m.files.List(ctx, cameraID, tier.ID, CategoryRecorder, SubcategorySegments)
	if err != nil {
		return err
	}
	frags := all[:0:0]
	for _, f := range all {
		if f.Filename != initFileName {
			frags = append(frags, f)
		}
	}
	if len(frags) == 0 {
		return nil
	}

	now := time.Now()
	recs, err := m.recordings.Intersecting(ctx, cameraID, frags[0].OrigCtime, now)
	if err != nil {
		return err
	}

	lookback, segmentLen := m.cameraTimings(cameraID)
	next := m.nextTier(tier)
	actions := planSegmentSweep(sweepInput{
		Now:            now,
		Fragments:      frags,
		Recordings:     recs,
		Continuous:     tier.Continuous,
		Events:         tier.Events,
		Lookback:       lookback,
		SegmentLen:     segmentLen,
		ContinuousNext: next,
		EventsNext:     next,
		Unbounded:      unbounded,
	})
	return m.apply(ctx, cameraID, actions, unbounded)
}

func (m *Manager) sweepSnapshots(ctx context.Context, cameraID string, tier Tier, domain string, unbounded bool) error {
	files, err := m.files.List(ctx, cameraID, tier.ID, CategorySnapshots, domain)
	if err != nil {
		return err
	}
	actions := planSimpleSweep(time.Now(), files, tier.Snapshots, m.nextTier(tier), unbounded)
	return m.apply(ctx, cameraID, actions, unbounded)
}

// apply executes planned actions in batches with a pause between batches
// to cap IO pressure. The unbounded shutdown sweep skips the pause.
func (m *Manager) apply(ctx context.Context, cameraID string, actions []sweepAction, unbounded bool) error {
	for i, action := range actions {
		if i > 0 && i%sweepBatchSize == 0 && !unbounded {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sweepBatchPause):
			}
		}

		var err error
		if action.Delete {
			err = m.deleteFile(ctx, action.File)
		} else {
			err = m.moveFile(ctx, cameraID, action.File, *action.DestTier)
		}
		if err != nil {
			m.logger.Error("Sweep action failed", "path", action.File.Path, "error", err)
		}
	}
	return nil
}

func (m *Manager) deleteFile(ctx context.Context, f FileRow) error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// The watcher would catch up eventually; removing the row here keeps
	// the next sweep's working set accurate.
	return m.files.Delete(ctx, f.Path)
}

// moveFile copies to the destination tier with fsync, rewrites the index
// row, then unlinks the source. A crash mid-move leaves the row pointing
// at the source so the next sweep retries cleanly.
func (m *Manager) moveFile(ctx context.Context, cameraID string, f FileRow, dest Tier) error {
	destDir, err := destDirFor(dest, cameraID, f.Category, f.Subcategory)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	destPath := filepath.Join(destDir, f.Filename)

	if f.Subcategory == SubcategorySegments {
		if err := m.ensureInit(dest, cameraID, f); err != nil {
			m.logger.Warn("Failed to carry init segment", "camera", cameraID,
				"tier", dest.ID, "error", err)
		}
	}

	m.indexer.RegisterCTime(destPath, f.OrigCtime)
	if err := copyDurable(f.Path, destPath); err != nil {
		return err
	}
	if err := m.files.Move(ctx, f.Path, destPath, dest.ID, dest.Path); err != nil {
		return err
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ensureInit copies the camera's init segment into the destination tier
// the first time a fragment lands there.
func (m *Manager) ensureInit(dest Tier, cameraID string, f FileRow) error {
	destInit := filepath.Join(dest.SegmentsDir(cameraID), initFileName)
	if _, err := os.Stat(destInit); err == nil {
		return nil
	}
	srcInit := filepath.Join(filepath.Dir(f.Path), initFileName)
	if _, err := os.Stat(srcInit); err != nil {
		return err
	}
	return copyDurable(srcInit, destInit)
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

func destDirFor(dest Tier, cameraID, category, subcategory string) (string, error) {
	switch {
	case category == CategoryRecorder && subcategory == SubcategorySegments:
		return dest.SegmentsDir(cameraID), nil
	case category == CategoryRecorder && subcategory == SubcategoryEventClips:
		return dest.EventClipsDir(cameraID), nil
	case category == CategoryRecorder && subcategory == SubcategoryThumbnails:
		return dest.ThumbnailsDir(cameraID), nil
	case category == CategorySnapshots:
		return dest.SnapshotsDir(subcategory, cameraID), nil
	}
	return "", fmt.Errorf("unknown category %s/%s", category, subcategory)
}

// reconcileRecordings slaves thumbnails and event clips to their parent
// recording's fragments and prunes recordings whose fragments have all
// been expired.
func (m *Manager) reconcileRecordings(ctx context.Context, cameraID string, tier Tier, unbounded bool) error {
	recs, err := m.recordings.List(ctx, cameraID, 1000)
	if err != nil {
		return err
	}
	_, segmentLen := m.cameraTimings(cameraID)
	now := time.Now()

	for _, rec := range recs {
		if rec.Active() {
			continue
		}

		frags, err := m.files.FragmentsInRange(ctx, cameraID,
			rec.AdjustedStartTime, rec.EndTime.Add(segmentLen))
		if err != nil {
			return err
		}

		if len(frags) == 0 {
			// Recently closed recordings may not have indexed fragments
			// yet; only prune once the recording is comfortably old.
			if now.Sub(rec.EndTime) < time.Minute {
				continue
			}
			if err := m.pruneRecording(ctx, rec); err != nil {
				m.logger.Error("Failed to prune recording", "recording", rec.ID, "error", err)
			}
			continue
		}

		minTier := frags[0].TierID
		for _, f := range frags {
			if f.TierID < minTier {
				minTier = f.TierID
			}
		}
		dest, ok := m.tier(minTier)
		if !ok {
			continue
		}
		if err := m.slaveToRecording(ctx, &rec, dest); err != nil {
			m.logger.Error("Failed to move recording artifacts", "recording", rec.ID, "error", err)
		}
	}
	return nil
}

// slaveToRecording moves a recording's thumbnail and event clip to the
// tier its fragments now live in.
func (m *Manager) slaveToRecording(ctx context.Context, rec *Recording, dest Tier) error {
	moved := false
	thumb, clip := rec.ThumbnailPath, rec.ClipPath

	for _, path := range []string{rec.ThumbnailPath, rec.ClipPath} {
		if path == "" {
			continue
		}
		row, err := m.files.Get(ctx, path)
		if err != nil {
			return err
		}
		if row == nil || row.TierID >= dest.ID {
			continue
		}
		if err := m.moveFile(ctx, rec.CameraID, *row, dest); err != nil {
			return err
		}
		destDir, err := destDirFor(dest, rec.CameraID, row.Category, row.Subcategory)
		if err != nil {
			return err
		}
		newPath := filepath.Join(destDir, row.Filename)
		if path == rec.ThumbnailPath {
			thumb = newPath
		} else {
			clip = newPath
		}
		moved = true
	}

	if moved {
		return m.recordings.UpdatePaths(ctx, rec.ID, thumb, clip)
	}
	return nil
}

// pruneRecording removes the recording row together with its thumbnail
// and event clip once no fragments survive.
func (m *Manager) pruneRecording(ctx context.Context, rec Recording) error {
	m.logger.Info("Pruning expired recording", "camera", rec.CameraID, "recording", rec.ID)
	for _, path := range []string{rec.ThumbnailPath, rec.ClipPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove recording artifact", "path", path, "error", err)
		}
		if err := m.files.Delete(ctx, path); err != nil {
			return err
		}
	}
	return m.recordings.Delete(ctx, rec.ID)
}

// EmergencyFree drops the oldest fragments of a tier outright, policy
// notwithstanding. Called when a write hits a full filesystem and the
// forced sweep did not reclaim enough.
func (m *Manager) EmergencyFree(ctx context.Context, cameraID string, tierID int, count int) error {
	tier, ok := m.tier(tierID)
	if !ok {
		return fmt.Errorf("unknown tier %d", tierID)
	}
	frags, err := m.files.List(ctx, cameraID, tier.ID, CategoryRecorder, SubcategorySegments)
	if err != nil {
		return err
	}
	dropped := 0
	for _, f := range frags {
		if dropped >= count {
			break
		}
		if f.Filename == initFileName {
			continue
		}
		m.logger.Warn("Dropping fragment to free space", "camera", cameraID,
			"tier", tierID, "path", f.Path)
		if err := m.deleteFile(ctx, f); err != nil {
			return err
		}
		dropped++
	}
	return nil
}

// Shutdown force-moves tiers flagged move_on_shutdown, draining RAM-disk
// first tiers before the process exits. Runs during the last-write phase.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cron != nil {
		m.cron.Stop()
	}
	for _, tier := range m.tiers {
		if !tier.MoveOnShutdown {
			continue
		}
		m.logger.Info("Force-moving tier on shutdown", "tier", tier.ID)
		for _, key := range m.tierJobs(ctx, tier) {
			m.runJob(ctx, key, true)
		}
	}
}

// Stop tears down watchers and the worker pool.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, w := range m.watchers {
		w.Close()
	}
	m.wg.Wait()
}

// parseCheckTierSubject splits storage.check_tier.<camera>.<tier>.<category>.<subcategory>.
func parseCheckTierSubject(subject string) (jobKey, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 6 || parts[0] != "storage" || parts[1] != "check_tier" {
		return jobKey{}, false
	}
	tierID, err := strconv.Atoi(parts[3])
	if err != nil {
		return jobKey{}, false
	}
	return jobKey{
		CameraID:    parts[2],
		TierID:      tierID,
		Category:    parts[4],
		Subcategory: parts[5],
	}, true
}
