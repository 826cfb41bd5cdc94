package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osprey-nvr/osprey/internal/bus"
)

// modifiedDebounce coalesces size updates while a file is still being
// written.
const modifiedDebounce = time.Second

// Indexer is the serialized writer for the files table. Every row
// creation, update and delete funnels through its single goroutine so
// watcher events never race each other.
type Indexer struct {
	files  *FileStore
	bus    *bus.Bus
	tiers  []Tier
	logger *slog.Logger

	mu     sync.Mutex
	ctimes map[string]time.Time

	queue chan tierEvent
	done  chan struct{}
}

type tierEvent struct {
	tier  Tier
	event Event
}

// NewIndexer creates the index writer over the given tiers.
func NewIndexer(files *FileStore, b *bus.Bus, tiers []Tier, logger *slog.Logger) *Indexer {
	return &Indexer{
		files:  files,
		bus:    b,
		tiers:  tiers,
		logger: logger.With("component", "indexer"),
		ctimes: make(map[string]time.Time),
		queue:  make(chan tierEvent, 1024),
		done:   make(chan struct{}),
	}
}

// RegisterCTime hands off the original capture time for a file about to
// appear on disk, so the watcher-driven insert does not fall back to now().
func (ix *Indexer) RegisterCTime(path string, ctime time.Time) {
	ix.mu.Lock()
	ix.ctimes[path] = ctime
	ix.mu.Unlock()
}

func (ix *Indexer) takeCTime(path string) (time.Time, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	t, ok := ix.ctimes[path]
	if ok {
		delete(ix.ctimes, path)
	}
	return t, ok
}

// Feed pumps one watcher's events into the serialized queue. It returns
// when the watcher's channel closes.
func (ix *Indexer) Feed(tier Tier, w Watcher) {
	for event := range w.Events() {
		ix.queue <- tierEvent{tier: tier, event: event}
	}
}

// Run consumes the queue until ctx is cancelled, applying events in
// arrival order. Modified events are coalesced with a debounce before the
// size update lands.
func (ix *Indexer) Run(ctx context.Context) {
	defer close(ix.done)

	pending := make(map[string]tierEvent) // debounced modifications
	lastSeen := make(map[string]time.Time)
	flush := time.NewTicker(250 * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, te := range pending {
				ix.applyModified(context.Background(), te)
			}
			return
		case te := <-ix.queue:
			switch te.event.Op {
			case OpCreated:
				ix.applyCreated(ctx, te)
			case OpModified:
				pending[te.event.Path] = te
				lastSeen[te.event.Path] = time.Now()
			case OpDeleted:
				delete(pending, te.event.Path)
				delete(lastSeen, te.event.Path)
				ix.applyDeleted(ctx, te)
			}
		case <-flush.C:
			now := time.Now()
			for path, seen := range lastSeen {
				if now.Sub(seen) < modifiedDebounce {
					continue
				}
				ix.applyModified(ctx, pending[path])
				delete(pending, path)
				delete(lastSeen, path)
			}
		}
	}
}

// Wait blocks until Run has drained and returned.
func (ix *Indexer) Wait() { <-ix.done }

func (ix *Indexer) applyCreated(ctx context.Context, te tierEvent) {
	cameraID, category, subcategory, ok := classify(te.tier, te.event.Path)
	if !ok {
		return
	}

	ctime, ok := ix.takeCTime(te.event.Path)
	if !ok {
		ctime = guessCTime(te.event.Path)
	}

	row := &FileRow{
		TierID:      te.tier.ID,
		TierPath:    te.tier.Path,
		CameraID:    cameraID,
		Category:    category,
		Subcategory: subcategory,
		Path:        te.event.Path,
		Size:        te.event.Size,
		OrigCtime:   ctime,
	}
	if err := ix.files.Upsert(ctx, row); err != nil {
		ix.logger.Error("Failed to index file", "path", te.event.Path, "error", err)
		return
	}

	ix.publish(bus.SubjectFileCreated, cameraID, category, subcategory, te.event.Path)
}

func (ix *Indexer) applyModified(ctx context.Context, te tierEvent) {
	if _, _, _, ok := classify(te.tier, te.event.Path); !ok {
		return
	}
	if err := ix.files.UpdateSize(ctx, te.event.Path, te.event.Size); err != nil {
		ix.logger.Error("Failed to update file size", "path", te.event.Path, "error", err)
	}
}

func (ix *Indexer) applyDeleted(ctx context.Context, te tierEvent) {
	cameraID, category, subcategory, ok := classify(te.tier, te.event.Path)
	if !ok {
		return
	}
	if err := ix.files.Delete(ctx, te.event.Path); err != nil {
		ix.logger.Error("Failed to deindex file", "path", te.event.Path, "error", err)
		return
	}

	ix.publish(bus.SubjectFileDeleted, cameraID, category, subcategory, te.event.Path)
}

func (ix *Indexer) publish(subject, cameraID, category, subcategory, path string) {
	if ix.bus == nil {
		return
	}
	err := ix.bus.Publish(subject, bus.FileEvent{
		CameraID:    cameraID,
		Category:    category,
		Subcategory: subcategory,
		FileName:    filepath.Base(path),
		Path:        path,
	})
	if err != nil {
		ix.logger.Warn("Failed to publish file event", "subject", subject, "error", err)
	}
}

// classify maps a path under a tier root to (camera, category,
// subcategory). Layout:
//
//	<tier>/segments/<camera>/<ts>.m4s
//	<tier>/event_clips/<camera>/<recording_id>.mp4
//	<tier>/thumbnails/<camera>/<recording_id>.jpg
//	<tier>/snapshots/<domain>/<camera>/<uuid>.jpg
func classify(tier Tier, path string) (cameraID, category, subcategory string, ok bool) {
	rel, err := filepath.Rel(tier.Path, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	switch parts[0] {
	case SubcategorySegments, SubcategoryEventClips, SubcategoryThumbnails:
		if len(parts) != 3 {
			return "", "", "", false
		}
		return parts[1], CategoryRecorder, parts[0], true
	case CategorySnapshots:
		if len(parts) != 4 {
			return "", "", "", false
		}
		return parts[2], CategorySnapshots, parts[1], true
	}
	return "", "", "", false
}

// guessCTime recovers the capture time for fragments named by their start
// unix timestamp. Anything else falls back to now().
func guessCTime(path string) time.Time {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".m4s") {
		stem := strings.TrimSuffix(base, ".m4s")
		if ts, err := strconv.ParseInt(stem, 10, 64); err == nil {
			return time.Unix(ts, 0)
		}
	}
	return time.Now()
}
