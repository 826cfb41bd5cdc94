package fragment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/osprey-nvr/osprey/internal/storage"
)

// CreateClip materializes a closed recording into a single MP4 by feeding
// ffmpeg an in-memory HLS playlist of the recording's fragments in
// stream-copy concat mode. Returns the clip path.
func (f *Fragmenter) CreateClip(ctx context.Context, rec *storage.Recording) (string, error) {
	if rec.Active() {
		return "", errors.New("recording still active")
	}

	segLen := time.Duration(f.cfg.SegmentDuration) * time.Second
	frags, err := f.files.FragmentsInRange(ctx, f.cfg.ID,
		rec.AdjustedStartTime, rec.EndTime.Add(segLen))
	if err != nil {
		return "", fmt.Errorf("load fragments: %w", err)
	}
	if len(frags) == 0 {
		return "", errors.New("no fragments cover the recording")
	}

	destDir := f.tier.EventClipsDir(f.cfg.ID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, fmt.Sprintf("%d.mp4", rec.ID))

	f.indexer.RegisterCTime(dest, rec.StartTime)
	err = f.runStdin(ctx, concatPlaylist(frags), f.ffmpeg,
		"-hide_banner", "-loglevel", "error", "-y",
		"-protocol_whitelist", "pipe,file,crypto",
		"-f", "hls",
		"-i", "pipe:0",
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		dest)
	if err != nil {
		return "", fmt.Errorf("concat fragments: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", err
	}
	if err := f.files.Upsert(ctx, &storage.FileRow{
		TierID:      f.tier.ID,
		TierPath:    f.tier.Path,
		CameraID:    f.cfg.ID,
		Category:    storage.CategoryRecorder,
		Subcategory: storage.SubcategoryEventClips,
		Path:        dest,
		Size:        info.Size(),
		OrigCtime:   rec.StartTime,
	}); err != nil {
		return "", fmt.Errorf("index clip: %w", err)
	}

	f.logger.Info("Event clip created",
		"recording", rec.ID, "fragments", len(frags), "size", info.Size())
	return dest, nil
}

// concatPlaylist renders the fragments as a complete HLS media playlist
// with absolute file paths, decodable against the shared init.
func concatPlaylist(frags []storage.FileRow) string {
	var target float64
	for _, frag := range frags {
		if frag.Duration > target {
			target = frag.Duration
		}
	}
	initPath := filepath.Join(filepath.Dir(frags[0].Path), initFileName)

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", initPath)
	for _, frag := range frags {
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n%s\n", frag.Duration, frag.Path)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
