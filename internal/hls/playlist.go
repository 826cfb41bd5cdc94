// Package hls assembles HLS media playlists from the segment index and
// serves them, the fragment files and a websocket event feed over HTTP.
package hls

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/osprey-nvr/osprey/internal/config"
	"github.com/osprey-nvr/osprey/internal/storage"
)

// FilesRoutePrefix is prepended to absolute fragment paths to form the
// playlist URIs the file handler resolves.
const FilesRoutePrefix = "/files"

const (
	// gapEpsilon tolerates sub-second rounding between a fragment's
	// declared duration and the next fragment's start.
	gapEpsilon = 500 * time.Millisecond

	// staleAfter forces ENDLIST on a closed recording whose final
	// segment never made it through the fragmenter.
	staleAfter = 60 * time.Second
)

// ErrNoFragments is returned when nothing in the index covers the window.
var ErrNoFragments = errors.New("no fragments cover the requested window")

// Assembler builds media playlists for a recording or a raw time window.
type Assembler struct {
	files      *storage.FileStore
	recordings *storage.RecordingStore
	cameras    map[string]config.CameraConfig
	now        func() time.Time
}

// NewAssembler builds the playlist assembler. now may be nil.
func NewAssembler(files *storage.FileStore, recordings *storage.RecordingStore, cameras []config.CameraConfig, now func() time.Time) *Assembler {
	camMap := make(map[string]config.CameraConfig, len(cameras))
	for _, cam := range cameras {
		camMap[cam.ID] = cam
	}
	if now == nil {
		now = time.Now
	}
	return &Assembler{
		files:      files,
		recordings: recordings,
		cameras:    camMap,
		now:        now,
	}
}

// ForRecording renders the playlist covering one recording. Returns
// sql-style (nil, nil) semantics via storage: a missing recording is
// reported as ("", storage error from Get) by the caller.
func (a *Assembler) ForRecording(ctx context.Context, rec *storage.Recording) (string, error) {
	segLen := a.segmentLength(rec.CameraID)
	end := rec.EndTime
	if rec.Active() {
		end = a.now()
	}

	frags, err := a.files.FragmentsInRange(ctx, rec.CameraID,
		rec.AdjustedStartTime, end.Add(segLen))
	if err != nil {
		return "", err
	}
	if len(frags) == 0 {
		return "", ErrNoFragments
	}

	return a.render(frags, a.endlistForRecording(rec, frags)), nil
}

// ForWindow renders the playlist for an arbitrary [from, to] window.
func (a *Assembler) ForWindow(ctx context.Context, cameraID string, from, to time.Time) (string, error) {
	frags, err := a.files.FragmentsInRange(ctx, cameraID, from, to)
	if err != nil {
		return "", err
	}
	if len(frags) == 0 {
		return "", ErrNoFragments
	}

	// A window reaching into the present is live; everything else is
	// complete and gets an ENDLIST.
	endlist := a.now().Sub(to) > staleAfter
	return a.render(frags, endlist), nil
}

// endlistForRecording decides whether the playlist may be finalized: the
// recording must be closed, and either its final fragment already covers
// the end time or the close is old enough that it never will.
func (a *Assembler) endlistForRecording(rec *storage.Recording, frags []storage.FileRow) bool {
	if rec.Active() {
		return false
	}
	last := frags[len(frags)-1]
	lastEnd := last.OrigCtime.Add(time.Duration(last.Duration * float64(time.Second)))
	if !lastEnd.Before(rec.EndTime) {
		return true
	}
	return a.now().Sub(rec.EndTime) > staleAfter
}

func (a *Assembler) render(frags []storage.FileRow, endlist bool) string {
	var target float64
	for _, frag := range frags {
		if frag.Duration > target {
			target = frag.Duration
		}
	}
	initURI := FilesRoutePrefix + filepath.Join(filepath.Dir(frags[0].Path), "init.mp4")

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", initURI)

	var prev *storage.FileRow
	for i := range frags {
		frag := &frags[i]
		// Every fragment is an independent fMP4 with its own timeline.
		b.WriteString("#EXT-X-DISCONTINUITY\n")
		if prev != nil {
			prevEnd := prev.OrigCtime.Add(time.Duration(prev.Duration * float64(time.Second)))
			if frag.OrigCtime.After(prevEnd.Add(gapEpsilon)) {
				b.WriteString("#EXT-X-GAP\n")
			}
		}
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n",
			frag.OrigCtime.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n", frag.Duration)
		b.WriteString(FilesRoutePrefix + frag.Path + "\n")
		prev = frag
	}

	if endlist {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

func (a *Assembler) segmentLength(cameraID string) time.Duration {
	if cam, ok := a.cameras[cameraID]; ok && cam.SegmentDuration > 0 {
		return time.Duration(cam.SegmentDuration) * time.Second
	}
	return 5 * time.Second
}
