package storage

import (
	"sort"
	"time"

	"github.com/osprey-nvr/osprey/internal/config"
)

// sweepAction is one planned file operation.
type sweepAction struct {
	File     FileRow
	Delete   bool
	DestTier *Tier // set when Delete is false
}

// sweepInput carries everything the segment selection needs.
type sweepInput struct {
	Now        time.Time
	Fragments  []FileRow   // ordered orig_ctime ascending
	Recordings []Recording // the camera's recordings intersecting the fragments
	Continuous config.RetentionRules
	Events     config.RetentionRules
	Lookback   time.Duration
	SegmentLen time.Duration

	// Next tier per role, nil when overflow means deletion.
	ContinuousNext *Tier
	EventsNext     *Tier

	// Unbounded forces every fragment out regardless of policy
	// (move_on_shutdown).
	Unbounded bool
}

// planSegmentSweep computes the per-fragment move/delete decisions for one
// (camera, tier) pair. Continuous and event retention are evaluated
// independently because a fragment unneeded by one policy may still be
// required by the other.
func planSegmentSweep(in sweepInput) []sweepAction {
	membership := labelFragments(in)

	var continuousSet, eventsSet map[int64]bool
	if in.Unbounded {
		continuousSet = make(map[int64]bool, len(in.Fragments))
		eventsSet = make(map[int64]bool, len(in.Fragments))
		for _, f := range in.Fragments {
			continuousSet[f.ID] = true
			eventsSet[f.ID] = true
		}
	} else {
		continuousSet = selectContinuous(in)
		eventsSet = selectEvents(in, membership)
	}

	var actions []sweepAction
	for _, f := range in.Fragments {
		inRecording := len(membership[f.ID]) > 0
		inEvents := inRecording && eventsSet[f.ID]
		inContinuous := !inRecording && continuousSet[f.ID]

		switch {
		case inEvents && inContinuous && in.EventsNext != nil && in.ContinuousNext != nil:
			dest := in.EventsNext
			if in.ContinuousNext.ID < dest.ID {
				dest = in.ContinuousNext
			}
			actions = append(actions, sweepAction{File: f, DestTier: dest})
		case inEvents && in.EventsNext != nil:
			actions = append(actions, sweepAction{File: f, DestTier: in.EventsNext})
		case inContinuous && in.ContinuousNext != nil:
			actions = append(actions, sweepAction{File: f, DestTier: in.ContinuousNext})
		case inEvents || inContinuous:
			actions = append(actions, sweepAction{File: f, Delete: true})
		}
	}
	return actions
}

// labelFragments maps fragment id to the recording ids it participates in.
// A fragment belongs to a recording when its capture time falls within
// [adjusted_start_time, end_time + segment_length], end_time being now for
// recordings still open.
func labelFragments(in sweepInput) map[int64][]int64 {
	out := make(map[int64][]int64)
	for _, rec := range in.Recordings {
		end := rec.EndTime
		if rec.Active() {
			end = in.Now
		}
		end = end.Add(in.SegmentLen)
		for _, f := range in.Fragments {
			if !f.OrigCtime.Before(rec.AdjustedStartTime) && !f.OrigCtime.After(end) {
				out[f.ID] = append(out[f.ID], rec.ID)
			}
		}
	}
	return out
}

// selectContinuous walks fragments oldest first and marks the ones the
// continuous policy no longer needs. The last lookback seconds are always
// preserved so an event trigger can still reach back.
func selectContinuous(in sweepInput) map[int64]bool {
	rules := in.Continuous
	out := make(map[int64]bool)

	var remaining int64
	for _, f := range in.Fragments {
		remaining += f.Size
	}

	lookbackFloor := in.Now.Add(-in.Lookback - in.SegmentLen)
	for _, f := range in.Fragments {
		if !f.OrigCtime.Before(lookbackFloor) {
			break
		}
		age := in.Now.Sub(f.OrigCtime)

		overSize := rules.MaxBytes() > 0 && remaining > rules.MaxBytes() &&
			age >= rules.MinAge.Std()
		overAge := rules.MaxAge > 0 && age >= rules.MaxAge.Std() &&
			remaining >= rules.MinBytes()

		if overSize || overAge {
			out[f.ID] = true
			remaining -= f.Size
		}
	}
	return out
}

// selectEvents groups fragments by recording and expires whole recordings
// oldest first. A fragment shared with a recording that is not expired
// stays, so overlapping events never lose footage to each other.
func selectEvents(in sweepInput, membership map[int64][]int64) map[int64]bool {
	rules := in.Events

	fragsByRec := make(map[int64][]FileRow)
	sizeByRec := make(map[int64]int64)
	var total int64
	for _, f := range in.Fragments {
		recIDs := membership[f.ID]
		if len(recIDs) == 0 {
			continue
		}
		total += f.Size
		for _, id := range recIDs {
			fragsByRec[id] = append(fragsByRec[id], f)
			sizeByRec[id] += f.Size
		}
	}

	recs := make([]Recording, 0, len(in.Recordings))
	for _, rec := range in.Recordings {
		if len(fragsByRec[rec.ID]) > 0 {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})

	expired := make(map[int64]bool)
	remaining := total
	for _, rec := range recs {
		if rec.Active() {
			continue
		}
		age := in.Now.Sub(rec.CreatedAt)

		overSize := rules.MaxBytes() > 0 && remaining > rules.MaxBytes() &&
			age >= rules.MinAge.Std()
		overAge := rules.MaxAge > 0 && age >= rules.MaxAge.Std() &&
			remaining >= rules.MinBytes()

		if overSize || overAge {
			expired[rec.ID] = true
			remaining -= sizeByRec[rec.ID]
		}
	}

	out := make(map[int64]bool)
	for _, f := range in.Fragments {
		recIDs := membership[f.ID]
		if len(recIDs) == 0 {
			continue
		}
		all := true
		for _, id := range recIDs {
			if !expired[id] {
				all = false
				break
			}
		}
		if all {
			out[f.ID] = true
		}
	}
	return out
}

// planSimpleSweep expires files of one flat category (snapshots) by age and
// size, oldest first.
func planSimpleSweep(now time.Time, files []FileRow, rules config.RetentionRules, next *Tier, unbounded bool) []sweepAction {
	var remaining int64
	for _, f := range files {
		remaining += f.Size
	}

	var actions []sweepAction
	for _, f := range files {
		expired := unbounded
		if !expired {
			age := now.Sub(f.OrigCtime)
			overSize := rules.MaxBytes() > 0 && remaining > rules.MaxBytes() &&
				age >= rules.MinAge.Std()
			overAge := rules.MaxAge > 0 && age >= rules.MaxAge.Std() &&
				remaining >= rules.MinBytes()
			expired = overSize || overAge
		}
		if !expired {
			continue
		}
		remaining -= f.Size
		if next != nil {
			actions = append(actions, sweepAction{File: f, DestTier: next})
		} else {
			actions = append(actions, sweepAction{File: f, Delete: true})
		}
	}
	return actions
}
