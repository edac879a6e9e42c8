// Package reconcile holds the pure planning arithmetic for the sync engine:
// which span to fetch, which parsed records are actually new, and which
// aligned buckets are still missing. Nothing here touches the network or
// the database, so every rule is unit-testable with plain values.
package reconcile

import (
	"sort"
	"time"

	statisticsdomain "github.com/smallbiznis/tidemark/internal/statistics/domain"
)

// Window is a half-open span [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) IsZero() bool {
	return !w.End.After(w.Start)
}

func (w Window) Duration() time.Duration {
	if w.IsZero() {
		return 0
	}
	return w.End.Sub(w.Start)
}

// FetchWindow computes the span to request for one series.
//
// On the first sync the window reaches the full lookback back from now. On
// later syncs it starts a resync margin before the high water mark, so a
// trailing slice of already-synced time is re-requested to pick up
// late-arriving or corrected portal data.
func FetchWindow(resolution statisticsdomain.Resolution, highWaterMark *time.Time, now time.Time, lookback, margin time.Duration) Window {
	now = now.UTC()

	var start time.Time
	if highWaterMark == nil || highWaterMark.IsZero() {
		start = now.Add(-lookback)
	} else {
		start = highWaterMark.UTC().Add(-margin)
	}

	// Request whole buckets; the portal only takes calendar boundaries.
	start = resolution.Truncate(start)

	w := Window{Start: start, End: now}
	if w.IsZero() {
		return Window{}
	}
	return w
}

// SplitWindow cuts a window into spans no longer than max, oldest first.
// The portal rejects ranges above a per-resolution cap, so a long backfill
// is walked in slices.
func SplitWindow(w Window, max time.Duration) []Window {
	if w.IsZero() {
		return nil
	}
	if max <= 0 || w.Duration() <= max {
		return []Window{w}
	}

	var out []Window
	for start := w.Start; start.Before(w.End); start = start.Add(max) {
		end := start.Add(max)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out
}

// MergeOutcome is the result of planning a merge.
type MergeOutcome struct {
	// ToInsert holds incoming records whose bucket is not stored yet, in
	// ascending bucket order, bucket starts normalized.
	ToInsert []statisticsdomain.UsageRecord

	// HighWaterMark is the newest bucket across stored and new records.
	// Nil when the series is still empty.
	HighWaterMark *time.Time

	// Dropped counts incoming records skipped as already present or as
	// duplicates inside the batch itself.
	Dropped int
}

// Merge plans which incoming records to insert for one series. Records whose
// bucket already exists are dropped, never overwritten, so replaying the
// same export is a no-op and overlapping resync windows cannot double-count.
func Merge(resolution statisticsdomain.Resolution, existing []time.Time, priorHighWaterMark *time.Time, incoming []statisticsdomain.UsageRecord) MergeOutcome {
	seen := make(map[int64]struct{}, len(existing))
	for _, bucket := range existing {
		seen[resolution.Truncate(bucket.UTC()).Unix()] = struct{}{}
	}

	outcome := MergeOutcome{}
	if priorHighWaterMark != nil && !priorHighWaterMark.IsZero() {
		hwm := priorHighWaterMark.UTC()
		outcome.HighWaterMark = &hwm
	}

	for _, rec := range incoming {
		if rec.Resolution != resolution || rec.BucketStart.IsZero() {
			outcome.Dropped++
			continue
		}

		bucket := resolution.Truncate(rec.BucketStart.UTC())
		if _, dup := seen[bucket.Unix()]; dup {
			outcome.Dropped++
			continue
		}
		seen[bucket.Unix()] = struct{}{}

		rec.BucketStart = bucket
		outcome.ToInsert = append(outcome.ToInsert, rec)

		if outcome.HighWaterMark == nil || bucket.After(*outcome.HighWaterMark) {
			hwm := bucket
			outcome.HighWaterMark = &hwm
		}
	}

	sort.Slice(outcome.ToInsert, func(i, j int) bool {
		return outcome.ToInsert[i].BucketStart.Before(outcome.ToInsert[j].BucketStart)
	})

	return outcome
}

// CompletedThrough returns the exclusive end of fully elapsed buckets at
// now. The bucket containing now is still filling and must not be treated
// as missing.
func CompletedThrough(resolution statisticsdomain.Resolution, now time.Time) time.Time {
	return resolution.Truncate(now.UTC())
}

// MissingSlots returns aligned buckets inside the window with neither a
// stored value nor a portal "no data" marker. Gaps only ever trigger a
// re-fetch; values are never interpolated or invented.
func MissingSlots(resolution statisticsdomain.Resolution, w Window, present, unavailable []time.Time) []time.Time {
	if w.IsZero() {
		return nil
	}

	have := make(map[int64]struct{}, len(present)+len(unavailable))
	for _, bucket := range present {
		have[resolution.Truncate(bucket.UTC()).Unix()] = struct{}{}
	}
	for _, bucket := range unavailable {
		have[resolution.Truncate(bucket.UTC()).Unix()] = struct{}{}
	}

	var missing []time.Time
	for bucket := resolution.Truncate(w.Start.UTC()); bucket.Before(w.End); bucket = resolution.Next(bucket) {
		if _, ok := have[bucket.Unix()]; !ok {
			missing = append(missing, bucket)
		}
	}
	return missing
}
