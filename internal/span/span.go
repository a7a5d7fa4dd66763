// Package span turns boot/shutdown session history into per-day work spans.
package span

import (
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// SessionRecord is a single boot session in local civil time.
// An in-progress session carries the parse time as its End.
type SessionRecord struct {
	Start time.Time
	End   time.Time
}

// DailySpan is the first-boot to last-shutdown interval for one calendar day.
type DailySpan struct {
	Date         civil.Date
	FirstBoot    civil.Time
	LastShutdown civil.Time
	TotalMinutes int
	TotalLabel   string
}

// bounds tracks the earliest start and latest end observed for a date.
// hasFirst is false while the date has only been reached by an overnight tail.
type bounds struct {
	first    time.Time
	last     time.Time
	hasFirst bool
}

// Aggregate folds sessions into one span per calendar day.
//
// A session is attributed to the date of its start. A session that ends on a
// later date also extends that date's latest end, but never seeds its first
// boot, so a date reached only by an overnight tail yields no span. Dates
// whose latest end is not after their first boot are dropped.
// The result is sorted by date ascending.
func Aggregate(sessions []SessionRecord) []DailySpan {
	days := make(map[civil.Date]*bounds)

	for _, s := range sessions {
		if s.End.Before(s.Start) {
			continue
		}

		startDate := civil.DateOf(s.Start)
		endDate := civil.DateOf(s.End)

		b, ok := days[startDate]
		if !ok {
			days[startDate] = &bounds{first: s.Start, last: s.End, hasFirst: true}
		} else {
			if !b.hasFirst || s.Start.Before(b.first) {
				b.first = s.Start
				b.hasFirst = true
			}
			if s.End.After(b.last) {
				b.last = s.End
			}
		}

		if endDate == startDate {
			continue
		}

		// Overnight tail: only the end is carried into the next day.
		spill, ok := days[endDate]
		if !ok {
			days[endDate] = &bounds{last: s.End}
			continue
		}
		if s.End.After(spill.last) {
			spill.last = s.End
		}
	}

	spans := make([]DailySpan, 0, len(days))
	for date, b := range days {
		if !b.hasFirst || !b.last.After(b.first) {
			continue
		}
		spans = append(spans, newDailySpan(date, b.first, b.last))
	}

	SortByDate(spans)
	return spans
}

func newDailySpan(date civil.Date, first, last time.Time) DailySpan {
	seconds := int64(last.Sub(first) / time.Second)

	return DailySpan{
		Date:         date,
		FirstBoot:    clockOf(first),
		LastShutdown: clockOf(last),
		TotalMinutes: int(seconds / 60),
		TotalLabel:   FormatLabel(seconds),
	}
}

// clockOf drops sub-second precision so that wire values match HH:MM:SS.
func clockOf(t time.Time) civil.Time {
	c := civil.TimeOf(t)
	c.Nanosecond = 0
	return c
}

// FormatLabel renders a span length as "{hours}h {minutes}m", truncating.
func FormatLabel(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// SortByDate orders spans chronologically in place.
func SortByDate(spans []DailySpan) {
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].Date.Before(spans[j].Date)
	})
}

// Pending returns the spans dated on or after the marker, in date order.
// The marker day itself is kept so that a later shutdown observed since the
// previous run is re-sent. A nil marker keeps everything.
func Pending(spans []DailySpan, marker *civil.Date) []DailySpan {
	pending := make([]DailySpan, 0, len(spans))
	for _, s := range spans {
		if marker != nil && s.Date.Before(*marker) {
			continue
		}
		pending = append(pending, s)
	}

	SortByDate(pending)
	return pending
}

// Finalized reports whether a span's date is strictly before today. Spans
// dated today are still open and must be re-sent on a later run.
func Finalized(date, today civil.Date) bool {
	return date.Before(today)
}

// FirstBootString returns the first boot time in wire format.
func (s DailySpan) FirstBootString() string {
	return formatClock(s.FirstBoot)
}

// LastShutdownString returns the last shutdown time in wire format.
func (s DailySpan) LastShutdownString() string {
	return formatClock(s.LastShutdown)
}

func formatClock(c civil.Time) string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}
