package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Source selects where a query reads entries from.
type Source string

const (
	SourceAuto  Source = ""      // index when configured, otherwise log
	SourceIndex Source = "index" // index only
	SourceLog   Source = "log"   // scan partition files
)

// Query filters entries. The time range is inclusive at both ends. A zero
// End means now. EventType and UserID are exact matches when set.
type Query struct {
	Start     time.Time
	End       time.Time
	EventType string
	UserID    string
	Source    Source
}

// Result is the outcome of a query. Warnings lists entries that could be
// returned only partially, such as encrypted entries that failed to decrypt
// (their Details are nil), and records that could not be read at all.
type Result struct {
	Entries  []*Entry
	Warnings []string
	Source   Source
}

// GetEntries returns matching entries ordered by timestamp, then sequence.
// Encrypted details are decrypted in the returned copies only.
func (l *Log) GetEntries(ctx context.Context, q Query) ([]*Entry, error) {
	res, err := l.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Query is GetEntries with per-entry warnings.
func (l *Log) Query(ctx context.Context, q Query) (*Result, error) {
	if q.End.IsZero() {
		q.End = l.now()
	}
	if q.End.Before(q.Start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange, q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339))
	}

	source := q.Source
	if source == SourceAuto {
		source = SourceLog
		// Day sets need a lower bound to enumerate.
		if l.index != nil && !q.Start.IsZero() {
			source = SourceIndex
		}
	}

	var (
		entries  []*Entry
		warnings []error
		err      error
	)
	switch source {
	case SourceIndex:
		if l.index == nil {
			return nil, errors.New("no index configured")
		}
		if q.Start.IsZero() {
			return nil, fmt.Errorf("%w: index queries need a start time", ErrInvalidRange)
		}
		entries, warnings, err = l.fromIndex(ctx, q)
	case SourceLog:
		entries, warnings, err = l.fromLog(ctx, q)
	default:
		return nil, fmt.Errorf("unknown query source %q", source)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Source: source}
	for _, w := range warnings {
		res.Warnings = append(res.Warnings, w.Error())
	}
	for _, e := range entries {
		if !matches(e, q) {
			continue
		}
		if err := unseal(l.enc, e); err != nil {
			res.Warnings = append(res.Warnings, err.Error())
			e.Details = nil
		}
		res.Entries = append(res.Entries, e)
	}

	sort.SliceStable(res.Entries, func(i, j int) bool {
		a, b := res.Entries[i], res.Entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Sequence < b.Sequence
	})
	return res, nil
}

func matches(e *Entry, q Query) bool {
	if e.Timestamp.Before(q.Start) || e.Timestamp.After(q.End) {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	return true
}

// fromIndex unions the day (or event-type) sets for every day in range,
// intersects with the user set when filtering by user, and resolves ids.
func (l *Log) fromIndex(ctx context.Context, q Query) ([]*Entry, []error, error) {
	ids := make(map[string]struct{})
	for _, day := range daysBetween(q.Start, q.End) {
		set := daySet(day)
		if q.EventType != "" {
			set = typeSet(q.EventType, day)
		}
		members, err := l.index.Members(ctx, set)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range members {
			ids[id] = struct{}{}
		}
	}

	if q.UserID != "" && len(ids) > 0 {
		members, err := l.index.Members(ctx, userSet(q.UserID))
		if err != nil {
			return nil, nil, err
		}
		user := make(map[string]struct{}, len(members))
		for _, id := range members {
			user[id] = struct{}{}
		}
		for id := range ids {
			if _, ok := user[id]; !ok {
				delete(ids, id)
			}
		}
	}

	var (
		entries  []*Entry
		warnings []error
	)
	for id := range ids {
		e, err := l.index.Get(ctx, id)
		if errors.Is(err, ErrNotIndexed) {
			// Expired between listing and lookup.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			warnings = append(warnings, fmt.Errorf("entry %s: %v", id, err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, warnings, nil
}

// fromLog reads every partition whose day falls in the range.
func (l *Log) fromLog(ctx context.Context, q Query) ([]*Entry, []error, error) {
	parts, err := ListPartitions(l.dir)
	if err != nil {
		return nil, nil, err
	}

	var startDay string
	if !q.Start.IsZero() {
		startDay = q.Start.UTC().Format(dayLayout)
	}
	endDay := q.End.UTC().Format(dayLayout)

	var (
		entries  []*Entry
		warnings []error
	)
	for _, p := range parts {
		if p.Day < startDay || p.Day > endDay {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		got, warns, err := ReadPartition(p.Path)
		if err != nil {
			// Pruned between listing and reading.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf("reading %s: %w", p.Name, err)
		}
		entries = append(entries, got...)
		warnings = append(warnings, warns...)
	}
	return entries, warnings, nil
}

// daysBetween lists the UTC days from start to end inclusive.
func daysBetween(start, end time.Time) []string {
	first := start.UTC().Truncate(24 * time.Hour)
	last := end.UTC().Format(dayLayout)
	var days []string
	for d := first; ; d = d.AddDate(0, 0, 1) {
		day := d.Format(dayLayout)
		days = append(days, day)
		if day >= last {
			break
		}
	}
	return days
}

// ParseSource parses a query source name; "" and "auto" select SourceAuto.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(s)) {
	case "", "auto":
		return SourceAuto, nil
	case SourceIndex:
		return SourceIndex, nil
	case SourceLog:
		return SourceLog, nil
	}
	return "", fmt.Errorf("unknown query source %q (use auto, index, or log)", s)
}

// ParseTimeBound parses a range bound given as RFC 3339, a UTC day
// (2006-01-02), or a duration before now ("24h"). An empty string is the
// zero time. A day used as an end bound covers the whole day.
func ParseTimeBound(s string, now time.Time, end bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(dayLayout, s); err == nil {
		if end {
			return t.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q as a time, day, or duration", ErrInvalidRange, s)
}
