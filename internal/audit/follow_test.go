package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFollow_DeliversNewEntries(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, nil)
	record(t, l, "before_follow", nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan *Entry, 64)
	done := make(chan error, 1)
	go func() {
		done <- l.Follow(ctx, func(e *Entry) { got <- e })
	}()

	// The watcher starts asynchronously; keep recording until one arrives.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	var first *Entry
	for first == nil {
		select {
		case e := <-got:
			first = e
		case <-ticker.C:
			record(t, l, "followed", map[string]any{"n": 1}, "u1")
		case <-ctx.Done():
			t.Fatal("no entry delivered before timeout")
		}
	}

	if first.EventType != "followed" {
		t.Errorf("delivered %q; entries recorded before Follow must not be replayed", first.EventType)
	}
	if first.Sequence < 2 {
		t.Errorf("delivered sequence %d", first.Sequence)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Follow returned %v, want context.Canceled", err)
	}
}

func TestReadFrom_PartialLineAndTruncation(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, 0, 0, false)
	if _, err := w.Append(writerEntry(1)); err != nil {
		t.Fatal(err)
	}
	rollback, err := w.Append(writerEntry(2))
	if err != nil {
		t.Fatal(err)
	}
	path := dir + "/2026-03-01.jsonl"

	entries, offset, err := readFrom(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("read %d entries, want 2", len(entries))
	}

	if err := rollback(); err != nil {
		t.Fatal(err)
	}
	entries, next, err := readFrom(path, offset)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 || next >= offset {
		t.Errorf("after truncation: %d entries, offset %d (was %d)", len(entries), next, offset)
	}
}
