package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// indexBackends opens each Index implementation with the given ttl.
func indexBackends(t *testing.T, ttl time.Duration) map[string]Index {
	t.Helper()
	badgerIdx, err := OpenBadgerIndex("", ttl)
	if err != nil {
		t.Fatalf("OpenBadgerIndex: %v", err)
	}
	sqliteIdx, err := OpenSQLiteIndex(t.TempDir(), ttl)
	if err != nil {
		t.Fatalf("OpenSQLiteIndex: %v", err)
	}
	t.Cleanup(func() {
		badgerIdx.Close()
		sqliteIdx.Close()
	})
	return map[string]Index{"badger": badgerIdx, "sqlite": sqliteIdx}
}

func indexEntry(seq uint64, id, eventType, userID string, ts time.Time) *Entry {
	return &Entry{
		Sequence:      seq,
		Timestamp:     ts,
		EventType:     eventType,
		Severity:      SeverityLow,
		UserID:        userID,
		Details:       map[string]any{"seq": seq},
		CorrelationID: id,
	}
}

func TestIndex_Contract(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, idx := range indexBackends(t, 0) {
		t.Run(name, func(t *testing.T) {
			if seq, err := idx.LastSequence(ctx); err != nil || seq != 0 {
				t.Fatalf("empty LastSequence = %d, %v", seq, err)
			}

			entries := []*Entry{
				indexEntry(1, "id-1", "login", "u1", now),
				indexEntry(2, "id-2", "login", "u2", now),
				indexEntry(3, "id-3", "logout", "", now),
			}
			for _, e := range entries {
				if err := idx.Put(ctx, e); err != nil {
					t.Fatalf("Put(%d): %v", e.Sequence, err)
				}
			}

			got, err := idx.Get(ctx, "id-2")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Sequence != 2 || got.UserID != "u2" {
				t.Errorf("Get returned %+v", got)
			}
			if _, err := idx.Get(ctx, "missing"); !errors.Is(err, ErrNotIndexed) {
				t.Errorf("Get(missing): expected ErrNotIndexed, got %v", err)
			}

			day := now.Format(dayLayout)
			sets := map[string][]string{
				daySet(day):            {"id-1", "id-2", "id-3"},
				typeSet("login", day):  {"id-1", "id-2"},
				typeSet("logout", day): {"id-3"},
				userSet("u1"):          {"id-1"},
				userSet("u"):           nil,
			}
			for set, want := range sets {
				members, err := idx.Members(ctx, set)
				if err != nil {
					t.Fatalf("Members(%s): %v", set, err)
				}
				sort.Strings(members)
				if len(members) != len(want) {
					t.Errorf("Members(%s) = %v, want %v", set, members, want)
					continue
				}
				for i := range want {
					if members[i] != want[i] {
						t.Errorf("Members(%s) = %v, want %v", set, members, want)
						break
					}
				}
			}

			// Out-of-order puts never move the high-water mark back.
			if err := idx.Put(ctx, indexEntry(1, "id-1", "login", "u1", now)); err != nil {
				t.Fatal(err)
			}
			if seq, err := idx.LastSequence(ctx); err != nil || seq != 3 {
				t.Errorf("LastSequence = %d, %v; want 3", seq, err)
			}
		})
	}
}

func TestIndex_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, idx := range indexBackends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			fresh := indexEntry(1, "fresh", "login", "u1", now)
			stale := indexEntry(2, "stale", "login", "u1", now.Add(-2*time.Hour))
			if idx.Expired(fresh) || !idx.Expired(stale) {
				t.Errorf("Expired(fresh) = %v, Expired(stale) = %v", idx.Expired(fresh), idx.Expired(stale))
			}
			for _, e := range []*Entry{fresh, stale} {
				if err := idx.Put(ctx, e); err != nil {
					t.Fatal(err)
				}
			}

			if _, err := idx.Get(ctx, "fresh"); err != nil {
				t.Errorf("fresh entry: %v", err)
			}
			if _, err := idx.Get(ctx, "stale"); !errors.Is(err, ErrNotIndexed) {
				t.Errorf("entry past its TTL should not be indexed, got %v", err)
			}
			members, err := idx.Members(ctx, userSet("u1"))
			if err != nil {
				t.Fatal(err)
			}
			if len(members) != 1 || members[0] != "fresh" {
				t.Errorf("user set = %v, want [fresh]", members)
			}
		})
	}
}

// failingIndex rejects every Put.
type failingIndex struct {
	Index
	puts atomic.Int64
}

func (f *failingIndex) Put(context.Context, *Entry) error {
	f.puts.Add(1)
	return errors.New("index unavailable")
}

func TestRecord_IndexFailureDoesNotFailRecord(t *testing.T) {
	inner, err := OpenBadgerIndex("", 0)
	if err != nil {
		t.Fatal(err)
	}
	idx := &failingIndex{Index: inner}
	l := openTestLog(t, t.TempDir(), func(o *Options) { o.Index = idx })

	for i := 0; i < 10; i++ {
		record(t, l, "a", nil, "")
	}
	if l.ChainState().Sequence != 10 {
		t.Errorf("sequence = %d, want 10", l.ChainState().Sequence)
	}
	// The breaker opens after five consecutive failures and sheds the rest.
	if n := idx.puts.Load(); n != 5 {
		t.Errorf("index saw %d puts, want 5 before the breaker opened", n)
	}

	entries, err := l.GetEntries(context.Background(), Query{Source: SourceLog, Start: fullRange.Start, End: fullRange.End})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 10 {
		t.Errorf("log holds %d entries, want 10", len(entries))
	}
}

func TestRecord_AsyncPublishAndFlush(t *testing.T) {
	idx, err := OpenBadgerIndex("", 0)
	if err != nil {
		t.Fatal(err)
	}
	l := openTestLog(t, t.TempDir(), func(o *Options) {
		o.Index = idx
		o.IndexQueueSize = 64
	})

	for i := 0; i < 20; i++ {
		record(t, l, "a", nil, "")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if seq, err := idx.LastSequence(ctx); err != nil || seq != 20 {
		t.Errorf("index LastSequence = %d, %v; want 20", seq, err)
	}
	entries, err := l.GetEntries(ctx, Query{Source: SourceIndex, Start: fullRange.Start, End: fullRange.End})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 20 {
		t.Errorf("index returned %d entries, want 20", len(entries))
	}
}

func TestReindex_BackfillsMissingEntries(t *testing.T) {
	dir := t.TempDir()

	// Record without an index, then attach one.
	l := openTestLog(t, dir, nil)
	for i := 0; i < 4; i++ {
		record(t, l, "a", nil, "u1")
	}
	l.Close()

	idx, err := OpenBadgerIndex("", 0)
	if err != nil {
		t.Fatal(err)
	}
	l2 := openTestLog(t, dir, func(o *Options) { o.Index = idx })

	// Open backfills on startup.
	ctx := context.Background()
	if seq, _ := idx.LastSequence(ctx); seq != 4 {
		t.Errorf("index after startup reindex at %d, want 4", seq)
	}
	n, err := l2.Reindex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second reindex stored %d entries, want 0", n)
	}

	entries, err := l2.GetEntries(ctx, Query{Source: SourceIndex, Start: fullRange.Start, End: fullRange.End, UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Errorf("index returned %d entries, want 4", len(entries))
	}
}

func TestVerify_ViaIndexDetectsTampering(t *testing.T) {
	idx, err := OpenBadgerIndex("", 0)
	if err != nil {
		t.Fatal(err)
	}
	l := openTestLog(t, t.TempDir(), func(o *Options) { o.Index = idx })

	var entries []*Entry
	for i := 0; i < 4; i++ {
		entries = append(entries, record(t, l, "a", map[string]any{"i": i}, ""))
	}

	tampered := entries[1].Clone()
	tampered.Details = map[string]any{"i": 99}
	if err := idx.Put(context.Background(), tampered); err != nil {
		t.Fatal(err)
	}

	vr, err := l.VerifyQuery(context.Background(), Query{Source: SourceIndex, Start: fullRange.Start, End: fullRange.End})
	if err != nil {
		t.Fatal(err)
	}
	if len(vr.Failures) != 1 || vr.Failures[0].Sequence != 2 || vr.Failures[0].Reason != ReasonHashMismatch {
		t.Errorf("expected a hash mismatch on 2, got %+v", vr.Failures)
	}
}

// flakyIndex fails the first Put of one sequence and passes everything
// else through.
type flakyIndex struct {
	Index
	failSeq uint64
	failed  atomic.Bool
}

func (f *flakyIndex) Put(ctx context.Context, e *Entry) error {
	if e.Sequence == f.failSeq && f.failed.CompareAndSwap(false, true) {
		return errors.New("index hiccup")
	}
	return f.Index.Put(ctx, e)
}

func TestReindex_FillsGapLeftByFailedPublish(t *testing.T) {
	ctx := context.Background()

	for name, inner := range indexBackends(t, 0) {
		t.Run(name, func(t *testing.T) {
			idx := &flakyIndex{Index: inner, failSeq: 2}
			l := openTestLog(t, t.TempDir(), func(o *Options) { o.Index = idx })

			for i := 0; i < 3; i++ {
				record(t, l, "a", map[string]any{"i": i}, "u1")
			}
			q := Query{Source: SourceIndex, Start: fullRange.Start, End: fullRange.End}
			entries, err := l.GetEntries(ctx, q)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 2 {
				t.Fatalf("index holds %d entries before reindex, want 2", len(entries))
			}
			// The high-water mark is past the gap.
			if seq, _ := idx.LastSequence(ctx); seq != 3 {
				t.Fatalf("LastSequence = %d, want 3", seq)
			}

			n, err := l.Reindex(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("reindex stored %d entries, want 1", n)
			}
			entries, err = l.GetEntries(ctx, q)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 3 {
				t.Errorf("index holds %d entries after reindex, want 3", len(entries))
			}

			vr, err := l.VerifyQuery(ctx, q)
			if err != nil {
				t.Fatal(err)
			}
			if !vr.Verified {
				t.Errorf("index source should verify after reindex: %+v", vr.Failures)
			}
		})
	}
}

// waitForIndexed polls until the index holds want entries.
func waitForIndexed(t *testing.T, l *Log, want int) {
	t.Helper()
	q := Query{Source: SourceIndex, Start: fullRange.Start, End: fullRange.End}
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := l.GetEntries(context.Background(), q)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("index holds %d entries, want %d", len(entries), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublisher_RepairsFailedPublish(t *testing.T) {
	saved := indexRepairInterval
	indexRepairInterval = 20 * time.Millisecond
	t.Cleanup(func() { indexRepairInterval = saved })

	inner, err := OpenBadgerIndex("", 0)
	if err != nil {
		t.Fatal(err)
	}
	idx := &flakyIndex{Index: inner, failSeq: 2}
	l := openTestLog(t, t.TempDir(), func(o *Options) { o.Index = idx })

	for i := 0; i < 3; i++ {
		record(t, l, "a", nil, "")
	}
	waitForIndexed(t, l, 3)
}

// blockingIndex holds every Put until release is closed.
type blockingIndex struct {
	Index
	release chan struct{}
}

func (b *blockingIndex) Put(ctx context.Context, e *Entry) error {
	<-b.release
	return b.Index.Put(ctx, e)
}

func TestPublisher_RepairsDroppedEntries(t *testing.T) {
	saved := indexRepairInterval
	indexRepairInterval = 20 * time.Millisecond
	t.Cleanup(func() { indexRepairInterval = saved })

	inner, err := OpenBadgerIndex("", 0)
	if err != nil {
		t.Fatal(err)
	}
	idx := &blockingIndex{Index: inner, release: make(chan struct{})}
	l := openTestLog(t, t.TempDir(), func(o *Options) {
		o.Index = idx
		o.IndexQueueSize = 1
	})

	// The worker holds one entry and the queue one more; the rest drop.
	for i := 0; i < 6; i++ {
		record(t, l, "a", nil, "")
	}
	close(idx.release)

	waitForIndexed(t, l, 6)
}

func TestRecord_ConcurrentSynchronousPublish(t *testing.T) {
	const m = 64

	for name, idx := range indexBackends(t, 0) {
		t.Run(name, func(t *testing.T) {
			l := openTestLog(t, t.TempDir(), func(o *Options) { o.Index = idx })

			var wg sync.WaitGroup
			errs := make(chan error, m)
			for i := 0; i < m; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := l.Record(context.Background(), RecordInput{
						EventType: "concurrent",
						Severity:  SeverityLow,
						Details:   map[string]any{"worker": i},
					})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("Record: %v", err)
				}
			}

			// Nothing may be left for repair: every synchronous Put landed.
			if l.pub.dirty.Load() {
				t.Error("a synchronous publish failed under concurrency")
			}
			entries, err := l.GetEntries(context.Background(), Query{Source: SourceIndex, Start: fullRange.Start, End: fullRange.End})
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != m {
				t.Errorf("index returned %d entries, want %d", len(entries), m)
			}
			if seq, err := idx.LastSequence(context.Background()); err != nil || seq != m {
				t.Errorf("LastSequence = %d, %v; want %d", seq, err, m)
			}
		})
	}
}
