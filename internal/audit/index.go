package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/shelfwise/auditchain/internal/metrics"
)

// Index is a queryable projection of the log. Entries are stored by
// correlation id and grouped into named sets (see setsFor). It is
// rebuildable from the partition files, so losing it loses nothing.
//
// Entries are stored in their on-disk form: encrypted details stay
// encrypted in the index.
type Index interface {
	// Put stores e and adds it to its sets. Entries whose retention has
	// already elapsed are skipped. Storing an entry twice is harmless.
	Put(ctx context.Context, e *Entry) error
	// Expired reports whether e's retention has already elapsed.
	Expired(e *Entry) bool
	// Get returns the entry for a correlation id, or ErrNotIndexed.
	Get(ctx context.Context, correlationID string) (*Entry, error)
	// Members returns the correlation ids in a set.
	Members(ctx context.Context, set string) ([]string, error)
	// LastSequence returns the highest sequence ever stored, 0 when empty.
	LastSequence(ctx context.Context) (uint64, error)
	Close() error
}

func daySet(day string) string { return "day:" + day }

func userSet(userID string) string { return "user:" + userID }

func typeSet(eventType, day string) string { return "type:" + eventType + ":" + day }

// setsFor lists the sets an entry belongs to.
func setsFor(e *Entry) []string {
	day := e.Day()
	sets := []string{daySet(day), typeSet(e.EventType, day)}
	if e.UserID != "" {
		sets = append(sets, userSet(e.UserID))
	}
	return sets
}

const publishTimeout = 5 * time.Second

// indexRepairInterval is how often the publisher backfills entries it
// failed to publish.
var indexRepairInterval = 30 * time.Second

// publisher feeds committed entries to the index off the append path.
//
// Publishing is best-effort. A full queue drops the entry, and a
// circuit breaker sheds load while the index is failing. Any miss marks
// the publisher dirty; the worker then runs repair (Log.Reindex, which fills
// every gap) once the breaker is no longer open.
type publisher struct {
	idx    Index
	cb     *gobreaker.CircuitBreaker[struct{}]
	queue  chan publishJob // nil publishes synchronously
	repair func(context.Context) (int, error)
	dirty  atomic.Bool

	ctx    context.Context // canceled by close
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type publishJob struct {
	entry   *Entry
	flushed chan struct{} // set for flush barriers; entry is nil
}

// newPublisher starts a publisher. With queueSize 0 entries are published
// synchronously by the caller of publish; the worker then only repairs.
func newPublisher(idx Index, queueSize int, repair func(context.Context) (int, error)) *publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &publisher{
		idx:    idx,
		repair: repair,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "audit-index",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				metrics.IndexBreakerState.WithLabelValues(name).Set(float64(to))
				slog.Warn("index circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	if queueSize > 0 {
		p.queue = make(chan publishJob, queueSize)
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *publisher) publish(e *Entry) {
	if p.queue == nil {
		p.put(e)
		return
	}
	select {
	case <-p.done:
		p.dirty.Store(true)
		metrics.IndexPublish.WithLabelValues("dropped").Inc()
		return
	default:
	}
	select {
	case p.queue <- publishJob{entry: e}:
	default:
		p.dirty.Store(true)
		metrics.IndexPublish.WithLabelValues("dropped").Inc()
		slog.Warn("index queue full, entry left for reindex", "sequence", e.Sequence)
	}
}

func (p *publisher) put(e *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err := p.cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.idx.Put(ctx, e)
	})
	switch {
	case err == nil:
		metrics.IndexPublish.WithLabelValues("ok").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.dirty.Store(true)
		metrics.IndexPublish.WithLabelValues("rejected").Inc()
	default:
		p.dirty.Store(true)
		metrics.IndexPublish.WithLabelValues("error").Inc()
		slog.Error("index publish failed", "sequence", e.Sequence, "error", err)
	}
}

func (p *publisher) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(indexRepairInterval)
	defer ticker.Stop()

	for {
		select {
		case job := <-p.queue:
			p.handle(job)
		case <-ticker.C:
			p.repairIfDirty()
		case <-p.done:
			// Drain what was queued before close.
			for {
				select {
				case job := <-p.queue:
					p.handle(job)
				default:
					return
				}
			}
		}
	}
}

func (p *publisher) handle(job publishJob) {
	if job.flushed != nil {
		close(job.flushed)
		return
	}
	p.put(job.entry)
}

// repairIfDirty backfills missed entries unless the breaker still
// considers the index down.
func (p *publisher) repairIfDirty() {
	if p.repair == nil || !p.dirty.Load() || p.cb.State() == gobreaker.StateOpen {
		return
	}
	p.dirty.Store(false)
	n, err := p.repair(p.ctx)
	switch {
	case err != nil:
		p.dirty.Store(true)
		if p.ctx.Err() == nil {
			slog.Error("index repair failed", "error", err)
		}
	case n > 0:
		metrics.IndexPublish.WithLabelValues("repaired").Add(float64(n))
		slog.Info("index repair backfilled entries", "count", n)
	}
}

// flush waits until everything queued before the call has been handled.
func (p *publisher) flush(ctx context.Context) error {
	if p.queue == nil {
		return nil
	}
	barrier := make(chan struct{})
	select {
	case p.queue <- publishJob{flushed: barrier}:
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the worker after draining the queue.
func (p *publisher) close() {
	p.once.Do(func() {
		p.cancel()
		close(p.done)
		p.wg.Wait()
	})
}
