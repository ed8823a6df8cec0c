package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shelfwise/auditchain/internal/crypto"
	"github.com/shelfwise/auditchain/internal/metrics"
)

const (
	chainFileName = "chain.json"
	lockFileName  = "LOCK"
)

// Options configures a Log. Zero values select the defaults noted per field.
type Options struct {
	Dir         string // required
	MaxFileSize int64  // rotation threshold in bytes; 0 disables rotation
	MaxFiles    int    // retained partition files; 0 disables pruning
	Compress    bool   // gzip rotated files

	// Index is an optional query projection. nil means queries scan the
	// partition files. The Log takes ownership and closes it.
	Index Index
	// IndexQueueSize bounds the async publish queue. 0 publishes
	// synchronously after each Record.
	IndexQueueSize int

	// Encryptor seals the details of sensitive entries. nil means a
	// sensitive entry fails with ErrEncryptionFailed.
	Encryptor *crypto.Encryptor
	// Classifier decides sensitivity; nil uses NewKeywordClassifier().
	Classifier Classifier
	// Redactor blanks request headers; nil uses DefaultRedactHeaders.
	Redactor *Redactor

	// Now is the clock used for entry timestamps; nil uses time.Now.
	Now func() time.Time

	// ReadOnly opens an existing chain for queries while another process
	// owns it. Record fails, chain.json is never written, and the startup
	// reindex is skipped.
	ReadOnly bool
}

// Log is the audit service: it serializes appends into the hash chain,
// stores them durably, and answers queries, verification, and reports.
//
// Record is safe for concurrent use; appends are totally ordered by an
// internal lock held across sequence assignment, hashing, the durable
// write, and the chain commit.
type Log struct {
	mu       sync.Mutex // serializes appends
	closed   bool
	readOnly bool

	dir        string
	chain      *ChainManager
	writer     *PartitionWriter
	unlock     func() error
	index      Index
	pub        *publisher
	reindexMu  sync.Mutex
	enc        *crypto.Encryptor
	classifier Classifier
	redactor   *Redactor
	now        func() time.Time

	subMu   sync.RWMutex
	subs    map[int]func(*Entry)
	nextSub int
}

// Open loads (or creates) the chain in opts.Dir, reconciles it with the
// partition files, and backfills the index. It fails with
// ErrChainStateCorrupted when chain.json and the log disagree in a way that
// cannot be explained by a crash between the two writes of one Record.
func Open(opts Options) (_ *Log, err error) {
	if opts.Dir == "" {
		return nil, errors.New("audit directory is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	redactor := opts.Redactor
	if redactor == nil {
		var err error
		if redactor, err = NewRedactor(nil); err != nil {
			return nil, err
		}
	}

	writer, err := NewPartitionWriter(WriterOptions{
		Dir:         opts.Dir,
		MaxFileSize: opts.MaxFileSize,
		MaxFiles:    opts.MaxFiles,
		Compress:    opts.Compress,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}

	unlock := func() error { return nil }
	if !opts.ReadOnly {
		if unlock, err = lockDir(opts.Dir); err != nil {
			return nil, err
		}
		writer.finishRotations()
	}
	defer func() {
		if err != nil {
			writer.Close()
			unlock()
			if opts.Index != nil {
				opts.Index.Close()
			}
		}
	}()

	l := &Log{
		unlock:     unlock,
		dir:        opts.Dir,
		chain:      NewChainManager(filepath.Join(opts.Dir, chainFileName)),
		writer:     writer,
		index:      opts.Index,
		enc:        opts.Encryptor,
		classifier: classifier,
		redactor:   redactor,
		now:        now,
		subs:       make(map[int]func(*Entry)),
		readOnly:   opts.ReadOnly,
	}

	if !fileExists(filepath.Join(opts.Dir, chainFileName)) {
		if opts.ReadOnly {
			return nil, fmt.Errorf("%w: no chain state in %s", ErrServiceNotInitialized, opts.Dir)
		}
		// Never start a new chain over an existing log.
		if parts, err := ListPartitions(opts.Dir); err != nil {
			return nil, err
		} else if len(parts) > 0 {
			return nil, fmt.Errorf("%w: chain state is missing but %d log files exist in %s", ErrChainStateCorrupted, len(parts), opts.Dir)
		}
	}
	created, err := l.chain.Initialize()
	if err != nil {
		return nil, err
	}
	if err := l.reconcile(created); err != nil {
		return nil, err
	}
	st := l.chain.State()
	metrics.ChainSequence.Set(float64(st.Sequence))

	if l.index != nil && !opts.ReadOnly {
		l.pub = newPublisher(l.index, opts.IndexQueueSize, l.Reindex)
		if n, err := l.Reindex(context.Background()); err != nil {
			slog.Error("startup reindex failed", "error", err)
		} else if n > 0 {
			slog.Info("startup reindex backfilled entries", "count", n)
		}
	}

	slog.Info("audit log opened", "dir", opts.Dir, "sequence", st.Sequence, "created", created)
	return l, nil
}

// reconcile checks chain.json against the newest logged entry. The log is
// written before the state file, so a crash between the two leaves the log
// exactly one valid entry ahead; that entry is adopted. Anything else is
// corruption.
func (l *Log) reconcile(created bool) error {
	last, err := lastLoggedEntry(l.dir)
	if err != nil {
		return l.chain.Fail(fmt.Errorf("reading newest log entry: %w", err))
	}
	st := l.chain.State()

	if l.readOnly && last != nil && last.Sequence > st.Sequence {
		// The owning process has appended since chain.json was read.
		return nil
	}

	switch {
	case last == nil:
		if st.Sequence > 0 {
			return l.chain.Fail(fmt.Errorf("chain state is at sequence %d but no log entries exist", st.Sequence))
		}
		return nil

	case created:
		return l.chain.Fail(fmt.Errorf("chain state is missing but log entries exist up to sequence %d", last.Sequence))

	case last.Sequence == st.Sequence:
		if last.IntegrityHash != st.LastHash {
			return l.chain.Fail(fmt.Errorf("entry %d hash does not match chain state", last.Sequence))
		}
		return nil

	case last.Sequence == st.Sequence+1:
		if last.PreviousHash != st.LastHash {
			return l.chain.Fail(fmt.Errorf("entry %d does not link to chain state", last.Sequence))
		}
		check := last.Clone()
		if err := unseal(l.enc, check); err != nil {
			return l.chain.Fail(fmt.Errorf("cannot verify entry %d: %v", last.Sequence, err))
		}
		hash, err := ComputeHash(check, st.Genesis)
		if err != nil || hash != last.IntegrityHash {
			return l.chain.Fail(fmt.Errorf("entry %d ahead of chain state fails its integrity hash", last.Sequence))
		}
		if err := l.chain.Commit(last.IntegrityHash, last.Sequence); err != nil {
			return l.chain.Fail(fmt.Errorf("adopting entry %d: %v", last.Sequence, err))
		}
		slog.Warn("chain state advanced to logged entry after interrupted commit", "sequence", last.Sequence)
		return nil

	default:
		return l.chain.Fail(fmt.Errorf("log ends at sequence %d but chain state is at %d", last.Sequence, st.Sequence))
	}
}

// Record appends one event to the chain and returns the committed entry,
// with plaintext details even when they were stored encrypted.
//
// On error nothing was committed: the chain head is unchanged and any
// partially written log record has been removed.
func (l *Log) Record(ctx context.Context, in RecordInput) (*Entry, error) {
	if err := in.validate(); err != nil {
		metrics.RecordFailures.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	entry, stored, err := l.appendLocked(in)
	l.mu.Unlock()
	if err != nil {
		metrics.RecordFailures.WithLabelValues(failureReason(err)).Inc()
		slog.Error("audit record failed", "event_type", in.EventType, "error", err)
		return nil, err
	}

	metrics.EntriesRecorded.WithLabelValues(string(entry.Severity)).Inc()
	metrics.ChainSequence.Set(float64(entry.Sequence))
	slog.Debug("audit entry recorded",
		"sequence", entry.Sequence,
		"event_type", entry.EventType,
		"severity", entry.Severity,
		"encrypted", entry.Encrypted,
	)

	if l.pub != nil {
		l.pub.publish(stored)
	}
	l.notify(entry)
	return entry, nil
}

func (l *Log) appendLocked(in RecordInput) (entry, stored *Entry, err error) {
	if l.closed {
		return nil, nil, ErrServiceNotInitialized
	}
	if l.readOnly {
		return nil, nil, fmt.Errorf("%w: log opened read-only", ErrServiceNotInitialized)
	}

	seq, prevHash, err := l.chain.PeekNext()
	if err != nil {
		return nil, nil, err
	}

	entry, err = buildEntry(in, seq, prevHash, l.now(), l.redactor)
	if err != nil {
		return nil, nil, err
	}
	entry.IntegrityHash, err = ComputeHash(entry, l.chain.Genesis())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	stored = entry
	if l.classifier.IsSensitive(entry) {
		stored, err = seal(l.enc, entry)
		if err != nil {
			return nil, nil, err
		}
		entry.Encrypted = true
		entry.EncryptedData = stored.EncryptedData
	}

	rollback, err := l.writer.Append(stored)
	if err != nil {
		return nil, nil, err
	}

	if err := l.chain.Commit(entry.IntegrityHash, entry.Sequence); err != nil {
		if rbErr := rollback(); rbErr != nil {
			// The record is on disk but the chain is not: later appends
			// would fork the chain.
			return nil, nil, l.chain.Fail(fmt.Errorf("commit of entry %d failed (%v) and rollback failed: %v", entry.Sequence, err, rbErr))
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrChainPersistFailed, err)
	}
	return entry, stored, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrInvalidSeverity):
		return "invalid"
	case errors.Is(err, ErrEncryptionFailed):
		return "encryption"
	case errors.Is(err, ErrDurableWriteFailed):
		return "write"
	case errors.Is(err, ErrChainPersistFailed):
		return "persist"
	case errors.Is(err, ErrChainStateCorrupted):
		return "corrupted"
	case errors.Is(err, ErrServiceNotInitialized):
		return "not_initialized"
	default:
		return "other"
	}
}

// Subscribe registers fn to receive every committed entry on the recording
// goroutine. Concurrent Records may deliver out of sequence order, and fn
// must not block. The returned function unsubscribes.
func (l *Log) Subscribe(fn func(*Entry)) (unsubscribe func()) {
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.subMu.Unlock()

	return func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *Log) notify(e *Entry) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, fn := range l.subs {
		fn(e.Clone())
	}
}

// ChainState returns the current chain head.
func (l *Log) ChainState() ChainState {
	return l.chain.State()
}

// Status returns the chain lifecycle state.
func (l *Log) Status() ChainStatus {
	return l.chain.Status()
}

// Dir returns the log directory.
func (l *Log) Dir() string {
	return l.dir
}

// SetRetention updates the rotation threshold and retained file count.
func (l *Log) SetRetention(maxFileSize int64, maxFiles int) {
	l.writer.SetPolicy(maxFileSize, maxFiles)
	slog.Info("audit retention updated", "max_file_size", maxFileSize, "max_files", maxFiles)
}

// Flush waits for queued index publishes to complete.
func (l *Log) Flush(ctx context.Context) error {
	if l.pub == nil {
		return nil
	}
	return l.pub.flush(ctx)
}

// Reindex stores every logged entry the index is missing, wherever the gap
// is: entries dropped by a full queue or lost to a failed publish are
// found by correlation id, not by position. Entries past the index's
// retention are skipped. It returns the number of entries stored. Without
// an index it does nothing.
func (l *Log) Reindex(ctx context.Context) (int, error) {
	if l.index == nil {
		return 0, nil
	}
	l.reindexMu.Lock()
	defer l.reindexMu.Unlock()

	parts, err := ListPartitions(l.dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range parts {
		entries, warnings, err := ReadPartition(p.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return count, fmt.Errorf("reading %s: %w", p.Name, err)
		}
		for _, w := range warnings {
			slog.Warn("reindex: skipping unreadable record", "error", w)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			if l.index.Expired(e) {
				continue
			}
			_, err := l.index.Get(ctx, e.CorrelationID)
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrNotIndexed) {
				return count, fmt.Errorf("looking up entry %d: %w", e.Sequence, err)
			}
			if err := l.index.Put(ctx, e); err != nil {
				return count, fmt.Errorf("indexing entry %d: %w", e.Sequence, err)
			}
			count++
		}
	}
	return count, nil
}

// Close drains the index queue and releases files. Record fails with
// ErrServiceNotInitialized afterwards.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var errs []error
	if l.pub != nil {
		l.pub.close()
	}
	if l.index != nil {
		if err := l.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing index: %w", err))
		}
	}
	if err := l.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing audit file: %w", err))
	}
	if err := l.unlock(); err != nil {
		errs = append(errs, fmt.Errorf("releasing audit lock: %w", err))
	}
	return errors.Join(errs...)
}
