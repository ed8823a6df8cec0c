package audit

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key layout. Set names and ids are separated by NUL so a set that is a
// prefix of another set never sees its members.
const (
	badgerEntryPrefix = "entry\x00"
	badgerSetPrefix   = "set\x00"
	badgerSeqPrefix   = "seq\x00"

	badgerGCInterval = 10 * time.Minute
	badgerGCRatio    = 0.5

	// Put only writes, so conflicts are rare; retry them a few times.
	badgerPutAttempts = 3
)

// BadgerIndex stores entries and set memberships in BadgerDB. Every key
// carries a TTL measured from the entry's timestamp, so expired entries and
// memberships disappear without a sweep.
type BadgerIndex struct {
	db   *badger.DB
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// OpenBadgerIndex opens (or creates) a Badger index at path. An empty path
// opens an in-memory index. ttl 0 keeps entries forever.
func OpenBadgerIndex(path string, ttl time.Duration) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger index %s: %w", path, err)
	}

	idx := &BadgerIndex{db: db, ttl: ttl, now: time.Now, stop: make(chan struct{})}
	if path != "" {
		idx.wg.Add(1)
		go idx.gcLoop()
	}
	return idx, nil
}

func (idx *BadgerIndex) Expired(e *Entry) bool {
	return idx.ttl > 0 && !e.Timestamp.Add(idx.ttl).After(idx.now())
}

// Put writes the entry, its memberships, and a per-sequence marker in one
// transaction. The transaction reads nothing, so concurrent Puts of
// different entries do not conflict.
func (idx *BadgerIndex) Put(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var ttl time.Duration
	if idx.ttl > 0 {
		ttl = e.Timestamp.Add(idx.ttl).Sub(idx.now())
		if ttl <= 0 {
			return nil
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry %d: %w", e.Sequence, err)
	}

	write := func(txn *badger.Txn) error {
		if err := txn.SetEntry(withTTL(badger.NewEntry(entryKey(e.CorrelationID), data), ttl)); err != nil {
			return fmt.Errorf("set entry: %w", err)
		}
		for _, set := range setsFor(e) {
			if err := txn.SetEntry(withTTL(badger.NewEntry(memberKey(set, e.CorrelationID), nil), ttl)); err != nil {
				return fmt.Errorf("set membership %s: %w", set, err)
			}
		}
		if err := txn.SetEntry(withTTL(badger.NewEntry(seqKey(e.Sequence), nil), ttl)); err != nil {
			return fmt.Errorf("set sequence marker: %w", err)
		}
		return nil
	}

	for attempt := 1; ; attempt++ {
		err = idx.db.Update(write)
		if !errors.Is(err, badger.ErrConflict) || attempt == badgerPutAttempts {
			return err
		}
	}
}

func (idx *BadgerIndex) Get(ctx context.Context, correlationID string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var e *Entry
	err := idx.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(correlationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotIndexed
		}
		if err != nil {
			return fmt.Errorf("get entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeEntry(val)
			if err != nil {
				return fmt.Errorf("decoding indexed entry %s: %w", correlationID, err)
			}
			e = decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (idx *BadgerIndex) Members(ctx context.Context, set string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(badgerSetPrefix + set + "\x00")
	var ids []string
	err := idx.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing set %s: %w", set, err)
	}
	return ids, nil
}

// LastSequence returns the highest sequence marker still stored.
func (idx *BadgerIndex) LastSequence(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := []byte(badgerSeqPrefix)
	var seq uint64
	err := idx.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the last key <= the seek key.
		it.Seek(append(append([]byte{}, prefix...), 0xff))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := it.Item().Key()
		if len(key) != len(prefix)+8 {
			return fmt.Errorf("malformed sequence key %q", key)
		}
		seq = binary.BigEndian.Uint64(key[len(prefix):])
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading last sequence: %w", err)
	}
	return seq, nil
}

// Close stops value-log GC and closes the database.
func (idx *BadgerIndex) Close() error {
	var err error
	idx.once.Do(func() {
		close(idx.stop)
		idx.wg.Wait()
		err = idx.db.Close()
	})
	return err
}

func (idx *BadgerIndex) gcLoop() {
	defer idx.wg.Done()
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-idx.stop:
			return
		case <-ticker.C:
			for {
				err := idx.db.RunValueLogGC(badgerGCRatio)
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				if err != nil {
					slog.Warn("badger index gc", "error", err)
					break
				}
			}
		}
	}
}

func withTTL(e *badger.Entry, ttl time.Duration) *badger.Entry {
	if ttl > 0 {
		return e.WithTTL(ttl)
	}
	return e
}

func entryKey(correlationID string) []byte {
	return []byte(badgerEntryPrefix + correlationID)
}

// seqKey sorts by sequence: big-endian bytes after the prefix.
func seqKey(seq uint64) []byte {
	key := make([]byte, len(badgerSeqPrefix)+8)
	copy(key, badgerSeqPrefix)
	binary.BigEndian.PutUint64(key[len(badgerSeqPrefix):], seq)
	return key
}

func memberKey(set, correlationID string) []byte {
	return []byte(badgerSetPrefix + set + "\x00" + correlationID)
}
