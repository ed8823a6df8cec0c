package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteIndex stores entries in a SQLite database. Rows carry an expires_at
// (unix seconds, computed from the entry timestamp) that reads filter on;
// Purge deletes expired rows.
//
// The database lives at <path>/index.db. WAL mode allows a serving process
// to write while CLI commands read.
type SQLiteIndex struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLiteIndex opens (or creates) the index under dir and purges expired
// rows. ttl 0 keeps entries forever.
func OpenSQLiteIndex(dir string, ttl time.Duration) (*SQLiteIndex, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "index.db")
	// _txlock=immediate takes the write lock at BEGIN, so concurrent Puts
	// wait out busy_timeout instead of failing on a lock upgrade.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			correlation_id TEXT PRIMARY KEY,
			seq            INTEGER NOT NULL,
			ts             TEXT NOT NULL,
			payload        TEXT NOT NULL,
			expires_at     INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS members (
			set_name       TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			expires_at     INTEGER NOT NULL,
			PRIMARY KEY (set_name, correlation_id)
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at);
		CREATE INDEX IF NOT EXISTS idx_members_expires ON members(expires_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	idx := &SQLiteIndex{db: db, ttl: ttl, now: time.Now}
	if err := idx.Purge(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *SQLiteIndex) expiresAt(ts time.Time) int64 {
	if idx.ttl <= 0 {
		return math.MaxInt64
	}
	return ts.Add(idx.ttl).Unix()
}

func (idx *SQLiteIndex) Expired(e *Entry) bool {
	return idx.expiresAt(e.Timestamp) <= idx.now().Unix()
}

func (idx *SQLiteIndex) Put(ctx context.Context, e *Entry) error {
	if idx.Expired(e) {
		return nil
	}
	expires := idx.expiresAt(e.Timestamp)

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry %d: %w", e.Sequence, err)
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning index transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (correlation_id, seq, ts, payload, expires_at) VALUES (?, ?, ?, ?, ?)`,
		e.CorrelationID, int64(e.Sequence), e.Timestamp.UTC().Format(time.RFC3339Nano), string(payload), expires,
	)
	if err != nil {
		return fmt.Errorf("inserting entry %d: %w", e.Sequence, err)
	}
	for _, set := range setsFor(e) {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO members (set_name, correlation_id, expires_at) VALUES (?, ?, ?)`,
			set, e.CorrelationID, expires,
		)
		if err != nil {
			return fmt.Errorf("inserting membership %s: %w", set, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('last_seq', ?)
		 ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
		int64(e.Sequence),
	)
	if err != nil {
		return fmt.Errorf("updating last sequence: %w", err)
	}
	return tx.Commit()
}

func (idx *SQLiteIndex) Get(ctx context.Context, correlationID string) (*Entry, error) {
	var payload string
	err := idx.db.QueryRowContext(ctx,
		`SELECT payload FROM entries WHERE correlation_id = ? AND expires_at > ?`,
		correlationID, idx.now().Unix(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotIndexed
	}
	if err != nil {
		return nil, fmt.Errorf("querying entry %s: %w", correlationID, err)
	}
	e, err := decodeEntry([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decoding indexed entry %s: %w", correlationID, err)
	}
	return e, nil
}

func (idx *SQLiteIndex) Members(ctx context.Context, set string) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT correlation_id FROM members WHERE set_name = ? AND expires_at > ?`,
		set, idx.now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing set %s: %w", set, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (idx *SQLiteIndex) LastSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := idx.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_seq'`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !seq.Valid) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying last sequence: %w", err)
	}
	return uint64(seq.Int64), nil
}

// Purge deletes expired rows.
func (idx *SQLiteIndex) Purge(ctx context.Context) error {
	now := idx.now().Unix()
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM members WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("purging expired memberships: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM entries WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("purging expired entries: %w", err)
	}
	return nil
}

func (idx *SQLiteIndex) Close() error {
	return idx.db.Close()
}
