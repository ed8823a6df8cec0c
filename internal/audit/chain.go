// Package audit implements the tamper-evident, hash-chained audit log.
//
// Every security-relevant event is recorded as an Entry in an append-only
// JSONL file partitioned by UTC day. Each entry's integrity hash is
//
//	SHA-256(genesis | canonical-json{sequence, previous_hash, timestamp,
//	        event_type, severity, user_id, details, correlation_id})
//
// and previous_hash is the integrity hash of the entry before it, so editing
// or dropping any entry breaks verification from that point on. The genesis
// is a random seed created with the chain; folding it into every hash keeps
// independently seeded deployments from producing colliding chains.
//
// Storage layout:
//
//	<dir>/
//	├── LOCK                                            # held by the single writer
//	├── chain.json                                      # genesis, last hash, sequence
//	├── 2026-10-19.jsonl                                # live partition (append-only)
//	└── 2026-10-19.20261019T101500.000000000Z.jsonl.gz  # rotated partition
//
// An optional index (Badger or SQLite) is a rebuildable projection for fast
// queries; the JSONL files plus chain.json are the source of truth.
package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ChainStatus is the lifecycle state of a ChainManager.
type ChainStatus int

const (
	ChainUninitialized ChainStatus = iota
	ChainReady
	ChainFailed // terminal; needs operator intervention
)

func (s ChainStatus) String() string {
	switch s {
	case ChainReady:
		return "ready"
	case ChainFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// ChainState is the persisted head of the chain.
type ChainState struct {
	Genesis   string    `json:"genesis"`
	LastHash  string    `json:"last_hash"`
	Sequence  uint64    `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChainManager owns the chain head. It is safe for concurrent use, but
// PeekNext and Commit only form a consistent pair when the caller holds its
// own append lock across both (see Log.Record).
type ChainManager struct {
	mu     sync.Mutex
	path   string
	state  ChainState
	status ChainStatus
	err    error
	now    func() time.Time
}

// NewChainManager returns an uninitialized manager for the state file at path.
func NewChainManager(path string) *ChainManager {
	return &ChainManager{path: path, now: time.Now}
}

// Initialize loads the persisted state, creating a fresh chain when no state
// file exists. It reports whether a new chain was created. A state file
// that cannot be parsed or fails validation moves the manager to
// ChainFailed and returns ErrChainStateCorrupted.
func (c *ChainManager) Initialize() (created bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case ChainReady:
		return false, nil
	case ChainFailed:
		return false, c.err
	}

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return true, c.createLocked()
	}
	if err != nil {
		return false, c.failLocked(fmt.Errorf("%w: reading %s: %v", ErrChainStateCorrupted, c.path, err))
	}

	var st ChainState
	if err := json.Unmarshal(data, &st); err != nil {
		return false, c.failLocked(fmt.Errorf("%w: parsing %s: %v", ErrChainStateCorrupted, c.path, err))
	}
	if err := validateState(st); err != nil {
		return false, c.failLocked(fmt.Errorf("%w: %s: %v", ErrChainStateCorrupted, c.path, err))
	}

	c.state = st
	c.status = ChainReady
	return false, nil
}

func (c *ChainManager) createLocked() error {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("generating chain genesis: %w", err)
	}
	genesis := hex.EncodeToString(seed)

	st := ChainState{
		Genesis:   genesis,
		LastHash:  HashGenesis(genesis),
		Sequence:  0,
		UpdatedAt: c.now().UTC(),
	}
	if err := writeStateFile(c.path, st); err != nil {
		return fmt.Errorf("persisting new chain state: %w", err)
	}

	c.state = st
	c.status = ChainReady
	return nil
}

// PeekNext returns the sequence and previous hash the next entry must carry.
func (c *ChainManager) PeekNext() (uint64, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked(); err != nil {
		return 0, "", err
	}
	return c.state.Sequence + 1, c.state.LastHash, nil
}

// Commit advances the chain to an entry that has already been durably
// written. The state file is replaced first; memory is only updated once it
// is on disk, so a failed Commit leaves the manager at the previous head.
func (c *ChainManager) Commit(hash string, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.readyLocked(); err != nil {
		return err
	}
	if seq != c.state.Sequence+1 {
		return fmt.Errorf("commit sequence %d does not follow %d", seq, c.state.Sequence)
	}

	next := c.state
	next.LastHash = hash
	next.Sequence = seq
	next.UpdatedAt = c.now().UTC()

	if err := writeStateFile(c.path, next); err != nil {
		return err
	}
	c.state = next
	return nil
}

// Fail moves the chain to ChainFailed with err as the cause.
func (c *ChainManager) Fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(err)
}

func (c *ChainManager) failLocked(err error) error {
	if !errors.Is(err, ErrChainStateCorrupted) {
		err = fmt.Errorf("%w: %v", ErrChainStateCorrupted, err)
	}
	c.status = ChainFailed
	c.err = err
	return err
}

func (c *ChainManager) readyLocked() error {
	switch c.status {
	case ChainReady:
		return nil
	case ChainFailed:
		return c.err
	default:
		return ErrServiceNotInitialized
	}
}

// State returns a copy of the current head.
func (c *ChainManager) State() ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Genesis returns the chain's genesis seed.
func (c *ChainManager) Genesis() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Genesis
}

// Status returns the lifecycle state.
func (c *ChainManager) Status() ChainStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func validateState(st ChainState) error {
	if !isHexDigest(st.Genesis) {
		return fmt.Errorf("genesis is not a 32-byte hex value")
	}
	if !isHexDigest(st.LastHash) {
		return fmt.Errorf("last_hash is not a SHA-256 hex digest")
	}
	if st.Sequence == 0 && st.LastHash != HashGenesis(st.Genesis) {
		return fmt.Errorf("empty chain must point at the genesis hash")
	}
	return nil
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// writeStateFile replaces path atomically: temp file, fsync, rename, then
// fsync of the directory so the rename itself survives a crash. Once the
// rename has happened the new state is in place, so a failed directory
// fsync is only logged.
func writeStateFile(path string, st ChainState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling chain state: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming chain state: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		slog.Warn("chain state directory sync failed", "dir", filepath.Dir(path), "error", err)
	}
	return nil
}

// syncDir is replaced in tests.
var syncDir = syncDirectory

func syncDirectory(dir string) error {
	// Directories cannot be opened for sync on Windows.
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening %s for sync: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dir, err)
	}
	return nil
}
