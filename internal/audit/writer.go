package audit

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/shelfwise/auditchain/internal/metrics"
)

const (
	dayLayout      = "2006-01-02"
	rotationLayout = "20060102T150405.000000000Z"
	liveExt        = ".jsonl"
	gzipExt        = ".gz"

	// Lines longer than this are reported as malformed rather than read.
	maxLineSize = 4 << 20
)

// WriterOptions configures a PartitionWriter.
type WriterOptions struct {
	Dir         string
	MaxFileSize int64 // rotate the live file once it reaches this size; 0 disables
	MaxFiles    int   // keep at most this many partition files; 0 disables
	Compress    bool  // gzip rotated files
	Now         func() time.Time
}

// PartitionWriter appends entries to the live file of their UTC day and
// applies size-based rotation and count-based retention.
//
// Not safe for concurrent Append; the caller serializes writes. SetPolicy
// and Close may be called from other goroutines.
type PartitionWriter struct {
	mu       sync.Mutex
	dir      string
	maxSize  int64
	maxFiles int
	compress bool
	now      func() time.Time

	file    *os.File // currently open live file
	fileDay string   // UTC day of file
	size    int64    // bytes in file
}

// NewPartitionWriter creates the log directory if needed.
func NewPartitionWriter(opts WriterOptions) (*PartitionWriter, error) {
	if opts.Dir == "" {
		return nil, errors.New("audit directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", opts.Dir, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PartitionWriter{
		dir:      opts.Dir,
		maxSize:  opts.MaxFileSize,
		maxFiles: opts.MaxFiles,
		compress: opts.Compress,
		now:      now,
	}, nil
}

// SetPolicy updates the rotation threshold and retention count. It takes
// effect on the next append.
func (w *PartitionWriter) SetPolicy(maxSize int64, maxFiles int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxSize = maxSize
	w.maxFiles = maxFiles
}

// Append writes e as one JSON line and syncs it. The returned rollback
// truncates the line away again; it is only valid until the next Append.
func (w *PartitionWriter) Append(e *Entry) (rollback func() error, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling entry %d: %v", ErrDurableWriteFailed, e.Sequence, err)
	}
	data = append(data, '\n')

	day := e.Day()
	if w.file == nil || w.fileDay != day {
		if err := w.openLocked(day); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDurableWriteFailed, err)
		}
	}
	if w.maxSize > 0 && w.size >= w.maxSize {
		w.rotateLocked()
		if w.file == nil {
			if err := w.openLocked(day); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDurableWriteFailed, err)
			}
		}
	}

	f := w.file
	offset := w.size
	n, err := f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := f.Truncate(offset); terr != nil {
				// Reopening repairs the torn tail before the next append.
				slog.Error("truncating partial audit write failed", "file", f.Name(), "error", terr)
				w.closeLocked()
			}
		}
		return nil, fmt.Errorf("%w: writing %s: %v", ErrDurableWriteFailed, f.Name(), err)
	}
	w.size = offset + int64(n)

	rollback = func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if err := f.Truncate(offset); err != nil {
			if w.file == f {
				w.closeLocked()
			}
			return fmt.Errorf("truncating %s: %w", f.Name(), err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing %s: %w", f.Name(), err)
		}
		if w.file == f {
			w.size = offset
		}
		return nil
	}
	return rollback, nil
}

// openLocked closes any open file and opens the live file for day.
func (w *PartitionWriter) openLocked(day string) error {
	w.closeLocked()

	path := filepath.Join(w.dir, day+liveExt)
	if err := repairTail(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}
	w.file = f
	w.fileDay = day
	w.size = info.Size()
	return nil
}

// repairTail makes sure a live file ends in a newline before anything is
// appended to it. A trailing fragment that decodes as an entry only lost its
// newline and gets one back, since Open may already have adopted it. Any
// other fragment was cut short by a crash or a failed write and is truncated
// away; appending after it would merge two records into one unreadable line.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %s for repair: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()

	keep, err := lastNewlineEnd(f, size)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", path, err)
	}
	if keep == size {
		return nil
	}
	if tail := size - keep; tail <= maxLineSize {
		frag := make([]byte, tail)
		if _, err := f.ReadAt(frag, keep); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading tail of %s: %w", path, err)
		}
		if _, err := decodeEntry(bytes.TrimSpace(frag)); err == nil {
			if _, err := f.WriteAt([]byte{'\n'}, size); err != nil {
				return fmt.Errorf("terminating last record in %s: %w", path, err)
			}
			if err := f.Sync(); err != nil {
				return fmt.Errorf("syncing %s: %w", path, err)
			}
			slog.Warn("terminated last audit record missing its newline", "file", filepath.Base(path))
			return nil
		}
	}
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("truncating torn record in %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	slog.Warn("removed incomplete trailing record from audit file", "file", filepath.Base(path), "bytes", size-keep)
	return nil
}

// lastNewlineEnd returns the offset just past the last '\n' in the first
// size bytes of r, or 0 when there is none.
func lastNewlineEnd(r io.ReaderAt, size int64) (int64, error) {
	const chunk = 32 * 1024
	buf := make([]byte, chunk)
	for end := size; end > 0; {
		start := max(end-chunk, 0)
		b := buf[:end-start]
		if _, err := r.ReadAt(b, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

func (w *PartitionWriter) closeLocked() {
	if w.file == nil {
		return
	}
	if err := w.file.Close(); err != nil {
		slog.Warn("closing audit file", "file", w.file.Name(), "error", err)
	}
	w.file = nil
	w.fileDay = ""
	w.size = 0
}

// rotateLocked renames the live file aside, compresses it, and prunes old
// files. Failures are logged: a failed rename leaves the live file in place
// and appends continue into it.
func (w *PartitionWriter) rotateLocked() {
	live := w.file.Name()
	day := w.fileDay
	w.closeLocked()

	rotated := w.rotatedName(day)
	if err := os.Rename(live, rotated); err != nil {
		slog.Error("rotating audit file", "file", live, "error", err)
		return
	}
	metrics.Rotations.Inc()
	slog.Info("audit file rotated", "file", filepath.Base(rotated))

	if w.compress {
		if err := compressFile(rotated); err != nil {
			slog.Error("compressing rotated audit file", "file", rotated, "error", err)
		}
	}
	if err := w.pruneLocked(); err != nil {
		slog.Error("pruning audit files", "error", err)
	}
}

// finishRotations completes rotations a crash interrupted. A rotated plain
// file is always complete, so a .gz beside it is a partial copy: it is
// removed and, with compression on, rebuilt.
func (w *PartitionWriter) finishRotations() {
	w.mu.Lock()
	defer w.mu.Unlock()

	parts, err := ListPartitions(w.dir)
	if err != nil {
		slog.Error("checking rotated audit files", "error", err)
		return
	}
	for _, p := range parts {
		if !p.Rotated || p.Compressed {
			continue
		}
		gz := p.Path + gzipExt
		if fileExists(gz) {
			if err := os.Remove(gz); err != nil {
				slog.Error("removing partial compressed audit file", "file", filepath.Base(gz), "error", err)
				continue
			}
			slog.Warn("removed partial compressed audit file", "file", filepath.Base(gz))
		}
		if !w.compress {
			continue
		}
		if err := compressFile(p.Path); err != nil {
			slog.Error("compressing rotated audit file", "file", p.Name, "error", err)
		}
	}
}

func (w *PartitionWriter) rotatedName(day string) string {
	stamp := w.now().UTC().Format(rotationLayout)
	base := filepath.Join(w.dir, day+"."+stamp)
	name := base + liveExt
	for i := 1; fileExists(name) || fileExists(name+gzipExt); i++ {
		name = fmt.Sprintf("%s-%d%s", base, i, liveExt)
	}
	return name
}

// pruneLocked deletes the oldest partition files, by modification time,
// until at most maxFiles remain. The open live file is never deleted.
func (w *PartitionWriter) pruneLocked() error {
	if w.maxFiles <= 0 {
		return nil
	}
	parts, err := ListPartitions(w.dir)
	if err != nil {
		return err
	}
	if len(parts) <= w.maxFiles {
		return nil
	}

	sort.SliceStable(parts, func(i, j int) bool {
		if !parts[i].ModTime.Equal(parts[j].ModTime) {
			return parts[i].ModTime.Before(parts[j].ModTime)
		}
		return parts[i].Name < parts[j].Name
	})

	var active string
	if w.file != nil {
		active = w.file.Name()
	}
	excess := len(parts) - w.maxFiles
	var errs []error
	for _, p := range parts {
		if excess == 0 {
			break
		}
		if p.Path == active {
			continue
		}
		if err := os.Remove(p.Path); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", p.Name, err))
			continue
		}
		excess--
		metrics.FilesPruned.Inc()
		slog.Info("audit file pruned", "file", p.Name)
	}
	return errors.Join(errs...)
}

// Close closes the live file.
func (w *PartitionWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.fileDay = ""
	w.size = 0
	return err
}

// compressFile gzips path to path.gz and removes the original.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dstPath := path + gzipExt
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("finishing gzip stream: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("syncing %s: %w", dstPath, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return err
	}
	src.Close()
	return os.Remove(path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Partition is one log file on disk.
type Partition struct {
	Name       string
	Path       string
	Day        string
	Rotated    bool
	Compressed bool
	Size       int64
	ModTime    time.Time
}

// ListPartitions returns the log files in dir, ordered by day, then rotated
// files oldest first, then the live file. Other files are ignored, as is a
// compressed file whose plain original still exists.
func ListPartitions(dir string) ([]Partition, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing audit files: %w", err)
	}

	names := make(map[string]bool, len(dirEntries))
	for _, de := range dirEntries {
		names[de.Name()] = true
	}

	var parts []Partition
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		p, ok := parsePartitionName(de.Name())
		if !ok {
			continue
		}
		if p.Compressed && names[strings.TrimSuffix(p.Name, gzipExt)] {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info, e.g. by a concurrent prune.
			continue
		}
		p.Path = filepath.Join(dir, p.Name)
		p.Size = info.Size()
		p.ModTime = info.ModTime()
		parts = append(parts, p)
	}

	sort.Slice(parts, func(i, j int) bool {
		a, b := parts[i], parts[j]
		if a.Day != b.Day {
			return a.Day < b.Day
		}
		if a.Rotated != b.Rotated {
			return a.Rotated
		}
		return a.Name < b.Name
	})
	return parts, nil
}

// parsePartitionName recognizes "YYYY-MM-DD.jsonl" and
// "YYYY-MM-DD.<stamp>[-n].jsonl[.gz]".
func parsePartitionName(name string) (Partition, bool) {
	p := Partition{Name: name}
	rest := name
	if strings.HasSuffix(rest, gzipExt) {
		p.Compressed = true
		rest = strings.TrimSuffix(rest, gzipExt)
	}
	if !strings.HasSuffix(rest, liveExt) {
		return p, false
	}
	rest = strings.TrimSuffix(rest, liveExt)

	if len(rest) < len(dayLayout) {
		return p, false
	}
	day := rest[:len(dayLayout)]
	if _, err := time.Parse(dayLayout, day); err != nil {
		return p, false
	}
	p.Day = day

	stamp := rest[len(dayLayout):]
	if stamp == "" {
		return p, !p.Compressed
	}
	if stamp[0] != '.' {
		return p, false
	}
	stamp = stamp[1:]
	if i := strings.IndexByte(stamp, '-'); i >= 0 {
		stamp = stamp[:i]
	}
	if _, err := time.Parse(rotationLayout, stamp); err != nil {
		return p, false
	}
	p.Rotated = true
	return p, true
}

// ReadPartition reads every entry in a partition file, transparently
// decompressing rotated files. Malformed lines are skipped and reported in
// the returned warnings; err is set only when the file cannot be read.
func ReadPartition(path string) (entries []*Entry, warnings []error, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, gzipExt) {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("opening gzip %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	name := filepath.Base(path)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		e, err := decodeEntry(raw)
		if err != nil {
			warnings = append(warnings, fmt.Errorf("%s:%d: malformed entry: %v", name, line, err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		warnings = append(warnings, fmt.Errorf("%s: reading after line %d: %v", name, line, err))
	}
	return entries, warnings, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e Entry
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// lastLoggedEntry returns the highest-sequence entry among the most
// recently modified partitions, or nil when there are none.
func lastLoggedEntry(dir string) (*Entry, error) {
	parts, err := ListPartitions(dir)
	if err != nil {
		return nil, err
	}
	// Newest first; equal modification times fall back to the latest name.
	slices.Reverse(parts)
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].ModTime.After(parts[j].ModTime)
	})

	// Rotation touches two files within one append, so the newest entry is
	// in one of the two most recently modified.
	var last *Entry
	for i, p := range parts {
		if i == 2 {
			break
		}
		entries, _, err := ReadPartition(p.Path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p.Name, err)
		}
		for _, e := range entries {
			if last == nil || e.Sequence > last.Sequence {
				last = e
			}
		}
	}
	return last, nil
}
