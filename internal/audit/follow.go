package audit

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn for every entry appended to a live partition file after
// the call, until ctx is cancelled. It watches the directory rather than
// the Log's own appends, so it also sees entries written by another
// process (for example `auditchain serve` while `auditchain tail -f` runs).
//
// Entries that are written and rotated away between two filesystem events
// are not delivered. Encrypted entries are decrypted when a key is
// configured; otherwise they are delivered sealed.
func (l *Log) Follow(ctx context.Context, fn func(*Entry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watching %s: %w", l.dir, err)
	}

	// Start at the current end of every live file.
	offsets := make(map[string]int64)
	parts, err := ListPartitions(l.dir)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if !p.Rotated {
			offsets[p.Path] = p.Size
		}
	}
	lastSeq := l.chain.State().Sequence

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			p, ok := parsePartitionName(filepath.Base(event.Name))
			if !ok || p.Rotated {
				continue
			}

			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// Rotated away; the next live file starts empty.
				delete(offsets, event.Name)
				continue
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
			default:
				continue
			}

			entries, next, err := readFrom(event.Name, offsets[event.Name])
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					slog.Error("follow: reading audit file", "file", event.Name, "error", err)
				}
				continue
			}
			offsets[event.Name] = next

			for _, e := range entries {
				if e.Sequence <= lastSeq {
					continue
				}
				lastSeq = e.Sequence
				if err := unseal(l.enc, e); err != nil && l.enc != nil {
					slog.Warn("follow: decrypting entry", "sequence", e.Sequence, "error", err)
				}
				fn(e)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("follow: file watcher error", "error", err)
		}
	}
}

// readFrom decodes complete lines after offset and returns the offset just
// past the last complete line. A file shorter than offset was truncated by
// a rolled-back append and is re-read from its new end.
func readFrom(path string, offset int64) ([]*Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		return nil, info.Size(), nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	var entries []*Entry
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A partial line is picked up by the next event.
			break
		}
		if err != nil {
			return entries, offset, err
		}
		offset += int64(len(line))

		raw := bytes.TrimSpace(line)
		if len(raw) == 0 {
			continue
		}
		e, err := decodeEntry(raw)
		if err != nil {
			slog.Warn("follow: skipping malformed entry", "file", filepath.Base(path), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, offset, nil
}
