package dedupe

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
	"gitlab.com/tinyland/lab/blockdedup/report"
)

// randomBlocks returns n blocks of pseudo-random data. Different seeds give
// blocks that never repeat in practice.
func randomBlocks(seed int64, n int) []byte {
	b := make([]byte, n*BlockSize)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// newTable opens paths in order into a fresh file table.
func newTable(t *testing.T, maxOpen int, paths ...string) *FileTable {
	t.Helper()
	table := NewFileTable(maxOpen, nil)
	t.Cleanup(func() { table.Close() })
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := table.Add(f); err != nil {
			t.Fatal(err)
		}
	}
	return table
}

// scan indexes and matches files in order and returns every verdict.
func scan(t *testing.T, sum func([]byte) Checksum, paths ...string) ([]Match, []Collision) {
	t.Helper()
	table := newTable(t, 8, paths...)
	index := NewIndex()
	indexer := NewIndexer(index, table, sum)
	matcher := NewMatcher(index, table)

	var matches []Match
	var collisions []Collision
	for i := range paths {
		id := FileID(i)
		matcher.StartFile(id)
		_, err := indexer.IndexFile(context.Background(), id, func(loc Location, sum Checksum, block []byte) error {
			m, ok, err := matcher.Match(loc, sum, block)
			collisions = append(collisions, matcher.Collisions()...)
			if ok {
				matches = append(matches, m)
			}
			return err
		})
		if err != nil {
			t.Fatalf("IndexFile(%s) failed: %v", paths[i], err)
		}
	}
	return matches, collisions
}

type dedupeCall struct {
	SrcOffset int64
	DstOffset int64
	Length    int64
}

// fakeDeduper compares ranges byte for byte instead of sharing extents, so
// tests run on any filesystem.
type fakeDeduper struct {
	mu    sync.Mutex
	calls []dedupeCall

	probeErr error
	// callErr fails the whole call
	callErr error
	// errno fails every target with a per-target status
	errno syscall.Errno
	// noResults returns neither results nor an error
	noResults bool
	// limit caps the bytes reported per call when non-zero
	limit int64
	// before runs ahead of each call with its index
	before func(call int, dst *os.File)
}

func (d *fakeDeduper) Probe(f *os.File) error {
	return d.probeErr
}

func (d *fakeDeduper) Dedupe(src *os.File, srcOffset, length int64, targets []fsops.DedupeTarget) ([]fsops.DedupeResult, error) {
	d.mu.Lock()
	n := len(d.calls)
	d.calls = append(d.calls, dedupeCall{SrcOffset: srcOffset, DstOffset: targets[0].Offset, Length: length})
	d.mu.Unlock()

	if d.before != nil {
		d.before(n, targets[0].File)
	}
	if d.callErr != nil {
		return nil, d.callErr
	}
	if d.noResults {
		return nil, nil
	}

	results := make([]fsops.DedupeResult, len(targets))
	for i, tgt := range targets {
		if d.errno != 0 {
			results[i] = fsops.DedupeResult{Status: fsops.StatusError, Errno: d.errno}
			continue
		}
		a := make([]byte, length)
		b := make([]byte, length)
		src.ReadAt(a, srcOffset)
		tgt.File.ReadAt(b, tgt.Offset)
		if !bytes.Equal(a, b) {
			results[i] = fsops.DedupeResult{Status: fsops.StatusDiffers}
			continue
		}
		done := length
		if d.limit > 0 && done > d.limit {
			done = d.limit
		}
		results[i] = fsops.DedupeResult{BytesDeduped: done, Status: fsops.StatusSame}
	}
	return results, nil
}

func (d *fakeDeduper) Calls() []dedupeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dedupeCall(nil), d.calls...)
}

// pathSource supplies a fixed list of paths in order.
type pathSource []string

func (s pathSource) Walk(ctx context.Context, fn func(f *os.File) error) error {
	for _, p := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// recorder collects published events synchronously.
type recorder struct {
	mu     sync.Mutex
	events []report.Event
}

func (r *recorder) PublishTyped(eventType report.EventType, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, report.Event{Type: eventType, Payload: payload})
}

func (r *recorder) count(eventType report.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// regions returns the regions of every would_dedupe and deduplicated event,
// in publication order.
func (r *recorder) regions() []report.Region {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []report.Region
	for _, e := range r.events {
		switch p := e.Payload.(type) {
		case report.WouldDedupePayload:
			out = append(out, p.Region)
		case report.DeduplicatedPayload:
			out = append(out, p.Region)
		}
	}
	return out
}
