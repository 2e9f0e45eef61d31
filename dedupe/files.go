package dedupe

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
)

// Opener reopens a file that the table closed to stay under its handle
// budget. It must use the same access mode as the original open.
type Opener func(path string) (*os.File, error)

type fileEntry struct {
	path string
	id   fsops.Identity
	size int64
}

// FileTable owns the handles of every file supplied during a run. The
// index refers to files by FileID long after they were indexed, so handles
// are kept in an LRU bounded by maxOpen and reopened on demand. A reopened
// file must have the same identity and size, otherwise ErrFileChanged.
type FileTable struct {
	entries []fileEntry
	handles *simplelru.LRU[FileID, *os.File]
	open    Opener
	// first error from closing an evicted handle
	closeErr error
}

// NewFileTable creates a table holding at most maxOpen handles (at least 2,
// since a comparison needs both sides open). A nil opener uses os.Open.
func NewFileTable(maxOpen int, open Opener) *FileTable {
	if maxOpen < 2 {
		maxOpen = 2
	}
	if open == nil {
		open = os.Open
	}
	t := &FileTable{open: open}
	// only fails for a non-positive size
	t.handles, _ = simplelru.NewLRU[FileID, *os.File](maxOpen, t.evicted)
	return t
}

// Add takes ownership of f and returns its run-local ID.
func (t *FileTable) Add(f *os.File) (FileID, fsops.Identity, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, fsops.Identity{}, &FileError{Op: "stat", Path: f.Name(), Err: err}
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return 0, fsops.Identity{}, &FileError{Op: "add", Path: f.Name(), Err: errors.New("not a regular file")}
	}
	ident, _ := fsops.Identify(fi)

	id := FileID(len(t.entries))
	t.entries = append(t.entries, fileEntry{path: f.Name(), id: ident, size: fi.Size()})
	t.handles.Add(id, f)
	return id, ident, nil
}

// Path returns the path the file was supplied under.
func (t *FileTable) Path(id FileID) string {
	return t.entries[id].path
}

// Size returns the size recorded when the file was supplied.
func (t *FileTable) Size(id FileID) int64 {
	return t.entries[id].size
}

// Handle returns an open handle for id, reopening it if necessary. The
// handle stays valid until the next call that may evict it.
func (t *FileTable) Handle(id FileID) (*os.File, error) {
	if f, ok := t.handles.Get(id); ok {
		return f, nil
	}
	e := t.entries[id]

	f, err := t.open(e.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %v", ErrFileChanged, err)
		}
		return nil, &FileError{Op: "reopen", Path: e.path, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &FileError{Op: "stat", Path: e.path, Err: err}
	}
	if ident, ok := fsops.Identify(fi); (ok && ident != e.id) || fi.Size() != e.size {
		f.Close()
		return nil, &FileError{Op: "reopen", Path: e.path, Err: ErrFileChanged}
	}

	t.handles.Add(id, f)
	return f, nil
}

// ReadAt reads exactly len(buf) bytes at off. A short read means the file
// shrank since it was supplied.
func (t *FileTable) ReadAt(id FileID, off int64, buf []byte) error {
	f, err := t.Handle(id)
	if err != nil {
		return err
	}
	n, err := f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrFileChanged
	}
	return &FileError{Op: "read", Path: t.entries[id].path, Err: err}
}

func (t *FileTable) evicted(_ FileID, f *os.File) {
	if err := f.Close(); err != nil && t.closeErr == nil {
		t.closeErr = err
	}
}

// Close closes every open handle.
func (t *FileTable) Close() error {
	t.handles.Purge()
	err := t.closeErr
	t.closeErr = nil
	return err
}
