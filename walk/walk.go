// Package walk supplies the files of a dedupe run: every regular file
// under a root on the root's filesystem, each physical file once, in
// lexical order.
package walk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"

	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
)

// DefaultIgnoreFile is read from the scan root when present.
const DefaultIgnoreFile = ".dedupignore"

// Options configures a Walker.
type Options struct {
	// Exclude holds gitignore-style patterns relative to the root
	Exclude []string
	// IgnoreFile is a gitignore-style file; relative paths are resolved
	// against the root. A missing file is not an error.
	IgnoreFile string
	// MinSize skips files smaller than this many bytes
	MinSize int64
	Logger  *slog.Logger
}

// Stats counts what a walk saw.
type Stats struct {
	Files      int64 // files supplied
	Excluded   int64 // paths matched by an exclude pattern
	HardLinks  int64 // extra names of an already supplied file
	Small      int64 // files below MinSize
	Other      int64 // symlinks, devices, sockets and pipes
	Mounts     int64 // directories on another filesystem
	Unreadable int64 // entries skipped for lack of permission
}

// Walker enumerates a directory tree without crossing mount points.
type Walker struct {
	root    string
	dev     uint64
	ignore  *gitignore.GitIgnore
	minSize int64
	logger  *slog.Logger

	seen  map[fsops.Identity]struct{}
	stats Stats
}

// New creates a walker rooted at root, which must be a directory.
func New(root string, opts Options) (*Walker, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	dev, err := fsops.DeviceOf(root)
	if err != nil {
		return nil, fmt.Errorf("device of %s: %w", root, err)
	}

	ignore, err := compileIgnore(root, opts)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Walker{
		root:    root,
		dev:     dev,
		ignore:  ignore,
		minSize: opts.MinSize,
		logger:  logger,
		seen:    make(map[fsops.Identity]struct{}),
	}, nil
}

func compileIgnore(root string, opts Options) (*gitignore.GitIgnore, error) {
	path := opts.IgnoreFile
	if path == "" {
		path = DefaultIgnoreFile
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	if _, err := os.Stat(path); err == nil {
		ignore, err := gitignore.CompileIgnoreFileAndLines(path, opts.Exclude...)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ignore file %s: %w", path, err)
		}
		return ignore, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return gitignore.CompileIgnoreLines(opts.Exclude...), nil
}

// Root returns the absolute scan root.
func (w *Walker) Root() string {
	return w.root
}

// Device returns the device id of the root's filesystem.
func (w *Walker) Device() uint64 {
	return w.dev
}

// Stats returns the counters of the walk so far.
func (w *Walker) Stats() Stats {
	return w.stats
}

// Walk opens each eligible file read-only and passes it to fn, which owns
// the handle from then on. Entries that cannot be read for lack of
// permission are skipped with a warning; any other error, or an error from
// fn, ends the walk.
func (w *Walker) Walk(ctx context.Context, fn func(f *os.File) error) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) && path != w.root {
				w.stats.Unreadable++
				w.logger.Warn("skipping unreadable entry", "path", path, "error", err)
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if path != w.root && w.excluded(path, d.IsDir()) {
			w.stats.Excluded++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return w.enterDir(path, d)
		}
		if !d.Type().IsRegular() {
			w.stats.Other++
			return nil
		}
		return w.supply(path, d, fn)
	})
}

func (w *Walker) excluded(path string, dir bool) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if dir {
		rel += "/"
	}
	return w.ignore.MatchesPath(rel)
}

func (w *Walker) enterDir(path string, d fs.DirEntry) error {
	if path == w.root {
		return nil
	}
	info, err := d.Info()
	if err != nil {
		return err
	}
	if id, ok := fsops.Identify(info); ok && id.Dev != w.dev {
		w.stats.Mounts++
		w.logger.Debug("not crossing mount point", "path", path)
		return filepath.SkipDir
	}
	return nil
}

func (w *Walker) supply(path string, d fs.DirEntry, fn func(f *os.File) error) error {
	info, err := d.Info()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.Size() < w.minSize {
		w.stats.Small++
		return nil
	}
	id, ok := fsops.Identify(info)
	if ok {
		if id.Dev != w.dev {
			w.stats.Mounts++
			return nil
		}
		if _, dup := w.seen[id]; dup {
			w.stats.HardLinks++
			w.logger.Debug("skipping hard link", "path", path)
			return nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			w.stats.Unreadable++
			w.logger.Warn("skipping unreadable file", "path", path, "error", err)
			return nil
		}
		return err
	}
	// the entry may have been swapped for something else since it was listed
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if opened, _ := fsops.Identify(fi); !fi.Mode().IsRegular() || (ok && opened != id) {
		f.Close()
		w.logger.Warn("file replaced during scan, skipping", "path", path)
		return nil
	}

	if ok {
		w.seen[id] = struct{}{}
	}
	w.stats.Files++
	return fn(f)
}
