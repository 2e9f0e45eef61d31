package dedupe

import (
	"context"
	"log/slog"
	"os"
	"time"

	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
	"gitlab.com/tinyland/lab/blockdedup/report"
)

// Source supplies the files of one run. Walk calls fn once per opened
// regular file, in a stable order, and stops at the first error fn
// returns. fn takes ownership of the handle.
type Source interface {
	Walk(ctx context.Context, fn func(f *os.File) error) error
}

// Publisher receives reporting events.
type Publisher interface {
	PublishTyped(eventType report.EventType, payload interface{})
}

// Options configures an Engine.
type Options struct {
	Mode Mode
	// Root and Fstype describe the scanned volume in reports
	Root   string
	Fstype string
	// Device, when non-zero, is the only st_dev a supplied file may have
	Device uint64
	// MaxOpenFiles bounds the handles kept by the file table
	MaxOpenFiles int
	// MaxRequestBytes bounds a single dedupe call
	MaxRequestBytes int64
	// PunchZeroBlocks punches holes over zero runs in execute mode
	PunchZeroBlocks bool
	// Deduper defaults to KernelDeduper
	Deduper Deduper
	// Checksum defaults to SumBlock
	Checksum func([]byte) Checksum
	// Opener reopens evicted files; defaults to os.Open
	Opener Opener
	Logger *slog.Logger
	Events Publisher
}

// Engine drives one single-threaded pass: each supplied file is indexed
// block by block, every block is matched against what was indexed before
// it, and accepted regions are executed as soon as they are found.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	files   *FileTable
	index   *Index
	indexer *Indexer
	matcher *Matcher
	exec    *Executor
	summary report.Summary
	probed  bool
}

// New creates an engine for one run.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	files := NewFileTable(opts.MaxOpenFiles, opts.Opener)
	index := NewIndex()
	return &Engine{
		opts:    opts,
		logger:  logger,
		files:   files,
		index:   index,
		indexer: NewIndexer(index, files, opts.Checksum),
		matcher: NewMatcher(index, files),
		exec:    NewExecutor(files, opts.Deduper, opts.Mode, opts.MaxRequestBytes),
	}
}

// Run consumes src and returns the run summary. Any fatal error aborts the
// run immediately; regions already deduplicated stay deduplicated, and
// nothing is persisted for a later resume.
func (e *Engine) Run(ctx context.Context, src Source) (report.Summary, error) {
	e.summary = report.Summary{
		Root:      e.opts.Root,
		Mode:      e.opts.Mode.String(),
		StartedAt: time.Now(),
	}
	defer e.files.Close()
	e.publish(report.EventRunStart, report.RunStartPayload{
		Root:   e.opts.Root,
		Mode:   e.opts.Mode.String(),
		Fstype: e.opts.Fstype,
	})

	err := src.Walk(ctx, func(f *os.File) error {
		return e.ingest(ctx, f)
	})

	e.summary.UniqueBlocks = int64(e.index.Keys())
	e.summary.FinishedAt = time.Now()
	e.summary.Duration = e.summary.FinishedAt.Sub(e.summary.StartedAt)
	if err != nil {
		e.publish(report.EventRunAborted, report.RunAbortedPayload{Error: err, Summary: e.summary})
		return e.summary, err
	}
	e.publish(report.EventRunEnd, report.RunEndPayload{Summary: e.summary})
	return e.summary, nil
}

func (e *Engine) ingest(ctx context.Context, f *os.File) error {
	id, ident, err := e.files.Add(f)
	if err != nil {
		return err
	}
	path := e.files.Path(id)
	if e.opts.Device != 0 && ident.Dev != e.opts.Device {
		return &FileError{Op: "ingest", Path: path, Err: ErrCrossDevice}
	}
	if !e.probed {
		if err := e.exec.Probe(id); err != nil {
			return err
		}
		e.probed = true
	}

	e.summary.Files++
	e.matcher.StartFile(id)
	stats, err := e.indexer.IndexFile(ctx, id, func(loc Location, sum Checksum, block []byte) error {
		return e.onBlock(ctx, loc, sum, block)
	})
	e.summary.Blocks += stats.Blocks
	e.summary.ZeroBlocks += stats.ZeroBlocks
	e.summary.IndexedBlocks += stats.Indexed
	if err != nil {
		return err
	}

	e.publish(report.EventFileIndexed, report.FileIndexedPayload{
		Path:       path,
		Size:       e.files.Size(id),
		Blocks:     stats.Blocks,
		ZeroBlocks: stats.ZeroBlocks,
		Indexed:    stats.Indexed,
		TailBytes:  stats.TailBytes,
	})

	if e.opts.PunchZeroBlocks && e.opts.Mode == ModeExecute && len(stats.ZeroRuns) > 0 {
		e.punch(path, stats.ZeroRuns)
	}
	return nil
}

func (e *Engine) onBlock(ctx context.Context, loc Location, sum Checksum, block []byte) error {
	match, ok, err := e.matcher.Match(loc, sum, block)
	if err != nil {
		return err
	}
	for _, c := range e.matcher.Collisions() {
		e.summary.Collisions++
		e.publish(report.EventCollision, report.CollisionPayload{
			Path:        e.files.Path(c.Block.File),
			Offset:      c.Block.Offset,
			OtherPath:   e.files.Path(c.Other.File),
			OtherOffset: c.Other.Offset,
		})
	}
	if !ok {
		return nil
	}
	if match.State == StateRejected {
		e.summary.Rejected++
		e.publish(report.EventRegionRejected, report.RegionRejectedPayload{
			Region: e.describe(match.Region),
			Reason: match.Reason.String(),
		})
		return nil
	}

	out, err := e.exec.Execute(ctx, match.Region)
	if err != nil {
		return err
	}
	e.record(out)
	return nil
}

// record folds an outcome into the summary and reports it.
func (e *Engine) record(out Outcome) {
	region := e.describe(out.Region)
	switch out.State {
	case StateRejected:
		e.summary.Rejected++
		e.publish(report.EventRegionRejected, report.RegionRejectedPayload{Region: region, Reason: out.Reason.String()})
		return
	case StateAccepted:
		e.summary.RegionsFound++
		e.summary.BytesPending += out.Region.Length
		e.publish(report.EventWouldDedupe, report.WouldDedupePayload{Region: region})
		return
	}

	e.summary.RegionsFound++
	e.summary.BytesDeduped += out.Deduped
	switch out.State {
	case StateDeduplicated:
		e.summary.Deduplicated++
		e.publish(report.EventDeduplicated, report.DeduplicatedPayload{Region: region, Calls: out.Calls})
	case StatePartial:
		e.summary.Partial++
		e.publish(report.EventPartial, report.PartialPayload{Region: region, Bytes: out.Deduped, Status: out.Status.String()})
	case StateFailed:
		e.summary.Failed++
		var errno error
		if out.Errno != 0 {
			errno = out.Errno
		}
		e.publish(report.EventRegionFailed, report.RegionFailedPayload{Region: region, Status: out.Status.String(), Error: errno})
	}
}

func (e *Engine) punch(path string, runs []fsops.ZeroRegion) {
	before, _ := fsops.GetActualSize(path)
	if _, err := fsops.PunchHoles(path, runs); err != nil {
		e.logger.Warn("failed to punch zero blocks", "path", path, "error", err)
		return
	}
	after, err := fsops.GetActualSize(path)
	if err != nil || after >= before {
		return
	}
	e.summary.BytesPunched += before - after
	e.publish(report.EventHolesPunched, report.HolesPunchedPayload{Path: path, Bytes: before - after})
}

func (e *Engine) describe(r Region) report.Region {
	return report.Region{
		SrcPath:   e.files.Path(r.Src.File),
		SrcOffset: r.Src.Offset,
		DstPath:   e.files.Path(r.Dst.File),
		DstOffset: r.Dst.Offset,
		Length:    r.Length,
	}
}

func (e *Engine) publish(t report.EventType, payload interface{}) {
	if e.opts.Events != nil {
		e.opts.Events.PublishTyped(t, payload)
	}
}
