package report

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// LogSubscriber logs events using slog.
type LogSubscriber struct {
	logger *slog.Logger
}

// NewLogSubscriber creates a subscriber that logs events.
func NewLogSubscriber(logger *slog.Logger) *LogSubscriber {
	return &LogSubscriber{logger: logger}
}

func regionAttrs(r Region) []any {
	return []any{
		"src", r.SrcPath,
		"src_offset", r.SrcOffset,
		"dst", r.DstPath,
		"dst_offset", r.DstOffset,
		"length", r.Length,
	}
}

// Handle processes an event by logging it.
func (s *LogSubscriber) Handle(event Event) {
	switch p := event.Payload.(type) {
	case RunStartPayload:
		s.logger.Info("dedupe run started",
			"root", p.Root,
			"mode", p.Mode,
			"fstype", p.Fstype)
	case RunEndPayload:
		s.logger.Info("dedupe run finished",
			"files", p.Summary.Files,
			"regions", p.Summary.RegionsFound,
			"deduplicated", humanize.IBytes(uint64(p.Summary.BytesDeduped)),
			"duration", p.Summary.Duration.Round(time.Millisecond))
	case RunAbortedPayload:
		s.logger.Error("dedupe run aborted",
			"files", p.Summary.Files,
			"error", p.Error)
	case FileIndexedPayload:
		s.logger.Debug("file indexed",
			"path", p.Path,
			"size", p.Size,
			"blocks", p.Blocks,
			"zero_blocks", p.ZeroBlocks)
	case CollisionPayload:
		s.logger.Debug("checksum collision with differing data",
			"path", p.Path,
			"offset", p.Offset,
			"other", p.OtherPath,
			"other_offset", p.OtherOffset)
	case RegionRejectedPayload:
		s.logger.Debug("region rejected",
			append(regionAttrs(p.Region), "reason", p.Reason)...)
	case WouldDedupePayload:
		s.logger.Info("would deduplicate", regionAttrs(p.Region)...)
	case DeduplicatedPayload:
		s.logger.Info("deduplicated",
			append(regionAttrs(p.Region), "calls", p.Calls)...)
	case PartialPayload:
		s.logger.Warn("partially deduplicated",
			append(regionAttrs(p.Region), "bytes", p.Bytes, "status", p.Status)...)
	case RegionFailedPayload:
		s.logger.Warn("deduplication failed",
			append(regionAttrs(p.Region), "status", p.Status, "error", p.Error)...)
	case HolesPunchedPayload:
		s.logger.Info("zero blocks punched",
			"path", p.Path,
			"bytes", humanize.IBytes(uint64(p.Bytes)))
	}
}

// MetricsSubscriber tracks counters for a run.
type MetricsSubscriber struct {
	regionsFound int64
	bytesDeduped int64
	bytesPending int64
	collisions   int64

	mu        sync.RWMutex
	events    map[string]int64
	fileBytes map[string]int64
}

// NewMetricsSubscriber creates a subscriber that tracks metrics.
func NewMetricsSubscriber() *MetricsSubscriber {
	return &MetricsSubscriber{
		events:    make(map[string]int64),
		fileBytes: make(map[string]int64),
	}
}

// Handle processes an event by updating metrics.
func (s *MetricsSubscriber) Handle(event Event) {
	s.mu.Lock()
	s.events[event.Type.String()]++
	s.mu.Unlock()

	switch p := event.Payload.(type) {
	case CollisionPayload:
		atomic.AddInt64(&s.collisions, 1)
	case WouldDedupePayload:
		atomic.AddInt64(&s.regionsFound, 1)
		atomic.AddInt64(&s.bytesPending, p.Region.Length)
	case DeduplicatedPayload:
		atomic.AddInt64(&s.regionsFound, 1)
		atomic.AddInt64(&s.bytesDeduped, p.Region.Length)
		s.addFileBytes(p.Region.DstPath, p.Region.Length)
	case PartialPayload:
		atomic.AddInt64(&s.regionsFound, 1)
		atomic.AddInt64(&s.bytesDeduped, p.Bytes)
		s.addFileBytes(p.Region.DstPath, p.Bytes)
	case RegionFailedPayload:
		atomic.AddInt64(&s.regionsFound, 1)
	}
}

func (s *MetricsSubscriber) addFileBytes(path string, n int64) {
	s.mu.Lock()
	s.fileBytes[path] += n
	s.mu.Unlock()
}

// RegionsFound returns the number of accepted regions seen.
func (s *MetricsSubscriber) RegionsFound() int64 {
	return atomic.LoadInt64(&s.regionsFound)
}

// BytesDeduped returns the bytes the filesystem reported as shared.
func (s *MetricsSubscriber) BytesDeduped() int64 {
	return atomic.LoadInt64(&s.bytesDeduped)
}

// BytesPending returns the bytes simulate mode would have submitted.
func (s *MetricsSubscriber) BytesPending() int64 {
	return atomic.LoadInt64(&s.bytesPending)
}

// Snapshot returns a point-in-time copy of all metrics.
func (s *MetricsSubscriber) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make(map[string]int64, len(s.events))
	for k, v := range s.events {
		events[k] = v
	}
	fileBytes := make(map[string]int64, len(s.fileBytes))
	for k, v := range s.fileBytes {
		fileBytes[k] = v
	}

	return map[string]interface{}{
		"regions_found":         atomic.LoadInt64(&s.regionsFound),
		"bytes_deduped":         atomic.LoadInt64(&s.bytesDeduped),
		"bytes_pending":         atomic.LoadInt64(&s.bytesPending),
		"collisions":            atomic.LoadInt64(&s.collisions),
		"events":                events,
		"bytes_deduped_by_file": fileBytes,
	}
}

// Flush writes the current snapshot as JSON to path.
func (s *MetricsSubscriber) Flush(path string) error {
	return writeJSONAtomic(path, s.Snapshot())
}

// SummaryWriter writes the run summary as JSON when a run ends normally.
type SummaryWriter struct {
	path   string
	logger *slog.Logger
}

// NewSummaryWriter creates a subscriber that writes the summary to path.
func NewSummaryWriter(path string, logger *slog.Logger) *SummaryWriter {
	return &SummaryWriter{path: path, logger: logger}
}

// Handle writes the summary on EventRunEnd.
func (s *SummaryWriter) Handle(event Event) {
	p, ok := event.Payload.(RunEndPayload)
	if !ok {
		return
	}
	if err := writeJSONAtomic(s.path, p.Summary); err != nil {
		s.logger.Warn("failed to write summary", "path", s.path, "error", err)
	}
}
