package dedupe

import (
	"context"

	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
)

// readBatch is how many blocks the indexer reads per call.
const readBatch = 256

// FileStats describes one indexing pass over a file.
type FileStats struct {
	Blocks     int64 // full blocks read
	ZeroBlocks int64 // full blocks skipped because they were all zero
	Indexed    int64 // blocks inserted into the index
	TailBytes  int64 // trailing bytes after the last full block
	ZeroRuns   []fsops.ZeroRegion
}

// BlockFunc is called for every non-zero full block before it is inserted,
// so it sees only occurrences indexed earlier. block is only valid for the
// duration of the call.
type BlockFunc func(loc Location, sum Checksum, block []byte) error

// Indexer partitions files into aligned blocks and records their checksums.
type Indexer struct {
	index *Index
	files *FileTable
	sum   func([]byte) Checksum
	buf   []byte
}

// NewIndexer creates an indexer writing into index. A nil sum uses SumBlock.
func NewIndexer(index *Index, files *FileTable, sum func([]byte) Checksum) *Indexer {
	if sum == nil {
		sum = SumBlock
	}
	return &Indexer{
		index: index,
		files: files,
		sum:   sum,
		buf:   make([]byte, readBatch*BlockSize),
	}
}

// IndexFile reads every full block of the file, skips all-zero blocks and
// inserts the rest. The final partial block is never indexed. Any read
// error, including the file being shorter than when it was supplied, is
// returned unchanged and is meant to abort the run.
func (ix *Indexer) IndexFile(ctx context.Context, id FileID, fn BlockFunc) (FileStats, error) {
	size := ix.files.Size(id)
	full := size / BlockSize * BlockSize
	stats := FileStats{TailBytes: size - full}
	var zeros fsops.ZeroRuns

	for off := int64(0); off < full; {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		n := int64(len(ix.buf))
		if full-off < n {
			n = full - off
		}
		batch := ix.buf[:n]
		if err := ix.files.ReadAt(id, off, batch); err != nil {
			return stats, err
		}

		for i := int64(0); i < n; i += BlockSize {
			block := batch[i : i+BlockSize]
			loc := Location{File: id, Offset: off + i}
			stats.Blocks++

			if fsops.IsZeroBlock(block) {
				stats.ZeroBlocks++
				zeros.Add(loc.Offset, BlockSize)
				continue
			}
			zeros.Break()

			sum := ix.sum(block)
			if fn != nil {
				if err := fn(loc, sum, block); err != nil {
					return stats, err
				}
			}
			if ix.index.Insert(sum, loc) {
				stats.Indexed++
			}
		}
		off += n
	}

	stats.ZeroRuns = zeros.Regions()
	return stats, nil
}
