package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// Summary is the per-run tally presented at the end of a run that was not
// aborted.
type Summary struct {
	Root string `json:"root"`
	Mode string `json:"mode"`

	Files         int64 `json:"files"`
	Blocks        int64 `json:"blocks"`
	ZeroBlocks    int64 `json:"zero_blocks"`
	IndexedBlocks int64 `json:"indexed_blocks"`
	// UniqueBlocks counts distinct checksums among the indexed blocks
	UniqueBlocks int64 `json:"unique_blocks"`
	Collisions   int64 `json:"collisions"`

	// RegionsFound counts regions that passed the length and overlap policy
	RegionsFound int64 `json:"regions_found"`
	Deduplicated int64 `json:"deduplicated"`
	Partial      int64 `json:"partially_deduplicated"`
	Rejected     int64 `json:"rejected"`
	Failed       int64 `json:"failed"`

	// BytesDeduped is what the filesystem reported as shared
	BytesDeduped int64 `json:"bytes_deduped"`
	// BytesPending is what simulate mode would have submitted
	BytesPending int64 `json:"bytes_pending"`
	BytesPunched int64 `json:"bytes_punched"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// Format writes a human-readable summary.
func (s Summary) Format(w io.Writer) {
	fmt.Fprintf(w, "mode:                    %s\n", s.Mode)
	fmt.Fprintf(w, "files scanned:           %d\n", s.Files)
	fmt.Fprintf(w, "blocks read:             %d (%d zero, %d indexed, %d unique)\n", s.Blocks, s.ZeroBlocks, s.IndexedBlocks, s.UniqueBlocks)
	fmt.Fprintf(w, "checksum collisions:     %d\n", s.Collisions)
	fmt.Fprintf(w, "regions found:           %d\n", s.RegionsFound)
	fmt.Fprintf(w, "regions rejected:        %d\n", s.Rejected)
	if s.Mode == "simulate" {
		fmt.Fprintf(w, "would deduplicate:       %s\n", humanize.IBytes(uint64(s.BytesPending)))
	} else {
		fmt.Fprintf(w, "deduplicated:            %d\n", s.Deduplicated)
		fmt.Fprintf(w, "partially deduplicated:  %d\n", s.Partial)
		fmt.Fprintf(w, "failed:                  %d\n", s.Failed)
		fmt.Fprintf(w, "bytes deduplicated:      %s\n", humanize.IBytes(uint64(s.BytesDeduped)))
	}
	if s.BytesPunched > 0 {
		fmt.Fprintf(w, "zero bytes punched:      %s\n", humanize.IBytes(uint64(s.BytesPunched)))
	}
	fmt.Fprintf(w, "duration:                %s\n", s.Duration.Round(time.Millisecond))
}

// writeJSONAtomic writes v as indented JSON to path via a temp file and rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
