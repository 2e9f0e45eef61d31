package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMetricsSubscriber(t *testing.T) {
	m := NewMetricsSubscriber()
	region := Region{SrcPath: "/d/a", DstPath: "/d/b", Length: 128 * 1024}

	m.Handle(Event{Type: EventWouldDedupe, Payload: WouldDedupePayload{Region: region}})
	m.Handle(Event{Type: EventDeduplicated, Payload: DeduplicatedPayload{Region: region, Calls: 1}})
	m.Handle(Event{Type: EventPartial, Payload: PartialPayload{Region: region, Bytes: 64 * 1024}})
	m.Handle(Event{Type: EventRegionFailed, Payload: RegionFailedPayload{Region: region}})
	m.Handle(Event{Type: EventCollision, Payload: CollisionPayload{}})
	m.Handle(Event{Type: EventRegionRejected, Payload: RegionRejectedPayload{Region: region}})

	if got := m.RegionsFound(); got != 4 {
		t.Errorf("RegionsFound = %d, want 4", got)
	}
	if got := m.BytesDeduped(); got != 192*1024 {
		t.Errorf("BytesDeduped = %d, want %d", got, 192*1024)
	}
	if got := m.BytesPending(); got != 128*1024 {
		t.Errorf("BytesPending = %d, want %d", got, 128*1024)
	}

	snap := m.Snapshot()
	events := snap["events"].(map[string]int64)
	if events["region_rejected"] != 1 || events["deduplicated"] != 1 {
		t.Errorf("event counts = %v", events)
	}
	byFile := snap["bytes_deduped_by_file"].(map[string]int64)
	if byFile["/d/b"] != 192*1024 {
		t.Errorf("bytes for /d/b = %d, want %d", byFile["/d/b"], 192*1024)
	}
	if snap["collisions"].(int64) != 1 {
		t.Errorf("collisions = %v, want 1", snap["collisions"])
	}
}

func TestMetricsSubscriberFlush(t *testing.T) {
	m := NewMetricsSubscriber()
	m.Handle(Event{Type: EventDeduplicated, Payload: DeduplicatedPayload{Region: Region{DstPath: "x", Length: 4096}}})

	path := filepath.Join(t.TempDir(), "out", "metrics.json")
	if err := m.Flush(path); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("metrics file is not valid JSON: %v", err)
	}
	if decoded["bytes_deduped"].(float64) != 4096 {
		t.Errorf("bytes_deduped = %v, want 4096", decoded["bytes_deduped"])
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewLogSubscriber(logger)

	region := Region{SrcPath: "/d/a", SrcOffset: 4096, DstPath: "/d/b", DstOffset: 8192, Length: 65536}
	s.Handle(Event{Type: EventRunStart, Payload: RunStartPayload{Root: "/d", Mode: "execute", Fstype: "btrfs"}})
	s.Handle(Event{Type: EventDeduplicated, Payload: DeduplicatedPayload{Region: region, Calls: 1}})
	s.Handle(Event{Type: EventRegionFailed, Payload: RegionFailedPayload{Region: region, Status: "differs"}})
	s.Handle(Event{Type: EventRunAborted, Payload: RunAbortedPayload{Error: errors.New("read /d/c: input/output error")}})

	out := buf.String()
	for _, want := range []string{
		"dedupe run started", "fstype=btrfs",
		"msg=deduplicated", "src=/d/a", "dst_offset=8192", "length=65536",
		"level=WARN", "status=differs",
		"level=ERROR", "input/output error",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestSummaryWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	w := NewSummaryWriter(path, logger)

	// aborted runs leave no summary
	w.Handle(Event{Type: EventRunAborted, Payload: RunAbortedPayload{Error: errors.New("boom")}})
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("summary written for an aborted run")
	}

	w.Handle(Event{Type: EventRunEnd, Payload: RunEndPayload{Summary: Summary{
		Root:         "/d",
		Mode:         "execute",
		Files:        3,
		Deduplicated: 2,
		BytesDeduped: 1 << 20,
		Duration:     2 * time.Second,
	}}})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	var got Summary
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("summary is not valid JSON: %v", err)
	}
	if got.Files != 3 || got.Deduplicated != 2 || got.BytesDeduped != 1<<20 {
		t.Errorf("summary = %+v", got)
	}
}

func TestSummaryFormat(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    []string
		absent  []string
	}{
		{
			name:    "execute",
			summary: Summary{Mode: "execute", Files: 2, Blocks: 64, IndexedBlocks: 64, UniqueBlocks: 40, RegionsFound: 1, Deduplicated: 1, BytesDeduped: 96 * 1024},
			want:    []string{"files scanned:           2", "64 (0 zero, 64 indexed, 40 unique)", "deduplicated:            1", "96 KiB"},
			absent:  []string{"would deduplicate"},
		},
		{
			name:    "simulate",
			summary: Summary{Mode: "simulate", RegionsFound: 1, BytesPending: 3 << 20},
			want:    []string{"would deduplicate:       3.0 MiB"},
			absent:  []string{"bytes deduplicated"},
		},
		{
			name:    "punched",
			summary: Summary{Mode: "execute", BytesPunched: 8192},
			want:    []string{"zero bytes punched:      8.0 KiB"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.summary.Format(&buf)
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(out, a) {
					t.Errorf("output unexpectedly contains %q:\n%s", a, out)
				}
			}
		})
	}
}
