//go:build linux

package fsops

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// supportedTempFile creates a file in the test's temp dir and skips the test
// when that filesystem lacks FIDEDUPERANGE (tmpfs and ext4 do).
func supportedTempFile(t *testing.T, name string, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })

	if err := ProbeDedupe(f); err != nil {
		if errors.Is(err, ErrNotSupported) {
			t.Skip("temp filesystem does not support range dedupe")
		}
		t.Fatalf("ProbeDedupe failed: %v", err)
	}
	return f
}

func pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestDedupeRangeSameData(t *testing.T) {
	data := pattern(7, 64*1024)
	src := supportedTempFile(t, "src", data)

	dst, err := os.OpenFile(filepath.Join(filepath.Dir(src.Name()), "dst"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()
	if _, err := dst.Write(data); err != nil {
		t.Fatal(err)
	}

	results, err := DedupeRange(src, 0, int64(len(data)), []DedupeTarget{{File: dst, Offset: 0}})
	if err != nil {
		t.Fatalf("DedupeRange failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != StatusSame {
		t.Fatalf("expected StatusSame, got %v", results[0])
	}
	if results[0].BytesDeduped <= 0 || results[0].BytesDeduped > int64(len(data)) {
		t.Errorf("unexpected bytes deduped: %d", results[0].BytesDeduped)
	}

	got, err := os.ReadFile(dst.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("destination content changed")
	}
}

func TestDedupeRangeDifferentData(t *testing.T) {
	data := pattern(7, 64*1024)
	src := supportedTempFile(t, "src", data)

	other := pattern(9, 64*1024)
	dstPath := filepath.Join(filepath.Dir(src.Name()), "dst")
	if err := os.WriteFile(dstPath, other, 0644); err != nil {
		t.Fatal(err)
	}
	dst, err := os.OpenFile(dstPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer dst.Close()

	results, err := DedupeRange(src, 0, int64(len(data)), []DedupeTarget{{File: dst, Offset: 0}})
	if err != nil {
		t.Fatalf("DedupeRange failed: %v", err)
	}
	if results[0].Status != StatusDiffers {
		t.Errorf("expected StatusDiffers, got %v", results[0])
	}
}
