package dedupe

import "testing"

func TestIndexInsertLookup(t *testing.T) {
	ix := NewIndex()
	a := SumBlock([]byte("a"))
	b := SumBlock([]byte("b"))

	if got := ix.Lookup(a, nil); len(got) != 0 {
		t.Fatalf("Lookup on empty index = %v, want none", got)
	}

	locs := []Location{{File: 0, Offset: 0}, {File: 0, Offset: 8192}, {File: 2, Offset: 4096}}
	for _, l := range locs {
		if !ix.Insert(a, l) {
			t.Fatalf("Insert(%v) = false, want true", l)
		}
	}
	ix.Insert(b, Location{File: 1, Offset: 0})

	got := ix.Lookup(a, nil)
	if len(got) != len(locs) {
		t.Fatalf("Lookup returned %d locations, want %d", len(got), len(locs))
	}
	for i := range locs {
		if got[i] != locs[i] {
			t.Errorf("Lookup[%d] = %v, want %v (insertion order)", i, got[i], locs[i])
		}
	}

	if ix.Len() != 4 {
		t.Errorf("Len() = %d, want 4", ix.Len())
	}
	if ix.Keys() != 2 {
		t.Errorf("Keys() = %d, want 2", ix.Keys())
	}
}

func TestIndexLookupAppends(t *testing.T) {
	ix := NewIndex()
	sum := SumBlock([]byte("x"))
	ix.Insert(sum, Location{File: 3, Offset: 0})

	dst := []Location{{File: 9, Offset: 9 * BlockSize}}
	got := ix.Lookup(sum, dst)
	if len(got) != 2 || got[0].File != 9 || got[1].File != 3 {
		t.Errorf("Lookup = %v, want existing entry followed by stored location", got)
	}
}

func TestIndexCapsOccurrences(t *testing.T) {
	ix := NewIndex()
	sum := SumBlock([]byte("repeated"))

	stored := 0
	for i := 0; i < maxOccurrences+10; i++ {
		if ix.Insert(sum, Location{Offset: int64(i) * BlockSize}) {
			stored++
		}
	}
	if stored != maxOccurrences {
		t.Errorf("stored %d locations, want %d", stored, maxOccurrences)
	}
	got := ix.Lookup(sum, nil)
	if len(got) != maxOccurrences {
		t.Errorf("Lookup returned %d locations, want %d", len(got), maxOccurrences)
	}
	if got[0].Offset != 0 {
		t.Errorf("oldest location = %d, want 0", got[0].Offset)
	}
}

func TestSumBlockDistinguishesData(t *testing.T) {
	a := make([]byte, BlockSize)
	b := make([]byte, BlockSize)
	b[BlockSize-1] = 1

	if SumBlock(a) == SumBlock(b) {
		t.Error("blocks differing in one byte have equal checksums")
	}
	if SumBlock(b) != SumBlock(append([]byte(nil), b...)) {
		t.Error("SumBlock is not deterministic")
	}
}
