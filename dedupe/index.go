package dedupe

// maxOccurrences caps how many locations are kept per checksum. Lookups
// only ever consult this many, so storing more would cost memory for
// nothing on highly repetitive data.
const maxOccurrences = 64

// Index maps block checksums to the locations that produced them, in
// insertion order. It lives for one run and has a single owner; it is not
// safe for concurrent use.
//
// Most checksums occur once, so the first location is kept inline and only
// repeated checksums pay for a slice.
type Index struct {
	first map[Checksum]Location
	more  map[Checksum][]Location
	count int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		first: make(map[Checksum]Location),
		more:  make(map[Checksum][]Location),
	}
}

// Insert records loc under sum. It reports false when the checksum already
// holds maxOccurrences locations and loc was not stored.
func (ix *Index) Insert(sum Checksum, loc Location) bool {
	if _, ok := ix.first[sum]; !ok {
		ix.first[sum] = loc
		ix.count++
		return true
	}
	rest := ix.more[sum]
	if len(rest)+1 >= maxOccurrences {
		return false
	}
	ix.more[sum] = append(rest, loc)
	ix.count++
	return true
}

// Lookup appends the locations recorded under sum to dst, oldest first,
// and returns the extended slice.
func (ix *Index) Lookup(sum Checksum, dst []Location) []Location {
	loc, ok := ix.first[sum]
	if !ok {
		return dst
	}
	dst = append(dst, loc)
	return append(dst, ix.more[sum]...)
}

// Len returns the number of stored locations.
func (ix *Index) Len() int {
	return ix.count
}

// Keys returns the number of distinct checksums.
func (ix *Index) Keys() int {
	return len(ix.first)
}
