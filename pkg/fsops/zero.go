package fsops

// IsZeroBlock checks if all bytes in the buffer are zero.
// Uses early-exit loop for efficiency.
func IsZeroBlock(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// ZeroRuns accumulates block-aligned zero units into contiguous regions.
// Adjacent units are merged; a non-zero unit closes the open region.
type ZeroRuns struct {
	regions []ZeroRegion
	current *ZeroRegion
}

// Add records a zero unit at offset with the given length.
func (z *ZeroRuns) Add(offset, length int64) {
	if z.current != nil && z.current.Offset+z.current.Length == offset {
		z.current.Length += length
		return
	}
	z.Break()
	z.current = &ZeroRegion{Offset: offset, Length: length}
}

// Break closes the open region, if any.
func (z *ZeroRuns) Break() {
	if z.current != nil {
		z.regions = append(z.regions, *z.current)
		z.current = nil
	}
}

// Regions closes the open region and returns everything collected.
func (z *ZeroRuns) Regions() []ZeroRegion {
	z.Break()
	return z.regions
}
