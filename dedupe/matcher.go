package dedupe

import (
	"bytes"

	"gitlab.com/tinyland/lab/blockdedup/pkg/fsops"
)

// Match is the matcher's verdict for one indexed block.
type Match struct {
	Region Region
	// State is StateAccepted or StateRejected
	State  State
	Reason RejectReason
}

// Collision is a checksum match whose bytes differed.
type Collision struct {
	Block Location
	Other Location
}

// Matcher turns checksum collisions into verified, maximally extended
// regions. It reads real file contents through the file table for every
// comparison and never trusts a checksum on its own.
//
// Files are matched one at a time in supply order; StartFile resets the
// per-file state.
type Matcher struct {
	index *Index
	files *FileTable

	cands []Location
	src   []byte
	dst   []byte

	cur FileID
	// blocks of cur below skipUntil are already covered by a verified
	// candidate and are not matched again
	skipUntil int64
	// backward extension never enters cur below floor, the end of the
	// last accepted region
	floor int64

	collisions []Collision
}

// NewMatcher creates a matcher reading candidates from index.
func NewMatcher(index *Index, files *FileTable) *Matcher {
	return &Matcher{
		index: index,
		files: files,
		src:   make([]byte, BlockSize),
		dst:   make([]byte, BlockSize),
	}
}

// StartFile prepares the matcher for the blocks of a new file.
func (m *Matcher) StartFile(id FileID) {
	m.cur = id
	m.skipUntil = 0
	m.floor = 0
}

// Collisions returns the checksum collisions seen by the last Match call.
func (m *Matcher) Collisions() []Collision {
	return m.collisions
}

// Match examines the block just read at loc against every earlier
// occurrence of its checksum. Each occurrence whose bytes equal block is
// extended backward and forward; the longest resulting span wins, ties going
// to the earliest occurrence. ok is false when nothing verified.
func (m *Matcher) Match(loc Location, sum Checksum, block []byte) (match Match, ok bool, err error) {
	m.collisions = m.collisions[:0]
	if loc.File != m.cur || loc.Offset < m.skipUntil {
		return Match{}, false, nil
	}

	m.cands = m.index.Lookup(sum, m.cands[:0])
	var best Region
	for _, cand := range m.cands {
		if err := m.files.ReadAt(cand.File, cand.Offset, m.src); err != nil {
			return Match{}, false, err
		}
		if !bytes.Equal(m.src, block) {
			m.collisions = append(m.collisions, Collision{Block: loc, Other: cand})
			continue
		}
		r, err := m.extend(cand, loc)
		if err != nil {
			return Match{}, false, err
		}
		if r.Length > best.Length {
			best = r
		}
	}
	if best.Length == 0 {
		return Match{}, false, nil
	}

	m.skipUntil = best.Dst.Offset + best.Length
	match = Match{Region: best, State: StateAccepted}
	if reason := best.Validate(m.files.Size(best.Src.File), m.files.Size(best.Dst.File)); reason != ReasonNone {
		match.State = StateRejected
		match.Reason = reason
		return match, true, nil
	}
	m.floor = m.skipUntil
	return match, true, nil
}

// extend grows the verified one-block match (src, dst) block by block in
// both directions until a file boundary, a differing block or a zero block.
// Within one file the span is capped at the distance between the two
// occurrences so the ranges never overlap.
func (m *Matcher) extend(src, dst Location) (Region, error) {
	limit := int64(-1)
	if src.File == dst.File {
		limit = (dst.Offset - src.Offset) / BlockSize
	}

	blocks := int64(1)
	back := int64(0)
	for limit < 0 || blocks < limit {
		so := src.Offset - (back+1)*BlockSize
		do := dst.Offset - (back+1)*BlockSize
		if so < 0 || do < m.floor {
			break
		}
		same, err := m.sameBlock(src.File, so, dst.File, do)
		if err != nil {
			return Region{}, err
		}
		if !same {
			break
		}
		back++
		blocks++
	}

	srcSize := m.files.Size(src.File)
	dstSize := m.files.Size(dst.File)
	fwd := int64(0)
	for limit < 0 || blocks < limit {
		so := src.Offset + (fwd+1)*BlockSize
		do := dst.Offset + (fwd+1)*BlockSize
		if so+BlockSize > srcSize || do+BlockSize > dstSize {
			break
		}
		same, err := m.sameBlock(src.File, so, dst.File, do)
		if err != nil {
			return Region{}, err
		}
		if !same {
			break
		}
		fwd++
		blocks++
	}

	return Region{
		Src:    Location{File: src.File, Offset: src.Offset - back*BlockSize},
		Dst:    Location{File: dst.File, Offset: dst.Offset - back*BlockSize},
		Length: blocks * BlockSize,
	}, nil
}

// sameBlock reports whether two blocks hold identical, non-zero data.
func (m *Matcher) sameBlock(a FileID, aoff int64, b FileID, boff int64) (bool, error) {
	if err := m.files.ReadAt(a, aoff, m.src); err != nil {
		return false, err
	}
	if fsops.IsZeroBlock(m.src) {
		return false, nil
	}
	if err := m.files.ReadAt(b, boff, m.dst); err != nil {
		return false, err
	}
	return bytes.Equal(m.src, m.dst), nil
}
