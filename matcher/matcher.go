// Package matcher pairs expected ROM descriptors from a game's catalog
// entry against the actual archive entries found on disk, ranking each
// pairing by model.Quality per spec.md §4.H. It runs three progressively
// looser tests (name+size+checksum, merge-name+size+checksum,
// size+checksum only) before falling back to a "long" scan that looks for
// the wanted content as a sub-range of some actual entry.
package matcher

import (
	"github.com/nih-at/ckmame-sub002/archive"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

// Candidate is one actual archive entry available to match against, with
// its index in the owning archive for later fix operations.
type Candidate struct {
	Archive archive.Archive
	Index   int
	File    *model.File
}

// Source identifies which archive tier a Pairing's Candidate was found in,
// spec.md §4.I step 1's "match.where".
type Source int

const (
	SourceOwn Source = iota
	SourceParent
	SourceGrandparent
	SourceMemIndex
)

// Pairing is the outcome of matching one expected rom against the best
// available candidate.
type Pairing struct {
	Expected  *model.File
	Candidate *Candidate // nil if Quality == QualityMissing
	Quality   model.Quality
	Source    Source
	// LongOffset/LongLength are set when Quality == QualityLong: the
	// expected content was found as a byte range inside Candidate.
	LongOffset int64
	LongLength int64
}

// MatchGame matches every rom in expected against candidates, consuming
// (removing) matched candidates so later roms in the same game don't double
// claim one archive entry, mirroring ckmame's "one zip entry serves one
// rom" invariant.
func MatchGame(expected []*model.File, candidates []*Candidate) []*Pairing {
	avail := append([]*Candidate(nil), candidates...)
	pairings := make([]*Pairing, 0, len(expected))

	for _, want := range expected {
		p, consumedIdx := matchOne(want, avail)
		pairings = append(pairings, p)
		if consumedIdx >= 0 {
			avail = append(avail[:consumedIdx], avail[consumedIdx+1:]...)
		}
	}
	return pairings
}

// MatchGameWithAncestors implements spec.md §4.I step 1 in full: roms whose
// catalog location says they're inherited from a parent or grandparent are
// looked up there first by merge name; only if that fails (or the game has
// no such ancestor archive open) does matching fall back to the game's own
// archive via MatchGame's own-archive tests. A successful ancestor match
// never touches own, matching "if quality became ok, stop."
func MatchGameWithAncestors(expected []*model.File, own, parent, grandparent []*Candidate) []*Pairing {
	ownAvail := append([]*Candidate(nil), own...)
	parentAvail := append([]*Candidate(nil), parent...)
	grandparentAvail := append([]*Candidate(nil), grandparent...)

	pairings := make([]*Pairing, 0, len(expected))
	for _, want := range expected {
		var p *Pairing

		switch want.Location {
		case model.LocationInParent:
			p, parentAvail = tryAncestor(want, parentAvail, SourceParent)
		case model.LocationInGrandparent:
			p, grandparentAvail = tryAncestor(want, grandparentAvail, SourceGrandparent)
		}

		if p == nil || p.Quality != model.QualityOK {
			ownPairing, idx := matchOne(want, ownAvail)
			if p == nil || ownPairing.Quality > p.Quality {
				p = ownPairing
				p.Source = SourceOwn
				if idx >= 0 {
					ownAvail = append(ownAvail[:idx], ownAvail[idx+1:]...)
				}
			}
		}

		pairings = append(pairings, p)
	}
	return pairings
}

// tryAncestor looks want up in an ancestor archive's available entries by
// merge name (falling back to its own name if no merge name is recorded),
// per TEST_MERGENAME_SIZE_CHECKSUM.
func tryAncestor(want *model.File, avail []*Candidate, src Source) (*Pairing, []*Candidate) {
	name := want.Merge
	if name == "" {
		name = want.Name
	}
	idx, q := findBest(want, avail, name, true)
	if idx < 0 {
		return nil, avail
	}
	p := &Pairing{Expected: want, Candidate: avail[idx], Quality: q, Source: src}
	avail = append(append([]*Candidate(nil), avail[:idx]...), avail[idx+1:]...)
	return p, avail
}

func matchOne(want *model.File, avail []*Candidate) (*Pairing, int) {
	if want.Superfluous() {
		return &Pairing{Expected: want, Quality: model.QualityOK}, -1
	}

	// Test 1: TEST_NAME_SIZE_CHECKSUM.
	if idx, q := findBest(want, avail, want.Name, true); idx >= 0 {
		return &Pairing{Expected: want, Candidate: avail[idx], Quality: q}, idx
	}
	// Test 2: TEST_MERGENAME_SIZE_CHECKSUM.
	if want.Merge != "" {
		if idx, q := findBest(want, avail, want.Merge, true); idx >= 0 {
			return &Pairing{Expected: want, Candidate: avail[idx], Quality: q}, idx
		}
	}
	// Test 3: TEST_SIZE_CHECKSUM (name mismatch tolerated, scored namerr).
	if idx, _ := findBest(want, avail, "", false); idx >= 0 {
		return &Pairing{Expected: want, Candidate: avail[idx], Quality: model.QualityNameErr}, idx
	}

	// Test 4: "long" - content embedded as a sub-range of some candidate.
	for i, c := range avail {
		if !want.Size.Known || !c.File.Size.Known || c.File.Size.Value <= want.Size.Value {
			continue
		}
		off, err := c.Archive.FileFindOffset(c.Index, want.Size.Value, want.Hashes)
		if err != nil || off < 0 {
			continue
		}
		return &Pairing{
			Expected:   want,
			Candidate:  c,
			Quality:    model.QualityLong,
			LongOffset: off,
			LongLength: want.Size.Value,
		}, i
	}

	return &Pairing{Expected: want, Quality: model.QualityMissing}, -1
}

// findBest scans avail for a candidate matching want by hash (and, if
// requireName, by exact name equality to byName). It returns the index of
// the first candidate good enough to use and a Quality reflecting whether
// the match was exact (QualityOK) or the content matched but lived in
// the wrong place within a zip (QualityInZip is decided by the caller
// using archive identity, kept simple here as QualityOK/QualityCopied).
func findBest(want *model.File, avail []*Candidate, byName string, requireName bool) (int, model.Quality) {
	for i, c := range avail {
		if requireName && c.File.Name != byName {
			continue
		}
		if !want.Size.Equal(c.File.Size) {
			continue
		}
		cmp, err := c.Archive.FileCompareHashes(c.Index, want.Hashes)
		if err != nil {
			return -1, model.QualityHashErr
		}
		switch cmp {
		case hashes.Match:
			if requireName {
				return i, model.QualityOK
			}
			return i, model.QualityCopied
		case hashes.NoCommonType:
			return i, model.QualityNoHash
		}
	}
	return -1, 0
}
