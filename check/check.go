// Package check implements the per-game diagnosis pass: given a game's
// expected roms/disks and the actual archive entries found for it (plus
// whatever the parent/grandparent archives and the superfluous/needed
// index can supply), it produces a Result summarizing what's wrong and
// what, if anything, fix can do about it. Latency of each game's check is
// recorded into a codahale/hdrhistogram, the same histogram-based
// diagnostics style the teacher's service/stats.go uses for transfer
// timings, repurposed here for per-game check latency instead of network
// throughput.
package check

import (
	"time"

	"github.com/codahale/hdrhistogram"

	"github.com/nih-at/ckmame-sub002/archive"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/matcher"
	"github.com/nih-at/ckmame-sub002/memindex"
	"github.com/nih-at/ckmame-sub002/model"
)

// RomResult is the per-rom diagnosis: the matcher's pairing plus the
// decision of whether it needs a fix action.
type RomResult struct {
	Pairing   *matcher.Pairing
	NeedsFix  bool
}

// Result is the outcome of checking one game.
type Result struct {
	GameName string
	Status   model.GameStatus
	Roms     []*RomResult
	Disks    []*RomResult
	// Actuals classifies own-archive entries no expected rom claimed (step
	// 2); empty when GameFull wasn't given an own archive to classify.
	Actuals []ActualResult
}

// Summary aggregates Results across a whole run for the final report, with
// p50/p90/p99 per-game check latency the way service/stats.go reports
// p50/p90/p99 transfer rates.
type Summary struct {
	Correct, Fixable, Partial, Missing, Old int
	hist                                    *hdrhistogram.Histogram
}

// NewSummary allocates a Summary with a latency histogram covering 1
// microsecond to 10 minutes per game, matching the range service/stats.go
// uses for its own histograms.
func NewSummary() *Summary {
	return &Summary{hist: hdrhistogram.New(1, 600_000_000, 3)}
}

func (s *Summary) record(status model.GameStatus, elapsed time.Duration) {
	switch status {
	case model.GameCorrect:
		s.Correct++
	case model.GameFixable:
		s.Fixable++
	case model.GamePartial:
		s.Partial++
	case model.GameOld:
		s.Old++
	default:
		s.Missing++
	}
	s.hist.RecordValue(elapsed.Microseconds())
}

// Percentiles returns p50/p90/p99 per-game check latency in microseconds.
func (s *Summary) Percentiles() (p50, p90, p99 int64) {
	return s.hist.ValueAtQuantile(50), s.hist.ValueAtQuantile(90), s.hist.ValueAtQuantile(99)
}

// Game diagnoses one game: roms and disks are matched independently (disks
// addressed by name in the tree rather than inside an archive, so they
// carry no matcher.Candidate archive index).
func Game(s *Summary, name string, expectedRoms []*model.File, romCandidates []*matcher.Candidate, expectedDisks []*model.File, diskCandidates []*matcher.Candidate) *Result {
	start := time.Now()

	r := &Result{GameName: name}

	romPairings := matcher.MatchGame(expectedRoms, romCandidates)
	for _, p := range romPairings {
		r.Roms = append(r.Roms, &RomResult{Pairing: p, NeedsFix: needsFix(p)})
	}

	diskPairings := matcher.MatchGame(expectedDisks, diskCandidates)
	for _, p := range diskPairings {
		r.Disks = append(r.Disks, &RomResult{Pairing: p, NeedsFix: needsFix(p)})
	}

	r.Status = classify(r)
	if s != nil {
		s.record(r.Status, time.Since(start))
	}
	return r
}

// Archives bundles the own/parent/grandparent archives GameFull consults, so
// callers don't have to pass three positional archive.Archive values (any
// may be nil if that ancestor has no archive open).
type Archives struct {
	Own, Parent, Grandparent archive.Archive
}

// MemIndex is the subset of memindex.Index's surface GameFull needs to
// source a rom from elsewhere in the tree when it's missing from the
// game's own and ancestor archives (spec.md §4.I step 1.d).
type MemIndex interface {
	Lookup(ft model.FileType, h *hashes.Hashes) ([]memindex.Location, error)
}

func candidatesFor(a archive.Archive) []*matcher.Candidate {
	if a == nil {
		return nil
	}
	out := make([]*matcher.Candidate, a.NumFiles())
	for i := range out {
		out[i] = &matcher.Candidate{Archive: a, Index: i, File: a.File(i)}
	}
	return out
}

// GameFull is the full spec.md §4.I check: expected roms are matched first
// against their declared ancestor archive by merge name, then against the
// game's own archive, and finally — for roms still missing that the
// catalog says genuinely belong in-game — against the locations the memory
// index returns for the rom's hash, tried in the order Lookup returns them.
// The index carries no partition tag, so romset, needed, superfluous and
// extra locations are neither told apart nor ranked. It also classifies
// every actual entry in own that no expected rom claimed (step 2).
func GameFull(s *Summary, name string, expectedRoms []*model.File, ar Archives, idx MemIndex, expectedDisks []*model.File, diskCandidates []*matcher.Candidate) *Result {
	start := time.Now()
	r := &Result{GameName: name}

	ownCandidates := candidatesFor(ar.Own)
	romPairings := matcher.MatchGameWithAncestors(expectedRoms, ownCandidates,
		candidatesFor(ar.Parent), candidatesFor(ar.Grandparent))

	claimed := make(map[int]bool)
	for i, p := range romPairings {
		if p.Quality == model.QualityMissing || p.Quality == model.QualityHashErr {
			want := expectedRoms[i]
			if want.Location == model.LocationInGame && want.Size.Known && want.Size.Value > 0 && want.Status != model.StatusNoDump {
				if found := resolveFromIndex(idx, model.FileTypeRom, want); found != nil {
					p = found
					romPairings[i] = p
				}
			}
		}
		if p.Source == matcher.SourceOwn && p.Candidate != nil {
			claimed[p.Candidate.Index] = true
		}
		r.Roms = append(r.Roms, &RomResult{Pairing: p, NeedsFix: needsFix(p)})
	}

	diskPairings := matcher.MatchGame(expectedDisks, diskCandidates)
	for _, p := range diskPairings {
		r.Disks = append(r.Disks, &RomResult{Pairing: p, NeedsFix: needsFix(p)})
	}

	if ar.Own != nil {
		r.Actuals = classifyActuals(ar.Own, claimed)
	}

	r.Status = classify(r)
	if s != nil {
		s.record(r.Status, time.Since(start))
	}
	return r
}

// resolveFromIndex looks want up by content hash across the memory index's
// other partitions, opening the archive it resolves to (read-only) and
// verifying the match before handing back a Pairing sourced from it. The
// opened archive is left open on the returned Candidate for the fix engine
// to read from and is the caller's responsibility to Close once it has
// copied out of it (mirrors archives being opened once per process and
// kept around across a pass rather than per-lookup, per spec.md §5).
func resolveFromIndex(idx MemIndex, ft model.FileType, want *model.File) *matcher.Pairing {
	if idx == nil || want.Hashes == nil {
		return nil
	}
	locs, err := idx.Lookup(ft, want.Hashes)
	if err != nil || len(locs) == 0 {
		return nil
	}
	for _, loc := range locs {
		kind, err := archive.DetectKind(loc.ArchivePath)
		if err != nil {
			continue
		}
		a, err := archive.Open(loc.ArchivePath, kind, ft, archive.FlagReadOnly)
		if err != nil {
			continue
		}
		if loc.EntryIndex >= a.NumFiles() {
			a.Close()
			continue
		}
		cmp, err := a.FileCompareHashes(loc.EntryIndex, want.Hashes)
		if err != nil || cmp != hashes.Match {
			a.Close()
			continue
		}
		return &matcher.Pairing{
			Expected:  want,
			Candidate: &matcher.Candidate{Archive: a, Index: loc.EntryIndex, File: a.File(loc.EntryIndex)},
			Quality:   model.QualityInZip,
			Source:    matcher.SourceMemIndex,
		}
	}
	return nil
}

// ActualResult classifies one entry in the game's own archive that no
// expected rom claimed, per spec.md §4.I step 2.
type ActualResult struct {
	Index  int
	Status model.ActualStatus
}

// classifyActuals walks own's entries and labels every one not in claimed:
// broken if its declared status isn't ok, otherwise unknown. Needed/
// superfluous/duplicate classification requires cross-game and cross-run
// context (the memory index's other-game partitions and an --old-db
// catalog) that a single game's check doesn't have visibility into on its
// own; the fix engine's CleanSuperfluous pass and the dirscan superfluous
// sweep make that determination at the collection level instead.
func classifyActuals(own archive.Archive, claimed map[int]bool) []ActualResult {
	var out []ActualResult
	for i := 0; i < own.NumFiles(); i++ {
		if claimed[i] {
			continue
		}
		f := own.File(i)
		status := model.ActualUnknown
		if f.Status != model.StatusOK {
			status = model.ActualBroken
		}
		out = append(out, ActualResult{Index: i, Status: status})
	}
	return out
}

// needsFix reports whether a pairing's quality implies fix has work to do:
// anything but QualityOK/QualityOld is actionable (or outright
// unrecoverable if QualityMissing/QualityHashErr with no alternative
// source, which fix determines, not check).
func needsFix(p *matcher.Pairing) bool {
	switch p.Quality {
	case model.QualityOK, model.QualityOld:
		return false
	default:
		return true
	}
}

// classify derives the overall GameStatus from its rom/disk results, worst
// case winning: any missing file makes the game at best partial; any
// actionable-but-present mismatch makes it fixable; all ok/old makes it
// correct/old respectively, per spec.md §4.I.
func classify(r *Result) model.GameStatus {
	all := append(append([]*RomResult(nil), r.Roms...), r.Disks...)
	if len(all) == 0 {
		return model.GameCorrect
	}

	sawMissing := false
	sawFixable := false
	sawOld := false
	sawOK := false

	for _, rr := range all {
		switch rr.Pairing.Quality {
		case model.QualityMissing:
			sawMissing = true
		case model.QualityOK:
			sawOK = true
		case model.QualityOld:
			sawOld = true
		default:
			sawFixable = true
		}
	}

	switch {
	case sawMissing && (sawOK || sawFixable || sawOld):
		return model.GamePartial
	case sawMissing:
		return model.GameMissing
	case sawFixable:
		return model.GameFixable
	case sawOld && !sawOK:
		return model.GameOld
	default:
		return model.GameCorrect
	}
}
