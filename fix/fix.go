// Package fix turns a check.Result into a mutation plan and executes it
// against the archives involved, staging Changes through package archive
// and committing them game by game. Per spec.md §5 this pass runs on a
// single goroutine: unlike the teacher's worker-pool-driven archive
// mutations (archive/merge.go, archive/purge.go), fixing one game can
// depend on having just fixed another (a rom "copied" out of a sibling
// archive), so Apply executes a plan's actions sequentially rather than
// fanning games out across workers.
package fix

import (
	"github.com/nih-at/ckmame-sub002/archive"
	"github.com/nih-at/ckmame-sub002/check"
	"github.com/nih-at/ckmame-sub002/ckerr"
	"github.com/nih-at/ckmame-sub002/matcher"
	"github.com/nih-at/ckmame-sub002/model"
)

// Policy gathers the --delete-found/--keep-found-style flags that decide
// whether a source a rom was copied from gets cleaned up afterward, per
// spec.md §4.J "in the ancestor archive, if a delete policy is set, stage a
// delete of the now-duplicate entry" / "if the source is extra and the
// delete-extra flag is set, also stage a delete from the source."
type Policy struct {
	DeleteFromAncestor bool
	DeleteExtra        bool
}

// ActionKind is the kind of mutation one Action performs.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionCopy            // copy content from another archive's entry
	ActionRename          // rename an entry already present but misnamed
	ActionTruncate        // extract a sub-range of a "long" entry into a new entry
	ActionDeleteSuperfluous
)

// Action is one planned mutation against a target archive.
type Action struct {
	Kind ActionKind

	TargetName string // destination entry name in the game's archive
	SourceName string // current entry name to rename from (ActionRename only)

	SourceArchive archive.Archive
	SourceIndex   int
	Offset        int64
	Length        int64

	DeleteIndex int // for ActionDeleteSuperfluous

	// DeleteSourceAfterCommit asks Apply to stage-and-commit a delete of
	// SourceIndex in SourceArchive once dest's copy has committed
	// successfully, per Policy.DeleteFromAncestor/DeleteExtra. Deletion is
	// deferred behind dest's commit so a failed dest commit never loses the
	// only copy of the content.
	DeleteSourceAfterCommit bool
}

// Plan is the ordered list of actions to apply to one game's archive.
type Plan struct {
	GameName string
	Actions  []Action
}

// BuildPlan turns a check.Result into a Plan: every rom/disk result that
// NeedsFix and has a usable candidate gets an action; unfixable results
// (QualityMissing with no candidate, QualityHashErr) are left out of the
// plan entirely — the caller reports them as still-missing after Apply.
func BuildPlan(gameName string, r *check.Result, policy Policy) *Plan {
	p := &Plan{GameName: gameName}

	for _, rr := range r.Roms {
		p.Actions = append(p.Actions, actionsFor(rr, policy)...)
	}
	for _, rr := range r.Disks {
		p.Actions = append(p.Actions, actionsFor(rr, policy)...)
	}
	return p
}

func actionsFor(rr *check.RomResult, policy Policy) []Action {
	if !rr.NeedsFix || rr.Pairing.Candidate == nil {
		return nil
	}
	pr := rr.Pairing

	// copyAction builds the shared ActionCopy shape for both
	// the ok-from-ancestor and inzip-from-extra cases, which only differ in
	// which policy flag governs whether the source entry is cleaned up.
	copyAction := func(deleteSource bool) Action {
		return Action{
			Kind:                    ActionCopy,
			TargetName:              pr.Expected.Name,
			SourceArchive:           pr.Candidate.Archive,
			SourceIndex:             pr.Candidate.Index,
			Offset:                  0,
			Length:                  -1,
			DeleteSourceAfterCommit: deleteSource,
		}
	}

	switch pr.Quality {
	case model.QualityNameErr, model.QualityCopied:
		ancestor := pr.Source == matcher.SourceParent || pr.Source == matcher.SourceGrandparent
		return []Action{copyAction(ancestor && policy.DeleteFromAncestor)}
	case model.QualityInZip:
		if pr.Source == matcher.SourceMemIndex {
			// Sourced from the needed/superfluous/extra partitions: copy the
			// content in, optionally cleaning up the source per --delete-extra.
			return []Action{copyAction(policy.DeleteExtra)}
		}
		return []Action{{
			Kind:       ActionRename,
			TargetName: pr.Expected.Name,
			SourceName: pr.Candidate.File.Name,
		}}
	case model.QualityLong:
		return []Action{{
			Kind:          ActionTruncate,
			TargetName:    pr.Expected.Name,
			SourceArchive: pr.Candidate.Archive,
			SourceIndex:   pr.Candidate.Index,
			Offset:        pr.LongOffset,
			Length:        pr.LongLength,
		}}
	default:
		return nil
	}
}

// Apply executes plan's actions against dest, committing once at the end
// so a failure partway through rolls the whole game's archive back rather
// than leaving it half mutated. Once dest has committed, any action marked
// DeleteSourceAfterCommit stages and commits a delete against its source
// archive — deferred until here per spec.md §5 "sources are read before
// destinations are written," and a failure cleaning up a source doesn't
// unwind dest, since dest's own content is already safely committed.
func Apply(dest archive.Archive, plan *Plan) error {
	for _, a := range plan.Actions {
		switch a.Kind {
		case ActionCopy, ActionTruncate:
			if _, err := dest.FileCopy(a.SourceArchive, a.SourceIndex, a.TargetName, a.Offset, a.Length); err != nil {
				dest.Rollback()
				return ckerr.WithContext(err, "fixing "+plan.GameName)
			}
		case ActionDeleteSuperfluous:
			if err := dest.FileDelete(a.DeleteIndex); err != nil {
				dest.Rollback()
				return ckerr.WithContext(err, "cleaning up "+plan.GameName)
			}
		case ActionRename:
			// Resolved against dest's current entry listing at apply time
			// since the in-zip index may have shifted from earlier actions.
			idx := findEntry(dest, a.SourceName)
			if idx < 0 {
				continue
			}
			if err := dest.FileRename(idx, a.TargetName); err != nil {
				dest.Rollback()
				return ckerr.WithContext(err, "renaming in "+plan.GameName)
			}
		}
	}
	if err := dest.Commit(); err != nil {
		return ckerr.WithContext(err, "committing fixes for "+plan.GameName)
	}

	for _, a := range plan.Actions {
		if !a.DeleteSourceAfterCommit || a.SourceArchive == nil {
			continue
		}
		if err := a.SourceArchive.FileDelete(a.SourceIndex); err != nil {
			a.SourceArchive.Rollback()
			continue
		}
		if err := a.SourceArchive.Commit(); err != nil {
			a.SourceArchive.Rollback()
		}
	}
	return nil
}

func findEntry(a archive.Archive, name string) int {
	for i := 0; i < a.NumFiles(); i++ {
		if a.File(i).Name == name {
			return i
		}
	}
	return -1
}

// CleanSuperfluous plans a delete (an ActionDeleteSuperfluous in the
// returned Plan, staged later by Apply) for every entry in dest that is not
// named in wantNames, used for the --fix pass's "remove unreferenced
// entries from an otherwise-correct archive" step. With keepUnused set, a
// superfluous entry is instead moved aside at once (archive.MoveAside
// stages the rename on dest directly), per the --keep-unused CLI flag.
func CleanSuperfluous(dest archive.Archive, wantNames map[string]bool, keepUnused bool) (*Plan, error) {
	plan := &Plan{GameName: dest.Path()}
	for i := 0; i < dest.NumFiles(); i++ {
		f := dest.File(i)
		if wantNames[f.Name] {
			continue
		}
		if keepUnused {
			if archive.MoveAside(dest, i) == archive.MoveError {
				return nil, ckerr.IO.New("moving %s aside in %s", f.Name, dest.Path())
			}
			continue
		}
		plan.Actions = append(plan.Actions, Action{Kind: ActionDeleteSuperfluous, DeleteIndex: i})
	}
	return plan, nil
}
