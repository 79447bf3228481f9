package fix

import (
	"path/filepath"
	"testing"

	"github.com/nih-at/ckmame-sub002/archive"
	"github.com/nih-at/ckmame-sub002/check"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/matcher"
	"github.com/nih-at/ckmame-sub002/model"
)

func TestBuildPlanSkipsUnfixable(t *testing.T) {
	r := &check.Result{
		Roms: []*check.RomResult{
			{NeedsFix: true, Pairing: &matcher.Pairing{Quality: model.QualityMissing}},
		},
	}
	p := BuildPlan("mygame", r, Policy{})
	if len(p.Actions) != 0 {
		t.Fatalf("expected no actions for an unfixable missing rom, got %+v", p.Actions)
	}
}

func TestBuildPlanCopyAction(t *testing.T) {
	src, err := archive.Open(filepath.Join(t.TempDir(), "src.zip"), archive.KindZip, model.FileTypeRom, archive.FlagCreate)
	if err != nil {
		t.Fatalf("opening source archive: %v", err)
	}
	defer src.Close()

	idx, err := src.FileAddEmpty("wrongname.bin")
	if err != nil {
		t.Fatalf("FileAddEmpty: %v", err)
	}

	expected := &model.File{Name: "right.bin", Size: model.KnownSize(0), Hashes: hashes.New()}
	r := &check.Result{
		Roms: []*check.RomResult{{
			NeedsFix: true,
			Pairing: &matcher.Pairing{
				Expected:  expected,
				Candidate: &matcher.Candidate{Archive: src, Index: idx, File: src.File(idx)},
				Quality:   model.QualityNameErr,
			},
		}},
	}

	p := BuildPlan("mygame", r, Policy{})
	if len(p.Actions) != 1 || p.Actions[0].Kind != ActionCopy {
		t.Fatalf("expected single copy action, got %+v", p.Actions)
	}
}

func TestApplyCopyIntoDestination(t *testing.T) {
	dir := t.TempDir()
	src, err := archive.Open(filepath.Join(dir, "src.zip"), archive.KindZip, model.FileTypeRom, archive.FlagCreate)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}
	defer src.Close()
	srcIdx, err := src.FileAddEmpty("a.bin")
	if err != nil {
		t.Fatalf("FileAddEmpty: %v", err)
	}
	if err := src.Commit(); err != nil {
		t.Fatalf("committing source: %v", err)
	}

	dest, err := archive.Open(filepath.Join(dir, "dest.zip"), archive.KindZip, model.FileTypeRom, archive.FlagCreate)
	if err != nil {
		t.Fatalf("opening destination: %v", err)
	}
	defer dest.Close()

	plan := &Plan{
		GameName: "mygame",
		Actions: []Action{{
			Kind:          ActionCopy,
			TargetName:    "a.bin",
			SourceArchive: src,
			SourceIndex:   srcIdx,
			Length:        -1,
		}},
	}

	if err := Apply(dest, plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if dest.NumFiles() != 1 || dest.File(0).Name != "a.bin" {
		t.Fatalf("expected a.bin copied into destination, got %d files", dest.NumFiles())
	}
}

func TestBuildPlanSetsDeleteSourceForAncestorWhenPolicyEnabled(t *testing.T) {
	src, err := archive.Open(filepath.Join(t.TempDir(), "parent.zip"), archive.KindZip, model.FileTypeRom, archive.FlagCreate)
	if err != nil {
		t.Fatalf("opening source archive: %v", err)
	}
	defer src.Close()
	idx, err := src.FileAddEmpty("shared.bin")
	if err != nil {
		t.Fatalf("FileAddEmpty: %v", err)
	}

	expected := &model.File{Name: "shared.bin", Size: model.KnownSize(0), Hashes: hashes.New()}
	r := &check.Result{
		Roms: []*check.RomResult{{
			NeedsFix: true,
			Pairing: &matcher.Pairing{
				Expected:  expected,
				Candidate: &matcher.Candidate{Archive: src, Index: idx, File: src.File(idx)},
				Quality:   model.QualityCopied,
				Source:    matcher.SourceParent,
			},
		}},
	}

	p := BuildPlan("mygame", r, Policy{DeleteFromAncestor: true})
	if len(p.Actions) != 1 || !p.Actions[0].DeleteSourceAfterCommit {
		t.Fatalf("expected copy action with DeleteSourceAfterCommit set, got %+v", p.Actions)
	}

	p = BuildPlan("mygame", r, Policy{})
	if len(p.Actions) != 1 || p.Actions[0].DeleteSourceAfterCommit {
		t.Fatalf("expected DeleteSourceAfterCommit unset without policy, got %+v", p.Actions)
	}
}

func TestApplyDeletesSourceAfterCommitWhenRequested(t *testing.T) {
	dir := t.TempDir()
	src, err := archive.Open(filepath.Join(dir, "parent.zip"), archive.KindZip, model.FileTypeRom, archive.FlagCreate)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}
	defer src.Close()
	srcIdx, err := src.FileAddEmpty("shared.bin")
	if err != nil {
		t.Fatalf("FileAddEmpty: %v", err)
	}
	if err := src.Commit(); err != nil {
		t.Fatalf("committing source: %v", err)
	}

	dest, err := archive.Open(filepath.Join(dir, "child.zip"), archive.KindZip, model.FileTypeRom, archive.FlagCreate)
	if err != nil {
		t.Fatalf("opening destination: %v", err)
	}
	defer dest.Close()

	plan := &Plan{
		GameName: "mygame",
		Actions: []Action{{
			Kind:                    ActionCopy,
			TargetName:              "shared.bin",
			SourceArchive:           src,
			SourceIndex:             srcIdx,
			Length:                  -1,
			DeleteSourceAfterCommit: true,
		}},
	}

	if err := Apply(dest, plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if src.NumFiles() != 0 {
		t.Fatalf("expected source entry deleted after commit, still have %d files", src.NumFiles())
	}
}

func TestCleanSuperfluousKeepUnusedMovesInsteadOfDeletes(t *testing.T) {
	dest, err := archive.Open(filepath.Join(t.TempDir(), "dest.zip"), archive.KindZip, model.FileTypeRom, archive.FlagCreate)
	if err != nil {
		t.Fatalf("opening destination: %v", err)
	}
	defer dest.Close()
	idx, err := dest.FileAddEmpty("extra.bin")
	if err != nil {
		t.Fatalf("FileAddEmpty: %v", err)
	}
	if err := dest.Commit(); err != nil {
		t.Fatalf("committing: %v", err)
	}

	plan, err := CleanSuperfluous(dest, map[string]bool{}, true)
	if err != nil {
		t.Fatalf("CleanSuperfluous: %v", err)
	}
	if len(plan.Actions) != 0 {
		t.Fatalf("expected no delete actions when keepUnused, got %+v", plan.Actions)
	}
	if dest.File(idx).Name != "unknown/extra.bin" {
		t.Fatalf("expected entry moved aside, got %s", dest.File(idx).Name)
	}
}
