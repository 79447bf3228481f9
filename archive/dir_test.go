package archive

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

func TestDirArchiveAddCommitRename(t *testing.T) {
	root := t.TempDir()
	if err := ioutil.WriteFile(filepath.Join(root, "a.bin"), []byte("alpha"), 0o644); err != nil {
		t.Fatalf("seeding file: %v", err)
	}

	a, err := Open(root, KindDir, model.FileTypeRom, FlagCreate)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.NumFiles() != 1 {
		t.Fatalf("expected 1 seeded file, got %d", a.NumFiles())
	}

	idx, err := a.FileAddEmpty("empty.bin")
	if err != nil {
		t.Fatalf("FileAddEmpty: %v", err)
	}

	aIdx := indexOf(a, "a.bin")
	if err := a.FileRename(aIdx, "renamed.bin"); err != nil {
		t.Fatalf("FileRename: %v", err)
	}

	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := ioutil.ReadFile(filepath.Join(root, "renamed.bin")); err != nil {
		t.Fatalf("expected renamed.bin on disk: %v", err)
	}
	if _, err := ioutil.ReadFile(filepath.Join(root, "empty.bin")); err != nil {
		t.Fatalf("expected empty.bin on disk: %v", err)
	}

	f := a.File(indexOf(a, "empty.bin"))
	if !f.Superfluous() {
		t.Fatalf("empty.bin should be reported superfluous")
	}
	_ = idx
}

func TestHashCachePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	c1, err := OpenHashCache(dir)
	if err != nil {
		t.Fatalf("OpenHashCache: %v", err)
	}
	h, err := hashes.FromBytes([]byte("payload"), hashes.TypeAll)
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.Put("game.zip", "a.bin", 7, 1234, h); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c1.Close()

	c2, err := OpenHashCache(dir)
	if err != nil {
		t.Fatalf("reopening cache: %v", err)
	}
	defer c2.Close()

	got, ok := c2.Get("game.zip", "a.bin", 7, 1234)
	if !ok {
		t.Fatalf("expected cache hit across instances")
	}
	if !got.Equal(h) {
		t.Fatalf("cached hash mismatch: got %s want %s", got, h)
	}
}
