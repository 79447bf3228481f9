package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

func writeTestZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := ioutilTempZip(path, files)
	if err != nil {
		t.Fatalf("writing test zip %s: %v", path, err)
	}
	_ = f
}

func TestZipRoundTripAddDeleteRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "game.zip")
	writeTestZip(t, path, map[string][]byte{
		"a.bin": []byte("hello world"),
		"b.bin": []byte("second entry"),
	})

	a, err := Open(path, KindZip, model.FileTypeRom, FlagNone)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.NumFiles() != 2 {
		t.Fatalf("expected 2 entries, got %d", a.NumFiles())
	}

	idxA := indexOf(a, "a.bin")
	if idxA < 0 {
		t.Fatalf("a.bin not found")
	}

	if err := a.FileComputeHashes(idxA, hashes.TypeAll); err != nil {
		t.Fatalf("FileComputeHashes: %v", err)
	}
	want, _ := hashes.FromBytes([]byte("hello world"), hashes.TypeAll)
	cmp, err := a.FileCompareHashes(idxA, want)
	if err != nil {
		t.Fatalf("FileCompareHashes: %v", err)
	}
	if cmp != hashes.Match {
		t.Fatalf("expected Match, got %v", cmp)
	}

	// Stage a rename, a delete and an add, then commit.
	if err := a.FileRename(idxA, "a-renamed.bin"); err != nil {
		t.Fatalf("FileRename: %v", err)
	}
	idxB := indexOf(a, "b.bin")
	if err := a.FileDelete(idxB); err != nil {
		t.Fatalf("FileDelete: %v", err)
	}
	if _, err := a.FileCopy(a, idxA, "a-copy.bin", 0, -1); err != nil {
		t.Fatalf("FileCopy: %v", err)
	}

	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if a.NumFiles() != 2 {
		t.Fatalf("after commit expected 2 entries, got %d", a.NumFiles())
	}
	if indexOf(a, "b.bin") >= 0 {
		t.Fatalf("b.bin should have been deleted")
	}
	if indexOf(a, "a-renamed.bin") < 0 {
		t.Fatalf("a-renamed.bin should exist")
	}
	if indexOf(a, "a-copy.bin") < 0 {
		t.Fatalf("a-copy.bin should exist")
	}
}

func TestZipRollbackDiscardsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "game.zip")
	writeTestZip(t, path, map[string][]byte{"a.bin": []byte("data")})

	a, err := Open(path, KindZip, model.FileTypeRom, FlagNone)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	idx := indexOf(a, "a.bin")
	if err := a.FileDelete(idx); err != nil {
		t.Fatalf("FileDelete: %v", err)
	}
	if err := a.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if a.NumFiles() != 1 {
		t.Fatalf("expected rollback to restore 1 entry, got %d", a.NumFiles())
	}
}

func indexOf(a Archive, name string) int {
	for i := 0; i < a.NumFiles(); i++ {
		if a.File(i).Name == name {
			return i
		}
	}
	return -1
}

// ioutilTempZip is a tiny helper building a zip file for tests without
// depending on the production zipArchive writer.
func ioutilTempZip(path string, files map[string][]byte) (string, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return path, ioutil.WriteFile(path, buf.Bytes(), 0o644)
}
