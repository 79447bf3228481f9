package check

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/nih-at/ckmame-sub002/archive"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/matcher"
	"github.com/nih-at/ckmame-sub002/memindex"
	"github.com/nih-at/ckmame-sub002/model"
)

// fakeArchive is a minimal archive.Archive stand-in, mirroring the one in
// package matcher's tests, for exercising GameFull's ancestor consultation
// and actual-entry classification without a real zip/dir backend.
type fakeArchive struct {
	path  string
	files [][]byte
	meta  []*model.File
}

func newFakeArchive(path string, entries map[string][]byte) *fakeArchive {
	fa := &fakeArchive{path: path}
	for name, data := range entries {
		h, _ := hashes.FromBytes(data, hashes.TypeAll)
		fa.files = append(fa.files, data)
		fa.meta = append(fa.meta, &model.File{Name: name, Size: model.KnownSize(int64(len(data))), Hashes: h, Status: model.StatusOK})
	}
	return fa
}

func (f *fakeArchive) Path() string             { return f.path }
func (f *fakeArchive) Kind() archive.Kind       { return archive.KindZip }
func (f *fakeArchive) FileType() model.FileType { return model.FileTypeRom }
func (f *fakeArchive) ReadOnly() bool           { return true }
func (f *fakeArchive) NumFiles() int            { return len(f.files) }
func (f *fakeArchive) File(i int) *model.File   { return f.meta[i] }
func (f *fakeArchive) FileOpen(i int) (io.ReadCloser, error) {
	return io.NopCloser(&staticReader{b: f.files[i]}), nil
}
func (f *fakeArchive) FileComputeHashes(i int, want hashes.Types) error { return nil }
func (f *fakeArchive) FileFindOffset(i int, length int64, want *hashes.Hashes) (int64, error) {
	return -1, nil
}
func (f *fakeArchive) FileCompareHashes(i int, want *hashes.Hashes) (hashes.Compare, error) {
	return f.meta[i].Hashes.Compare(want), nil
}
func (f *fakeArchive) FileAddEmpty(name string) (int, error)                           { return 0, nil }
func (f *fakeArchive) FileCopy(archive.Archive, int, string, int64, int64) (int, error) { return 0, nil }
func (f *fakeArchive) FileDelete(int) error                                            { return nil }
func (f *fakeArchive) FileRename(int, string) error                                    { return nil }
func (f *fakeArchive) Commit() error                                                   { return nil }
func (f *fakeArchive) Rollback() error                                                 { return nil }
func (f *fakeArchive) Close() error                                                    { return nil }

type staticReader struct {
	b   []byte
	pos int
}

func (r *staticReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func TestClassifyAllOKIsCorrect(t *testing.T) {
	r := &Result{
		Roms: []*RomResult{
			{Pairing: &matcher.Pairing{Quality: model.QualityOK}},
		},
	}
	if got := classify(r); got != model.GameCorrect {
		t.Fatalf("expected GameCorrect, got %v", got)
	}
}

func TestClassifyMissingWithOKIsPartial(t *testing.T) {
	r := &Result{
		Roms: []*RomResult{
			{Pairing: &matcher.Pairing{Quality: model.QualityOK}},
			{Pairing: &matcher.Pairing{Quality: model.QualityMissing}},
		},
	}
	if got := classify(r); got != model.GamePartial {
		t.Fatalf("expected GamePartial, got %v", got)
	}
}

func TestClassifyAllMissingIsMissing(t *testing.T) {
	r := &Result{
		Roms: []*RomResult{
			{Pairing: &matcher.Pairing{Quality: model.QualityMissing}},
		},
	}
	if got := classify(r); got != model.GameMissing {
		t.Fatalf("expected GameMissing, got %v", got)
	}
}

func TestGameAndSummaryRecordsPercentiles(t *testing.T) {
	s := NewSummary()
	h, _ := hashes.ParseHex("aabbccdd")
	expected := []*model.File{{Name: "a.bin", Size: model.KnownSize(4), Hashes: h}}

	r := Game(s, "mygame", expected, nil, nil, nil)
	if r.Status != model.GameMissing {
		t.Fatalf("expected GameMissing with no candidates, got %v", r.Status)
	}
	if s.Missing != 1 {
		t.Fatalf("expected summary to record 1 missing game, got %d", s.Missing)
	}
	p50, p90, p99 := s.Percentiles()
	if p50 < 0 || p90 < 0 || p99 < 0 {
		t.Fatalf("unexpected negative percentiles: %d %d %d", p50, p90, p99)
	}
}

func TestGameFullSourcesFromParentAndClassifiesActuals(t *testing.T) {
	parent := newFakeArchive("parent.zip", map[string][]byte{"shared.bin": []byte("hello")})
	own := newFakeArchive("child.zip", map[string][]byte{"stray.bin": []byte("unrelated")})

	expected := []*model.File{{
		Name:     "shared.bin",
		Merge:    "shared.bin",
		Size:     model.KnownSize(5),
		Hashes:   parent.File(0).Hashes,
		Location: model.LocationInParent,
	}}

	r := GameFull(nil, "child", expected, Archives{Own: own, Parent: parent}, nil, nil, nil)
	if r.Roms[0].Pairing.Quality != model.QualityOK {
		t.Fatalf("expected rom sourced OK from parent, got %+v", r.Roms[0].Pairing)
	}
	if r.Roms[0].Pairing.Source != matcher.SourceParent {
		t.Fatalf("expected SourceParent, got %v", r.Roms[0].Pairing.Source)
	}
	if r.Status != model.GameCorrect {
		t.Fatalf("expected GameCorrect, got %v", r.Status)
	}
	if len(r.Actuals) != 1 || r.Actuals[0].Status != model.ActualUnknown {
		t.Fatalf("expected stray.bin classified unknown, got %+v", r.Actuals)
	}
}

// fakeIndex is a minimal MemIndex stand-in resolving every lookup to one
// fixed location, used to exercise GameFull's step-1.d fallback against a
// real on-disk zip (resolveFromIndex opens the archive by path, so it needs
// a real file, not a fakeArchive).
type fakeIndex struct {
	loc memindex.Location
}

func (f fakeIndex) Lookup(ft model.FileType, h *hashes.Hashes) ([]memindex.Location, error) {
	return []memindex.Location{f.loc}, nil
}

func writeRealZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip.Create: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip.Close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestGameFullSourcesFromMemIndexWhenMissingElsewhere(t *testing.T) {
	dir := t.TempDir()
	strayPath := filepath.Join(dir, "stray.zip")
	writeRealZip(t, strayPath, map[string][]byte{"needed.bin": []byte("findme")})

	want, _ := hashes.FromBytes([]byte("findme"), hashes.TypeAll)
	expected := []*model.File{{
		Name:     "needed.bin",
		Size:     model.KnownSize(6),
		Hashes:   want,
		Location: model.LocationInGame,
		Status:   model.StatusOK,
	}}

	idx := fakeIndex{loc: memindex.Location{ArchivePath: strayPath, EntryIndex: 0, Size: 6}}

	r := GameFull(nil, "game", expected, Archives{}, idx, nil, nil)
	if r.Roms[0].Pairing.Quality != model.QualityInZip {
		t.Fatalf("expected QualityInZip sourced from memindex, got %+v", r.Roms[0].Pairing)
	}
	if r.Roms[0].Pairing.Source != matcher.SourceMemIndex {
		t.Fatalf("expected SourceMemIndex, got %v", r.Roms[0].Pairing.Source)
	}
	r.Roms[0].Pairing.Candidate.Archive.Close()
}
