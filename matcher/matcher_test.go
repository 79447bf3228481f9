package matcher

import (
	"io"
	"io/ioutil"
	"testing"

	"github.com/nih-at/ckmame-sub002/archive"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

// fakeArchive is a minimal in-memory archive.Archive stand-in for matcher
// tests, avoiding a round trip through the real zip backend.
type fakeArchive struct {
	files [][]byte
	meta  []*model.File
}

func newFake(entries map[string][]byte) *fakeArchive {
	fa := &fakeArchive{}
	for name, data := range entries {
		fa.files = append(fa.files, data)
		fa.meta = append(fa.meta, &model.File{Name: name, Size: model.KnownSize(int64(len(data))), Hashes: hashes.New()})
	}
	return fa
}

func (f *fakeArchive) Path() string               { return "fake" }
func (f *fakeArchive) Kind() archive.Kind         { return archive.KindZip }
func (f *fakeArchive) FileType() model.FileType   { return model.FileTypeRom }
func (f *fakeArchive) ReadOnly() bool             { return true }
func (f *fakeArchive) NumFiles() int              { return len(f.files) }
func (f *fakeArchive) File(i int) *model.File     { return f.meta[i] }
func (f *fakeArchive) FileOpen(i int) (io.ReadCloser, error) {
	return ioutil.NopCloser(newByteReader(f.files[i])), nil
}
func (f *fakeArchive) FileComputeHashes(i int, want hashes.Types) error {
	h, err := hashes.FromBytes(f.files[i], want)
	if err != nil {
		return err
	}
	f.meta[i].Hashes = h
	return nil
}
func (f *fakeArchive) FileFindOffset(i int, length int64, want *hashes.Hashes) (int64, error) {
	data := f.files[i]
	if int64(len(data)) < length {
		return -1, nil
	}
	for off := int64(0); off+length <= int64(len(data)); off++ {
		h, _ := hashes.FromBytes(data[off:off+length], want.Types())
		if h.Compare(want) == hashes.Match {
			return off, nil
		}
	}
	return -1, nil
}
func (f *fakeArchive) FileCompareHashes(i int, want *hashes.Hashes) (hashes.Compare, error) {
	if err := f.FileComputeHashes(i, want.Types()); err != nil {
		return hashes.NoCommonType, err
	}
	return f.meta[i].Hashes.Compare(want), nil
}
func (f *fakeArchive) FileAddEmpty(name string) (int, error)                               { return 0, nil }
func (f *fakeArchive) FileCopy(archive.Archive, int, string, int64, int64) (int, error)     { return 0, nil }
func (f *fakeArchive) FileDelete(int) error                                                  { return nil }
func (f *fakeArchive) FileRename(int, string) error                                          { return nil }
func (f *fakeArchive) Commit() error                                                         { return nil }
func (f *fakeArchive) Rollback() error                                                       { return nil }
func (f *fakeArchive) Close() error                                                           { return nil }

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func TestMatchGameExactMatch(t *testing.T) {
	fa := newFake(map[string][]byte{"a.bin": []byte("hello")})
	want, _ := hashes.FromBytes([]byte("hello"), hashes.TypeAll)

	expected := []*model.File{{Name: "a.bin", Size: model.KnownSize(5), Hashes: want}}
	candidates := []*Candidate{{Archive: fa, Index: 0, File: fa.File(0)}}

	pairings := MatchGame(expected, candidates)
	if len(pairings) != 1 || pairings[0].Quality != model.QualityOK {
		t.Fatalf("expected QualityOK, got %+v", pairings[0])
	}
}

func TestMatchGameMissing(t *testing.T) {
	fa := newFake(map[string][]byte{})
	want, _ := hashes.FromBytes([]byte("hello"), hashes.TypeAll)
	expected := []*model.File{{Name: "a.bin", Size: model.KnownSize(5), Hashes: want}}

	pairings := MatchGame(expected, nil)
	_ = fa
	if pairings[0].Quality != model.QualityMissing {
		t.Fatalf("expected QualityMissing, got %+v", pairings[0])
	}
}

func TestMatchGameWithAncestorsPrefersParent(t *testing.T) {
	parentArchive := newFake(map[string][]byte{"shared.bin": []byte("hello")})
	want, _ := hashes.FromBytes([]byte("hello"), hashes.TypeAll)

	expected := []*model.File{{
		Name:     "shared.bin",
		Merge:    "shared.bin",
		Size:     model.KnownSize(5),
		Hashes:   want,
		Location: model.LocationInParent,
	}}
	parentCandidates := []*Candidate{{Archive: parentArchive, Index: 0, File: parentArchive.File(0)}}

	pairings := MatchGameWithAncestors(expected, nil, parentCandidates, nil)
	if len(pairings) != 1 {
		t.Fatalf("expected 1 pairing, got %d", len(pairings))
	}
	if pairings[0].Quality != model.QualityOK {
		t.Fatalf("expected QualityOK, got %+v", pairings[0])
	}
	if pairings[0].Source != SourceParent {
		t.Fatalf("expected SourceParent, got %v", pairings[0].Source)
	}
}

func TestMatchGameWithAncestorsFallsBackToOwn(t *testing.T) {
	ownArchive := newFake(map[string][]byte{"shared.bin": []byte("hello")})
	want, _ := hashes.FromBytes([]byte("hello"), hashes.TypeAll)

	expected := []*model.File{{
		Name:     "shared.bin",
		Merge:    "shared.bin",
		Size:     model.KnownSize(5),
		Hashes:   want,
		Location: model.LocationInParent,
	}}
	ownCandidates := []*Candidate{{Archive: ownArchive, Index: 0, File: ownArchive.File(0)}}

	pairings := MatchGameWithAncestors(expected, ownCandidates, nil, nil)
	if pairings[0].Quality != model.QualityOK {
		t.Fatalf("expected QualityOK falling back to own archive, got %+v", pairings[0])
	}
	if pairings[0].Source != SourceOwn {
		t.Fatalf("expected SourceOwn, got %v", pairings[0].Source)
	}
}

func TestMatchGameLong(t *testing.T) {
	fa := newFake(map[string][]byte{"big.bin": []byte("XXXhelloYYY")})
	want, _ := hashes.FromBytes([]byte("hello"), hashes.TypeAll)
	expected := []*model.File{{Name: "a.bin", Size: model.KnownSize(5), Hashes: want}}
	candidates := []*Candidate{{Archive: fa, Index: 0, File: fa.File(0)}}

	pairings := MatchGame(expected, candidates)
	if pairings[0].Quality != model.QualityLong {
		t.Fatalf("expected QualityLong, got %+v", pairings[0])
	}
	if pairings[0].LongOffset != 3 {
		t.Fatalf("expected offset 3, got %d", pairings[0].LongOffset)
	}
}
