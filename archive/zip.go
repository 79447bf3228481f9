package archive

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	kzip "github.com/klauspost/compress/flate"

	"github.com/nih-at/ckmame-sub002/ckerr"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

func init() {
	// Route zip deflate writes through klauspost/compress/flate, which the
	// teacher's own archiveZip path pulls in for faster compression than
	// compress/flate; readers are unaffected since DEFLATE is a standard
	// bitstream either implementation can decode.
	zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return kzip.NewWriter(w, flate.BestSpeed)
	})
}

// zipEntry is one entry known to a zipArchive, either read from the
// underlying *zip.Reader or newly staged.
type zipEntry struct {
	file   *model.File
	zf     *zip.File // nil for a staged Added entry with no backing reader
	change *change
}

type zipArchive struct {
	mu sync.Mutex

	path     string
	ft       model.FileType
	readOnly bool

	rc      *zip.ReadCloser // nil if the archive didn't exist yet
	entries []*zipEntry
	byName  map[string]int

	dirty bool
}

func openZip(path string, ft model.FileType, flags Flags) (Archive, error) {
	a := &zipArchive{
		path:     path,
		ft:       ft,
		readOnly: flags&FlagReadOnly != 0,
		byName:   make(map[string]int),
	}

	rc, err := zip.OpenReader(path)
	switch {
	case err == nil:
		a.rc = rc
	case os.IsNotExist(err):
		if flags&FlagCreate == 0 {
			return nil, ckerr.NotFound.Wrap(err, "open archive %s", path)
		}
	default:
		return nil, ckerr.Format.Wrap(err, "open zip %s", path)
	}

	if a.rc != nil {
		for _, zf := range a.rc.File {
			f := &model.File{
				Name:    zf.Name,
				Size:    model.KnownSize(int64(zf.UncompressedSize64)),
				Hashes:  hashes.New(),
				ModTime: zf.Modified.Unix(),
			}
			a.byName[zf.Name] = len(a.entries)
			a.entries = append(a.entries, &zipEntry{file: f, zf: zf})
		}
	}
	return a, nil
}

func (a *zipArchive) Path() string          { return a.path }
func (a *zipArchive) Kind() Kind            { return KindZip }
func (a *zipArchive) FileType() model.FileType { return a.ft }
func (a *zipArchive) ReadOnly() bool        { return a.readOnly }

func (a *zipArchive) NumFiles() int { return len(a.entries) }

func (a *zipArchive) File(i int) *model.File {
	if i < 0 || i >= len(a.entries) {
		return nil
	}
	return a.entries[i].file
}

func (a *zipArchive) entryReader(i int) (io.ReadCloser, error) {
	e := a.entries[i]
	if e.change.State() == Deleted {
		return nil, ckerr.NotFound.New("entry %s was deleted", e.file.Name)
	}
	if e.change.State() == Added || e.change.State() == Replaced {
		if e.change.srcReader != nil {
			return e.change.srcReader()
		}
	}
	if e.zf == nil {
		return nil, ckerr.NotFound.New("entry %s has no content", e.file.Name)
	}
	return e.zf.Open()
}

func (a *zipArchive) FileOpen(i int) (io.ReadCloser, error) {
	if i < 0 || i >= len(a.entries) {
		return nil, ckerr.Format.New("file index %d out of range", i)
	}
	return a.entryReader(i)
}

func (a *zipArchive) FileComputeHashes(i int, want hashes.Types) error {
	if i < 0 || i >= len(a.entries) {
		return ckerr.Format.New("file index %d out of range", i)
	}
	e := a.entries[i]
	missing := want &^ e.file.Hashes.Types()
	if missing == hashes.TypeNone {
		return nil
	}
	r, err := a.entryReader(i)
	if err != nil {
		return err
	}
	defer r.Close()

	h, err := hashes.FromReader(r, e.file.Hashes.Types()|missing)
	if err != nil {
		return ckerr.IO.Wrap(err, "hashing %s in %s", e.file.Name, a.path)
	}
	e.file.Hashes = h
	return nil
}

func (a *zipArchive) FileFindOffset(i int, length int64, want *hashes.Hashes) (int64, error) {
	if i < 0 || i >= len(a.entries) {
		return -1, ckerr.Format.New("file index %d out of range", i)
	}
	r, err := a.entryReader(i)
	if err != nil {
		return -1, err
	}
	defer r.Close()

	data, err := ioutil.ReadAll(r)
	if err != nil {
		return -1, ckerr.IO.Wrap(err, "reading %s", a.entries[i].file.Name)
	}
	if int64(len(data)) < length {
		return -1, nil
	}
	for off := int64(0); off+length <= int64(len(data)); off++ {
		window := data[off : off+length]
		h, err := hashes.FromBytes(window, want.Types())
		if err != nil {
			return -1, err
		}
		if h.Compare(want) == hashes.Match {
			return off, nil
		}
	}
	return -1, nil
}

func (a *zipArchive) FileCompareHashes(i int, want *hashes.Hashes) (hashes.Compare, error) {
	if err := a.FileComputeHashes(i, want.Types()); err != nil {
		return hashes.NoCommonType, err
	}
	return a.entries[i].file.Hashes.Compare(want), nil
}

func (a *zipArchive) requireWritable() error {
	if a.readOnly {
		return ckerr.Policy.New("archive %s is read-only", a.path)
	}
	return nil
}

func (a *zipArchive) FileAddEmpty(name string) (int, error) {
	if err := a.requireWritable(); err != nil {
		return -1, err
	}
	if idx, ok := a.byName[name]; ok {
		return -1, ckerr.Policy.New("entry %s already exists in %d", name, idx)
	}
	f := &model.File{Name: name, Size: model.KnownSize(0), Hashes: hashes.New()}
	e := &zipEntry{
		file: f,
		change: &change{
			state:     Added,
			destName:  name,
			srcReader: func() (io.ReadCloser, error) { return ioutil.NopCloser(bytes.NewReader(nil)), nil },
		},
	}
	idx := len(a.entries)
	a.entries = append(a.entries, e)
	a.byName[name] = idx
	a.dirty = true
	return idx, nil
}

func (a *zipArchive) FileCopy(src Archive, srcIdx int, dstName string, start, length int64) (int, error) {
	if err := a.requireWritable(); err != nil {
		return -1, err
	}
	if idx, ok := a.byName[dstName]; ok {
		return -1, ckerr.Policy.New("entry %s already exists in %d", dstName, idx)
	}

	open := func() (io.ReadCloser, error) {
		rc, err := src.FileOpen(srcIdx)
		if err != nil {
			return nil, err
		}
		if start == 0 && length < 0 {
			return rc, nil
		}
		if _, err := io.CopyN(ioutil.Discard, rc, start); err != nil {
			rc.Close()
			return nil, ckerr.IO.Wrap(err, "seeking to offset %d", start)
		}
		if length < 0 {
			return rc, nil
		}
		return &limitedReadCloser{r: io.LimitReader(rc, length), c: rc}, nil
	}

	srcFile := src.File(srcIdx)
	sz := int64(-1)
	if srcFile != nil && srcFile.Size.Known {
		sz = srcFile.Size.Value
	}
	if length >= 0 {
		sz = length
	}

	f := &model.File{Name: dstName, Size: model.KnownSize(sz), Hashes: hashes.New()}
	e := &zipEntry{
		file: f,
		change: &change{
			state:     Added,
			destName:  dstName,
			srcReader: open,
		},
	}
	idx := len(a.entries)
	a.entries = append(a.entries, e)
	a.byName[dstName] = idx
	a.dirty = true
	return idx, nil
}

func (a *zipArchive) FileDelete(i int) error {
	if err := a.requireWritable(); err != nil {
		return err
	}
	if i < 0 || i >= len(a.entries) {
		return ckerr.Format.New("file index %d out of range", i)
	}
	e := a.entries[i]
	e.change = &change{state: Deleted, origName: e.file.Name}
	delete(a.byName, e.file.Name)
	a.dirty = true
	return nil
}

func (a *zipArchive) FileRename(i int, newName string) error {
	if err := a.requireWritable(); err != nil {
		return err
	}
	if i < 0 || i >= len(a.entries) {
		return ckerr.Format.New("file index %d out of range", i)
	}
	if idx, ok := a.byName[newName]; ok && idx != i {
		return ckerr.Policy.New("entry %s already exists in %d", newName, idx)
	}
	e := a.entries[i]
	old := e.file.Name
	e.change = &change{state: Renamed, origName: old, destName: newName}
	e.file.Name = newName
	delete(a.byName, old)
	a.byName[newName] = i
	a.dirty = true
	return nil
}

// Commit rewrites the zip file into a sibling temp file containing every
// surviving entry (kept entries re-copied verbatim, added/replaced entries
// streamed from their source) and renames it over the original, the same
// "write to tmp, then os.Rename" pattern the teacher's depot paths use for
// crash safety.
func (a *zipArchive) Commit() (retErr error) {
	if err := a.requireWritable(); err != nil {
		return err
	}
	if !a.dirty {
		return nil
	}
	logCommit(a.path, len(a.entries))
	defer func() {
		if retErr != nil {
			a.Rollback()
		}
	}()

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ckerr.IO.Wrap(err, "mkdir %s", dir)
	}
	tmp, err := ioutil.TempFile(dir, filepath.Base(a.path)+"-*.tmp")
	if err != nil {
		return ckerr.IO.Wrap(err, "creating temp zip near %s", a.path)
	}
	tmpPath := tmp.Name()

	zw := zip.NewWriter(tmp)
	var commitErr error
	for _, e := range a.entries {
		if e.change.State() == Deleted {
			continue
		}
		commitErr = copyEntryInto(zw, e)
		if commitErr != nil {
			break
		}
	}
	if commitErr == nil {
		commitErr = zw.Close()
	} else {
		zw.Close()
	}
	if commitErr == nil {
		commitErr = tmp.Close()
	} else {
		tmp.Close()
	}
	if commitErr != nil {
		os.Remove(tmpPath)
		return ckerr.IO.Wrap(commitErr, "writing %s", a.path)
	}

	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return ckerr.IO.Wrap(err, "renaming into place %s", a.path)
	}

	return a.reopen()
}

func copyEntryInto(zw *zip.Writer, e *zipEntry) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   e.file.Name,
		Method: zip.Deflate,
	})
	if err != nil {
		return ckerr.IO.Wrap(err, "creating zip entry %s", e.file.Name)
	}

	var r io.ReadCloser
	switch e.change.State() {
	case Added, Replaced:
		if e.change.srcReader == nil {
			return ckerr.Format.New("entry %s staged as added with no source", e.file.Name)
		}
		r, err = e.change.srcReader()
	default:
		if e.zf == nil {
			return ckerr.Format.New("entry %s has no backing content", e.file.Name)
		}
		r, err = e.zf.Open()
	}
	if err != nil {
		return ckerr.IO.Wrap(err, "opening source for %s", e.file.Name)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return ckerr.IO.Wrap(err, "copying %s", e.file.Name)
	}
	return nil
}

// reopen reloads entries from the just-committed file so in-memory state
// (hashes, sizes) matches what is now on disk.
func (a *zipArchive) reopen() error {
	if a.rc != nil {
		a.rc.Close()
	}
	rc, err := zip.OpenReader(a.path)
	if err != nil {
		return ckerr.IO.Wrap(err, "reopening %s after commit", a.path)
	}
	a.rc = rc
	a.entries = nil
	a.byName = make(map[string]int)
	for _, zf := range rc.File {
		f := &model.File{
			Name:    zf.Name,
			Size:    model.KnownSize(int64(zf.UncompressedSize64)),
			Hashes:  hashes.New(),
			ModTime: zf.Modified.Unix(),
		}
		a.byName[zf.Name] = len(a.entries)
		a.entries = append(a.entries, &zipEntry{file: f, zf: zf})
	}
	a.dirty = false
	return nil
}

// Rollback discards staged changes without touching the underlying file.
func (a *zipArchive) Rollback() error {
	if a.rc == nil {
		a.entries = nil
		a.byName = make(map[string]int)
		a.dirty = false
		return nil
	}
	return a.reopen()
}

func (a *zipArchive) Close() error {
	if a.rc != nil {
		return a.rc.Close()
	}
	return nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
