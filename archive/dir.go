package archive

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"

	"github.com/nih-at/ckmame-sub002/ckerr"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

// dirEntry mirrors zipEntry for the directory backend: a file under
// archive.path named entry.file.Name, or a staged change.
type dirEntry struct {
	file   *model.File
	exists bool // backed by a real file on disk
	change *change
}

// dirArchive treats a directory as an archive of files named by their
// relative path within it, matching the unpacked-game layout ckmame
// supports alongside ZIPs.
type dirArchive struct {
	mu sync.Mutex

	path     string
	ft       model.FileType
	readOnly bool

	entries []*dirEntry
	byName  map[string]int

	dirty bool

	// cache remembers hashes already computed for unchanged files across
	// repeat check runs (spec.md §4.B "Caching"). Opened by openDir, best
	// effort: a cache that fails to open just means this run rehashes
	// everything, not a hard error.
	cache *HashCache
}

func openDir(path string, ft model.FileType, flags Flags) (Archive, error) {
	a := &dirArchive{
		path:     path,
		ft:       ft,
		readOnly: flags&FlagReadOnly != 0,
		byName:   make(map[string]int),
	}

	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return nil, ckerr.Format.New("%s is not a directory", path)
		}
	case os.IsNotExist(err):
		if flags&FlagCreate == 0 {
			return nil, ckerr.NotFound.Wrap(err, "open archive %s", path)
		}
		return a, nil
	default:
		return nil, ckerr.IO.Wrap(err, "stat %s", path)
	}

	// A cache failing to open just means this run rehashes everything
	// instead of a hard error; the directory itself already stat'd fine.
	if cache, cacheErr := OpenHashCache(path); cacheErr == nil {
		a.cache = cache
	} else {
		glog.V(1).Infof("not using hash cache for %s: %v", path, cacheErr)
	}

	var names []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if rel == cacheFileName {
			return nil
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return nil, ckerr.IO.Wrap(err, "walking %s", path)
	}

	for _, rel := range names {
		fi, err := os.Stat(filepath.Join(path, rel))
		if err != nil {
			return nil, ckerr.IO.Wrap(err, "stat %s", rel)
		}
		name := filepath.ToSlash(rel)
		h := hashes.New()
		if a.cache != nil {
			if cached, ok := a.cache.Get(path, name, fi.Size(), fi.ModTime().Unix()); ok {
				h = cached
			}
		}
		f := &model.File{
			Name:    name,
			Size:    model.KnownSize(fi.Size()),
			Hashes:  h,
			ModTime: fi.ModTime().Unix(),
		}
		a.byName[f.Name] = len(a.entries)
		a.entries = append(a.entries, &dirEntry{file: f, exists: true})
	}
	return a, nil
}

func (a *dirArchive) Path() string             { return a.path }
func (a *dirArchive) Kind() Kind               { return KindDir }
func (a *dirArchive) FileType() model.FileType { return a.ft }
func (a *dirArchive) ReadOnly() bool           { return a.readOnly }
func (a *dirArchive) NumFiles() int            { return len(a.entries) }

func (a *dirArchive) File(i int) *model.File {
	if i < 0 || i >= len(a.entries) {
		return nil
	}
	return a.entries[i].file
}

func (a *dirArchive) realPath(name string) string {
	return filepath.Join(a.path, filepath.FromSlash(name))
}

func (a *dirArchive) entryReader(i int) (io.ReadCloser, error) {
	e := a.entries[i]
	if e.change.State() == Deleted {
		return nil, ckerr.NotFound.New("entry %s was deleted", e.file.Name)
	}
	if e.change != nil && e.change.dirTempPath != "" {
		return os.Open(e.change.dirTempPath)
	}
	if e.change.State() == Added || e.change.State() == Replaced {
		if e.change.srcReader != nil {
			return e.change.srcReader()
		}
	}
	if !e.exists {
		return nil, ckerr.NotFound.New("entry %s has no content", e.file.Name)
	}
	return os.Open(a.realPath(e.file.Name))
}

func (a *dirArchive) FileOpen(i int) (io.ReadCloser, error) {
	if i < 0 || i >= len(a.entries) {
		return nil, ckerr.Format.New("file index %d out of range", i)
	}
	return a.entryReader(i)
}

func (a *dirArchive) FileComputeHashes(i int, want hashes.Types) error {
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

	// Only entries already committed to disk under their current name are
	// cacheable: the (path, name, size, mtime) key has to keep meaning the
	// same bytes on a later run, which a still-staged add/rename doesn't
	// guarantee yet.
	if a.cache != nil && e.exists && e.change == nil {
		if err := a.cache.Put(a.path, e.file.Name, e.file.Size.Value, e.file.ModTime, h); err != nil {
			glog.V(1).Infof("not caching hashes for %s in %s: %v", e.file.Name, a.path, err)
		}
	}
	return nil
}

func (a *dirArchive) FileFindOffset(i int, length int64, want *hashes.Hashes) (int64, error) {
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
		h, err := hashes.FromBytes(data[off:off+length], want.Types())
		if err != nil {
			return -1, err
		}
		if h.Compare(want) == hashes.Match {
			return off, nil
		}
	}
	return -1, nil
}

func (a *dirArchive) FileCompareHashes(i int, want *hashes.Hashes) (hashes.Compare, error) {
	if err := a.FileComputeHashes(i, want.Types()); err != nil {
		return hashes.NoCommonType, err
	}
	return a.entries[i].file.Hashes.Compare(want), nil
}

func (a *dirArchive) requireWritable() error {
	if a.readOnly {
		return ckerr.Policy.New("archive %s is read-only", a.path)
	}
	return nil
}

// stageTemp copies r into a uniquely named ".ckmame-stage-*" temp file inside a.path,
// the same lay-it-beside-the-target-then-rename staging the teacher's
// depot_root.go uses before promoting content into its final location.
func (a *dirArchive) stageTemp(r io.Reader) (string, error) {
	if err := os.MkdirAll(a.path, 0o755); err != nil {
		return "", ckerr.IO.Wrap(err, "mkdir %s", a.path)
	}
	tmp, err := ioutil.TempFile(a.path, ".ckmame-stage-*")
	if err != nil {
		return "", ckerr.IO.Wrap(err, "staging temp file in %s", a.path)
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, r); err != nil {
		os.Remove(tmp.Name())
		return "", ckerr.IO.Wrap(err, "writing staged content")
	}
	return tmp.Name(), nil
}

func (a *dirArchive) FileAddEmpty(name string) (int, error) {
	if err := a.requireWritable(); err != nil {
		return -1, err
	}
	if idx, ok := a.byName[name]; ok {
		return -1, ckerr.Policy.New("entry %s already exists in %d", name, idx)
	}
	tmpPath, err := a.stageTemp(bytes.NewReader(nil))
	if err != nil {
		return -1, err
	}
	f := &model.File{Name: name, Size: model.KnownSize(0), Hashes: hashes.New()}
	e := &dirEntry{
		file:   f,
		change: &change{state: Added, destName: name, dirTempPath: tmpPath},
	}
	idx := len(a.entries)
	a.entries = append(a.entries, e)
	a.byName[name] = idx
	a.dirty = true
	return idx, nil
}

func (a *dirArchive) FileCopy(src Archive, srcIdx int, dstName string, start, length int64) (int, error) {
	if err := a.requireWritable(); err != nil {
		return -1, err
	}
	if idx, ok := a.byName[dstName]; ok {
		return -1, ckerr.Policy.New("entry %s already exists in %d", dstName, idx)
	}

	rc, err := src.FileOpen(srcIdx)
	if err != nil {
		return -1, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if start > 0 {
		if _, err := io.CopyN(ioutil.Discard, rc, start); err != nil {
			return -1, ckerr.IO.Wrap(err, "seeking to offset %d", start)
		}
	}
	if length >= 0 {
		r = io.LimitReader(rc, length)
	}

	tmpPath, err := a.stageTemp(r)
	if err != nil {
		return -1, err
	}

	fi, statErr := os.Stat(tmpPath)
	sz := int64(-1)
	if statErr == nil {
		sz = fi.Size()
	}

	f := &model.File{Name: dstName, Size: model.KnownSize(sz), Hashes: hashes.New()}
	e := &dirEntry{
		file:   f,
		change: &change{state: Added, destName: dstName, dirTempPath: tmpPath},
	}
	idx := len(a.entries)
	a.entries = append(a.entries, e)
	a.byName[dstName] = idx
	a.dirty = true
	return idx, nil
}

func (a *dirArchive) FileDelete(i int) error {
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

func (a *dirArchive) FileRename(i int, newName string) error {
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
	st := Renamed
	tmpPath := ""
	if e.change.State() == Added {
		// Renaming a not-yet-committed add stays an add; carry its staged
		// temp file forward under the new destination name.
		st = Added
		tmpPath = e.change.dirTempPath
	}
	e.change = &change{state: st, origName: old, destName: newName, dirTempPath: tmpPath}
	e.file.Name = newName
	delete(a.byName, old)
	a.byName[newName] = i
	a.dirty = true
	return nil
}

// Commit promotes every staged entry into place: adds/replacements are
// renamed in from their temp staging file, deletes are os.Remove'd, renames
// use os.Rename, then empty directories left behind are pruned, mirroring
// the teacher's DeleteEmptyFolders pass in archive/util.go.
func (a *dirArchive) Commit() (retErr error) {
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

	for _, e := range a.entries {
		dest := a.realPath(e.file.Name)
		switch e.change.State() {
		case Deleted:
			if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
				return ckerr.IO.Wrap(err, "deleting %s", e.file.Name)
			}
		case Renamed:
			src := a.realPath(e.change.origName)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return ckerr.IO.Wrap(err, "mkdir for rename of %s", e.file.Name)
			}
			if err := os.Rename(src, dest); err != nil {
				return ckerr.IO.Wrap(err, "renaming %s to %s", e.change.origName, e.file.Name)
			}
			e.exists = true
		case Added, Replaced:
			if e.change.dirTempPath == "" {
				return ckerr.Format.New("entry %s staged as added with no staged content", e.file.Name)
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return ckerr.IO.Wrap(err, "mkdir for %s", e.file.Name)
			}
			if err := os.Rename(e.change.dirTempPath, dest); err != nil {
				return ckerr.IO.Wrap(err, "promoting staged %s", e.file.Name)
			}
			e.exists = true
		}
		e.change = nil
	}

	if err := DeleteEmptyFolders(a.path); err != nil {
		return ckerr.IO.Wrap(err, "pruning empty folders under %s", a.path)
	}

	a.dirty = false
	return nil
}

// Rollback removes any staged temp files and clears pending changes,
// leaving the directory as it was before the staged mutations.
func (a *dirArchive) Rollback() error {
	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.change != nil && e.change.dirTempPath != "" {
			os.Remove(e.change.dirTempPath)
		}
		switch e.change.State() {
		case Added:
			delete(a.byName, e.file.Name)
			continue
		case Deleted:
			e.file.Name = e.change.origName
			a.byName[e.file.Name] = len(kept)
		case Renamed:
			e.file.Name = e.change.origName
			a.byName[e.file.Name] = len(kept)
			delete(a.byName, e.change.destName)
		}
		e.change = nil
		kept = append(kept, e)
	}
	a.entries = kept
	a.dirty = false
	return nil
}

func (a *dirArchive) Close() error {
	if a.cache != nil {
		return a.cache.Close()
	}
	return nil
}

// DeleteEmptyFolders walks root bottom-up and removes directories left
// empty by staged deletes/renames, adapted from the teacher's
// archive/util.go helper of the same name.
func DeleteEmptyFolders(root string) error {
	var dirs []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := ioutil.ReadDir(dirs[i])
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			os.Remove(dirs[i])
		}
	}
	return nil
}
