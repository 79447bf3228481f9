// Package dirscan walks a ROM tree classifying each top-level entry as a
// candidate game archive (ZIP or unpacked directory) or a CHD disk image,
// the same karrick/godirwalk-driven traversal the teacher's purge.go and
// service/diffdat.go use to find candidate DAT/gzip files, adapted here to
// classify romset entries instead of collecting DAT paths.
package dirscan

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/nih-at/ckmame-sub002/ckerr"
)

// EntryKind classifies one top-level entry found under a ROM directory.
type EntryKind int

const (
	EntryZip EntryKind = iota
	EntryDir
	EntryDisk
	EntryOther
)

// Entry is one classified top-level item directly inside a scanned root.
type Entry struct {
	Name string // base name without extension, used as the game/disk name
	Path string
	Kind EntryKind
	Size int64
}

// classify maps a direntry name/mode to an EntryKind; everything not a zip,
// directory or .chd file is EntryOther and ignored by the scan (spec.md
// §4.G "unrecognized top-level entries are not superfluous, they are
// simply invisible to ckmame").
func classify(name string, isDir bool) (EntryKind, string) {
	if isDir {
		return EntryDir, name
	}
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".zip":
		return EntryZip, strings.TrimSuffix(name, filepath.Ext(name))
	case ".chd":
		return EntryDisk, strings.TrimSuffix(name, filepath.Ext(name))
	default:
		return EntryOther, name
	}
}

// Scan lists root's immediate children (non-recursive: nested directories
// are treated as unpacked-game archives, not scanned into further) and
// classifies each.
func Scan(root string) ([]Entry, error) {
	var entries []Entry

	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == root {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if strings.Contains(rel, string(filepath.Separator)) {
				// Below the immediate children; part of an unpacked game
				// directory, not a separate scan entry.
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			isDir, err := de.IsDirOrSymlinkToDir()
			if err != nil {
				isDir = de.IsDir()
			}
			kind, name := classify(de.Name(), isDir)
			if kind == EntryOther {
				if isDir {
					return filepath.SkipDir
				}
				return nil
			}

			var size int64
			if !isDir {
				fi, err := os.Stat(path)
				if err != nil {
					return ckerr.IO.Wrap(err, "stat %s", path)
				}
				size = fi.Size()
			}

			entries = append(entries, Entry{Name: name, Path: path, Kind: kind, Size: size})
			if isDir {
				return filepath.SkipDir
			}
			return nil
		},
	})
	if err != nil {
		return nil, ckerr.IO.Wrap(err, "scanning %s", root)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Partition splits a tree scan into the three buckets spec.md §4.G names:
// romset entries expected by wanted (by name), needed entries that the
// catalog references but which aren't in wanted, and superfluous entries
// present on disk but unreferenced anywhere.
func Partition(entries []Entry, wanted, needed map[string]bool) (romset, inNeeded, superfluous []Entry) {
	for _, e := range entries {
		switch {
		case wanted[e.Name]:
			romset = append(romset, e)
		case needed[e.Name]:
			inNeeded = append(inNeeded, e)
		default:
			superfluous = append(superfluous, e)
		}
	}
	return romset, inNeeded, superfluous
}
