// Package model holds the domain types shared by the catalog store, the
// archive layer, the matcher, and the check/fix engines: the closed
// enumerations from spec.md §3 (status, location, quality, ...) and the
// File/Disk/Game descriptors built from them. These are plain value types;
// persistence lives in package catalog, in-memory indexing in package
// memindex, after the teacher's own separation of types.go (pure data) from
// db/kv.go (storage).
package model

import "github.com/nih-at/ckmame-sub002/hashes"

// Status is the dump status of a catalog file or disk entry.
type Status int

const (
	StatusOK Status = iota
	StatusBadDump
	StatusNoDump
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadDump:
		return "baddump"
	case StatusNoDump:
		return "nodump"
	default:
		return "unknown"
	}
}

// Location tags where a file's content actually is relative to the game
// that expects it.
type Location int

const (
	LocationNowhere Location = iota
	LocationInGame
	LocationInParent
	LocationInGrandparent
	LocationRomset
	LocationNeeded
	LocationSuperfluous
	LocationExtra
)

func (l Location) String() string {
	switch l {
	case LocationInGame:
		return "ingame"
	case LocationInParent:
		return "inco"
	case LocationInGrandparent:
		return "ingrandparent"
	case LocationRomset:
		return "romset"
	case LocationNeeded:
		return "needed"
	case LocationSuperfluous:
		return "superfluous"
	case LocationExtra:
		return "extra"
	default:
		return "nowhere"
	}
}

// FileType distinguishes ROM files from CHD disk images; the memory index
// is partitioned by it because ROMs are keyed by CRC and disks by MD5.
type FileType int

const (
	FileTypeRom FileType = iota
	FileTypeDisk
	FileTypeSample
)

// Size represents a file size that may be unknown (catalog entries without
// a declared size, per spec.md §3 "size = unknown is a separate variant").
type Size struct {
	Known bool
	Value int64
}

func KnownSize(v int64) Size { return Size{Known: true, Value: v} }

var UnknownSize = Size{}

func (s Size) Equal(o Size) bool {
	if !s.Known || !o.Known {
		return true // unknown size never disagrees
	}
	return s.Value == o.Value
}

// DetectorView is the (size, hashes) pair describing a file's content after
// a detector rule has stripped a recognized header.
type DetectorView struct {
	Size   Size
	Hashes *hashes.Hashes
}

// File is a file descriptor: used both for catalog rom rows and for archive
// entries (spec.md §3 "File descriptor").
type File struct {
	Name     string
	Merge    string // name under which the same content appears in the parent
	Size     Size
	Hashes   *hashes.Hashes
	Status   Status
	Location Location
	ModTime  int64 // unix seconds; archive entries only
	Detector *DetectorView
}

// Superfluous reports whether a zero-size file should always be treated as
// superfluous, per spec.md §3 invariants.
func (f *File) Superfluous() bool {
	return f.Size.Known && f.Size.Value == 0
}

// Disk is a disk descriptor: addressed by file name in the tree, not inside
// an archive. CRC is not used for disks.
type Disk struct {
	Name     string
	Merge    string
	Hashes   *hashes.Hashes // MD5 and/or SHA1 only
	Status   Status
	Location Location
}

// Game is a unique (id, name) entity with an ordered file/disk list and up
// to two hops of parent lineage.
type Game struct {
	ID          int64
	Name        string
	Description string
	DatIndex    int64
	Parent      string // immediate parent name, empty if none
	Grandparent string // parent's parent name, empty if none
	Roms        []*File
	Disks       []*Disk
}

// Dat describes one imported reference source.
type Dat struct {
	Index       int64
	Name        string
	Description string
	Version     string
}

// TestOperation is the byte transform a detector rule applies before
// hashing its byte range.
type TestOperation int

const (
	OpNone TestOperation = iota
	OpBitswap
	OpByteswap
	OpWordswap
)

// TestType is the kind of predicate a detector test evaluates.
type TestType int

const (
	TestData TestType = iota
	TestOr
	TestAnd
	TestXor
	TestFileEq
	TestFileLe
	TestFileGr
)

// DetectorTest is one (type, offset, length, mask, value, result) test.
type DetectorTest struct {
	Type       TestType
	Offset     int64
	Length     int64
	Mask       []byte
	Value      []byte
	Result     bool
	PowerOfTwo bool // FILE_EQ sentinel: file size must be a power of two
}

// DetectorRule is (start_offset, end_offset, operation, tests). Offsets are
// signed: negative means "from end of file"; EndOffsetEOF means "to end of
// file".
type DetectorRule struct {
	StartOffset int64
	EndOffset   int64
	Operation   TestOperation
	Tests       []*DetectorTest
}

// EndOffsetEOF is the sentinel end_offset meaning "to end of file".
const EndOffsetEOF = int64(-1) << 62

// Detector is (name, author, version, ordered rules).
type Detector struct {
	Name    string
	Author  string
	Version string
	Rules   []*DetectorRule
}

// Quality ranks how well an actual file matches an expected one, worst to
// best, per spec.md §4.H.
type Quality int

const (
	QualityMissing Quality = iota
	QualityHashErr
	QualityNoHash
	QualityLong
	QualityInZip
	QualityCopied
	QualityNameErr
	QualityOK
	QualityOld
)

func (q Quality) String() string {
	switch q {
	case QualityMissing:
		return "missing"
	case QualityHashErr:
		return "hasherr"
	case QualityNoHash:
		return "nohash"
	case QualityLong:
		return "long"
	case QualityInZip:
		return "inzip"
	case QualityCopied:
		return "copied"
	case QualityNameErr:
		return "namerr"
	case QualityOK:
		return "ok"
	case QualityOld:
		return "old"
	default:
		return "unknown"
	}
}

// GameStatus ranks a whole game after a check pass.
type GameStatus int

const (
	GameMissing GameStatus = iota
	GamePartial
	GameFixable
	GameOld
	GameCorrect
)

func (s GameStatus) String() string {
	switch s {
	case GameCorrect:
		return "correct"
	case GameOld:
		return "old"
	case GameFixable:
		return "fixable"
	case GamePartial:
		return "partial"
	default:
		return "missing"
	}
}

// ActualStatus classifies an actual archive entry not accounted for by any
// expected rom, per spec.md §4.I step 2.
type ActualStatus int

const (
	ActualUnknown ActualStatus = iota
	ActualUsed
	ActualPartUsed
	ActualBroken
	ActualNeeded
	ActualSuperfluous
	ActualDuplicate
)
