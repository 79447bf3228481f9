// Package memindex is an in-memory content-addressed index used to locate
// archive entries by hash while scanning a romset, one multimap per
// model.FileType. It fronts the lookup with a willf/bloom filter exactly
// the way the teacher's depot_root.go guards its sha1 lookups, so a miss on
// content nobody has costs one bloom test instead of a SQL query, and is
// backed by an in-process sqlite ":memory:" database (or, when
// CKMAME_DEBUG_MEMDB names a path, an on-disk database kept after the run
// for inspection) so the same catalog query layer used on disk also serves
// the hot scanning path.
package memindex

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/willf/bloom"

	"github.com/nih-at/ckmame-sub002/ckerr"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

// Location identifies one archive entry: the archive it lives in plus the
// entry index within it.
type Location struct {
	ArchivePath string
	EntryIndex  int
	Size        int64
}

// debugEnvVar names the env var that, when set, redirects the in-memory
// index to an on-disk sqlite file for post-mortem inspection.
const debugEnvVar = "CKMAME_DEBUG_MEMDB"

// Index is a hash -> []Location multimap, partitioned per model.FileType
// because ROMs are addressed by CRC and disks by MD5/SHA1.
type Index struct {
	db     *sql.DB
	blooms map[model.FileType]*bloom.BloomFilter
}

// Open creates a fresh, empty index. Callers Add entries while scanning a
// tree or catalog, then Lookup during matching.
func Open() (*Index, error) {
	dsn := ":memory:"
	if path := os.Getenv(debugEnvVar); path != "" {
		dsn = path
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "opening memindex store")
	}
	if _, err := db.Exec(`CREATE TABLE entries (
		kind INTEGER NOT NULL,
		hash_hex TEXT NOT NULL,
		archive_path TEXT NOT NULL,
		entry_index INTEGER NOT NULL,
		size INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, ckerr.Catalog.Wrap(err, "creating memindex schema")
	}
	if _, err := db.Exec(`CREATE INDEX idx_entries_hash ON entries(kind, hash_hex)`); err != nil {
		db.Close()
		return nil, ckerr.Catalog.Wrap(err, "creating memindex index")
	}

	idx := &Index{
		db:     db,
		blooms: make(map[model.FileType]*bloom.BloomFilter),
	}
	for _, ft := range []model.FileType{model.FileTypeRom, model.FileTypeDisk, model.FileTypeSample} {
		idx.blooms[ft] = bloom.NewWithEstimates(1_000_000, 0.01)
	}
	return idx, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

// keyHash picks the hash this index keys content on for ft: CRC for
// ROMs/samples, MD5 (falling back to SHA1) for disks.
func keyHash(ft model.FileType, h *hashes.Hashes) (string, error) {
	switch ft {
	case model.FileTypeDisk:
		if h.Has(hashes.TypeMd5) {
			return h.Md5String(), nil
		}
		if h.Has(hashes.TypeSha1) {
			return h.Sha1String(), nil
		}
	default:
		if h.Has(hashes.TypeCrc) {
			return h.CrcString(), nil
		}
	}
	return "", ckerr.NotFound.New("no usable hash to index for file type %d", ft)
}

// Add records one archive entry's content location under its key hash.
func (idx *Index) Add(ft model.FileType, h *hashes.Hashes, loc Location) error {
	key, err := keyHash(ft, h)
	if err != nil {
		return err
	}
	if _, err := idx.db.Exec(
		`INSERT INTO entries (kind, hash_hex, archive_path, entry_index, size) VALUES (?, ?, ?, ?, ?)`,
		int(ft), key, loc.ArchivePath, loc.EntryIndex, loc.Size,
	); err != nil {
		return ckerr.Catalog.Wrap(err, "indexing entry")
	}
	idx.blooms[ft].AddString(key)
	return nil
}

// MightContain is a cheap pre-check: false means "definitely not indexed,"
// true means "maybe, go check the database."
func (idx *Index) MightContain(ft model.FileType, h *hashes.Hashes) bool {
	key, err := keyHash(ft, h)
	if err != nil {
		return false
	}
	bf, ok := idx.blooms[ft]
	if !ok {
		return false
	}
	return bf.TestString(key)
}

// Lookup returns every indexed location whose content hash matches h,
// short-circuiting via the bloom filter when possible.
func (idx *Index) Lookup(ft model.FileType, h *hashes.Hashes) ([]Location, error) {
	if !idx.MightContain(ft, h) {
		return nil, nil
	}
	key, err := keyHash(ft, h)
	if err != nil {
		return nil, err
	}

	rows, err := idx.db.Query(
		`SELECT archive_path, entry_index, size FROM entries WHERE kind = ? AND hash_hex = ?`,
		int(ft), key,
	)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "querying memindex")
	}
	defer rows.Close()

	var locs []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ArchivePath, &l.EntryIndex, &l.Size); err != nil {
			return nil, ckerr.Catalog.Wrap(err, "scanning memindex row")
		}
		locs = append(locs, l)
	}
	return locs, rows.Err()
}

// Stats reports the number of entries indexed per file type.
func (idx *Index) Stats() (map[model.FileType]int, error) {
	rows, err := idx.db.Query(`SELECT kind, COUNT(*) FROM entries GROUP BY kind`)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "computing memindex stats")
	}
	defer rows.Close()

	out := make(map[model.FileType]int)
	for rows.Next() {
		var kind, count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		out[model.FileType(kind)] = count
	}
	return out, rows.Err()
}

func (l Location) String() string {
	return fmt.Sprintf("%s#%d", l.ArchivePath, l.EntryIndex)
}
