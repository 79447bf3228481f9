package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/ristretto"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nih-at/ckmame-sub002/ckerr"
	"github.com/nih-at/ckmame-sub002/hashes"
)

// cacheFileName is the per-directory sidecar database that persists
// computed hashes across runs, the ZIP-tree analogue of the teacher's
// ".romba_size" sidecar in archive/sizes.go.
const cacheFileName = ".ckmame.db"

// HashCache remembers (archive path, entry name, size, mtime) -> Hashes so
// repeated check runs over an unchanged romset don't rehash every entry. An
// in-process ristretto.Cache fronts a sqlite-backed store so a cold process
// still benefits from the previous run's work.
type HashCache struct {
	mem *ristretto.Cache
	db  *sql.DB
}

type cacheKey struct {
	archivePath string
	entryName   string
	size        int64
	modTime     int64
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%d", k.archivePath, k.entryName, k.size, k.modTime)
}

// OpenHashCache opens (creating if absent) the sqlite sidecar database under
// dir and wraps it with an in-memory ristretto front cache.
func OpenHashCache(dir string) (*HashCache, error) {
	mem, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, ckerr.IO.Wrap(err, "creating in-memory hash cache")
	}

	path := filepath.Join(dir, cacheFileName)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "opening hash cache %s", path)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS hash_cache (
		key TEXT PRIMARY KEY,
		crc BLOB,
		md5 BLOB,
		sha1 BLOB
	)`); err != nil {
		db.Close()
		return nil, ckerr.Catalog.Wrap(err, "creating hash_cache table in %s", path)
	}

	return &HashCache{mem: mem, db: db}, nil
}

func (c *HashCache) Close() error {
	c.mem.Close()
	return c.db.Close()
}

// Get returns previously computed hashes for (archivePath, entryName, size,
// modTime), checking the in-memory tier first and falling back to sqlite.
func (c *HashCache) Get(archivePath, entryName string, size, modTime int64) (*hashes.Hashes, bool) {
	key := cacheKey{archivePath, entryName, size, modTime}
	if v, ok := c.mem.Get(key.String()); ok {
		return v.(*hashes.Hashes), true
	}

	row := c.db.QueryRow(`SELECT crc, md5, sha1 FROM hash_cache WHERE key = ?`, key.String())
	var crc, md5b, sha1b []byte
	if err := row.Scan(&crc, &md5b, &sha1b); err != nil {
		return nil, false
	}

	h := hashes.New()
	if len(crc) > 0 {
		_ = h.SetCrc(crc)
	}
	if len(md5b) > 0 {
		_ = h.SetMd5(md5b)
	}
	if len(sha1b) > 0 {
		_ = h.SetSha1(sha1b)
	}
	c.mem.Set(key.String(), h, 1)
	return h, true
}

// Put records computed hashes for (archivePath, entryName, size, modTime).
func (c *HashCache) Put(archivePath, entryName string, size, modTime int64, h *hashes.Hashes) error {
	key := cacheKey{archivePath, entryName, size, modTime}
	c.mem.Set(key.String(), h, 1)

	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO hash_cache (key, crc, md5, sha1) VALUES (?, ?, ?, ?)`,
		key.String(), h.Crc(), h.Md5(), h.Sha1(),
	)
	if err != nil {
		return ckerr.Catalog.Wrap(err, "writing hash cache entry for %s", entryName)
	}
	return nil
}

// RemoveCacheFile deletes the sidecar database under dir, discarding every
// hash cached for that directory at once.
func RemoveCacheFile(dir string) error {
	err := os.Remove(filepath.Join(dir, cacheFileName))
	if err != nil && !os.IsNotExist(err) {
		return ckerr.IO.Wrap(err, "removing hash cache under %s", dir)
	}
	return nil
}
