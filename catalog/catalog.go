// Package catalog is the relational on-disk store for a parsed DAT: dats,
// games, their rom/disk rows, and any bundled detector rules, each backed
// by database/sql over mattn/go-sqlite3, styled after retronian-romu's
// internal/db/db.go (Open/migrate/prepared-query shape) but with the
// dat/game/file/rule/test schema spec.md §4.E calls for instead of that
// package's single flat rom_files table.
package catalog

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nih-at/ckmame-sub002/ckerr"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/model"
)

// schemaVersion is stored in sqlite's user_version pragma; Open refuses to
// use a catalog written by an incompatible version.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS dat (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	version TEXT
);
CREATE TABLE IF NOT EXISTS game (
	id INTEGER PRIMARY KEY,
	dat_id INTEGER NOT NULL REFERENCES dat(id),
	name TEXT NOT NULL,
	description TEXT,
	parent TEXT,
	grandparent TEXT,
	UNIQUE(dat_id, name)
);
CREATE TABLE IF NOT EXISTS file (
	id INTEGER PRIMARY KEY,
	game_id INTEGER NOT NULL REFERENCES game(id),
	kind INTEGER NOT NULL, -- model.FileType
	file_idx INTEGER NOT NULL DEFAULT 0, -- ordinal position within the game's rom/disk list
	name TEXT NOT NULL,
	merge_name TEXT,
	size INTEGER,
	size_known INTEGER NOT NULL DEFAULT 0,
	crc BLOB,
	md5 BLOB,
	sha1 BLOB,
	status INTEGER NOT NULL DEFAULT 0,
	location INTEGER NOT NULL DEFAULT 0 -- model.Location
);
CREATE TABLE IF NOT EXISTS detector_rule (
	id INTEGER PRIMARY KEY,
	dat_id INTEGER NOT NULL REFERENCES dat(id),
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	operation INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS detector_test (
	id INTEGER PRIMARY KEY,
	rule_id INTEGER NOT NULL REFERENCES detector_rule(id),
	seq INTEGER NOT NULL,
	kind INTEGER NOT NULL,
	offset INTEGER NOT NULL,
	length INTEGER NOT NULL,
	mask BLOB,
	value BLOB,
	result INTEGER NOT NULL,
	power_of_two INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_game_dat ON game(dat_id);
CREATE INDEX IF NOT EXISTS idx_file_game ON file(game_id);
CREATE INDEX IF NOT EXISTS idx_file_crc ON file(crc);
CREATE INDEX IF NOT EXISTS idx_file_sha1 ON file(sha1);
`

// DB is an open catalog with cached prepared statements, mirroring the
// teacher/retronian-romu pattern of embedding *sql.DB and adding
// domain-specific query methods on top.
type DB struct {
	*sql.DB
	stmts map[string]*sql.Stmt
}

// Open opens or creates a catalog database at path. readOnly callers pass
// query-only access (?mode=ro); writers get the default rwc mode.
func Open(path string, readOnly bool) (*DB, error) {
	dsn := path
	if readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path)
	} else {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	}
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "opening catalog %s", path)
	}

	if !readOnly {
		if err := migrate(sqldb); err != nil {
			sqldb.Close()
			return nil, err
		}
	} else if err := checkVersion(sqldb); err != nil {
		sqldb.Close()
		return nil, err
	}

	return &DB{DB: sqldb, stmts: make(map[string]*sql.Stmt)}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return ckerr.Catalog.Wrap(err, "reading schema version")
	}
	if version != 0 && version != schemaVersion {
		return ckerr.Catalog.New("catalog schema version %d is incompatible with %d", version, schemaVersion)
	}
	if _, err := db.Exec(schema); err != nil {
		return ckerr.Catalog.Wrap(err, "applying schema")
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return ckerr.Catalog.Wrap(err, "setting schema version")
	}
	return nil
}

func checkVersion(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return ckerr.Catalog.Wrap(err, "reading schema version")
	}
	if version != schemaVersion {
		return ckerr.Catalog.New("catalog schema version %d is incompatible with %d", version, schemaVersion)
	}
	return nil
}

func (d *DB) Close() error {
	for _, s := range d.stmts {
		s.Close()
	}
	return d.DB.Close()
}

// prepared returns a cached prepared statement for query, preparing and
// caching it on first use (the same lazy-prepare-and-cache idiom the
// teacher uses for its KVStore's batch operations, adapted here for SQL).
func (d *DB) prepared(query string) (*sql.Stmt, error) {
	if s, ok := d.stmts[query]; ok {
		return s, nil
	}
	s, err := d.DB.Prepare(query)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "preparing statement")
	}
	d.stmts[query] = s
	return s, nil
}

// InsertDat inserts a new dat row and returns its assigned index.
func (d *DB) InsertDat(dat *model.Dat) (int64, error) {
	stmt, err := d.prepared(`INSERT INTO dat (name, description, version) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.Exec(dat.Name, dat.Description, dat.Version)
	if err != nil {
		return 0, ckerr.Catalog.Wrap(err, "inserting dat %s", dat.Name)
	}
	return res.LastInsertId()
}

// DatIndexByName resolves a dat's row id from its name, the index runCheck
// and runDump need to scope GameNames/Game lookups to one imported DAT.
func (d *DB) DatIndexByName(name string) (int64, error) {
	stmt, err := d.prepared(`SELECT id FROM dat WHERE name = ?`)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := stmt.QueryRow(name).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, ckerr.NotFound.New("dat %s not found in catalog", name)
		}
		return 0, ckerr.Catalog.Wrap(err, "resolving dat %s", name)
	}
	return id, nil
}

// InsertGame inserts a game and its files within tx (tx may be nil to run
// outside a transaction, used by tests).
func (d *DB) InsertGame(tx *sql.Tx, datIndex int64, g *model.Game) (int64, error) {
	const q = `INSERT INTO game (dat_id, name, description, parent, grandparent) VALUES (?, ?, ?, ?, ?)`

	var res sql.Result
	var err error
	if tx != nil {
		res, err = tx.Exec(q, datIndex, g.Name, g.Description, g.Parent, g.Grandparent)
	} else {
		stmt, perr := d.prepared(q)
		if perr != nil {
			return 0, perr
		}
		res, err = stmt.Exec(datIndex, g.Name, g.Description, g.Parent, g.Grandparent)
	}
	if err != nil {
		return 0, ckerr.Catalog.Wrap(err, "inserting game %s", g.Name)
	}
	gameID, err := res.LastInsertId()
	if err != nil {
		return 0, ckerr.Catalog.Wrap(err, "reading game id for %s", g.Name)
	}

	for i, rom := range g.Roms {
		if err := d.insertFile(tx, gameID, model.FileTypeRom, i, rom); err != nil {
			return 0, err
		}
	}
	for i, disk := range g.Disks {
		f := &model.File{Name: disk.Name, Merge: disk.Merge, Hashes: disk.Hashes, Status: disk.Status, Location: disk.Location}
		if err := d.insertFile(tx, gameID, model.FileTypeDisk, i, f); err != nil {
			return 0, err
		}
	}
	return gameID, nil
}

func (d *DB) insertFile(tx *sql.Tx, gameID int64, kind model.FileType, idx int, f *model.File) error {
	const q = `INSERT INTO file (game_id, kind, file_idx, name, merge_name, size, size_known, crc, md5, sha1, status, location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sizeKnown := 0
	if f.Size.Known {
		sizeKnown = 1
	}
	var crc, md5b, sha1b []byte
	if f.Hashes != nil {
		crc, md5b, sha1b = f.Hashes.Crc(), f.Hashes.Md5(), f.Hashes.Sha1()
	}

	var err error
	if tx != nil {
		_, err = tx.Exec(q, gameID, int(kind), idx, f.Name, f.Merge, f.Size.Value, sizeKnown, crc, md5b, sha1b, int(f.Status), int(f.Location))
	} else {
		stmt, perr := d.prepared(q)
		if perr != nil {
			return perr
		}
		_, err = stmt.Exec(gameID, int(kind), idx, f.Name, f.Merge, f.Size.Value, sizeKnown, crc, md5b, sha1b, int(f.Status), int(f.Location))
	}
	if err != nil {
		return ckerr.Catalog.Wrap(err, "inserting file %s", f.Name)
	}
	return nil
}

// Game loads one game (with its roms and disks) by dat index and name.
func (d *DB) Game(datIndex int64, name string) (*model.Game, error) {
	stmt, err := d.prepared(`SELECT id, name, description, parent, grandparent FROM game WHERE dat_id = ? AND name = ?`)
	if err != nil {
		return nil, err
	}
	g := &model.Game{DatIndex: datIndex}
	if err := stmt.QueryRow(datIndex, name).Scan(&g.ID, &g.Name, &g.Description, &g.Parent, &g.Grandparent); err != nil {
		if err == sql.ErrNoRows {
			return nil, ckerr.NotFound.New("game %s not found in dat %d", name, datIndex)
		}
		return nil, ckerr.Catalog.Wrap(err, "loading game %s", name)
	}

	rows, err := d.prepared(`SELECT kind, name, merge_name, size, size_known, crc, md5, sha1, status, location FROM file WHERE game_id = ? ORDER BY kind, file_idx`)
	if err != nil {
		return nil, err
	}
	rs, err := rows.Query(g.ID)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "loading files for game %s", name)
	}
	defer rs.Close()

	for rs.Next() {
		var kind, sizeKnown, status, location int
		var fname string
		var mergeName sql.NullString
		var size sql.NullInt64
		var crc, md5b, sha1b []byte
		if err := rs.Scan(&kind, &fname, &mergeName, &size, &sizeKnown, &crc, &md5b, &sha1b, &status, &location); err != nil {
			return nil, ckerr.Catalog.Wrap(err, "scanning file row")
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
		sz := model.Size{}
		if sizeKnown != 0 {
			sz = model.KnownSize(size.Int64)
		}

		if model.FileType(kind) == model.FileTypeDisk {
			g.Disks = append(g.Disks, &model.Disk{
				Name:     fname,
				Merge:    mergeName.String,
				Hashes:   h,
				Status:   model.Status(status),
				Location: model.Location(location),
			})
		} else {
			g.Roms = append(g.Roms, &model.File{
				Name:     fname,
				Merge:    mergeName.String,
				Size:     sz,
				Hashes:   h,
				Status:   model.Status(status),
				Location: model.Location(location),
			})
		}
	}
	return g, rs.Err()
}

// HashMatch is one row returned by FileByHash: the game and file-within-game
// a given content hash resolves to, per spec.md §4.E "file-by-hash
// (primary-hash indexed lookup)".
type HashMatch struct {
	GameName  string
	FileIndex int
}

// FileByHash looks games up by primary hash: CRC for roms/samples, MD5
// (falling back to SHA1) for disks, picking the query variant that matches
// which hash the caller actually has. Entries with status=nodump are never
// indexed by content and so never returned here — callers match those by
// name only.
func (d *DB) FileByHash(datIndex int64, kind model.FileType, h *hashes.Hashes) ([]HashMatch, error) {
	var column string
	var key []byte
	switch {
	case kind != model.FileTypeDisk && h.Has(hashes.TypeCrc):
		column, key = "crc", h.Crc()
	case kind == model.FileTypeDisk && h.Has(hashes.TypeMd5):
		column, key = "md5", h.Md5()
	case kind == model.FileTypeDisk && h.Has(hashes.TypeSha1):
		column, key = "sha1", h.Sha1()
	default:
		return nil, ckerr.NotFound.New("no primary hash available for file type %d", kind)
	}

	query := fmt.Sprintf(`SELECT game.name, file.file_idx FROM file
		JOIN game ON game.id = file.game_id
		WHERE game.dat_id = ? AND file.kind = ? AND file.status != ? AND file.%s = ?`, column)
	rows, err := d.DB.Query(query, datIndex, int(kind), int(model.StatusNoDump), key)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "looking up file by hash")
	}
	defer rows.Close()

	var out []HashMatch
	for rows.Next() {
		var m HashMatch
		if err := rows.Scan(&m.GameName, &m.FileIndex); err != nil {
			return nil, ckerr.Catalog.Wrap(err, "scanning hash match row")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FileByName looks up every (game, file_idx) pair across datIndex whose
// rom/disk name equals name; unlike FileByHash it does not leave out
// nodump entries.
func (d *DB) FileByName(datIndex int64, kind model.FileType, name string) ([]HashMatch, error) {
	stmt, err := d.prepared(`SELECT game.name, file.file_idx FROM file
		JOIN game ON game.id = file.game_id
		WHERE game.dat_id = ? AND file.kind = ? AND file.name = ?`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(datIndex, int(kind), name)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "looking up file by name")
	}
	defer rows.Close()

	var out []HashMatch
	for rows.Next() {
		var m HashMatch
		if err := rows.Scan(&m.GameName, &m.FileIndex); err != nil {
			return nil, ckerr.Catalog.Wrap(err, "scanning name match row")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateFileLocation rewrites just the location column for one file,
// identified by (game name, kind, file_idx) the way the pairing pass
// re-homes a file's location after it's matched to an ancestor or
// quarantine slot, per spec.md §4.E "dedicated update query".
func (d *DB) UpdateFileLocation(datIndex int64, gameName string, kind model.FileType, fileIdx int, loc model.Location) error {
	stmt, err := d.prepared(`UPDATE file SET location = ?
		WHERE file_idx = ? AND kind = ? AND game_id = (
			SELECT id FROM game WHERE dat_id = ? AND name = ?
		)`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(int(loc), fileIdx, int(kind), datIndex, gameName); err != nil {
		return ckerr.Catalog.Wrap(err, "updating location for %s file %d", gameName, fileIdx)
	}
	return nil
}

// HashTypesInUse reports which hash types appear on at least one non-nodump
// row of the given file type within datIndex, letting a caller size its
// memory-index lookups to only the hash columns actually populated.
func (d *DB) HashTypesInUse(datIndex int64, kind model.FileType) (hashes.Types, error) {
	row := d.DB.QueryRow(`SELECT
			MAX(CASE WHEN crc IS NOT NULL AND length(crc) > 0 THEN 1 ELSE 0 END),
			MAX(CASE WHEN md5 IS NOT NULL AND length(md5) > 0 THEN 1 ELSE 0 END),
			MAX(CASE WHEN sha1 IS NOT NULL AND length(sha1) > 0 THEN 1 ELSE 0 END)
		FROM file JOIN game ON game.id = file.game_id
		WHERE game.dat_id = ? AND file.kind = ? AND file.status != ?`,
		datIndex, int(kind), int(model.StatusNoDump))

	var hasCrc, hasMd5, hasSha1 sql.NullInt64
	if err := row.Scan(&hasCrc, &hasMd5, &hasSha1); err != nil {
		if err == sql.ErrNoRows {
			return hashes.TypeNone, nil
		}
		return hashes.TypeNone, ckerr.Catalog.Wrap(err, "computing hash types in use")
	}

	var t hashes.Types
	if hasCrc.Int64 != 0 {
		t |= hashes.TypeCrc
	}
	if hasMd5.Int64 != 0 {
		t |= hashes.TypeMd5
	}
	if hasSha1.Int64 != 0 {
		t |= hashes.TypeSha1
	}
	return t, nil
}

// GameNames returns every game name registered under datIndex, in name
// order, used to drive the per-game check/fix pass.
func (d *DB) GameNames(datIndex int64) ([]string, error) {
	stmt, err := d.prepared(`SELECT name FROM game WHERE dat_id = ? ORDER BY name`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(datIndex)
	if err != nil {
		return nil, ckerr.Catalog.Wrap(err, "listing games")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, ckerr.Catalog.Wrap(err, "scanning game name")
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// InsertDetectorRules persists a detector's rules (and their tests) as
// belonging to datIndex, so a check pass can reload them without
// re-parsing the original detector XML file every run.
func (d *DB) InsertDetectorRules(tx *sql.Tx, datIndex int64, det *model.Detector) error {
	for _, rule := range det.Rules {
		res, err := tx.Exec(`INSERT INTO detector_rule (dat_id, start_offset, end_offset, operation) VALUES (?, ?, ?, ?)`,
			datIndex, rule.StartOffset, rule.EndOffset, int(rule.Operation))
		if err != nil {
			return ckerr.Catalog.Wrap(err, "inserting detector rule")
		}
		ruleID, err := res.LastInsertId()
		if err != nil {
			return ckerr.Catalog.Wrap(err, "reading detector rule id")
		}
		for seq, t := range rule.Tests {
			po2 := 0
			if t.PowerOfTwo {
				po2 = 1
			}
			result := 0
			if t.Result {
				result = 1
			}
			_, err := tx.Exec(`INSERT INTO detector_test
				(rule_id, seq, kind, offset, length, mask, value, result, power_of_two)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ruleID, seq, int(t.Type), t.Offset, t.Length, t.Mask, t.Value, result, po2)
			if err != nil {
				return ckerr.Catalog.Wrap(err, "inserting detector test")
			}
		}
	}
	return nil
}

// LostChild names a game queued during import because its declared parent
// had not yet been seen, per spec.md §4.E "Catalog rebuild".
type LostChild struct {
	GameName   string
	ParentName string
	FileType   model.FileType
}

// cycleError is returned by FinalizeLostChildren when the queue
// cannot reach a fixed point within len(queue)+1 rounds, meaning the import
// declared a cloneof cycle (spec.md §9 Open Questions: the original's
// finalization loop is unbounded and must instead report the cycle).
type cycleError struct {
	remaining []LostChild
}

func (e *cycleError) Error() string {
	names := make([]string, len(e.remaining))
	for i, lc := range e.remaining {
		names[i] = lc.GameName
	}
	return fmt.Sprintf("cloneof cycle or unresolved parent among games: %v", names)
}

// FinalizeLostChildren repeatedly walks queue, dropping each lost child
// once resolved reports its parent now exists in the catalog, until no
// round makes progress. It only filters the queue: no file row's location
// is updated for a resolved child. A round that resolves nothing removes
// nothing, so the loop is bounded by len(queue)+1 rounds rather than
// running until a fixed point that might
// never arrive — a cloneof cycle is reported as an error naming the
// remaining unresolved games instead of looping forever.
func (d *DB) FinalizeLostChildren(datIndex int64, queue []LostChild, resolved func(parentName string) bool) ([]LostChild, error) {
	remaining := append([]LostChild(nil), queue...)

	for round := 0; round < len(queue)+1 && len(remaining) > 0; round++ {
		next := remaining[:0]
		progressed := false
		for _, lc := range remaining {
			if resolved(lc.ParentName) {
				progressed = true
				continue
			}
			next = append(next, lc)
		}
		remaining = next
		if !progressed {
			break
		}
	}

	if len(remaining) > 0 {
		return remaining, &cycleError{remaining: remaining}
	}
	return nil, nil
}

// ClearCloneOf removes gameName's parent/grandparent links, used when
// FinalizeLostChildren gives up on a game: spec.md §4.E "if a declared
// parent never appears, the child's cloneof is cleared."
func (d *DB) ClearCloneOf(datIndex int64, gameName string) error {
	stmt, err := d.prepared(`UPDATE game SET parent = '', grandparent = '' WHERE dat_id = ? AND name = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(datIndex, gameName); err != nil {
		return ckerr.Catalog.Wrap(err, "clearing cloneof for %s", gameName)
	}
	return nil
}
