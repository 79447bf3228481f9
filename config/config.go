// Package config is the INI-backed configuration for the ckmame CLI, read
// with scalingdata/gcfg exactly the way the teacher's cmds/romba/main.go
// loads romba.ini into its own Config struct, generalized from romba's
// General/Depot/Index sections to the rom-set/search-path/catalog sections
// spec.md §6 describes.
package config

import (
	"os"

	"github.com/scalingdata/gcfg"

	"github.com/nih-at/ckmame-sub002/ckerr"
)

// Config is the root of ckmame.ini, mirroring the teacher's nested-struct
// gcfg layout (one Go struct field per INI section/key).
type Config struct {
	General struct {
		Verbosity int
		LogDir    string
	}

	Rom struct {
		// Path lists ROM search roots (repeatable key).
		Path []string
	}

	Catalog struct {
		// Db is the catalog sqlite file; defaults to MAMEDB env var.
		Db string
		// DbOld is the previous-version catalog used by "old" comparisons.
		DbOld string
	}

	Detector struct {
		// File points at a clrmamepro detector XML used to strip headers.
		File string
	}

	Fix struct {
		DoFix      bool
		KeepUnused bool
	}
}

const (
	envMameDB     = "MAMEDB"
	envMameDBOld  = "MAMEDB_OLD"
	envROMPath    = "ROMPATH"
	envDebugMemDB = "CKMAME_DEBUG_MEMDB"
)

// Load reads path as a gcfg INI file and fills in the catalog and ROM paths
// from the environment (MAMEDB, MAMEDB_OLD, ROMPATH) wherever the file left
// them empty, the way ckmame's original CLI lets env vars stand in for
// missing ini/flag values.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		if err := gcfg.ReadFileInto(c, path); err != nil {
			return nil, ckerr.Format.Wrap(err, "reading config %s", path)
		}
	}

	if c.Catalog.Db == "" {
		c.Catalog.Db = os.Getenv(envMameDB)
	}
	if c.Catalog.DbOld == "" {
		c.Catalog.DbOld = os.Getenv(envMameDBOld)
	}
	if len(c.Rom.Path) == 0 {
		if p := os.Getenv(envROMPath); p != "" {
			c.Rom.Path = []string{p}
		}
	}
	return c, nil
}

// DebugMemDBPath returns the CKMAME_DEBUG_MEMDB override, or "" if unset,
// for redirecting package memindex's in-memory store to disk.
func DebugMemDBPath() string {
	return os.Getenv(envDebugMemDB)
}
