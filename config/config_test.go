package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
)

const sampleINI = `
[general]
verbosity = 2

[rom]
path = /mnt/roms

[catalog]
db = /var/ckmame/catalog.db
`

func TestLoadParsesINI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ckmame.ini")
	if err := ioutil.WriteFile(path, []byte(sampleINI), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.General.Verbosity != 2 {
		t.Fatalf("expected verbosity 2, got %d", c.General.Verbosity)
	}
	if len(c.Rom.Path) != 1 || c.Rom.Path[0] != "/mnt/roms" {
		t.Fatalf("unexpected rom path: %v", c.Rom.Path)
	}
	if c.Catalog.Db != "/var/ckmame/catalog.db" {
		t.Fatalf("unexpected catalog db: %s", c.Catalog.Db)
	}
}

func TestLoadFallsBackToEnv(t *testing.T) {
	t.Setenv("MAMEDB", "/env/catalog.db")
	t.Setenv("ROMPATH", "/env/roms")

	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Catalog.Db != "/env/catalog.db" {
		t.Fatalf("expected env fallback for catalog db, got %q", c.Catalog.Db)
	}
	if len(c.Rom.Path) != 1 || c.Rom.Path[0] != "/env/roms" {
		t.Fatalf("expected env fallback for rom path, got %v", c.Rom.Path)
	}
}
