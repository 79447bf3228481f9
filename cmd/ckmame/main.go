// Command ckmame verifies, repairs, and inspects MAME-style ROM sets
// against a catalog built from DAT files, built as a
// github.com/uwedeportivo/commander command tree with a
// github.com/gonuts/flag flag set per subcommand, the same structure as
// the teacher's cmds/romba/main.go + service/commander.go.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gonuts/flag"
	"github.com/uwedeportivo/commander"

	"github.com/nih-at/ckmame-sub002/archive"
	"github.com/nih-at/ckmame-sub002/catalog"
	"github.com/nih-at/ckmame-sub002/check"
	"github.com/nih-at/ckmame-sub002/config"
	"github.com/nih-at/ckmame-sub002/detector"
	"github.com/nih-at/ckmame-sub002/dirscan"
	"github.com/nih-at/ckmame-sub002/fix"
	"github.com/nih-at/ckmame-sub002/hashes"
	"github.com/nih-at/ckmame-sub002/matcher"
	"github.com/nih-at/ckmame-sub002/model"
	"github.com/nih-at/ckmame-sub002/runner"
)

func main() {
	cmd := newCommand(os.Stdout)

	if err := cmd.Flag.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parsing command line failed: %v\n", err)
		os.Exit(1)
	}

	if err := cmd.Run(cmd.Flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newCommand builds the ckmame command tree, mirroring the teacher's
// service/commander.go newCommand: one root *commander.Command with a
// fixed-size Subcommands slice, each slot a literal with its own flag set.
func newCommand(writer io.Writer) *commander.Command {
	cmd := new(commander.Command)
	cmd.UsageLine = "ckmame"
	cmd.Subcommands = make([]*commander.Command, 3)
	cmd.Flag = *flag.NewFlagSet("ckmame", flag.ContinueOnError)
	cmd.Stdout = writer
	cmd.Stderr = writer

	cmd.Subcommands[0] = &commander.Command{
		Run:       runCheck,
		UsageLine: "check [-fix] [-config ckmame.ini] <dat name>",
		Short:     "Verifies a ROM set against the catalog, optionally repairing it.",
		Long: `
Checks every game in the named DAT's catalog entry against the configured
ROM search directories, classifying each game as correct, fixable, partial,
old, or missing. With -fix, actionable mismatches are repaired in place.`,
		Flag:   *flag.NewFlagSet("ckmame-check", flag.ContinueOnError),
		Stdout: writer,
		Stderr: writer,
	}
	cmd.Subcommands[0].Flag.String("config", "ckmame.ini", "path to the ckmame.ini configuration file")
	cmd.Subcommands[0].Flag.Bool("fix", false, "repair actionable mismatches instead of only reporting them")
	cmd.Subcommands[0].Flag.Bool("keep-unused", false, "move superfluous files aside instead of deleting them")

	cmd.Subcommands[1] = &commander.Command{
		Run:       runInspect,
		UsageLine: "inspect [-config ckmame.ini] <path>",
		Short:     "Prints the file descriptor ckmame would compute for each entry of a ROM archive.",
		Long: `
Opens the given zip file or directory (CHD images are not read) and prints the size and
hash set ckmame would compute for each entry, after any configured
detector strips a known header.`,
		Flag:   *flag.NewFlagSet("ckmame-inspect", flag.ContinueOnError),
		Stdout: writer,
		Stderr: writer,
	}
	cmd.Subcommands[1].Flag.String("config", "ckmame.ini", "path to the ckmame.ini configuration file")

	cmd.Subcommands[2] = &commander.Command{
		Run:       runDump,
		UsageLine: "dump [-config ckmame.ini] <dat name>",
		Short:     "Lists the games known to the catalog for the named DAT.",
		Long: `
Prints every game name the catalog has recorded for the named DAT, one per
line, the way a -listinfo dump does for a DAT file itself.`,
		Flag:   *flag.NewFlagSet("ckmame-dump", flag.ContinueOnError),
		Stdout: writer,
		Stderr: writer,
	}
	cmd.Subcommands[2].Flag.String("config", "ckmame.ini", "path to the ckmame.ini configuration file")

	return cmd
}

func loadConfig(cmd *commander.Command) (*config.Config, error) {
	path := cmd.Flag.Lookup("config").Value.Get().(string)
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return config.Load(path)
}

// runCheck is the "check" subcommand's Run: it wires config, catalog,
// dirscan, the matcher/check engines, and (with -fix) the fix engine
// together through runner.Drive, one game at a time. The memory index is
// not consulted.
func runCheck(cmd *commander.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("check: expected exactly one DAT name, got %d args", len(args))
	}
	datName := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	doFix := cmd.Flag.Lookup("fix").Value.Get().(bool)

	db, err := catalog.Open(cfg.Catalog.Db, true)
	if err != nil {
		return err
	}
	defer db.Close()

	datIndex, err := db.DatIndexByName(datName)
	if err != nil {
		return err
	}

	var det *model.Detector
	if cfg.Detector.File != "" {
		det, err = detector.ParseFile(cfg.Detector.File)
		if err != nil {
			return err
		}
	}

	names, err := db.GameNames(datIndex)
	if err != nil {
		return err
	}

	var roots []string
	for _, p := range cfg.Rom.Path {
		roots = append(roots, p)
	}

	summary := check.NewSummary()
	progress := runner.NewProgress(32)

	err = runner.Drive(names, progress, func(name string) error {
		game, err := db.Game(datIndex, name)
		if err != nil {
			return err
		}
		return checkAndMaybeFixGame(cmd, game, roots, det, summary, doFix, cfg)
	})
	if err != nil {
		return err
	}

	p50, p90, p99 := summary.Percentiles()
	fmt.Fprintf(cmd.Stdout, "correct=%d fixable=%d partial=%d old=%d missing=%d p50=%s p90=%s p99=%s\n",
		summary.Correct, summary.Fixable, summary.Partial, summary.Old, summary.Missing,
		humanDuration(p50), humanDuration(p90), humanDuration(p99))
	return nil
}

// checkAndMaybeFixGame diagnoses a single game's romset entry (if any
// search root holds one) and, with -fix, applies the resulting plan.
func checkAndMaybeFixGame(cmd *commander.Command, game *model.Game, roots []string, det *model.Detector, summary *check.Summary, doFix bool, cfg *config.Config) error {
	archivePath, found := locateGameArchive(game.Name, roots)
	if !found {
		r := check.Game(summary, game.Name, game.Roms, nil, diskFiles(game), nil)
		fmt.Fprintf(cmd.Stdout, "%s: %s\n", game.Name, r.Status)
		return nil
	}

	a, err := archive.Open(archivePath, archive.KindZip, model.FileTypeRom, archive.FlagNone)
	if err != nil {
		return err
	}
	defer a.Close()

	var romCandidates []*matcher.Candidate
	for i := 0; i < a.NumFiles(); i++ {
		f := a.File(i)
		romCandidates = append(romCandidates, &matcher.Candidate{Archive: a, Index: i, File: f})
	}

	r := check.Game(summary, game.Name, game.Roms, romCandidates, diskFiles(game), nil)
	fmt.Fprintf(cmd.Stdout, "%s: %s\n", game.Name, r.Status)

	keepUnused := cmd.Flag.Lookup("keep-unused").Value.Get().(bool)
	if doFix && r.Status == model.GameFixable {
		policy := fix.Policy{DeleteFromAncestor: !keepUnused, DeleteExtra: !keepUnused}
		plan := fix.BuildPlan(game.Name, r, policy)
		if len(plan.Actions) > 0 {
			if err := fix.Apply(a, plan); err != nil {
				return err
			}
		}
	}

	if doFix {
		wantNames := make(map[string]bool, len(game.Roms))
		for _, rom := range game.Roms {
			wantNames[rom.Name] = true
		}
		cleanup, err := fix.CleanSuperfluous(a, wantNames, keepUnused)
		if err != nil {
			return err
		}
		// CleanSuperfluous stages keep-aside renames on a directly even when
		// it returns no Actions, so Apply still needs to run to commit them.
		if len(cleanup.Actions) > 0 || keepUnused {
			if err := fix.Apply(a, cleanup); err != nil {
				return err
			}
		}
	}
	return nil
}

// humanDuration formats a per-game check latency in microseconds with
// comma-grouped digits, the same humanize.Comma treatment service/stats.go
// gives its own histogram bucket counts.
func humanDuration(microseconds int64) string {
	return humanize.Comma(microseconds) + "us"
}

func diskFiles(game *model.Game) []*model.File {
	var out []*model.File
	for _, d := range game.Disks {
		out = append(out, &model.File{Name: d.Name, Merge: d.Merge, Hashes: d.Hashes, Status: d.Status})
	}
	return out
}

func locateGameArchive(name string, roots []string) (string, bool) {
	for _, root := range roots {
		entries, err := dirscan.Scan(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			base := e.Name
			if dot := len(base) - 4; dot > 0 && base[dot:] == ".zip" {
				base = base[:dot]
			}
			if base == name {
				return e.Path, true
			}
		}
	}
	return "", false
}

// runInspect opens a single path and reports what ckmame would compute
// for each entry's descriptor, after stripping any configured detector
// header.
func runInspect(cmd *commander.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("inspect: expected exactly one path, got %d args", len(args))
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var det *model.Detector
	if cfg.Detector.File != "" {
		det, err = detector.ParseFile(cfg.Detector.File)
		if err != nil {
			return err
		}
	}

	kind, err := archive.DetectKind(args[0])
	if err != nil {
		return err
	}
	a, err := archive.Open(args[0], kind, model.FileTypeRom, archive.FlagReadOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	for i := 0; i < a.NumFiles(); i++ {
		f := a.File(i)
		if err := a.FileComputeHashes(i, hashes.TypeAll); err != nil {
			fmt.Fprintf(cmd.Stdout, "%s: error: %v\n", f.Name, err)
			continue
		}
		f = a.File(i)

		if det != nil {
			if rc, err := a.FileOpen(i); err == nil {
				buf, readErr := io.ReadAll(rc)
				rc.Close()
				if readErr == nil {
					if view, err := detector.ApplyAndHash(det, buf, f.Hashes.Types()); err == nil {
						fmt.Fprintf(cmd.Stdout, "%s: size=%d hashes=%s detector-size=%d detector-hashes=%s\n",
							f.Name, f.Size.Value, f.Hashes, view.Size.Value, view.Hashes)
						continue
					}
				}
			}
		}
		fmt.Fprintf(cmd.Stdout, "%s: size=%d hashes=%s\n", f.Name, f.Size.Value, f.Hashes)
	}
	return nil
}

// runDump lists the catalog's known game names for the named DAT.
func runDump(cmd *commander.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("dump: expected exactly one DAT name, got %d args", len(args))
	}
	datName := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := catalog.Open(cfg.Catalog.Db, true)
	if err != nil {
		return err
	}
	defer db.Close()

	datIndex, err := db.DatIndexByName(datName)
	if err != nil {
		return err
	}

	names, err := db.GameNames(datIndex)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(cmd.Stdout, n)
	}
	return nil
}
