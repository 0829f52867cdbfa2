package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/usagehub/usagehub/internal/backup"
	"github.com/usagehub/usagehub/internal/config"
	"github.com/usagehub/usagehub/internal/parser"
	"github.com/usagehub/usagehub/internal/server"
	"github.com/usagehub/usagehub/internal/store"
	"github.com/usagehub/usagehub/internal/sync"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "sync":
			runSync(os.Args[2:])
			return
		case "resync":
			runResync(os.Args[2:])
			return
		case "backup":
			runBackup(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("usagehub %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`usagehub %s - local usage analytics for AI coding tools

Syncs usage events from Claude Code, Codex, and OpenCode into
SQLite, keeps per-session and hourly/daily/monthly rollups
consistent, and serves them via a local JSON API.

Usage:
  usagehub [flags]          Start the server (default command)
  usagehub serve [flags]    Start the server (explicit)
  usagehub sync             Run one sync pass and exit
  usagehub resync           Wipe and re-ingest everything (with
                            safety backup) and exit
  usagehub backup [flags]   Create or list backups
  usagehub version          Show version information
  usagehub help             Show this help

Server flags:
  -host string           Host to bind to (default "127.0.0.1")
  -port int              Port to listen on (default 8184)
  -sync-strategy string  watch or interval (default "watch")

Backup flags:
  -list                  List backups instead of creating one

Environment variables:
  CLAUDE_USAGE_DIR     Claude Code usage directory
  CODEX_USAGE_DIR      Codex usage directory
  OPENCODE_DB          OpenCode database path
  USAGEHUB_DATA_DIR    Data directory (database, config, backups)

Data is stored in ~/.usagehub/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	st := mustOpenStore(cfg)
	defer st.Close()

	backups := backup.NewManager(
		st, cfg.BackupDir, cfg.LegacyBackupDir,
	)
	orch := buildOrchestrator(cfg, st, backups, nil)

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, st, orch, backups,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)
	orch.SetNotify(srv.NotifyDataUpdated)

	fmt.Println("Running initial sync...")
	orch.SyncAll()

	orch.Start()
	defer orch.Stop()

	scheduler := backup.NewScheduler(
		backups, st,
		cfg.BackupInterval, cfg.BackupKeep, cfg.BackupEnabled,
	)
	scheduler.Start()
	defer scheduler.Stop()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runSync(args []string) {
	cfg := mustLoadMinimal(args)
	st := mustOpenStore(cfg)
	defer st.Close()

	backups := backup.NewManager(
		st, cfg.BackupDir, cfg.LegacyBackupDir,
	)
	orch := buildOrchestrator(cfg, st, backups, nil)
	orch.SyncAll()

	cursors, err := st.ListCursors()
	if err != nil {
		log.Fatalf("listing cursors: %v", err)
	}
	total, err := st.EventCount()
	if err != nil {
		log.Fatalf("counting events: %v", err)
	}
	fmt.Printf(
		"Sync complete: %d event(s) across %d source(s)\n",
		total, len(cursors),
	)
}

func runResync(args []string) {
	cfg := mustLoadMinimal(args)
	st := mustOpenStore(cfg)
	defer st.Close()

	backups := backup.NewManager(
		st, cfg.BackupDir, cfg.LegacyBackupDir,
	)
	orch := buildOrchestrator(cfg, st, backups, nil)

	fmt.Println("Running full resync...")
	if err := orch.FullResync(); err != nil {
		log.Fatalf("full resync: %v", err)
	}
	fmt.Println("Full resync complete")
}

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	list := fs.Bool("list", false, "List backups")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg := mustLoadMinimal(nil)
	st := mustOpenStore(cfg)
	defer st.Close()

	backups := backup.NewManager(
		st, cfg.BackupDir, cfg.LegacyBackupDir,
	)

	if *list {
		artifacts, err := backups.List()
		if err != nil {
			log.Fatalf("listing backups: %v", err)
		}
		for _, a := range artifacts {
			fmt.Printf(
				"%-8s %s  %d bytes  %s\n",
				a.Kind, a.CreatedAt.Format("2006-01-02 15:04"),
				a.Size, a.Name,
			)
		}
		return
	}

	a, err := backups.Create(backup.KindManual)
	if err != nil {
		log.Fatalf("creating backup: %v", err)
	}
	fmt.Printf("Created %s (%d bytes)\n", a.Name, a.Size)
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("usagehub", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: usagehub [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustLoadMinimal(_ []string) config.Config {
	cfg, err := config.LoadMinimal()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustOpenStore(cfg config.Config) *store.Store {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	return st
}

// buildOrchestrator registers one sync source per configured root
// plus the foreign OpenCode database when its file exists.
func buildOrchestrator(
	cfg config.Config, st *store.Store,
	backups *backup.Manager, notify func(),
) *sync.Orchestrator {
	var sources []sync.Source

	if def, ok := parser.SourceByName("claude"); ok {
		for _, dir := range cfg.ResolveClaudeDirs() {
			sources = append(
				sources, sync.NewFileSource(st, def, dir),
			)
		}
	}
	if def, ok := parser.SourceByName("codex"); ok {
		for _, dir := range cfg.ResolveCodexDirs() {
			sources = append(
				sources, sync.NewFileSource(st, def, dir),
			)
		}
	}
	if def, ok := parser.SourceByName("opencode"); ok {
		if cfg.OpenCodeDB != "" {
			sources = append(
				sources,
				sync.NewCursorSource(st, def, cfg.OpenCodeDB),
			)
		}
	}

	return sync.NewOrchestrator(
		st, backups, sources, orchestratorSettings(cfg), notify,
	)
}

func orchestratorSettings(cfg config.Config) sync.Settings {
	strategy := sync.Strategy(cfg.SyncStrategy)
	if strategy != sync.StrategyInterval {
		strategy = sync.StrategyWatch
	}
	return sync.Settings{
		Strategy:     strategy,
		Interval:     cfg.SyncInterval,
		PostSyncHook: cfg.PostSyncHook,
	}
}
