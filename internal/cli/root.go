// Package cli wires the pgbackup command-line surface (spec §6) onto
// internal/backup's orchestrator: a primary backup command plus a hidden
// worker subcommand that internal/dispatch spawns as a subprocess.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbp1/pgbackup-core/internal/backup"
	"github.com/vbp1/pgbackup-core/internal/debug"
	"github.com/vbp1/pgbackup-core/internal/filter"
	"github.com/vbp1/pgbackup-core/internal/lock"
	"github.com/vbp1/pgbackup-core/internal/log"
	"github.com/vbp1/pgbackup-core/internal/manifest"
	"github.com/vbp1/pgbackup-core/internal/repo"
	"github.com/vbp1/pgbackup-core/internal/util/signalctx"
	"github.com/vbp1/pgbackup-core/internal/worker"
)

// Config holds the parsed flag/env surface of spec §6. Secrets
// (repo1-cipher-pass) are read from the environment only, never bound to a
// flag, so they never show up in `ps`.
type Config struct {
	Stanza      string
	Repo1Path   string
	PgDataPaths []string
	PgHosts     []string
	PgPorts     []int

	ProcessMax int

	Type         string
	StartFast    bool
	StopAuto     bool
	ChecksumPage bool

	CompressType  string
	CompressLevel int

	Repo1HardLink bool
	CipherType    string

	BackupStandby bool
	Online        bool
	Force         bool
	Delta         bool
	Resume        bool

	ManifestSaveThreshold int64

	ArchiveCheck   bool
	ArchiveCopy    bool
	ArchiveTimeout time.Duration

	PgUser string

	Debug      bool
	Verbose    bool
	KeepRunTmp bool
	Progress   string
}

var cfg = &Config{}

// RootCmd is the main entry point invoked from cmd/pgbackup.
var RootCmd = &cobra.Command{
	Use:           "pgbackup",
	Short:         "Physical PostgreSQL backup with parallel file copy, resume, and incremental/differential support",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(cfg.Debug, cfg.Verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.Info("pgbackup starting", "stanza", cfg.Stanza, "type", cfg.Type)

		debug.StopIf("before-main")

		if cfg.Repo1Path == "" {
			return fmt.Errorf("--repo1-path required")
		}
		if len(cfg.PgDataPaths) == 0 || cfg.PgDataPaths[0] == "" {
			return fmt.Errorf("--pg1-path required")
		}

		lk := lock.New(filepath.Join(cfg.Repo1Path, "backup", cfg.Stanza))
		ok, err := lk.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another pgbackup process is running for stanza %s", cfg.Stanza)
		}
		defer func() { _ = lk.Unlock() }()

		ctx, cancel, _ := signalctx.WithSignals(context.Background())
		defer cancel()

		bCfg, err := buildBackupConfig(cfg)
		if err != nil {
			return err
		}

		if err := backup.Run(ctx, bCfg); err != nil {
			return err
		}

		slog.Info("pgbackup finished successfully")
		return nil
	},
}

func buildBackupConfig(c *Config) (*backup.Config, error) {
	typ, err := parseBackupType(c.Type)
	if err != nil {
		return nil, err
	}
	compressType, err := filter.ParseCompressionType(c.CompressType)
	if err != nil {
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}

	bCfg := &backup.Config{
		Stanza:      c.Stanza,
		Repo1Path:   c.Repo1Path,
		PgDataPaths: c.PgDataPaths,
		PgHosts:     c.PgHosts,

		ProcessMax:   c.ProcessMax,
		Type:         typ,
		StartFast:    c.StartFast,
		StopAuto:     c.StopAuto,
		ChecksumPage: c.ChecksumPage,

		CompressType:  compressType,
		CompressLevel: c.CompressLevel,

		Repo1HardLink: c.Repo1HardLink,
		CipherType:    c.CipherType,
		CipherPass:    os.Getenv("PGBACKUP_REPO1_CIPHER_PASS"),

		BackupStandby: c.BackupStandby,
		Online:        c.Online,
		Force:         c.Force,
		Delta:         c.Delta,
		Resume:        c.Resume,

		ManifestSaveThreshold: c.ManifestSaveThreshold,

		ArchiveCheck:   c.ArchiveCheck,
		ArchiveCopy:    c.ArchiveCopy,
		ArchiveTimeout: c.ArchiveTimeout,

		ProducerVersion: versionString(),

		WorkerBin:    self,
		WorkerArgs:   []string{"worker", "--repo1-path", filepath.Join(c.Repo1Path, "backup", c.Stanza)},
		ShowProgress: c.Progress != "none",

		KeepRunTmp: c.KeepRunTmp,
	}

	if c.Online {
		bCfg.ConnString = connString(c.PgUser, hostAt(c.PgHosts, 0), portAt(c.PgPorts, 0), c.PgDataPaths[0])
		if c.BackupStandby {
			if len(c.PgHosts) < 2 {
				return nil, fmt.Errorf("--backup-standby requires pg2-host")
			}
			if len(c.PgDataPaths) < 2 || c.PgDataPaths[1] == "" {
				return nil, fmt.Errorf("--backup-standby requires pg2-path")
			}
			bCfg.StandbyConnString = connString(c.PgUser, hostAt(c.PgHosts, 1), portAt(c.PgPorts, 1), "")
			bCfg.StandbyPgDataPath = c.PgDataPaths[1]
		}
	}

	return bCfg, nil
}

func parseBackupType(s string) (manifest.BackupType, error) {
	switch strings.ToLower(s) {
	case "", "full":
		return manifest.TypeFull, nil
	case "diff":
		return manifest.TypeDiff, nil
	case "incr":
		return manifest.TypeIncr, nil
	default:
		return "", fmt.Errorf("unknown --type %q, want full|diff|incr", s)
	}
}

func hostAt(hosts []string, i int) string {
	if i < len(hosts) {
		return hosts[i]
	}
	return "localhost"
}

func portAt(ports []int, i int) int {
	if i < len(ports) && ports[i] != 0 {
		return ports[i]
	}
	return 5432
}

func connString(user, host string, port int, fallbackSocketDir string) string {
	if user == "" {
		user = "postgres"
	}
	if host == "" && fallbackSocketDir != "" {
		host = fallbackSocketDir
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=postgres replication=database", host, port, user)
}

func versionString() string { return "pgbackup-core/1.0" }

// workerCmd is the hidden subprocess entrypoint internal/dispatch spawns:
// it speaks the line-delimited JSON protocol of internal/worker over its
// own stdin/stdout and never touches the terminal.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := repo.NewLocalStore(workerRepoRoot)
		return worker.Serve(os.Stdin, os.Stdout, store)
	},
}

var workerRepoRoot string

// Execute parses flags and runs the root command.
func Execute() error { return RootCmd.Execute() }

func init() {
	f := RootCmd.Flags()
	f.StringVar(&cfg.Stanza, "stanza", "", "Backup stanza name (required)")
	f.StringVar(&cfg.Repo1Path, "repo1-path", "", "Repository root path (required)")
	f.StringSliceVar(&cfg.PgDataPaths, "pg-path", nil, "PGDATA path(s), pg1-path first (required); pg2-path is the standby's PGDATA root for --backup-standby")
	f.StringSliceVar(&cfg.PgHosts, "pg-host", nil, "PostgreSQL host(s), pg1-host first (online mode)")
	f.IntSliceVar(&cfg.PgPorts, "pg-port", nil, "PostgreSQL port(s), pg1-port first (default 5432)")
	f.StringVar(&cfg.PgUser, "pg-user", "postgres", "Replication user for online mode")

	f.IntVar(&cfg.ProcessMax, "process-max", 1, "Number of parallel worker subprocesses")

	f.StringVar(&cfg.Type, "type", "full", "Backup type: full|diff|incr")
	f.BoolVar(&cfg.StartFast, "start-fast", false, "Request an immediate checkpoint at backup start")
	f.BoolVar(&cfg.StopAuto, "stop-auto", true, "Let the server manage the end-of-backup checkpoint")
	f.BoolVar(&cfg.ChecksumPage, "checksum-page", false, "Validate page checksums while copying data files")

	f.StringVar(&cfg.CompressType, "compress-type", "none", "Compression codec: none|gz|zst|lz4|bz2")
	f.IntVar(&cfg.CompressLevel, "compress-level", 0, "Compression level (0 selects the codec default)")

	f.BoolVar(&cfg.Repo1HardLink, "repo1-hardlink", false, "Also hard-link referenced unchanged files from the prior backup into the new backup directory")
	f.StringVar(&cfg.CipherType, "repo1-cipher-type", "none", "Repository encryption: none|aes-256-cbc (passphrase via PGBACKUP_REPO1_CIPHER_PASS)")

	f.BoolVar(&cfg.BackupStandby, "backup-standby", false, "Prefer reading files from a standby (pg2-host)")
	f.BoolVar(&cfg.Online, "online", true, "Coordinate with the running server via the replication protocol")
	f.BoolVar(&cfg.Force, "force", false, "Proceed despite a stale postmaster.pid (offline mode)")
	f.BoolVar(&cfg.Delta, "delta", false, "Force a full rescan of an existing diff/incr chain target")
	f.BoolVar(&cfg.Resume, "resume", true, "Resume a previously interrupted backup of the same type when possible")

	f.Int64Var(&cfg.ManifestSaveThreshold, "manifest-save-threshold", 100<<20, "Bytes copied between periodic backup.manifest.copy saves")

	f.BoolVar(&cfg.ArchiveCheck, "archive-check", true, "Wait for WAL to reach the archive before finishing")
	f.BoolVar(&cfg.ArchiveCopy, "archive-copy", false, "Copy the backup's WAL segments into the repository")
	f.DurationVar(&cfg.ArchiveTimeout, "archive-timeout", 60*time.Second, "Timeout waiting for archive-check")

	f.BoolVar(&cfg.Debug, "debug", false, "Enable debug trace output")
	f.BoolVar(&cfg.Verbose, "verbose", false, "Verbose output")
	f.BoolVar(&cfg.KeepRunTmp, "keep-run-tmp", false, "Preserve temporary run directory")
	f.StringVar(&cfg.Progress, "progress", "auto", "Progress display mode: auto|bar|none")

	_ = RootCmd.MarkFlagRequired("stanza")
	_ = RootCmd.MarkFlagRequired("repo1-path")
	_ = RootCmd.MarkFlagRequired("pg-path")

	workerCmd.Flags().StringVar(&workerRepoRoot, "repo1-path", "", "Repository root path (required)")
	_ = workerCmd.MarkFlagRequired("repo1-path")
	RootCmd.AddCommand(workerCmd)
}
