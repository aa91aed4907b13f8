// Package backup implements the backup orchestrator of spec §4.I: the
// state machine that drives manifest construction, the parallel job
// dispatcher, and PostgreSQL's backup-mode protocol into one committed
// backup directory under the repository.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vbp1/pgbackup-core/internal/debug"
	"github.com/vbp1/pgbackup-core/internal/dispatch"
	"github.com/vbp1/pgbackup-core/internal/filter"
	"github.com/vbp1/pgbackup-core/internal/manifest"
	"github.com/vbp1/pgbackup-core/internal/pgcontrol"
	"github.com/vbp1/pgbackup-core/internal/pgproto"
	"github.com/vbp1/pgbackup-core/internal/process"
	"github.com/vbp1/pgbackup-core/internal/repo"
	"github.com/vbp1/pgbackup-core/internal/resume"
	"github.com/vbp1/pgbackup-core/internal/runctx"
	"github.com/vbp1/pgbackup-core/internal/worker"
)

// manifestFileName/manifestCopyName/infoFileName/infoCopyName are the
// repository's well-known file names, per spec §6.
const (
	manifestFileName = "backup.manifest"
	manifestCopyName = "backup.manifest.copy"
	infoFileName     = "backup.info"
	infoCopyName     = "backup.info.copy"
	latestLinkName   = "latest"
)

// PostmasterRunningError means an offline backup was refused because
// postmaster.pid exists and force was not set.
type PostmasterRunningError struct{ PgData string }

func (e *PostmasterRunningError) Error() string {
	return fmt.Sprintf("backup: postmaster.pid present in %s; server appears to be running (use force to override)", e.PgData)
}

// NoChangesError is raised by a diff/incr backup that finds no files have
// changed since the referenced prior backup (spec §8 scenario 3).
type NoChangesError struct{}

func (e *NoChangesError) Error() string { return "backup: no files have changed since the last backup" }

// Orchestrator holds everything that must be torn down or finalized once
// per backup run. Step methods mutate it in place, mirroring the teacher's
// clone.Orchestrator layout.
type Orchestrator struct {
	cfg   *Config
	store repo.Store
	run   *runctx.RunCtx

	pg        *pgproto.Client // nil when offline
	standbyPg *pgproto.Client // non-nil only for backup-standby

	dispatcher *dispatch.Dispatcher

	label        string
	backupStart  time.Time
	pgControl    pgcontrol.PgControl
	info         *manifest.Info
	priorFull    *manifest.Manifest
	priorRef     *manifest.Manifest // the backup this diff/incr actually references
	resumed      *manifest.Manifest // the partial backup being resumed, if any
	resumedLabel string

	live manifest.Manifest

	startResult pgproto.BackupStartResult
	stopResult  pgproto.BackupStopResult
}

// Run drives the full state machine of spec §4.I for one backup attempt.
func Run(ctx context.Context, cfg *Config) error {
	o := &Orchestrator{cfg: cfg}
	defer o.Close()

	process.KillChildrenOnCancel(ctx, 5*time.Second)

	if err := o.stepVerifyPg(ctx); err != nil {
		return err
	}
	if err := o.stepResumeScan(ctx); err != nil {
		return err
	}
	if err := o.stepLabelAssign(ctx); err != nil {
		return err
	}
	if err := o.stepBackupStart(ctx); err != nil {
		return err
	}
	if err := o.stepBuildManifest(ctx); err != nil {
		return err
	}
	if err := o.stepEnqueueAndApply(ctx); err != nil {
		return err
	}
	if err := o.stepBackupStop(ctx); err != nil {
		return err
	}
	if err := o.stepWriteLabel(ctx); err != nil {
		return err
	}
	if err := o.stepArchiveCheck(ctx); err != nil {
		return err
	}
	if err := o.stepFinalize(ctx); err != nil {
		return err
	}

	slog.Info("backup completed", "label", o.label, "type", o.cfg.Type)
	return nil
}

// Close tears down external resources. Safe to call multiple times.
func (o *Orchestrator) Close() {
	if o.dispatcher != nil {
		o.dispatcher.Close(5 * time.Second)
		o.dispatcher = nil
	}
	if o.pg != nil {
		_ = o.pg.Close(context.Background())
		o.pg = nil
	}
	if o.standbyPg != nil {
		_ = o.standbyPg.Close(context.Background())
		o.standbyPg = nil
	}
	if o.run != nil {
		_ = o.run.Cleanup()
		o.run = nil
	}
}

func (o *Orchestrator) repoRoot() string {
	return filepath.Join(o.cfg.Repo1Path, "backup", o.cfg.Stanza)
}

func (o *Orchestrator) backupDir(label string) string {
	return label
}

// stepVerifyPg opens the primary (and, for backup-standby, the standby)
// connection, or refuses an offline backup against a running postmaster.
func (o *Orchestrator) stepVerifyPg(ctx context.Context) error {
	debug.StopIf("VERIFY_PG")

	o.store = repo.NewLocalStore(o.repoRoot())
	if err := os.MkdirAll(o.repoRoot(), 0o750); err != nil {
		return fmt.Errorf("backup: create repo root: %w", err)
	}

	run, err := runctx.New("pgbackup_", o.cfg.KeepRunTmp)
	if err != nil {
		return fmt.Errorf("backup: create run tmp dir: %w", err)
	}
	o.run = run

	pgData := o.cfg.PgDataPaths[0]

	if !o.cfg.Online {
		if _, err := os.Stat(filepath.Join(pgData, "postmaster.pid")); err == nil {
			if !o.cfg.Force {
				return &PostmasterRunningError{PgData: pgData}
			}
			slog.Warn("postmaster.pid present but force set; proceeding with offline backup")
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pg, err := pgproto.Open(gctx, o.cfg.ConnString, false)
		if err != nil {
			return fmt.Errorf("backup: connect to primary: %w", err)
		}
		o.pg = pg
		return nil
	})
	if o.cfg.BackupStandby {
		g.Go(func() error {
			standby, err := pgproto.Open(gctx, o.cfg.StandbyConnString, true)
			if err != nil {
				return fmt.Errorf("backup: connect to standby: %w", err)
			}
			o.standbyPg = standby
			return nil
		})
	}
	return g.Wait()
}

// stepResumeScan looks for a partial backup directory of the same type and
// either adopts its already-copied files or purges it, per spec §4.J.
func (o *Orchestrator) stepResumeScan(ctx context.Context) error {
	debug.StopIf("RESUME_SCAN")

	entries, err := os.ReadDir(o.repoRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("backup: scan repo root: %w", err)
	}

	suffix := typeSuffix(o.cfg.Type)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		dir := filepath.Join(o.repoRoot(), e.Name())
		if _, err := os.Stat(filepath.Join(dir, manifestFileName)); err == nil {
			continue // committed backup, not a resume candidate
		}
		copyPath := filepath.Join(dir, manifestCopyName)
		raw, err := os.ReadFile(copyPath)
		if err != nil {
			continue // no manifest copy: nothing usable to resume
		}
		resumed, err := manifest.Load(raw)
		if err != nil {
			slog.Warn("resume: partial manifest unreadable, purging", "label", e.Name(), "err", err)
			_ = os.RemoveAll(dir)
			continue
		}

		err = resume.CheckCompatible(resume.CompatOptions{
			ResumeEnabled:     o.cfg.Resume,
			ProducerVersion:   o.cfg.ProducerVersion,
			ResumedVersion:    resumed.Data.ProducerVersion,
			PriorLabel:        "", // filled once LABEL_ASSIGN determines the prior; diff/incr only
			ResumedPriorLabel: resumed.Data.BackupLabelPrior,
			CompressType:      o.cfg.CompressType.String(),
			ResumedCompress:   resumed.Data.CompressType,
		})
		if err != nil {
			slog.Warn("resume: partial backup incompatible, purging", "label", e.Name(), "reason", err)
			_ = os.RemoveAll(dir)
			continue
		}

		o.resumed = resumed
		o.resumedLabel = e.Name()
		slog.Info("resume: adopting partial backup", "label", e.Name())
		return nil
	}
	return nil
}

func typeSuffix(t manifest.BackupType) string {
	switch t {
	case manifest.TypeDiff:
		return "D"
	case manifest.TypeIncr:
		return "I"
	default:
		return "F"
	}
}

// stepLabelAssign loads backup.info, resolves the prior backup for
// diff/incr (coercing to full with a warning if none exists), and assigns
// the new monotonic label.
func (o *Orchestrator) stepLabelAssign(ctx context.Context) error {
	debug.StopIf("LABEL_ASSIGN")

	info, existing, err := o.loadInfo()
	if err != nil {
		return err
	}
	o.info = info

	typ := o.cfg.Type
	var priorLabel string
	if typ == manifest.TypeDiff || typ == manifest.TypeIncr {
		full, ok := info.LatestFull()
		if !ok {
			slog.Warn("no prior full backup exists; coercing backup type to full", "requested", typ)
			typ = manifest.TypeFull
		} else {
			priorLabel = full.Label
			if err := o.loadPriorChain(full.Label); err != nil {
				return err
			}
			o.enforceOptionInheritance()
		}
	}
	o.cfg.Type = typ

	if o.resumed != nil {
		if resumeErr := resume.CheckCompatible(resume.CompatOptions{
			ResumeEnabled:     o.cfg.Resume,
			ProducerVersion:   o.cfg.ProducerVersion,
			ResumedVersion:    o.resumed.Data.ProducerVersion,
			PriorLabel:        priorLabel,
			ResumedPriorLabel: o.resumed.Data.BackupLabelPrior,
			CompressType:      o.cfg.CompressType.String(),
			ResumedCompress:   o.resumed.Data.CompressType,
		}); resumeErr != nil {
			slog.Warn("resume: prior-label changed since partial was written, purging", "label", o.resumedLabel, "reason", resumeErr)
			_ = os.RemoveAll(filepath.Join(o.repoRoot(), o.resumedLabel))
			o.resumed = nil
			o.resumedLabel = ""
		}
	}

	label, now, err := AssignLabel(time.Now(), typ, priorLabel, existing)
	if err != nil {
		return err
	}
	o.label = label
	o.backupStart = now

	if err := os.MkdirAll(filepath.Join(o.repoRoot(), o.backupDir(label)), 0o750); err != nil {
		return fmt.Errorf("backup: create backup directory: %w", err)
	}
	return nil
}

func (o *Orchestrator) loadInfo() (*manifest.Info, map[string]bool, error) {
	raw, err := os.ReadFile(filepath.Join(o.repoRoot(), infoFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return manifest.NewInfo(), map[string]bool{}, nil
		}
		return nil, nil, fmt.Errorf("backup: read backup.info: %w", err)
	}
	info, err := manifest.LoadInfo(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("backup: parse backup.info: %w", err)
	}
	existing := make(map[string]bool, len(info.Backups))
	for label := range info.Backups {
		existing[label] = true
	}
	return info, existing, nil
}

// loadPriorChain loads the prior full backup's manifest and, if this
// backup is an incr and the latest backup is also an incr, that latest
// manifest as the reference. A diff always references the full, even when
// the latest backup is an incr (spec §4.I).
func (o *Orchestrator) loadPriorChain(fullLabel string) error {
	full, err := o.loadManifest(fullLabel)
	if err != nil {
		return err
	}
	o.priorFull = full
	o.priorRef = full

	if o.cfg.Type == manifest.TypeIncr {
		if latest, ok := o.info.Latest(); ok && latest.Type == manifest.TypeIncr {
			ref, err := o.loadManifest(latest.Label)
			if err == nil {
				o.priorRef = ref
			}
		}
	}
	return nil
}

func (o *Orchestrator) loadManifest(label string) (*manifest.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(o.repoRoot(), label, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("backup: read manifest for %s: %w", label, err)
	}
	return manifest.Load(raw)
}

// enforceOptionInheritance reverts compress-type/hardlink/checksum-page to
// the referenced prior backup's values on mismatch, per spec §4.I.
func (o *Orchestrator) enforceOptionInheritance() {
	prior := o.priorRef.Data
	if o.cfg.CompressType.String() != prior.CompressType {
		slog.Warn("compress-type cannot change for diff/incr backups; reverting", "requested", o.cfg.CompressType, "prior", prior.CompressType)
		if ct, err := filter.ParseCompressionType(prior.CompressType); err == nil {
			o.cfg.CompressType = ct
		}
	}
	if o.cfg.Repo1HardLink != prior.HardLink {
		slog.Warn("repo1-hardlink cannot change for diff/incr backups; reverting", "requested", o.cfg.Repo1HardLink, "prior", prior.HardLink)
		o.cfg.Repo1HardLink = prior.HardLink
	}
	if o.cfg.ChecksumPage != prior.ChecksumPage {
		slog.Warn("checksum-page cannot change for diff/incr backups; reverting", "requested", o.cfg.ChecksumPage, "prior", prior.ChecksumPage)
		o.cfg.ChecksumPage = prior.ChecksumPage
	}
}

// stepBackupStart parses pg_control and, online, issues pg_start_backup;
// offline it does nothing further.
func (o *Orchestrator) stepBackupStart(ctx context.Context) error {
	debug.StopIf("BACKUP_START")

	ctrlPath := filepath.Join(o.cfg.PgDataPaths[0], "global", "pg_control")
	raw, err := os.ReadFile(ctrlPath)
	if err != nil {
		return fmt.Errorf("backup: read pg_control: %w", err)
	}
	pc, err := pgcontrol.Parse(raw)
	if err != nil {
		return err
	}
	o.pgControl = pc

	if o.pg == nil {
		return nil // offline: no backup-mode protocol to invoke
	}

	res, err := o.pg.BackupStart(ctx, o.cfg.Stanza+" "+o.label, o.cfg.StartFast)
	if err != nil {
		return err
	}
	o.startResult = res
	slog.Info("backup started", "lsn", res.LsnStart, "wal", res.WalSegmentStart)
	return nil
}

// stepBuildManifest walks the live cluster, classifies files against the
// prior backup for diff/incr, and folds in any resumed partial backup's
// already-copied files, per spec §4.E and §4.J.
func (o *Orchestrator) stepBuildManifest(ctx context.Context) error {
	debug.StopIf("BUILD_MANIFEST")

	tablespaces, err := o.discoverTablespaces(ctx)
	if err != nil {
		return err
	}

	data := manifest.ManifestData{
		BackupLabel:     o.label,
		BackupType:      o.cfg.Type,
		PgVersion:       o.pgControl.Version.String(),
		ProducerVersion: o.cfg.ProducerVersion,
		SystemID:        o.pgControl.SystemID,
		LsnStart:        o.startResult.LsnStart,
		WalStart:        o.startResult.WalSegmentStart,
		TimestampStart:  o.backupStart,
		CompressType:    o.cfg.CompressType.String(),
		HardLink:        o.cfg.Repo1HardLink,
		ChecksumPage:    o.cfg.ChecksumPage,
		Delta:           o.cfg.Delta,
	}
	if o.priorRef != nil {
		data.BackupLabelPrior = o.priorRef.Data.BackupLabel
	}

	live, err := manifest.BuildLive(data, manifest.BuildOptions{
		PgDataPath:  o.cfg.PgDataPaths[0],
		PageSize:    o.pgControl.PageSize,
		ArchiveCopy: o.cfg.ArchiveCopy,
		Tablespaces: tablespaces,
	})
	if err != nil {
		return err
	}

	for name, f := range live.Files {
		if resume.FutureTimestamped(f.Timestamp, o.backupStart) {
			if !o.cfg.Delta {
				slog.Warn("file has a future timestamp relative to backup start; forcing delta mode", "file", name)
				o.cfg.Delta = true
				live.Data.Delta = true
			}
		}
	}

	if o.priorRef != nil {
		manifest.ClassifyAgainstPrior(live, o.priorRef, o.cfg.Delta)
		if allReferenced(live) {
			return &NoChangesError{}
		}
	}

	o.applyResumed(live)
	o.live = *live
	o.linkReferencedFiles()
	return nil
}

// linkReferencedFiles hard-links every file the live manifest marked as a
// Reference into this backup's own directory when repo1-hardlink is set,
// so the backup directory is self-contained for restore without having to
// walk the reference chain. A link failure (e.g. cross-device repo) just
// leaves the file as a manifest-only reference; restore still works by
// following Reference back to the owning backup.
func (o *Orchestrator) linkReferencedFiles() {
	if !o.cfg.Repo1HardLink {
		return
	}
	ls, ok := o.store.(*repo.LocalStore)
	if !ok {
		return
	}
	suffix := o.cfg.CompressType.Suffix()
	for name, f := range o.live.Files {
		if f.Reference == "" {
			continue
		}
		src := filepath.Join(f.Reference, filepath.FromSlash(name)) + suffix
		dst := filepath.Join(o.label, filepath.FromSlash(name)) + suffix
		if !ls.TryHardLink(src, dst) {
			slog.Warn("repo1-hardlink: could not link referenced file, leaving reference-only", "file", name)
		}
	}
}

// applyResumed folds keep/remove decisions from a resumed partial backup
// into the freshly built live manifest, per spec §4.J.
func (o *Orchestrator) applyResumed(live *manifest.Manifest) {
	if o.resumed == nil {
		return
	}
	dir := filepath.Join(o.repoRoot(), o.resumedLabel)

	for name, rf := range o.resumed.Files {
		lf, present := live.Files[name]
		repoPath := filepath.Join(dir, filepath.FromSlash(name))
		if o.cfg.CompressType != filter.CompressNone {
			repoPath += o.cfg.CompressType.Suffix()
		}
		st, statErr := os.Stat(repoPath)

		fc := resume.FileContext{
			Name:                name,
			RepoFilePresent:     statErr == nil,
			ManifestSize:        rf.SizeRepo,
			CompressSuffixMatch: true,
			ChecksumPresent:     rf.Sha1 != "",
			IsReference:         rf.Reference != "",
			PresentInLive:       present,
			MismatchedTimestamp: present && !lf.Timestamp.Equal(rf.Timestamp),
			ZeroSize:            rf.Size == 0,
		}
		if statErr == nil {
			fc.RepoFileSize = st.Size()
		}

		if resume.Classify(fc) == resume.DecisionKeep {
			lf.Sha1 = rf.Sha1
			lf.SizeRepo = rf.SizeRepo
			lf.ChecksumPage = rf.ChecksumPage
			lf.ChecksumPageErrorList = rf.ChecksumPageErrorList
			live.Files[name] = lf
			// Move the resumed copy into the new backup directory under its
			// new label so the worker's NoOp/Checksum path can find it.
			newPath := filepath.Join(o.repoRoot(), o.label, filepath.FromSlash(name))
			if o.cfg.CompressType != filter.CompressNone {
				newPath += o.cfg.CompressType.Suffix()
			}
			_ = os.MkdirAll(filepath.Dir(newPath), 0o750)
			_ = os.Rename(repoPath, newPath)
		}
	}
	_ = os.RemoveAll(dir)
	o.resumed = nil
}

func allReferenced(live *manifest.Manifest) bool {
	for _, f := range live.Files {
		if f.Reference == "" {
			return false
		}
	}
	return len(live.Files) > 0
}

// discoverTablespaces reads pg_tblspc's symlinks directly, which works
// whether or not a database connection is available; an online backup
// additionally fills in tablespace names from pg_tablespace.
func (o *Orchestrator) discoverTablespaces(ctx context.Context) ([]manifest.TablespaceMapping, error) {
	dir := filepath.Join(o.cfg.PgDataPaths[0], "pg_tblspc")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: list pg_tblspc: %w", err)
	}

	names := map[uint32]string{}
	if o.pg != nil {
		tss, err := o.pg.TablespaceList(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range tss {
			names[t.OID] = t.Name
		}
	}

	var out []manifest.TablespaceMapping
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		dest, err := os.Readlink(full)
		if err != nil {
			continue
		}
		oid, _ := strconv.ParseUint(e.Name(), 10, 32)
		out = append(out, manifest.TablespaceMapping{ID: e.Name(), Name: names[uint32(oid)], Path: dest})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// parseLSN parses PostgreSQL's "XXXXXXXX/XXXXXXXX" log sequence number
// text form into its underlying 64-bit value (high segment before the
// slash, low 32 bits after), for use as the page checksum's LSN cutoff.
func parseLSN(s string) uint64 {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return 0
	}
	hi, err1 := strconv.ParseUint(s[:idx], 16, 32)
	lo, err2 := strconv.ParseUint(s[idx+1:], 16, 32)
	if err1 != nil || err2 != nil {
		return 0
	}
	return (hi << 32) | lo
}

// resolveSourcePath maps a manifest entry name ("pg_data/base/...",
// "pg_tblspc/16384/...") back to its absolute filesystem path under
// whichever target owns it.
func (o *Orchestrator) resolveSourcePath(name string) (string, error) {
	for targetName, t := range o.live.Targets {
		prefix := targetName + "/"
		if strings.HasPrefix(name, prefix) {
			rel := strings.TrimPrefix(name, prefix)
			return filepath.Join(t.Path, filepath.FromSlash(rel)), nil
		}
	}
	return "", fmt.Errorf("backup: no target owns manifest entry %q", name)
}

// resolveStandbySourcePath is resolveSourcePath's counterpart for
// --backup-standby (spec §4.I): the pg_data target is rooted at
// StandbyPgDataPath instead of PgDataPaths[0]; tablespace targets keep
// their absolute path, since tablespace directories are assumed mounted
// identically on both hosts (no SSH-based remote translation is in scope
// per spec §1).
func (o *Orchestrator) resolveStandbySourcePath(name string) (string, error) {
	for targetName, t := range o.live.Targets {
		prefix := targetName + "/"
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rel := strings.TrimPrefix(name, prefix)
		root := t.Path
		if t.Kind == manifest.TargetPgData {
			root = o.cfg.StandbyPgDataPath
		}
		return filepath.Join(root, filepath.FromSlash(rel)), nil
	}
	return "", fmt.Errorf("backup: no target owns manifest entry %q", name)
}

// standbyCopySource decides, for one file, whether the copy should read
// from the standby or fall back to the primary (spec §4.I / §9 Open
// Question 2). The orchestrator reads from the standby only when its
// current size exactly matches the manifest's recorded (primary) size: a
// smaller standby size means it hasn't replayed the file's growth yet
// (spec §4.I's stated rule), and a larger standby size means the primary
// may have since truncated the relation (the Open Question's resolution:
// take the smaller of the two sizes, which is always the primary's
// recorded size in that case). Either way falling back to the primary is
// safe since PgFileCopyExactSize truncates the read to catalogSize.
func (o *Orchestrator) standbyCopySource(name string, primarySrc string, catalogSize int64) (src string, fromPrimary bool, err error) {
	standbySrc, err := o.resolveStandbySourcePath(name)
	if err != nil {
		return "", false, err
	}
	st, statErr := os.Stat(standbySrc)
	if statErr != nil || st.Size() != catalogSize {
		return primarySrc, true, nil
	}
	return standbySrc, false, nil
}

// stepEnqueueAndApply builds one dispatch.Job per non-referenced file,
// runs them through the parallel job dispatcher, and applies each result
// to the live manifest as it arrives, periodically re-serializing the
// manifest copy so a future resume has something to adopt (spec §4.G/§4.I).
func (o *Orchestrator) stepEnqueueAndApply(ctx context.Context) error {
	debug.StopIf("ENQUEUE_LOOP")

	jobs := make([]dispatch.Job, 0, len(o.live.Files))
	var totalBytes int64
	for name, f := range o.live.Files {
		if f.Reference != "" {
			continue // bytes already owned by a prior backup
		}
		src, err := o.resolveSourcePath(name)
		if err != nil {
			return err
		}
		fromPrimary := true
		if o.cfg.BackupStandby {
			src, fromPrimary, err = o.standbyCopySource(name, src, f.Size)
			if err != nil {
				return err
			}
		}
		f.Primary = fromPrimary
		o.live.Files[name] = f
		jobs = append(jobs, dispatch.Job{
			Key: name,
			Params: worker.JobParams{
				PgFile:                     src,
				IgnoreMissing:              true,
				PgFileSize:                 f.Size,
				PgFileCopyExactSize:        true,
				PgFileChecksum:             f.Sha1,
				PgFileChecksumPage:         f.ChecksumPage != nil && *f.ChecksumPage,
				PgFileChecksumPageLsnLimit: parseLSN(o.startResult.LsnStart),
				RepoFile:                  o.label + "/" + name,
				RepoFileHasReference:      false,
				RepoFileCompress:          o.cfg.CompressType,
				RepoFileCompressLevel:     o.cfg.CompressLevel,
				BackupLabel:               o.label,
				Delta:                     o.cfg.Delta,
				CipherSubPass:             o.cfg.CipherPass,
			},
		})
		totalBytes += f.Size
	}

	workerBin := o.cfg.WorkerBin
	if workerBin == "" {
		if exe, err := os.Executable(); err == nil {
			workerBin = exe
		}
	}

	var savedBytes, nextSave int64
	if o.cfg.ManifestSaveThreshold > 0 {
		nextSave = o.cfg.ManifestSaveThreshold
	}

	d, err := dispatch.New(ctx, dispatch.Config{
		WorkerCount:  o.cfg.ProcessMax,
		WorkerBin:    workerBin,
		WorkerArgs:   o.cfg.WorkerArgs,
		ShowProgress: o.cfg.ShowProgress,
		TotalBytes:   totalBytes,
		OnResult: func(r dispatch.JobResult) {
			if r.Err != nil {
				return
			}
			f := o.live.Files[r.Key]
			f.SizeRepo = r.Result.RepoSize
			f.Sha1 = r.Result.CopyChecksum
			if r.Result.PageChecksumResult != nil {
				f.ChecksumPageErrorList = pageRangesFrom(r.Result.PageChecksumResult)
			}
			o.live.Files[r.Key] = f

			savedBytes += r.Result.RepoSize
			if nextSave > 0 && savedBytes >= nextSave {
				if serr := o.saveManifestCopy(); serr != nil {
					slog.Warn("manifest-save-threshold resave failed", "err", serr)
				}
				nextSave = savedBytes + o.cfg.ManifestSaveThreshold
			}
		},
	})
	if err != nil {
		return fmt.Errorf("backup: start dispatcher: %w", err)
	}
	o.dispatcher = d

	results, err := d.Run(ctx, jobs)
	if err != nil {
		return fmt.Errorf("backup: file copy dispatch failed: %w", err)
	}
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("backup: worker fault copying %s: %w", r.Key, r.Err)
		}
	}

	o.dispatcher.Close(5 * time.Second)
	o.dispatcher = nil
	return o.saveManifestCopy()
}

func pageRangesFrom(pc *filter.PageCheckResult) []manifest.PageRange {
	out := make([]manifest.PageRange, 0, len(pc.ErrorList))
	for _, r := range pc.ErrorList {
		out = append(out, manifest.PageRange{Start: r.Start, End: r.End})
	}
	return out
}

// saveManifestCopy serializes the in-progress live manifest to
// backup.manifest.copy, the file a future resume attempt reads back
// (spec §4.J). It is not the final, checksummed commit (stepFinalize
// writes backup.manifest itself); re-saving mid-backup only protects
// against losing already-copied bytes if the process is interrupted.
func (o *Orchestrator) saveManifestCopy() error {
	raw, err := manifest.Serialize(&o.live)
	if err != nil {
		return fmt.Errorf("backup: serialize manifest copy: %w", err)
	}
	path := filepath.Join(o.repoRoot(), o.label, manifestCopyName)
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return fmt.Errorf("backup: write manifest copy: %w", err)
	}
	return nil
}

// stepBackupStop issues pg_stop_backup (online) and writes backup_label /
// tablespace_map into the repository copy of pg_data, per spec §4.F/§4.I.
func (o *Orchestrator) stepBackupStop(ctx context.Context) error {
	debug.StopIf("BACKUP_STOP")

	if o.pg == nil {
		o.live.Data.TimestampStop = time.Now()
		return nil
	}

	res, err := o.pg.BackupStop(ctx)
	if err != nil {
		return fmt.Errorf("backup: pg_stop_backup: %w", err)
	}
	o.stopResult = res
	o.live.Data.LsnStop = res.LsnStop
	o.live.Data.WalStop = res.WalSegmentStop
	o.live.Data.TimestampStop = time.Now()

	if res.BackupLabel != "" {
		if err := o.writeRepoFile("pg_data/backup_label", []byte(res.BackupLabel)); err != nil {
			return err
		}
	}
	if res.TablespaceMap != "" {
		if err := o.writeRepoFile("pg_data/tablespace_map", []byte(res.TablespaceMap)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) writeRepoFile(relPath string, contents []byte) error {
	path := filepath.Join(o.repoRoot(), o.label, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("backup: create parent for %s: %w", relPath, err)
	}
	if err := os.WriteFile(path, contents, 0o640); err != nil {
		return fmt.Errorf("backup: write %s: %w", relPath, err)
	}
	return nil
}

// stepWriteLabel commits the final, checksummed manifest and updates
// backup.info with the new backup's entry, per spec §3/§4.I.
func (o *Orchestrator) stepWriteLabel(ctx context.Context) error {
	debug.StopIf("WRITE_LABEL")

	raw, err := manifest.Serialize(&o.live)
	if err != nil {
		return fmt.Errorf("backup: serialize final manifest: %w", err)
	}
	path := filepath.Join(o.repoRoot(), o.label, manifestFileName)
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return fmt.Errorf("backup: write final manifest: %w", err)
	}
	_ = os.Remove(filepath.Join(o.repoRoot(), o.label, manifestCopyName))

	o.info.Add(manifest.BackupEntry{
		Label:        o.label,
		Type:         o.cfg.Type,
		PriorLabel:   o.live.Data.BackupLabelPrior,
		Timestamp:    o.live.Data.TimestampStop,
		PgVersion:    o.live.Data.PgVersion,
		SystemID:     o.live.Data.SystemID,
		CompressType: o.live.Data.CompressType,
	})
	infoRaw, err := manifest.SerializeInfo(o.info)
	if err != nil {
		return fmt.Errorf("backup: serialize backup.info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(o.repoRoot(), infoFileName), infoRaw, 0o640); err != nil {
		return fmt.Errorf("backup: write backup.info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(o.repoRoot(), infoCopyName), infoRaw, 0o640); err != nil {
		return fmt.Errorf("backup: write backup.info.copy: %w", err)
	}

	latest := filepath.Join(o.repoRoot(), latestLinkName)
	_ = os.Remove(latest)
	if err := os.Symlink(o.label, latest); err != nil {
		slog.Warn("backup: could not update latest symlink", "err", err)
	}
	return nil
}

// stepArchiveCheck waits for every WAL segment spanning the backup to
// reach the archive, per spec §4.F/§4.I, and optionally copies them into
// the repository.
func (o *Orchestrator) stepArchiveCheck(ctx context.Context) error {
	debug.StopIf("ARCHIVE_CHECK")

	if !o.cfg.ArchiveCheck || o.pg == nil {
		return nil
	}

	if err := o.pg.ReplayWait(ctx, o.live.Data.LsnStop, o.cfg.ArchiveTimeout); err != nil {
		return err
	}

	if !o.cfg.ArchiveCopy {
		return nil
	}
	return o.copyArchivedWAL()
}

// copyArchivedWAL copies every WAL segment between the backup's start and
// stop segments from pg_data/pg_wal into the backup's own pg_wal
// directory, so the backup is self-contained for a PITR restore.
func (o *Orchestrator) copyArchivedWAL() error {
	walDir := filepath.Join(o.cfg.PgDataPaths[0], "pg_wal")
	entries, err := os.ReadDir(walDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("backup: list pg_wal: %w", err)
	}

	start, stop := o.live.Data.WalStart, o.live.Data.WalStop
	for _, e := range entries {
		name := e.Name()
		if len(name) != 24 || name < start || (stop != "" && name > stop) {
			continue
		}
		src := filepath.Join(walDir, name)
		raw, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("backup: read WAL segment %s: %w", name, err)
		}
		if err := o.writeRepoFile(filepath.Join("pg_wal", name), raw); err != nil {
			return err
		}
	}
	return nil
}

// stepFinalize re-reads pg_control and logs a warning when the system
// identifier changed during the backup window. It does not compare
// timelines and does not change the delta setting of any backup.
func (o *Orchestrator) stepFinalize(ctx context.Context) error {
	debug.StopIf("FINALIZE")

	if o.pg == nil {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(o.cfg.PgDataPaths[0], "global", "pg_control"))
	if err != nil {
		return nil // best-effort; absence here doesn't invalidate a completed backup
	}
	pc, err := pgcontrol.Parse(raw)
	if err != nil {
		return nil
	}
	if pc.SystemID != o.pgControl.SystemID {
		slog.Warn("backup: system identifier changed during backup window; cluster may have been promoted/restored")
	}
	return nil
}
