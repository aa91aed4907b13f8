package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgbackup-core/internal/filter"
	"github.com/vbp1/pgbackup-core/internal/manifest"
)

func TestParseLSN(t *testing.T) {
	require.Equal(t, uint64(0), parseLSN(""))
	require.Equal(t, uint64(0), parseLSN("not-an-lsn"))
	require.Equal(t, (uint64(0)<<32)|0x28, parseLSN("0/28"))
	require.Equal(t, (uint64(1)<<32)|0x4000000, parseLSN("1/4000000"))
}

func TestTypeSuffix(t *testing.T) {
	require.Equal(t, "F", typeSuffix(manifest.TypeFull))
	require.Equal(t, "D", typeSuffix(manifest.TypeDiff))
	require.Equal(t, "I", typeSuffix(manifest.TypeIncr))
}

func TestAllReferenced(t *testing.T) {
	m := manifest.New(manifest.ManifestData{})
	require.False(t, allReferenced(m), "an empty manifest has nothing to reference")

	m.Files["pg_data/a"] = manifest.FileInfo{Name: "pg_data/a", Reference: "20260101-000000F"}
	require.True(t, allReferenced(m))

	m.Files["pg_data/b"] = manifest.FileInfo{Name: "pg_data/b"}
	require.False(t, allReferenced(m))
}

func TestPageRangesFrom(t *testing.T) {
	pc := &filter.PageCheckResult{ErrorList: []filter.PageRange{{Start: 0, End: 0}, {Start: 2, End: 3}}}
	got := pageRangesFrom(pc)
	require.Equal(t, []manifest.PageRange{{Start: 0, End: 0}, {Start: 2, End: 3}}, got)
}

func newTestOrchestrator(t *testing.T, pgDataPath, standbyPgDataPath string) *Orchestrator {
	t.Helper()
	m := manifest.New(manifest.ManifestData{})
	m.Targets["pg_data"] = manifest.Target{Name: "pg_data", Kind: manifest.TargetPgData, Path: pgDataPath}
	m.Targets["pg_tblspc/16384"] = manifest.Target{
		Name: "pg_tblspc/16384", Kind: manifest.TargetTablespace, Path: filepath.Join(pgDataPath, "..", "ts1"),
	}
	return &Orchestrator{
		cfg:  &Config{StandbyPgDataPath: standbyPgDataPath},
		live: *m,
	}
}

func TestResolveSourcePathUsesPrimaryRoot(t *testing.T) {
	o := newTestOrchestrator(t, "/var/lib/pg/primary", "/var/lib/pg/standby")

	got, err := o.resolveSourcePath("pg_data/base/1/3")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/var/lib/pg/primary", "base/1/3"), got)

	_, err = o.resolveSourcePath("no_such_target/x")
	require.Error(t, err)
}

func TestResolveStandbySourcePathRootsPgDataAtStandbyPath(t *testing.T) {
	o := newTestOrchestrator(t, "/var/lib/pg/primary", "/var/lib/pg/standby")

	got, err := o.resolveStandbySourcePath("pg_data/base/1/3")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/var/lib/pg/standby", "base/1/3"), got)
}

func TestResolveStandbySourcePathKeepsTablespaceRootUnchanged(t *testing.T) {
	o := newTestOrchestrator(t, "/var/lib/pg/primary", "/var/lib/pg/standby")

	got, err := o.resolveStandbySourcePath("pg_tblspc/16384/1/3")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(filepath.Join("/var/lib/pg/primary", "..", "ts1"), "1/3"), got)
}

func TestStandbyCopySourceFallsBackToPrimaryWhenStandbyFileMissing(t *testing.T) {
	primaryRoot := t.TempDir()
	standbyRoot := t.TempDir()
	o := newTestOrchestrator(t, primaryRoot, standbyRoot)

	primarySrc := filepath.Join(primaryRoot, "base/1/3")
	src, fromPrimary, err := o.standbyCopySource("pg_data/base/1/3", primarySrc, 8192)
	require.NoError(t, err)
	require.True(t, fromPrimary)
	require.Equal(t, primarySrc, src)
}

func TestStandbyCopySourceFallsBackToPrimaryWhenStandbyFileSmaller(t *testing.T) {
	primaryRoot := t.TempDir()
	standbyRoot := t.TempDir()
	o := newTestOrchestrator(t, primaryRoot, standbyRoot)

	require.NoError(t, os.MkdirAll(filepath.Join(standbyRoot, "base/1"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(standbyRoot, "base/1/3"), []byte("ab"), 0o640))

	primarySrc := filepath.Join(primaryRoot, "base/1/3")
	src, fromPrimary, err := o.standbyCopySource("pg_data/base/1/3", primarySrc, 8192)
	require.NoError(t, err)
	require.True(t, fromPrimary)
	require.Equal(t, primarySrc, src)
}

func TestStandbyCopySourceUsesStandbyWhenSizeMatchesCatalog(t *testing.T) {
	primaryRoot := t.TempDir()
	standbyRoot := t.TempDir()
	o := newTestOrchestrator(t, primaryRoot, standbyRoot)

	require.NoError(t, os.MkdirAll(filepath.Join(standbyRoot, "base/1"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(standbyRoot, "base/1/3"), []byte("01234567"), 0o640))

	primarySrc := filepath.Join(primaryRoot, "base/1/3")
	src, fromPrimary, err := o.standbyCopySource("pg_data/base/1/3", primarySrc, 8)
	require.NoError(t, err)
	require.False(t, fromPrimary)
	require.Equal(t, filepath.Join(standbyRoot, "base/1/3"), src)
}

func TestStandbyCopySourceFallsBackToPrimaryWhenStandbyFileLarger(t *testing.T) {
	// Mirrors the "file that grew on primary" scenario of spec §8: standby
	// has 4 bytes, the manifest (built from the primary) recorded 2 bytes.
	// The Open Question's resolution reads from whichever side is smaller,
	// which here is the primary.
	primaryRoot := t.TempDir()
	standbyRoot := t.TempDir()
	o := newTestOrchestrator(t, primaryRoot, standbyRoot)

	require.NoError(t, os.MkdirAll(filepath.Join(standbyRoot, "base/1"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(standbyRoot, "base/1/3"), []byte("abcd"), 0o640))

	primarySrc := filepath.Join(primaryRoot, "base/1/3")
	src, fromPrimary, err := o.standbyCopySource("pg_data/base/1/3", primarySrc, 2)
	require.NoError(t, err)
	require.True(t, fromPrimary)
	require.Equal(t, primarySrc, src)
}
