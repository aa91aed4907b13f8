package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestBuildLiveSkipsExcludedEntriesAndFlagsPageChecksumCandidates(t *testing.T) {
	pgData := t.TempDir()
	writeFile(t, filepath.Join(pgData, "PG_VERSION"), []byte("13\n"))
	writeFile(t, filepath.Join(pgData, "postgresql.conf"), []byte("# conf\n"))
	writeFile(t, filepath.Join(pgData, "postmaster.pid"), []byte("1234\n"))
	writeFile(t, filepath.Join(pgData, "pg_replslot", "slot1", "state"), []byte("x"))
	writeFile(t, filepath.Join(pgData, "base", "1", "3"), make([]byte, 8192*2))
	writeFile(t, filepath.Join(pgData, "base", "1", "3_vm"), make([]byte, 8192))
	writeFile(t, filepath.Join(pgData, "base", "1", "t123_456"), []byte("temp"))

	m, err := BuildLive(ManifestData{BackupLabel: "20260729-120000F", BackupType: TypeFull}, BuildOptions{
		PgDataPath: pgData,
		PgVersion:  "13",
		PageSize:   8192,
	})
	require.NoError(t, err)

	_, hasPostmasterPid := m.Files["pg_data/postmaster.pid"]
	require.False(t, hasPostmasterPid)

	_, hasReplSlot := m.Files["pg_data/pg_replslot/slot1/state"]
	require.False(t, hasReplSlot)

	_, hasTempRel := m.Files["pg_data/base/1/t123_456"]
	require.False(t, hasTempRel)

	rel, ok := m.Files["pg_data/base/1/3"]
	require.True(t, ok)
	require.NotNil(t, rel.ChecksumPage)
	require.True(t, *rel.ChecksumPage)

	vm, ok := m.Files["pg_data/base/1/3_vm"]
	require.True(t, ok)
	require.Nil(t, vm.ChecksumPage)

	_, hasConf := m.Files["pg_data/postgresql.conf"]
	require.True(t, hasConf)
}

func TestBuildLiveRejectsVersionMismatch(t *testing.T) {
	pgData := t.TempDir()
	writeFile(t, filepath.Join(pgData, "PG_VERSION"), []byte("12\n"))

	_, err := BuildLive(ManifestData{}, BuildOptions{PgDataPath: pgData, PgVersion: "13"})
	require.Error(t, err)
	var verr *PgVersionMismatchError
	require.ErrorAs(t, err, &verr)
}
