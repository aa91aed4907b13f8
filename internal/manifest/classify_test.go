package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyAgainstPriorBySizeAndTime(t *testing.T) {
	ts := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	prior := New(ManifestData{BackupLabel: "20260728-000000F", BackupType: TypeFull})
	prior.Files["pg_data/base/1/3"] = FileInfo{Name: "pg_data/base/1/3", Size: 100, Timestamp: ts}
	prior.Files["pg_data/base/1/4"] = FileInfo{Name: "pg_data/base/1/4", Size: 50, Timestamp: ts}

	live := New(ManifestData{BackupLabel: "20260729-000000F_20260729-000000D", BackupType: TypeDiff})
	live.Files["pg_data/base/1/3"] = FileInfo{Name: "pg_data/base/1/3", Size: 100, Timestamp: ts} // unchanged
	live.Files["pg_data/base/1/4"] = FileInfo{Name: "pg_data/base/1/4", Size: 60, Timestamp: ts}   // grew: copy
	live.Files["pg_data/base/1/5"] = FileInfo{Name: "pg_data/base/1/5", Size: 10, Timestamp: ts}   // new: copy

	ClassifyAgainstPrior(live, prior, false)

	require.Equal(t, "20260728-000000F", live.Files["pg_data/base/1/3"].Reference)
	require.Equal(t, int64(0), live.Files["pg_data/base/1/3"].SizeRepo)
	require.Empty(t, live.Files["pg_data/base/1/4"].Reference)
	require.Empty(t, live.Files["pg_data/base/1/5"].Reference)
}

func TestClassifyAgainstPriorChainsThroughReference(t *testing.T) {
	ts := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)

	prior := New(ManifestData{BackupLabel: "20260729-010000F_20260729-020000I", BackupType: TypeIncr})
	prior.Files["pg_data/base/1/3"] = FileInfo{Name: "pg_data/base/1/3", Size: 100, Timestamp: ts, Reference: "20260729-010000F"}

	live := New(ManifestData{BackupLabel: "20260729-030000F_20260729-040000I", BackupType: TypeIncr})
	live.Files["pg_data/base/1/3"] = FileInfo{Name: "pg_data/base/1/3", Size: 100, Timestamp: ts}

	ClassifyAgainstPrior(live, prior, false)

	require.Equal(t, "20260729-010000F", live.Files["pg_data/base/1/3"].Reference)
}

func TestClassifyAgainstPriorBySha1WhenDeltaEnabled(t *testing.T) {
	prior := New(ManifestData{BackupLabel: "20260728-000000F", BackupType: TypeFull})
	prior.Files["pg_data/base/1/3"] = FileInfo{Name: "pg_data/base/1/3", Size: 100, Sha1: "abc"}

	live := New(ManifestData{BackupLabel: "20260729-000000F_20260729-000000D", BackupType: TypeDiff})
	// different modify time, but same content hash and delta is enabled.
	live.Files["pg_data/base/1/3"] = FileInfo{
		Name:      "pg_data/base/1/3",
		Size:      100,
		Timestamp: time.Now(),
		Sha1:      "abc",
	}

	ClassifyAgainstPrior(live, prior, true)
	require.Equal(t, "20260728-000000F", live.Files["pg_data/base/1/3"].Reference)
}
