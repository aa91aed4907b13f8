package manifest

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func sampleManifest() *Manifest {
	m := New(ManifestData{
		BackupLabel:    "20260729-120000F",
		BackupType:     TypeFull,
		PgVersion:      "13",
		SystemID:       123456789,
		TimestampStart: time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC),
		CompressType:   "gzip",
	})
	m.Targets["pg_data"] = Target{Name: "pg_data", Kind: TargetPgData, Path: "/var/lib/postgresql/13/main"}
	mode := uint32(0o600)
	m.Files["pg_data/PG_VERSION"] = FileInfo{
		Name:      "pg_data/PG_VERSION",
		Size:      2,
		Timestamp: time.Date(2026, 7, 29, 11, 0, 0, 0, time.UTC),
		Mode:      &mode,
		Sha1:      "da39a3ee5e6b4b0d3255bfef95601890afd80709",
	}
	m.Paths["pg_data/base"] = PathInfo{Mode: &mode}
	m.Links["pg_tblspc/16384"] = LinkInfo{Destination: "/mnt/ts1"}
	return m
}

func TestSerializeLoadRoundTrip(t *testing.T) {
	m := sampleManifest()

	raw, err := Serialize(m)
	require.NoError(t, err)

	loaded, err := Load(raw)
	require.NoError(t, err)

	require.Equal(t, m.Data.BackupLabel, loaded.Data.BackupLabel)
	require.Equal(t, m.Data.BackupType, loaded.Data.BackupType)
	require.Equal(t, m.Data.SystemID, loaded.Data.SystemID)
	require.Equal(t, m.Files["pg_data/PG_VERSION"].Sha1, loaded.Files["pg_data/PG_VERSION"].Sha1)
	require.Equal(t, m.Targets["pg_data"].Path, loaded.Targets["pg_data"].Path)
	require.Equal(t, m.Links["pg_tblspc/16384"].Destination, loaded.Links["pg_tblspc/16384"].Destination)
}

func TestPageRangeMarshalsBareIntegerForSinglePage(t *testing.T) {
	raw, err := json.Marshal(PageRange{Start: 5, End: 5})
	require.NoError(t, err)
	require.Equal(t, "5", string(raw))
}

func TestPageRangeMarshalsArrayForARun(t *testing.T) {
	raw, err := json.Marshal(PageRange{Start: 2, End: 3})
	require.NoError(t, err)
	require.Equal(t, "[2,3]", string(raw))
}

func TestPageRangeUnmarshalsBothShapes(t *testing.T) {
	var single PageRange
	require.NoError(t, json.Unmarshal([]byte("0"), &single))
	require.Equal(t, PageRange{Start: 0, End: 0}, single)

	var run PageRange
	require.NoError(t, json.Unmarshal([]byte("[2,3]"), &run))
	require.Equal(t, PageRange{Start: 2, End: 3}, run)
}

func TestChecksumPageErrorListRoundTripsHeterogeneousShape(t *testing.T) {
	m := sampleManifest()
	f := m.Files["pg_data/PG_VERSION"]
	f.ChecksumPageErrorList = []PageRange{{Start: 0, End: 0}, {Start: 2, End: 3}}
	m.Files["pg_data/PG_VERSION"] = f

	raw, err := Serialize(m)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"checksumPageErrorList":[0,[2,3]]`)

	loaded, err := Load(raw)
	require.NoError(t, err)
	require.Equal(t, f.ChecksumPageErrorList, loaded.Files["pg_data/PG_VERSION"].ChecksumPageErrorList)
}

func TestLoadDetectsBodyCorruption(t *testing.T) {
	m := sampleManifest()
	raw, err := Serialize(m)
	require.NoError(t, err)

	corrupt := make([]byte, len(raw))
	copy(corrupt, raw)
	corrupt[0] ^= 0xFF

	_, err = Load(corrupt)
	require.Error(t, err)
	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
}

func TestLoadDetectsChecksumLineCorruption(t *testing.T) {
	m := sampleManifest()
	raw, err := Serialize(m)
	require.NoError(t, err)

	corrupt := make([]byte, len(raw))
	copy(corrupt, raw)
	corrupt[len(corrupt)-3] ^= 0xFF // flip a byte inside the checksum hex string

	_, err = Load(corrupt)
	require.Error(t, err)
}

func TestInfoSerializeLoadRoundTrip(t *testing.T) {
	info := NewInfo()
	info.Add(BackupEntry{Label: "20260729-120000F", Type: TypeFull, PgVersion: "13", SystemID: 42})
	info.Add(BackupEntry{
		Label:      "20260729-130000F_20260729-140000I",
		Type:       TypeIncr,
		PriorLabel: "20260729-120000F",
		PgVersion:  "13",
		SystemID:   42,
		Timestamp:  time.Date(2026, 7, 29, 14, 0, 0, 0, time.UTC),
	})

	raw, err := SerializeInfo(info)
	require.NoError(t, err)

	loaded, err := LoadInfo(raw)
	require.NoError(t, err)
	require.Len(t, loaded.Backups, 2)

	full, ok := loaded.LatestFull()
	require.True(t, ok)
	require.Equal(t, "20260729-120000F", full.Label)

	latest, ok := loaded.Latest()
	require.True(t, ok)
	require.Equal(t, "20260729-130000F_20260729-140000I", latest.Label)
}
