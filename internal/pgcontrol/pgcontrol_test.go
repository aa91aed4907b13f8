package pgcontrol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildControl(t *testing.T, r recognizer, systemID uint64, pageSize, walSegSize uint32, checksums bool) []byte {
	t.Helper()
	buf := make([]byte, ControlFileSize)
	binary.LittleEndian.PutUint64(buf[offSystemID:], systemID)
	binary.LittleEndian.PutUint32(buf[offControlVersion:], r.controlVersion)
	binary.LittleEndian.PutUint32(buf[offCatalogVersion:], r.catalogVersion)
	binary.LittleEndian.PutUint32(buf[r.blckszOffset:], pageSize)
	binary.LittleEndian.PutUint32(buf[r.xlogSegSzOffset:], walSegSize)
	if r.checksumOffset != 0 && checksums {
		binary.LittleEndian.PutUint32(buf[r.checksumOffset:], 1)
	}
	return buf
}

func TestParseEachKnownMajor(t *testing.T) {
	for _, r := range recognizers {
		r := r
		t.Run(r.version.String(), func(t *testing.T) {
			raw := buildControl(t, r, 0x1234567890ABCDEF, 8192, 16*1024*1024, true)
			pc, err := Parse(raw)
			require.NoError(t, err)
			require.Equal(t, r.version, pc.Version)
			require.EqualValues(t, 0x1234567890ABCDEF, pc.SystemID)
			require.EqualValues(t, 8192, pc.PageSize)
			require.EqualValues(t, 16*1024*1024, pc.WalSegmentSize)
			if r.checksumOffset == 0 {
				require.False(t, pc.PageChecksumEnabled)
			} else {
				require.True(t, pc.PageChecksumEnabled)
			}
		})
	}
}

func TestParseUnknownVersion(t *testing.T) {
	raw := make([]byte, ControlFileSize)
	binary.LittleEndian.PutUint32(raw[offControlVersion:], 999999)
	binary.LittleEndian.PutUint32(raw[offCatalogVersion:], 1)
	_, err := Parse(raw)
	require.Error(t, err)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(make([]byte, 4))
	require.Error(t, err)
}

func TestParseWalVersion(t *testing.T) {
	raw := make([]byte, 64)
	binary.LittleEndian.PutUint16(raw[offWalMagic:], 0xD10D)
	v, err := ParseWalVersion(raw)
	require.NoError(t, err)
	require.Equal(t, V120, v)
}

func TestParseWalVersionUnknown(t *testing.T) {
	raw := make([]byte, 64)
	binary.LittleEndian.PutUint16(raw[offWalMagic:], 0xFFFF)
	_, err := ParseWalVersion(raw)
	require.Error(t, err)
}
