package pagecheck

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildPage(t *testing.T, blockNo uint32, pdUpper uint16, pdLSN uint64, corrupt bool) []byte {
	t.Helper()
	page := make([]byte, DefaultPageSize)
	binary.LittleEndian.PutUint64(page[offPdLSN:], pdLSN)
	binary.LittleEndian.PutUint16(page[offPdUpper:], pdUpper)
	// fill body with deterministic, non-zero content so the checksum isn't trivial.
	for i := offPdSpecial; i < len(page); i++ {
		page[i] = byte(i * 7 % 251)
	}
	if pdUpper != 0 {
		cksum := checksumPage(page, blockNo)
		if corrupt {
			cksum++
		}
		binary.LittleEndian.PutUint16(page[offPdChecksum:], cksum)
	}
	return page
}

func TestCheckAllValid(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildPage(t, 0, 0x1000, 10, false))
	buf.Write(buildPage(t, 1, 0x1000, 20, false))

	res, err := Check(&buf, DefaultPageSize, 1000)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Empty(t, res.PageErrors)
	require.False(t, res.AlignmentErr)
}

func TestCheckDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildPage(t, 0, 0x1000, 10, false))
	buf.Write(buildPage(t, 1, 0x1000, 20, true)) // corrupted
	buf.Write(buildPage(t, 2, 0x1000, 20, true)) // corrupted, consecutive

	res, err := Check(&buf, DefaultPageSize, 1000)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, []PageRange{{Start: 1, End: 2}}, res.PageErrors)
}

func TestCheckExemptsEmptyPage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildPage(t, 0, 0, 0, false)) // pd_upper == 0, never checksummed

	res, err := Check(&buf, DefaultPageSize, 1000)
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestCheckExemptsPageBeyondLSNLimit(t *testing.T) {
	var buf bytes.Buffer
	// corrupt, but pd_lsn is past the limit so it's exempt regardless.
	buf.Write(buildPage(t, 0, 0x1000, 5000, true))

	res, err := Check(&buf, DefaultPageSize, 1000)
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestCheckDetectsAlignmentError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildPage(t, 0, 0x1000, 10, false))
	buf.Write(make([]byte, 100)) // trailing partial page

	res, err := Check(&buf, DefaultPageSize, 1000)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.True(t, res.AlignmentErr)
}

func TestCoalesceRanges(t *testing.T) {
	require.Equal(t,
		[]PageRange{{Start: 0, End: 0}, {Start: 2, End: 4}, {Start: 9, End: 9}},
		coalesce([]int{0, 2, 3, 4, 9}),
	)
	require.Nil(t, coalesce(nil))
}
