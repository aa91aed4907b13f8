package filter

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vbp1/pgbackup-core/internal/pagecheck"
)

func TestBuildPlainPipelinePassesBytesThrough(t *testing.T) {
	var dest bytes.Buffer
	p, err := Build(&dest, Options{})
	require.NoError(t, err)

	data := []byte("hello, backup core")
	n, err := p.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, p.Close())

	require.Equal(t, data, dest.Bytes())
	require.Equal(t, int64(len(data)), p.SizeIn())
	require.Equal(t, int64(len(data)), p.SizeOut())

	sum := sha1.Sum(data)
	require.Equal(t, hex.EncodeToString(sum[:]), p.Sha1())
	require.Nil(t, p.PageCheckResult())
}

func TestBuildWithPageChecksumEnabled(t *testing.T) {
	var dest bytes.Buffer
	p, err := Build(&dest, Options{PageChecksum: true, PageSize: 8192, PageLSNLimit: 1000})
	require.NoError(t, err)

	page := buildValidPage(t)
	_, err = p.Write(page)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	res := p.PageCheckResult()
	require.NotNil(t, res)
	require.True(t, res.Valid)
	require.Empty(t, res.ErrorList)
}

func TestBuildWithGzipRoundTrips(t *testing.T) {
	var dest bytes.Buffer
	p, err := Build(&dest, Options{Compress: CompressGzip})
	require.NoError(t, err)

	data := bytes.Repeat([]byte("repeat me "), 200)
	_, err = p.Write(data)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	rc, err := NewDecompressReader(&dest, CompressGzip)
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = out.ReadFrom(rc)
	require.NoError(t, err)
	require.Equal(t, data, out.Bytes())
}

func TestCipherWriterRoundTrips(t *testing.T) {
	var dest bytes.Buffer
	cw, err := NewCipherWriter(&dest, "correct horse battery staple")
	require.NoError(t, err)

	data := []byte("a secret subkey passphrase protects this relation file")
	_, err = cw.Write(data)
	require.NoError(t, err)
	require.NoError(t, cw.Close())

	r, err := NewDecipherReader(&dest, "correct horse battery staple")
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = out.ReadFrom(r)
	require.NoError(t, err)
	require.Equal(t, data, out.Bytes())
}

func TestCompressionTypeSuffixAndParse(t *testing.T) {
	require.Equal(t, ".gz", CompressGzip.Suffix())
	require.Equal(t, ".lz4", CompressLz4.Suffix())
	require.Equal(t, ".zst", CompressZstd.Suffix())
	require.Equal(t, ".bz2", CompressBz2.Suffix())
	require.Equal(t, "", CompressNone.Suffix())

	typ, err := ParseCompressionType("zst")
	require.NoError(t, err)
	require.Equal(t, CompressZstd, typ)

	_, err = ParseCompressionType("rot13")
	require.Error(t, err)
}

func buildValidPage(t *testing.T) []byte {
	t.Helper()
	const pageSize = 8192
	page := make([]byte, pageSize)
	// pd_upper at offset 14, non-zero so the page is checksummed.
	page[14] = 0x34
	page[15] = 0x12
	for i := 18; i < pageSize; i++ {
		page[i] = byte(i)
	}
	sum := pagecheck.ComputeChecksum(page, 0)
	page[8] = byte(sum)
	page[9] = byte(sum >> 8)
	return page
}
