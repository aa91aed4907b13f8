package filter

import (
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType identifies one of the repository's supported codecs.
type CompressionType int

const (
	CompressNone CompressionType = iota
	CompressGzip
	CompressLz4
	CompressZstd
	CompressBz2
)

// Suffix returns the repo file-name suffix this codec appends, per spec §6
// ("pg_data/… — cluster files, optionally with .gz/.lz4/.zst/.bz2 suffix").
func (c CompressionType) Suffix() string {
	switch c {
	case CompressGzip:
		return ".gz"
	case CompressLz4:
		return ".lz4"
	case CompressZstd:
		return ".zst"
	case CompressBz2:
		return ".bz2"
	default:
		return ""
	}
}

func (c CompressionType) String() string {
	switch c {
	case CompressGzip:
		return "gzip"
	case CompressLz4:
		return "lz4"
	case CompressZstd:
		return "zstd"
	case CompressBz2:
		return "bz2"
	default:
		return "none"
	}
}

// ParseCompressionType maps the repo1-compress-type config value to a
// CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "", "none":
		return CompressNone, nil
	case "gz", "gzip":
		return CompressGzip, nil
	case "lz4":
		return CompressLz4, nil
	case "zst", "zstd":
		return CompressZstd, nil
	case "bz2", "bzip2":
		return CompressBz2, nil
	default:
		return CompressNone, fmt.Errorf("filter: unknown compress-type %q", s)
	}
}

// compressWriter adapts each library's writer to the Stage interface.
type compressWriter struct {
	w    io.Writer
	c    io.Closer
	name string
}

func (c *compressWriter) Write(b []byte) (int, error) { return c.w.Write(b) }
func (c *compressWriter) Close() error                 { return c.c.Close() }
func (c *compressWriter) Name() string                 { return "" }
func (c *compressWriter) Result() any                  { return nil }

// NewCompressWriter wraps next with the requested codec's compressing
// writer. level is the codec's native level; 0 means "use the codec's
// default".
func NewCompressWriter(next io.Writer, typ CompressionType, level int) (Stage, error) {
	switch typ {
	case CompressGzip:
		lvl := level
		if lvl == 0 {
			lvl = gzip.DefaultCompression
		}
		gw, err := gzip.NewWriterLevel(next, lvl)
		if err != nil {
			return nil, fmt.Errorf("filter: gzip writer: %w", err)
		}
		return &compressWriter{w: gw, c: gw}, nil

	case CompressLz4:
		lw := lz4.NewWriter(next)
		if level != 0 {
			_ = lw.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(level)))
		}
		return &compressWriter{w: lw, c: lw}, nil

	case CompressZstd:
		opts := []zstd.EOption{}
		if level != 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		zw, err := zstd.NewWriter(next, opts...)
		if err != nil {
			return nil, fmt.Errorf("filter: zstd writer: %w", err)
		}
		return &compressWriter{w: zw, c: zw}, nil

	case CompressBz2:
		lvl := level
		if lvl == 0 {
			lvl = bzip2.DefaultCompression
		}
		bw, err := bzip2.NewWriter(next, &bzip2.WriterConfig{Level: lvl})
		if err != nil {
			return nil, fmt.Errorf("filter: bzip2 writer: %w", err)
		}
		return &compressWriter{w: bw, c: bw}, nil

	default:
		return nil, fmt.Errorf("filter: unsupported compress-type %v", typ)
	}
}

// NewDecompressReader wraps src with the requested codec's decompressing
// reader, for read-back verification (§4.H) and restore.
func NewDecompressReader(src io.Reader, typ CompressionType) (io.ReadCloser, error) {
	switch typ {
	case CompressGzip:
		gr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("filter: gzip reader: %w", err)
		}
		return gr, nil

	case CompressLz4:
		return io.NopCloser(lz4.NewReader(src)), nil

	case CompressZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("filter: zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil

	case CompressBz2:
		br, err := bzip2.NewReader(src, nil)
		if err != nil {
			return nil, fmt.Errorf("filter: bzip2 reader: %w", err)
		}
		return br, nil

	default:
		return io.NopCloser(src), nil
	}
}
