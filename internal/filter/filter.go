// Package filter implements the composable streaming transforms that sit
// between a source file and its repository copy: checksumming, page
// validation, compression, and encryption. A pipeline is built once per
// file copy and is single-pass — filters are not restartable.
package filter

import (
	"fmt"
	"io"
)

// Stage is one link in a pipeline. Writes flow from the head of the
// pipeline toward the repository; each stage forwards (possibly
// transformed) bytes to the next writer it was built with.
type Stage interface {
	io.Writer
	io.Closer
}

// ResultStage is a Stage that produces an addressable terminal value once
// the pipeline is closed, e.g. a digest or a byte count.
type ResultStage interface {
	Stage
	Name() string
	Result() any
}

// Options configures the pipeline built for one file copy.
type Options struct {
	PageChecksum    bool // validate pages as they stream through
	PageSize        uint32
	PageLSNLimit    uint64
	Compress        CompressionType
	CompressLevel   int
	CipherPassSub   string // empty disables encryption
}

// Pipeline is the constructed stage chain for one file. Write() feeds the
// head stage; Close() finalizes every stage in order, head to tail.
type Pipeline struct {
	head    io.Writer
	stages  []ResultStage // head-to-tail order, for Close() and lookup
	closers []io.Closer   // every stage that needs Close(), head-to-tail
}

// Filter identifiers used to address results after Close.
const (
	NameSizeIn       = "size_in"
	NameSizeOut      = "size_out"
	NameSha1         = "sha1"
	NamePageChecksum = "page_checksum"
)

// Write feeds raw source bytes into the head of the pipeline.
func (p *Pipeline) Write(b []byte) (int, error) {
	return p.head.Write(b)
}

// Close finalizes every stage in head-to-tail order. Compression and
// cipher stages flush buffered/padded output to the next writer as part of
// their own Close; passthrough stages (size, sha1, page-checksum) have
// nothing to flush and their Close does nothing. Each stage is closed here
// in turn, so no stage closes its downstream neighbor itself.
func (p *Pipeline) Close() error {
	for i, c := range p.closers {
		if err := c.Close(); err != nil {
			return fmt.Errorf("filter: close stage %d: %w", i, err)
		}
	}
	return nil
}

// Result returns the terminal value of the named stage, or nil if the
// pipeline has no stage by that name (e.g. PageChecksum wasn't enabled).
func (p *Pipeline) Result(name string) any {
	for _, s := range p.stages {
		if s.Name() == name {
			return s.Result()
		}
	}
	return nil
}

// SizeIn/SizeOut/Sha1/PageChecksumResult are typed convenience accessors
// over Result, matching the fields the worker reports in BackupJobResult.
func (p *Pipeline) SizeIn() int64 { return p.Result(NameSizeIn).(int64) }
func (p *Pipeline) SizeOut() int64 { return p.Result(NameSizeOut).(int64) }

func (p *Pipeline) Sha1() string {
	if v := p.Result(NameSha1); v != nil {
		return v.(string)
	}
	return ""
}

// PageCheckResult mirrors pagecheck.Result for pipeline consumers that
// don't want to import internal/pagecheck directly.
type PageCheckResult struct {
	Valid        bool
	ErrorList    []PageRange
	AlignmentErr bool
}

// PageRange mirrors pagecheck.PageRange; kept distinct so internal/filter
// has no compile-time dependency direction constraint beyond "uses it".
type PageRange struct{ Start, End int }

func (p *Pipeline) PageCheckResult() *PageCheckResult {
	v := p.Result(NamePageChecksum)
	if v == nil {
		return nil
	}
	r := v.(PageCheckResult)
	return &r
}

// Build constructs the pipeline for one file copy: [PageChecksum?, Sha1,
// SizeIn] -> [Compress?] -> [Cipher?] -> [SizeOut], writing final bytes to
// dest. Stages are constructed tail-to-head since each wraps the next
// writer, but recorded head-to-tail for Close() and lookup ordering.
func Build(dest io.Writer, opts Options) (*Pipeline, error) {
	p := &Pipeline{}

	cur := io.Writer(dest)

	sizeOut := NewSize(cur, NameSizeOut)
	p.prependClose(sizeOut, NameSizeOut)
	cur = sizeOut

	if opts.CipherPassSub != "" {
		c, err := NewCipherWriter(cur, opts.CipherPassSub)
		if err != nil {
			return nil, fmt.Errorf("filter: build cipher stage: %w", err)
		}
		p.prependClose(c, "")
		cur = c
	}

	if opts.Compress != CompressNone {
		c, err := NewCompressWriter(cur, opts.Compress, opts.CompressLevel)
		if err != nil {
			return nil, fmt.Errorf("filter: build compress stage: %w", err)
		}
		p.prependClose(c, "")
		cur = c
	}

	sizeIn := NewSize(cur, NameSizeIn)
	p.prependClose(sizeIn, NameSizeIn)
	cur = sizeIn

	sha1 := NewSha1(cur)
	p.prependClose(sha1, NameSha1)
	cur = sha1

	if opts.PageChecksum {
		pc := NewPageChecksum(cur, opts.PageSize, opts.PageLSNLimit)
		p.prependClose(pc, NamePageChecksum)
		cur = pc
	}

	p.head = cur
	return p, nil
}

// prependClose records a stage built tail-to-head at the front of the
// head-to-tail bookkeeping slices.
func (p *Pipeline) prependClose(s io.Closer, name string) {
	p.closers = append([]io.Closer{s}, p.closers...)
	if name != "" {
		if rs, ok := s.(ResultStage); ok {
			p.stages = append([]ResultStage{rs}, p.stages...)
		}
	}
}
