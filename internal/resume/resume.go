// Package resume implements the resume engine of spec §4.J: deciding
// whether a partial backup directory found in the repository can be
// continued, and, if so, which of its already-copied files can be kept
// without a second read of the source cluster.
package resume

import (
	"fmt"
	"time"
)

// CompatOptions carries the current backup attempt's configuration, to be
// compared against the partial backup's own recorded manifest metadata.
type CompatOptions struct {
	ResumeEnabled    bool
	ProducerVersion  string
	ResumedVersion   string
	PriorLabel       string // this attempt's backup-label-prior
	ResumedPriorLabel string
	CompressType     string
	ResumedCompress  string
}

// IncompatibleError explains why a partial backup was rejected. Per spec
// §7 this is recovered locally by the orchestrator: purge the partial
// directory, warn, and start a fresh backup.
type IncompatibleError struct {
	Reason string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("resume: partial backup incompatible: %s", e.Reason)
}

// CheckCompatible implements the reject-and-purge rules of spec §4.J. A
// non-nil error means the caller must purge the partial directory and
// start over; it is always an *IncompatibleError.
func CheckCompatible(opts CompatOptions) error {
	if !opts.ResumeEnabled {
		return &IncompatibleError{Reason: "resume disabled"}
	}
	if opts.ProducerVersion != opts.ResumedVersion {
		return &IncompatibleError{Reason: fmt.Sprintf("software version changed (%s -> %s)", opts.ResumedVersion, opts.ProducerVersion)}
	}
	if opts.PriorLabel != opts.ResumedPriorLabel {
		return &IncompatibleError{Reason: fmt.Sprintf("prior-label field disagrees (%s vs %s)", opts.ResumedPriorLabel, opts.PriorLabel)}
	}
	if opts.CompressType != opts.ResumedCompress {
		return &IncompatibleError{Reason: fmt.Sprintf("compress-type disagrees (%s vs %s)", opts.ResumedCompress, opts.CompressType)}
	}
	return nil
}

// FileDecision is the outcome of Classify for one file carried by the
// resumed partial manifest.
type FileDecision int

const (
	// DecisionKeep reuses the resumed file's checksum, skipping a second
	// read of the source file (the "keep checksum" path of spec §4.J).
	DecisionKeep FileDecision = iota
	// DecisionRemove discards the resumed copy; the file is treated as
	// not yet copied and will be scheduled as a normal job.
	DecisionRemove
)

// FileContext is everything Classify needs to decide one file's fate,
// gathered by the orchestrator from the resumed manifest, the new live
// manifest, and the repo file actually on disk.
type FileContext struct {
	Name string

	RepoFilePresent     bool  // the repo file named by the resumed manifest still exists
	RepoFileSize        int64 // its actual size on disk, for the size-matches check
	ManifestSize        int64 // size recorded in the resumed manifest entry
	CompressSuffixMatch bool  // resumed file's on-disk suffix matches the new compress-type
	ChecksumPresent     bool  // resumed manifest entry carries a sha1
	IsReference         bool  // resumed entry already references a prior backup (bytes not here)
	PresentInLive       bool  // the name also appears in the freshly built live manifest
	MismatchedTimestamp bool  // resumed entry's mtime differs from the live file's current mtime
	ZeroSize            bool  // resumed entry's size is 0
	IsSpecial           bool  // not a regular file (device, fifo, socket...)
	IsSymlink           bool  // entry is itself a symlink, always recreated rather than reused
}

// Classify applies the accept/reject rules of spec §4.J to one file of a
// resumed partial backup.
func Classify(fc FileContext) FileDecision {
	if !fc.PresentInLive {
		return DecisionRemove
	}
	if fc.IsSpecial || fc.IsSymlink {
		return DecisionRemove
	}
	if fc.ZeroSize {
		// Open question resolved (spec §9): zero-size files are always
		// recopied rather than trusted from a resumed manifest.
		return DecisionRemove
	}
	if fc.IsReference {
		return DecisionRemove
	}
	if !fc.CompressSuffixMatch {
		return DecisionRemove
	}
	if !fc.ChecksumPresent {
		return DecisionRemove
	}
	if !fc.RepoFilePresent || fc.RepoFileSize != fc.ManifestSize {
		return DecisionRemove
	}
	if fc.MismatchedTimestamp {
		return DecisionRemove
	}
	return DecisionKeep
}

// FutureTimestamped reports whether a file's recorded modification time is
// after backupStart, which per spec §4.J forces the backup into delta mode
// with a warning (the file may have been written concurrently with the
// scan and its size/mtime pairing can no longer be trusted as stable).
func FutureTimestamped(mtime, backupStart time.Time) bool {
	return mtime.After(backupStart)
}
