// Package worker executes one file-copy job: the Copy/ReCopy/Checksum/
// NoOp/Skip decision tree of spec §4.H, run inside a dispatcher-spawned
// child process. It streams the source file through internal/filter into
// the repository and reports a structured result.
package worker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/vbp1/pgbackup-core/internal/filter"
	"github.com/vbp1/pgbackup-core/internal/repo"
)

// JobParams are the ordered parameters of one backupFile job, per spec
// §4.H. Field order matches the wire protocol's positional array (§6) —
// see Request/Response in protocol.go.
type JobParams struct {
	PgFile                     string
	IgnoreMissing              bool
	PgFileSize                 int64
	PgFileCopyExactSize        bool
	PgFileChecksum             string // empty means "not provided"
	PgFileChecksumPage         bool
	PgFileChecksumPageLsnLimit uint64
	RepoFile                   string
	RepoFileHasReference       bool
	RepoFileCompress           filter.CompressionType
	RepoFileCompressLevel      int
	BackupLabel                string
	Delta                      bool
	CipherSubPass              string // empty disables encryption
}

// CopyResultCode is the outcome of one job, encoded on the wire per §6
// (Copy=0, Checksum=1, ReCopy=2, Skip=3, NoOp=4).
type CopyResultCode int

const (
	ResultCopy CopyResultCode = iota
	ResultChecksum
	ResultReCopy
	ResultSkip
	ResultNoOp
)

func (c CopyResultCode) String() string {
	switch c {
	case ResultCopy:
		return "copy"
	case ResultChecksum:
		return "checksum"
	case ResultReCopy:
		return "recopy"
	case ResultSkip:
		return "skip"
	case ResultNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// Result is the structured outcome of Execute, mirroring BackupJobResult
// (spec §3).
type Result struct {
	CopyResult         CopyResultCode
	CopySize           int64
	RepoSize           int64
	CopyChecksum       string
	PageChecksumResult *filter.PageCheckResult
}

// FileMissingError means the source file vanished and ignoreMissing was
// false.
type FileMissingError struct{ Path string }

func (e *FileMissingError) Error() string { return fmt.Sprintf("worker: source file missing: %s", e.Path) }

// ChecksumError means the repo copy, read back through its decompression
// and decryption filters, didn't hash to the expected checksum.
type ChecksumError struct{ Path string }

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("worker: checksum mismatch reading back %s", e.Path)
}

// FileOpenError/FileReadError/FileWriteError wrap the I/O error taxonomy
// of spec §7.
type FileOpenError struct {
	Path string
	Err  error
}

func (e *FileOpenError) Error() string { return fmt.Sprintf("worker: open %s: %v", e.Path, e.Err) }
func (e *FileOpenError) Unwrap() error { return e.Err }

type FileReadError struct {
	Path string
	Err  error
}

func (e *FileReadError) Error() string { return fmt.Sprintf("worker: read %s: %v", e.Path, e.Err) }
func (e *FileReadError) Unwrap() error { return e.Err }

type FileWriteError struct {
	Path string
	Err  error
}

func (e *FileWriteError) Error() string { return fmt.Sprintf("worker: write %s: %v", e.Path, e.Err) }
func (e *FileWriteError) Unwrap() error { return e.Err }

// Execute runs the decision tree of spec §4.H for one file and streams
// its bytes into store when a copy is required.
func Execute(params JobParams, store repo.Store) (Result, error) {
	repoPath := params.RepoFile
	if params.RepoFileCompress != filter.CompressNone {
		repoPath += params.RepoFileCompress.Suffix()
	}

	if _, err := os.Stat(params.PgFile); err != nil {
		if os.IsNotExist(err) {
			if params.IgnoreMissing {
				_ = store.Remove(repoPath, repo.RemoveOptions{})
				return Result{CopyResult: ResultSkip}, nil
			}
			return Result{}, &FileMissingError{Path: params.PgFile}
		}
		return Result{}, &FileOpenError{Path: params.PgFile, Err: err}
	}

	if (params.Delta || params.PgFileChecksum != "") && params.PgFileChecksum != "" {
		liveSum, liveSize, err := sha1Prefix(params.PgFile, params.PgFileSize)
		if err != nil {
			return Result{}, err
		}
		if liveSum == params.PgFileChecksum && liveSize == params.PgFileSize {
			if params.RepoFileHasReference {
				return Result{CopyResult: ResultNoOp, CopySize: liveSize, CopyChecksum: params.PgFileChecksum}, nil
			}
			repoSum, repoSize, rerr := readBackChecksum(store, repoPath, params.RepoFileCompress, params.CipherSubPass)
			if rerr == nil && repoSum == params.PgFileChecksum {
				return Result{CopyResult: ResultChecksum, CopySize: liveSize, RepoSize: repoSize, CopyChecksum: repoSum}, nil
			}
			return copyFile(params, store, repoPath, ResultReCopy)
		}
	}

	result := ResultCopy
	if exists, _ := store.Exists(repoPath); exists {
		result = ResultReCopy
	}
	return copyFile(params, store, repoPath, result)
}

func sha1Prefix(path string, limit int64) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, &FileOpenError{Path: path, Err: err}
	}
	defer f.Close()

	h := sha1.New()
	n, err := io.Copy(h, io.LimitReader(f, limit))
	if err != nil {
		return "", 0, &FileReadError{Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// readBackChecksum reads the repo copy of a file back through its
// decryption and decompression filters (cipher is outermost on disk, so
// it's undone first) and hashes the plaintext, for the Checksum decision
// and for resume's "keep checksum" acceptance path.
func readBackChecksum(store repo.Store, repoPath string, compress filter.CompressionType, cipherPass string) (sum string, size int64, err error) {
	r, err := store.NewRead(repoPath)
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	var stream io.Reader = r
	if cipherPass != "" {
		dr, derr := filter.NewDecipherReader(stream, cipherPass)
		if derr != nil {
			return "", 0, derr
		}
		stream = dr
	}
	if compress != filter.CompressNone {
		dc, derr := filter.NewDecompressReader(stream, compress)
		if derr != nil {
			return "", 0, derr
		}
		defer dc.Close()
		stream = dc
	}

	h := sha1.New()
	n, err := io.Copy(h, stream)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// copyFile streams the source through the filter pipeline into the repo,
// truncating at pgFileSize when pgFileCopyExactSize is set (the common
// case of a relation file that grew mid-backup).
func copyFile(params JobParams, store repo.Store, repoPath string, result CopyResultCode) (Result, error) {
	f, err := os.Open(params.PgFile)
	if err != nil {
		if os.IsNotExist(err) && params.IgnoreMissing {
			return Result{CopyResult: ResultSkip}, nil
		}
		return Result{}, &FileOpenError{Path: params.PgFile, Err: err}
	}
	defer f.Close()

	var src io.Reader = f
	if params.PgFileCopyExactSize {
		src = io.LimitReader(f, params.PgFileSize)
	}

	w, err := store.NewWrite(repoPath, repo.WriteOptions{CreatePath: true})
	if err != nil {
		return Result{}, &FileWriteError{Path: repoPath, Err: err}
	}

	pipeline, err := filter.Build(w, filter.Options{
		PageChecksum:  params.PgFileChecksumPage,
		PageLSNLimit:  params.PgFileChecksumPageLsnLimit,
		Compress:      params.RepoFileCompress,
		CompressLevel: params.RepoFileCompressLevel,
		CipherPassSub: params.CipherSubPass,
	})
	if err != nil {
		_ = w.Close()
		return Result{}, err
	}

	copySize, err := io.Copy(pipeline, src)
	if err != nil {
		_ = pipeline.Close()
		_ = w.Close()
		return Result{}, &FileReadError{Path: params.PgFile, Err: err}
	}
	if err := pipeline.Close(); err != nil {
		_ = w.Close()
		return Result{}, &FileWriteError{Path: repoPath, Err: err}
	}
	if err := w.Close(); err != nil {
		return Result{}, &FileWriteError{Path: repoPath, Err: err}
	}

	res := Result{
		CopyResult:   result,
		CopySize:     copySize,
		RepoSize:     pipeline.SizeOut(),
		CopyChecksum: pipeline.Sha1(),
	}
	if pc := pipeline.PageCheckResult(); pc != nil {
		res.PageChecksumResult = pc
	}
	return res, nil
}
