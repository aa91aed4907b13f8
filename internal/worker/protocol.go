package worker

import (
	"bufio"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/vbp1/pgbackup-core/internal/filter"
	"github.com/vbp1/pgbackup-core/internal/repo"
)

// Request is one line of the worker wire protocol (spec §6): a command name
// and its positional parameters.
type Request struct {
	Cmd   string `json:"cmd"`
	Param []any  `json:"param,omitempty"`
}

// Response is one line of the worker wire protocol: either Out on success,
// or Err/Message on failure.
type Response struct {
	Out     []any  `json:"out,omitempty"`
	Err     *int   `json:"err,omitempty"`
	Message string `json:"message,omitempty"`
}

// CmdBackupFile is the only job command a worker currently serves.
// CmdClose tells a worker to exit after flushing any in-flight response.
const (
	CmdBackupFile = "backupFile"
	CmdClose      = "close"
)

// Error codes carried in Response.Err, per the taxonomy of spec §7.
const (
	ErrFileMissing = 25
	ErrChecksum    = 26
	ErrFileOpen    = 27
	ErrFileRead    = 28
	ErrFileWrite   = 29
	ErrInternal    = 30
)

// EncodeRequest builds the wire request for one backupFile job. Parameter
// order is fixed by spec §4.H/§6 and must not change without a protocol
// version bump.
func EncodeRequest(p JobParams) Request {
	return Request{
		Cmd: CmdBackupFile,
		Param: []any{
			p.PgFile,
			p.IgnoreMissing,
			p.PgFileSize,
			p.PgFileCopyExactSize,
			nullableString(p.PgFileChecksum),
			p.PgFileChecksumPage,
			p.PgFileChecksumPageLsnLimit,
			p.RepoFile,
			p.RepoFileHasReference,
			p.RepoFileCompress.String(),
			p.RepoFileCompressLevel,
			p.BackupLabel,
			p.Delta,
			nullableString(p.CipherSubPass),
		},
	}
}

// DecodeRequest parses the wire request back into JobParams.
func DecodeRequest(req Request) (JobParams, error) {
	if req.Cmd != CmdBackupFile {
		return JobParams{}, fmt.Errorf("worker: unexpected command %q", req.Cmd)
	}
	if len(req.Param) != 14 {
		return JobParams{}, fmt.Errorf("worker: backupFile expects 14 params, got %d", len(req.Param))
	}

	p := req.Param
	compress, err := filter.ParseCompressionType(asString(p[9]))
	if err != nil {
		return JobParams{}, err
	}

	return JobParams{
		PgFile:                     asString(p[0]),
		IgnoreMissing:              asBool(p[1]),
		PgFileSize:                 asInt64(p[2]),
		PgFileCopyExactSize:        asBool(p[3]),
		PgFileChecksum:             asString(p[4]),
		PgFileChecksumPage:         asBool(p[5]),
		PgFileChecksumPageLsnLimit: uint64(asInt64(p[6])),
		RepoFile:                   asString(p[7]),
		RepoFileHasReference:       asBool(p[8]),
		RepoFileCompress:           compress,
		RepoFileCompressLevel:      int(asInt64(p[10])),
		BackupLabel:                asString(p[11]),
		Delta:                      asBool(p[12]),
		CipherSubPass:              asString(p[13]),
	}, nil
}

// EncodeResponse builds the wire success response for a completed job.
func EncodeResponse(r Result) Response {
	var pc any
	if r.PageChecksumResult != nil {
		pc = r.PageChecksumResult
	}
	return Response{Out: []any{
		int(r.CopyResult),
		r.CopySize,
		r.RepoSize,
		nullableString(r.CopyChecksum),
		pc,
	}}
}

// DecodeResponse parses a successful wire response back into a Result, or
// returns the error it carried.
func DecodeResponse(resp Response) (Result, error) {
	if resp.Err != nil {
		return Result{}, &RemoteError{Code: *resp.Err, Message: resp.Message}
	}
	if len(resp.Out) != 5 {
		return Result{}, fmt.Errorf("worker: backupFile response expects 5 fields, got %d", len(resp.Out))
	}

	var pc *filter.PageCheckResult
	if resp.Out[4] != nil {
		b, err := json.Marshal(resp.Out[4])
		if err != nil {
			return Result{}, err
		}
		pc = &filter.PageCheckResult{}
		if err := json.Unmarshal(b, pc); err != nil {
			return Result{}, err
		}
	}

	return Result{
		CopyResult:         CopyResultCode(asInt64(resp.Out[0])),
		CopySize:           asInt64(resp.Out[1]),
		RepoSize:           asInt64(resp.Out[2]),
		CopyChecksum:       asString(resp.Out[3]),
		PageChecksumResult: pc,
	}, nil
}

// RemoteError wraps an error code/message received from a worker subprocess.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("worker: remote error %d: %s", e.Code, e.Message) }

// errCodeFor maps a worker-side error to its wire taxonomy code, per §7.
func errCodeFor(err error) int {
	switch err.(type) {
	case *FileMissingError:
		return ErrFileMissing
	case *ChecksumError:
		return ErrChecksum
	case *FileOpenError:
		return ErrFileOpen
	case *FileReadError:
		return ErrFileRead
	case *FileWriteError:
		return ErrFileWrite
	default:
		return ErrInternal
	}
}

// Serve runs the worker subprocess loop: read one Request per line from r,
// execute it against store, write one Response per line to w. Returns nil
// when the dispatcher sends CmdClose or r reaches EOF.
func Serve(r io.Reader, w io.Writer, store repo.Store) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return fmt.Errorf("worker: decode request: %w", err)
		}
		if req.Cmd == CmdClose {
			return nil
		}

		params, err := DecodeRequest(req)
		if err != nil {
			code := ErrInternal
			if err := enc.Encode(Response{Err: &code, Message: err.Error()}); err != nil {
				return err
			}
			continue
		}

		result, err := Execute(params, store)
		if err != nil {
			code := errCodeFor(err)
			if encErr := enc.Encode(Response{Err: &code, Message: err.Error()}); encErr != nil {
				return encErr
			}
			continue
		}

		if err := enc.Encode(EncodeResponse(result)); err != nil {
			return fmt.Errorf("worker: encode response: %w", err)
		}
	}
	return scanner.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	if v == nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
