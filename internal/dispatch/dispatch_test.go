package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgbackup-core/internal/filter"
	"github.com/vbp1/pgbackup-core/internal/repo"
	"github.com/vbp1/pgbackup-core/internal/worker"
)

// TestMain re-execs this test binary as a worker subprocess when
// GO_WANT_HELPER_PROCESS is set, mirroring the standard library's own
// os/exec subprocess-testing idiom so Dispatcher can spawn a real child
// process without a separately built worker binary.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperWorker is a minimal stand-in for worker.Serve that additionally
// sleeps before executing any job whose repo path is under "slow/", so
// tests can open a deterministic window to observe cancellation behavior.
func runHelperWorker() {
	root := os.Args[len(os.Args)-1]
	store := repo.NewLocalStore(root)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req worker.Request
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		if req.Cmd == worker.CmdClose {
			return
		}

		params, err := worker.DecodeRequest(req)
		if err != nil {
			code := worker.ErrInternal
			_ = enc.Encode(worker.Response{Err: &code, Message: err.Error()})
			continue
		}
		if strings.HasPrefix(params.RepoFile, "slow/") {
			time.Sleep(40 * time.Millisecond)
		}

		result, err := worker.Execute(params, store)
		if err != nil {
			code := worker.ErrFileMissing
			_ = enc.Encode(worker.Response{Err: &code, Message: err.Error()})
			continue
		}
		_ = enc.Encode(worker.EncodeResponse(result))
	}
}

func helperConfig(t *testing.T, workerCount int) (Config, string) {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	repoRoot := t.TempDir()
	return Config{
		WorkerCount: workerCount,
		WorkerBin:   os.Args[0],
		WorkerArgs:  []string{"-test.run=TestMain", repoRoot},
	}, repoRoot
}

func writeSourceFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o640))
	return path
}

func TestDispatcherRunCopiesAllJobs(t *testing.T) {
	cfg, _ := helperConfig(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := New(ctx, cfg)
	require.NoError(t, err)
	defer d.Close(time.Second)

	srcDir := t.TempDir()
	var jobs []Job
	for i := 0; i < 6; i++ {
		data := []byte(fmt.Sprintf("relation file contents #%d", i))
		src := writeSourceFile(t, srcDir, fmt.Sprintf("rel%d", i), data)
		jobs = append(jobs, Job{
			Key: fmt.Sprintf("pg_data/base/1/%d", i),
			Params: worker.JobParams{
				PgFile:              src,
				PgFileSize:          int64(len(data)),
				PgFileCopyExactSize: true,
				RepoFile:            fmt.Sprintf("pg_data/base/1/%d", i),
				RepoFileCompress:    filter.CompressNone,
			},
		})
	}

	results, err := d.Run(ctx, jobs)
	require.NoError(t, err)
	require.Len(t, results, len(jobs))
	for _, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, worker.ResultCopy, r.Result.CopyResult)
	}
}

func TestDispatcherStopsDispatchingAfterFatalError(t *testing.T) {
	cfg, _ := helperConfig(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := New(ctx, cfg)
	require.NoError(t, err)
	defer d.Close(time.Second)

	srcDir := t.TempDir()

	jobs := []Job{
		{
			Key: "missing",
			Params: worker.JobParams{
				PgFile:        filepath.Join(srcDir, "does-not-exist"),
				IgnoreMissing: false,
				RepoFile:      "missing",
			},
		},
	}
	for i := 0; i < 40; i++ {
		data := []byte("slow job payload")
		src := writeSourceFile(t, srcDir, fmt.Sprintf("slowrel%d", i), data)
		jobs = append(jobs, Job{
			Key: fmt.Sprintf("slow/%d", i),
			Params: worker.JobParams{
				PgFile:              src,
				PgFileSize:          int64(len(data)),
				PgFileCopyExactSize: true,
				RepoFile:            fmt.Sprintf("slow/%d", i),
			},
		})
	}

	results, err := d.Run(ctx, jobs)
	require.Error(t, err)
	// The dispatcher must stop handing out new jobs once the fatal result
	// is observed, so it should not have run every slow job to completion.
	require.Less(t, len(results), len(jobs))
}
