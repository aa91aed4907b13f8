// Package dispatch runs the parallel job dispatcher of spec §4.G: N worker
// subprocesses, each with one outstanding backupFile job at a time,
// communicating over a line-delimited JSON wire protocol (internal/worker).
// Results arrive in non-deterministic order; dispatch hands each back to
// the caller as it completes so the orchestrator can apply it under its
// own single-threaded mutation discipline.
package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/vbp1/pgbackup-core/internal/worker"
)

// Job is one unit of dispatchable work: a file copy keyed by its manifest
// name, so results can be matched back to the right manifest entry.
type Job struct {
	Key    string
	Params worker.JobParams
}

// JobResult is the outcome of one Job. Err is set on any worker fault; per
// spec §4.G/§5 a worker fault is fatal to the whole dispatch run.
type JobResult struct {
	Key    string
	Result worker.Result
	Err    error
}

// Config configures a Dispatcher.
type Config struct {
	WorkerCount  int      // default 1
	WorkerBin    string   // path to this binary (os.Executable())
	WorkerArgs   []string // e.g. []string{"worker"}
	ShowProgress bool
	TotalBytes   int64 // for the progress bar; 0 disables the bar

	// OnResult, if set, is invoked synchronously from Run's single
	// result-collection loop for every JobResult as it arrives, before it
	// is appended to the returned slice. The orchestrator uses this to
	// apply each result to its live manifest and perform periodic
	// manifest-save-threshold resaves without waiting for the whole
	// dispatch run to finish (spec §4.I).
	OnResult func(JobResult)
}

// Dispatcher owns a fixed pool of worker subprocesses for the duration of
// one backup run.
type Dispatcher struct {
	cfg     Config
	workers []*workerProc
}

// New spawns cfg.WorkerCount worker subprocesses (minimum 1).
func New(ctx context.Context, cfg Config) (*Dispatcher, error) {
	n := cfg.WorkerCount
	if n <= 0 {
		n = 1
	}

	d := &Dispatcher{cfg: cfg}
	for i := 0; i < n; i++ {
		w, err := startWorker(ctx, cfg.WorkerBin, cfg.WorkerArgs)
		if err != nil {
			d.Close(500 * time.Millisecond)
			return nil, fmt.Errorf("dispatch: start worker %d: %w", i, err)
		}
		d.workers = append(d.workers, w)
	}
	return d, nil
}

// workerProc is one owned worker subprocess handle: the process plus its
// stdin sink and stdout stream, per spec §9's "cyclic graph of worker
// lifetimes" note.
type workerProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	enc    *json.Encoder
	mu     sync.Mutex
}

func startWorker(ctx context.Context, bin string, args []string) (*workerProc, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = nil // worker subprocess logs go to its own inherited stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &workerProc{cmd: cmd, stdin: stdin, stdout: scanner, enc: json.NewEncoder(stdin)}, nil
}

// submit sends one job and blocks for its single response. Only one job may
// be outstanding per worker at a time, per spec §4.G's scheduling model.
func (w *workerProc) submit(j Job) (worker.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(worker.EncodeRequest(j.Params)); err != nil {
		return worker.Result{}, fmt.Errorf("dispatch: write job %s: %w", j.Key, err)
	}
	if !w.stdout.Scan() {
		if err := w.stdout.Err(); err != nil {
			return worker.Result{}, fmt.Errorf("dispatch: read result for %s: %w", j.Key, err)
		}
		return worker.Result{}, fmt.Errorf("dispatch: worker closed stdout before responding to %s", j.Key)
	}

	var resp worker.Response
	if err := json.Unmarshal(w.stdout.Bytes(), &resp); err != nil {
		return worker.Result{}, fmt.Errorf("dispatch: decode result for %s: %w", j.Key, err)
	}
	return worker.DecodeResponse(resp)
}

func (w *workerProc) close(grace time.Duration) {
	_ = w.enc.Encode(worker.Request{Cmd: worker.CmdClose})
	_ = w.stdin.Close()

	done := make(chan struct{})
	go func() { _ = w.cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		<-done
	}
}

// Close sends a close request to every worker and waits up to grace for
// each to exit, killing any that don't. Safe to call multiple times.
func (d *Dispatcher) Close(grace time.Duration) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.close(grace)
		}()
	}
	wg.Wait()
	d.workers = nil
}

// Run feeds jobs to idle workers and returns every JobResult once all jobs
// have completed, in the order results arrived. If ctx is canceled or any
// job fails, Run stops dispatching new jobs and returns the error (partial
// results are still returned for whatever completed beforehand). Run does
// not close the workers; that is left to Close.
func (d *Dispatcher) Run(ctx context.Context, jobs []Job) ([]JobResult, error) {
	// runCtx is canceled the moment any job reports a fatal error, so the
	// job feeder and every still-healthy worker goroutine stop pulling new
	// work immediately instead of draining the rest of jobs (spec §4.G/§5:
	// "no new jobs are dispatched" once a worker fault is observed).
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobsCh := make(chan Job)
	resultsCh := make(chan JobResult, len(d.workers))
	var wg sync.WaitGroup

	for _, w := range d.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case j, ok := <-jobsCh:
					if !ok {
						return
					}
					res, err := w.submit(j)
					select {
					case resultsCh <- JobResult{Key: j.Key, Result: res, Err: err}:
					case <-runCtx.Done():
						return
					}
					if err != nil {
						return
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobsCh)
		for _, j := range jobs {
			select {
			case jobsCh <- j:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	bar := newProgressBar(d.cfg)

	var out []JobResult
	var fatal error
	for res := range resultsCh {
		if d.cfg.OnResult != nil {
			d.cfg.OnResult(res)
		}
		out = append(out, res)
		if bar != nil {
			bar.IncrInt64(res.Result.RepoSize)
		}
		if res.Err != nil && fatal == nil {
			fatal = res.Err
			slog.Error("dispatch: worker fault, aborting backup", "key", res.Key, "err", res.Err)
			cancel()
		}
	}

	if fatal != nil {
		return out, fatal
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

func newProgressBar(cfg Config) *mpb.Bar {
	if !cfg.ShowProgress || cfg.TotalBytes <= 0 {
		return nil
	}
	p := mpb.New(mpb.WithWidth(40), mpb.WithRefreshRate(200*time.Millisecond))
	return p.New(cfg.TotalBytes, mpb.BarStyle().Rbound("|").Lbound("|"),
		mpb.PrependDecorators(decor.Name("backup ", decor.WC{W: 7, C: decor.DSyncWidth}), decor.Percentage()),
		mpb.AppendDecorators(decor.CountersKiloByte("% .2f / % .2f")))
}
