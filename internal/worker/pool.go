package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aliou/osgrep/internal/oserr"
)

// DefaultTimeout is the hard per-request timeout.
const DefaultTimeout = 60 * time.Second

// DefaultMaxRSS recycles a worker whose resident set crosses this.
const DefaultMaxRSS = int64(1536) * 1024 * 1024

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Workers is the number of subordinate processes. 0 means
	// min(4, GOMAXPROCS).
	Workers int

	// Timeout is the hard per-request timeout (default 60s). Exceeding it
	// fails the task and kills the owning worker.
	Timeout time.Duration

	// MaxRSSBytes drains and recycles a worker above this resident set.
	MaxRSSBytes int64

	// spawn overrides process creation, for tests.
	spawn spawnFunc
}

// Pool is a fleet of isolated inference processes with FIFO dispatch,
// crash recovery, and memory-pressure recycling. Implements Inference.
type Pool struct {
	opts  PoolOptions
	tasks chan *task

	destroyOnce sync.Once
	destroyCh   chan struct{}
	wg          sync.WaitGroup

	respawns atomic.Int64
	recycles atomic.Int64
}

var _ Inference = (*Pool)(nil)

type task struct {
	method string
	params any
	result any
	done   chan error
}

// NewPool starts the worker fleet.
func NewPool(opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRSSBytes <= 0 {
		opts.MaxRSSBytes = DefaultMaxRSS
	}
	if opts.spawn == nil {
		opts.spawn = spawnSubprocess
	}

	p := &Pool{
		opts:      opts,
		tasks:     make(chan *task, 64),
		destroyCh: make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.runSlot(i)
	}
	return p
}

func defaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// runSlot owns one worker process: it pulls tasks FIFO, runs them one at a
// time, and replaces the process on crash, timeout, or memory pressure.
func (p *Pool) runSlot(slot int) {
	defer p.wg.Done()

	var proc workerProc
	defer func() {
		if proc != nil {
			proc.Kill()
		}
	}()

	for {
		select {
		case <-p.destroyCh:
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			proc = p.runTask(slot, proc, t)
		}
	}
}

// runTask executes one task, returning the (possibly replaced) process.
func (p *Pool) runTask(slot int, proc workerProc, t *task) workerProc {
	if proc == nil {
		var err error
		proc, err = p.opts.spawn()
		if err != nil {
			t.done <- oserr.Wrap(oserr.CodeWorkerCrash, "spawn worker", err)
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
	err := proc.Call(ctx, t.method, t.params, t.result)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		t.done <- nil

	case timedOut:
		// The model may be stuck; the worker is not trusted to recover.
		t.done <- oserr.Newf(oserr.CodeWorkerTimeout,
			"worker %d task %s exceeded %s", slot, t.method, p.opts.Timeout)
		proc.Kill()
		proc = p.respawn(slot)

	default:
		t.done <- oserr.Wrap(oserr.CodeWorkerCrash,
			"worker task "+t.method+" failed", err)
		proc.Kill()
		proc = p.respawn(slot)
	}

	// Memory discipline: recycle after the current task, never during.
	if proc != nil {
		if rss, rssErr := proc.RSSBytes(); rssErr == nil && rss > p.opts.MaxRSSBytes {
			slog.Info("worker_recycled",
				slog.Int("slot", slot), slog.Int64("rss_bytes", rss))
			p.recycles.Add(1)
			proc.Kill()
			proc = p.respawn(slot)
		}
	}
	return proc
}

// respawn replaces a dead worker unless the pool is being destroyed.
func (p *Pool) respawn(slot int) workerProc {
	select {
	case <-p.destroyCh:
		return nil
	default:
	}

	proc, err := p.opts.spawn()
	if err != nil {
		slog.Error("worker_respawn_failed",
			slog.Int("slot", slot), slog.String("error", err.Error()))
		return nil
	}
	p.respawns.Add(1)
	slog.Debug("worker_respawned", slog.Int("slot", slot), slog.Int("pid", proc.PID()))
	return proc
}

// call enqueues a task and waits for its result.
func (p *Pool) call(ctx context.Context, method string, params, result any) error {
	t := &task{method: method, params: params, result: result, done: make(chan error, 1)}

	select {
	case <-p.destroyCh:
		return oserr.New(oserr.CodeWorkerCrash, "pool is destroyed")
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- t:
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.destroyCh:
		return oserr.New(oserr.CodeWorkerCrash, "pool is destroyed")
	}
}

// EmbedBatch implements Inference.
func (p *Pool) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validateBatch(len(texts)); err != nil {
		return nil, err
	}
	var result ProcessFileResult
	if err := p.call(ctx, MethodProcessFile, ProcessFileParams{Texts: texts}, &result); err != nil {
		return nil, err
	}
	return result.Vectors, nil
}

// EncodeQuery implements Inference.
func (p *Pool) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	var result EncodeQueryResult
	if err := p.call(ctx, MethodEncodeQuery, EncodeQueryParams{Text: text}, &result); err != nil {
		return nil, err
	}
	return result.Vector, nil
}

// Rerank implements Inference.
func (p *Pool) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	var result RerankResult
	if err := p.call(ctx, MethodRerank, RerankParams{Query: query, Docs: docs}, &result); err != nil {
		return nil, err
	}
	return result.Scores, nil
}

// Respawns reports how many workers were replaced after a crash, a timeout
// or a memory-pressure recycle.
func (p *Pool) Respawns() int64 {
	return p.respawns.Load()
}

// Destroy closes the pool: pending tasks are rejected, workers are
// terminated, and the call waits bounded for slot goroutines to exit.
func (p *Pool) Destroy() {
	p.destroyOnce.Do(func() {
		close(p.destroyCh)

		// Reject everything still queued.
	drain:
		for {
			select {
			case t := <-p.tasks:
				t.done <- oserr.New(oserr.CodeWorkerCrash, "pool is destroyed")
			default:
				break drain
			}
		}

		waited := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(10 * time.Second):
			slog.Warn("pool_destroy_timeout")
		}
	})
}
