package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliou/osgrep/internal/oserr"
)

// fakeProc runs the Runtime in-process and can be told to misbehave.
type fakeProc struct {
	rt       Runtime
	mu       sync.Mutex
	crashed  bool
	hangOnce bool
	rss      int64
	done     chan struct{}
	doneOnce sync.Once
	calls    atomic.Int32
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{}), rss: 100 * 1024 * 1024}
}

func (f *fakeProc) Call(ctx context.Context, method string, params, result any) error {
	f.calls.Add(1)

	f.mu.Lock()
	crashed, hang := f.crashed, f.hangOnce
	f.hangOnce = false
	f.mu.Unlock()

	if crashed {
		return errors.New("connection closed")
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	switch method {
	case MethodProcessFile:
		p := params.(ProcessFileParams)
		vectors, err := f.rt.EmbedBatch(p.Texts)
		if err != nil {
			return err
		}
		*result.(*ProcessFileResult) = ProcessFileResult{Vectors: vectors}
	case MethodEncodeQuery:
		p := params.(EncodeQueryParams)
		vec, err := f.rt.EncodeQuery(p.Text)
		if err != nil {
			return err
		}
		*result.(*EncodeQueryResult) = EncodeQueryResult{Vector: vec}
	case MethodRerank:
		p := params.(RerankParams)
		scores, err := f.rt.Rerank(p.Query, p.Docs)
		if err != nil {
			return err
		}
		*result.(*RerankResult) = RerankResult{Scores: scores}
	}
	return nil
}

func (f *fakeProc) PID() int { return 4242 }

func (f *fakeProc) RSSBytes() (int64, error) { return atomic.LoadInt64(&f.rss), nil }

func (f *fakeProc) Done() <-chan struct{} { return f.done }

func (f *fakeProc) Kill() { f.doneOnce.Do(func() { close(f.done) }) }

// fakeSpawner tracks every proc it hands out.
type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (s *fakeSpawner) spawn() (workerProc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakeProc()
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func newTestPool(t *testing.T, opts PoolOptions, spawner *fakeSpawner) *Pool {
	t.Helper()
	opts.spawn = spawner.spawn
	p := NewPool(opts)
	t.Cleanup(p.Destroy)
	return p
}

func TestPool_EmbedBatch(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, PoolOptions{Workers: 2}, spawner)

	vectors, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Len(t, vectors[0], DenseDim)
}

func TestPool_EncodeQueryAndRerank(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, PoolOptions{Workers: 1}, spawner)
	ctx := context.Background()

	vec, err := p.EncodeQuery(ctx, "find the lock manager")
	require.NoError(t, err)
	assert.Len(t, vec, DenseDim)

	scores, err := p.Rerank(ctx, "lock", []string{"acquire lock", "bake bread"})
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}

func TestPool_CrashRespawns(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, PoolOptions{Workers: 1}, spawner)
	ctx := context.Background()

	// Warm the slot, then kill its process.
	_, err := p.EncodeQuery(ctx, "warm up")
	require.NoError(t, err)

	spawner.mu.Lock()
	spawner.procs[0].crashed = true
	spawner.mu.Unlock()

	_, err = p.EncodeQuery(ctx, "this one fails")
	require.Error(t, err)
	assert.True(t, oserr.HasCode(err, oserr.CodeWorkerCrash))

	// The replacement serves the next request.
	_, err = p.EncodeQuery(ctx, "served by the respawn")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, p.Respawns(), int64(1))
	assert.GreaterOrEqual(t, spawner.count(), 2)
}

func TestPool_TimeoutKillsWorker(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, PoolOptions{Workers: 1, Timeout: 50 * time.Millisecond}, spawner)
	ctx := context.Background()

	_, err := p.EncodeQuery(ctx, "warm up")
	require.NoError(t, err)

	spawner.mu.Lock()
	first := spawner.procs[0]
	first.hangOnce = true
	spawner.mu.Unlock()

	_, err = p.EncodeQuery(ctx, "this one hangs")
	require.Error(t, err)
	assert.True(t, oserr.HasCode(err, oserr.CodeWorkerTimeout))

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("hung worker was not killed")
	}
}

func TestPool_MemoryPressureRecycles(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, PoolOptions{Workers: 1, MaxRSSBytes: 50 * 1024 * 1024}, spawner)
	ctx := context.Background()

	// Every proc reports 100 MB, above the 50 MB cap, so each task
	// completes and then the worker is recycled.
	_, err := p.EncodeQuery(ctx, "first")
	require.NoError(t, err)
	_, err = p.EncodeQuery(ctx, "second")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, spawner.count(), 2, "worker should be recycled between tasks")
}

func TestPool_DestroyRejectsNewWork(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, PoolOptions{Workers: 1}, spawner)

	p.Destroy()

	_, err := p.EncodeQuery(context.Background(), "after destroy")
	require.Error(t, err)
	assert.True(t, oserr.HasCode(err, oserr.CodeWorkerCrash))
}

func TestPool_ConcurrentCallers(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, PoolOptions{Workers: 4}, spawner)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.EmbedBatch(ctx, []string{"text"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestPool_BatchSizeValidation(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(t, PoolOptions{Workers: 1}, spawner)

	_, err := p.EmbedBatch(context.Background(), nil)
	assert.Error(t, err)
}
