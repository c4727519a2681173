package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/agent-farm/internal/logging"
	"github.com/yourusername/agent-farm/internal/research"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	run   func(ctx context.Context, progress research.ProgressFunc) (*research.Report, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, _ research.Params, progress research.ProgressFunc) (*research.Report, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.run(ctx, progress)
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type memArchive struct {
	saved map[string]*research.Report
	err   error
}

func (a *memArchive) Save(_ context.Context, jobID string, _ research.Params, report *research.Report) error {
	if a.err != nil {
		return a.err
	}
	if a.saved == nil {
		a.saved = map[string]*research.Report{}
	}
	a.saved[jobID] = report
	return nil
}

type runnerFixture struct {
	store     *Store
	generator *fakeGenerator
	events    *recordingPublisher
	archive   *memArchive
	runner    *Runner
}

func newRunnerFixture(t *testing.T, run func(ctx context.Context, progress research.ProgressFunc) (*research.Report, error)) *runnerFixture {
	t.Helper()
	store, _ := newTestStore(t)
	f := &runnerFixture{
		store:     store,
		generator: &fakeGenerator{run: run},
		events:    &recordingPublisher{},
		archive:   &memArchive{},
	}
	runner, err := NewRunner(RunnerOptions{
		Store:             store,
		Generator:         f.generator,
		Archive:           f.archive,
		Events:            f.events,
		Logger:            logging.Discard(),
		SoftTimeoutMargin: 100 * time.Millisecond,
		RetryDelay:        time.Minute,
	})
	require.NoError(t, err)
	f.runner = runner
	return f
}

func (f *runnerFixture) payload(jobID string) TaskPayload {
	return TaskPayload{JobID: jobID, Params: testParams()}
}

func TestRunnerSucceeds(t *testing.T) {
	f := newRunnerFixture(t, func(ctx context.Context, progress research.ProgressFunc) (*research.Report, error) {
		progress(20, "Assembling agent crew...")
		progress(55, "Analyst finished")
		progress(90, "Finalizing results...")
		return testReport(), nil
	})
	createPending(t, f.store, "research_1")

	err := f.runner.Run(context.Background(), f.payload("research_1"), Attempt{Retry: 0, MaxRetry: 3})
	require.NoError(t, err)

	record, err := f.store.Get(context.Background(), "research_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, record.Status)
	assert.Equal(t, 100, record.Progress)
	require.NotNil(t, record.Result)
	assert.NotEmpty(t, record.Result.Content)
	assert.Nil(t, record.Error)
	assert.Equal(t, 1, record.Attempt)
	assert.NotNil(t, record.StartedAt)

	assert.Contains(t, f.archive.saved, "research_1")
	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, StatusSucceeded, events[0].State)
}

func TestRunnerRetriesThenFails(t *testing.T) {
	f := newRunnerFixture(t, func(context.Context, research.ProgressFunc) (*research.Report, error) {
		return nil, errors.New("llm provider unavailable")
	})
	createPending(t, f.store, "research_1")
	ctx := context.Background()

	for retry := 0; retry < 3; retry++ {
		err := f.runner.Run(ctx, f.payload("research_1"), Attempt{Retry: retry, MaxRetry: 3})
		require.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry), "attempt %d must be retried", retry+1)

		record, err := f.store.Get(ctx, "research_1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, record.Status)
		assert.Contains(t, record.Message, "retrying")
		assert.Nil(t, record.Error)
	}

	err := f.runner.Run(ctx, f.payload("research_1"), Attempt{Retry: 3, MaxRetry: 3})
	require.ErrorIs(t, err, asynq.SkipRetry)

	record, err := f.store.Get(ctx, "research_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Nil(t, record.Result)
	require.NotNil(t, record.Error)
	assert.Equal(t, research.CodeExecution, record.Error.Code)
	assert.Contains(t, record.Error.Message, "llm provider unavailable")
	assert.Equal(t, 4, f.generator.Calls())
	require.Len(t, f.events.Events(), 1)
	assert.Equal(t, StatusFailed, f.events.Events()[0].State)
}

func TestRunnerSkipsCancelledJob(t *testing.T) {
	f := newRunnerFixture(t, func(context.Context, research.ProgressFunc) (*research.Report, error) {
		return testReport(), nil
	})
	createPending(t, f.store, "research_1")
	_, err := f.store.MarkCancelled(context.Background(), "research_1")
	require.NoError(t, err)

	err = f.runner.Run(context.Background(), f.payload("research_1"), Attempt{MaxRetry: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, f.generator.Calls())

	record, err := f.store.Get(context.Background(), "research_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, record.Status)
}

func TestRunnerSkipsMissingAndFinishedJobs(t *testing.T) {
	f := newRunnerFixture(t, func(context.Context, research.ProgressFunc) (*research.Report, error) {
		return testReport(), nil
	})
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, f.payload("research_missing"), Attempt{MaxRetry: 3}))
	assert.Equal(t, 0, f.generator.Calls())

	createPending(t, f.store, "research_1")
	require.NoError(t, f.runner.Run(ctx, f.payload("research_1"), Attempt{MaxRetry: 3}))
	first, err := f.store.Get(ctx, "research_1")
	require.NoError(t, err)

	// 重複配信
	require.NoError(t, f.runner.Run(ctx, f.payload("research_1"), Attempt{MaxRetry: 3}))
	second, err := f.store.Get(ctx, "research_1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.generator.Calls())
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
}

func TestRunnerCancelledWhileRunning(t *testing.T) {
	var f *runnerFixture
	f = newRunnerFixture(t, func(ctx context.Context, progress research.ProgressFunc) (*research.Report, error) {
		progress(30, "Researcher finished")
		if _, err := f.store.MarkCancelled(context.Background(), "research_1"); err != nil {
			return nil, err
		}
		progress(60, "Analyst finished")
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return testReport(), nil
	})
	createPending(t, f.store, "research_1")

	err := f.runner.Run(context.Background(), f.payload("research_1"), Attempt{MaxRetry: 3})
	require.NoError(t, err)

	record, err := f.store.Get(context.Background(), "research_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, record.Status)
	assert.Equal(t, 30, record.Progress)
	assert.Nil(t, record.Result)
	assert.Empty(t, f.archive.saved)
}

func TestRunnerTimeoutMarksFailed(t *testing.T) {
	f := newRunnerFixture(t, func(ctx context.Context, progress research.ProgressFunc) (*research.Report, error) {
		progress(20, "Assembling agent crew...")
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.runner.softMargin = 700 * time.Millisecond
	createPending(t, f.store, "research_1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := f.runner.Run(ctx, f.payload("research_1"), Attempt{MaxRetry: 3})
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.NoError(t, ctx.Err(), "soft deadline must fire before the hard one")

	record, err := f.store.Get(context.Background(), "research_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, research.CodeTimeout, record.Error.Code)
}

func TestRunnerHardDeadlineStillWritesFailed(t *testing.T) {
	f := newRunnerFixture(t, func(ctx context.Context, _ research.ProgressFunc) (*research.Report, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.runner.softMargin = 0
	createPending(t, f.store, "research_1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := f.runner.Run(ctx, f.payload("research_1"), Attempt{MaxRetry: 3})
	require.ErrorIs(t, err, asynq.SkipRetry)

	record, err := f.store.Get(context.Background(), "research_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, research.CodeTimeout, record.Error.Code)
}

func TestRunnerArchiveFailureDoesNotFailJob(t *testing.T) {
	f := newRunnerFixture(t, func(context.Context, research.ProgressFunc) (*research.Report, error) {
		return testReport(), nil
	})
	f.archive.err = errors.New("mongo down")
	createPending(t, f.store, "research_1")

	require.NoError(t, f.runner.Run(context.Background(), f.payload("research_1"), Attempt{MaxRetry: 3}))

	record, err := f.store.Get(context.Background(), "research_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, record.Status)
}

func TestProcessTaskRejectsBadPayload(t *testing.T) {
	f := newRunnerFixture(t, func(context.Context, research.ProgressFunc) (*research.Report, error) {
		return testReport(), nil
	})

	err := f.runner.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRun, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = f.runner.ProcessTask(context.Background(), asynq.NewTask(TaskTypeRun, []byte(`{"params":{}}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, 0, f.generator.Calls())
}
