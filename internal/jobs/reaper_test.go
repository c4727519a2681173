package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/agent-farm/internal/config"
	"github.com/yourusername/agent-farm/internal/logging"
	"github.com/yourusername/agent-farm/internal/research"
)

type fakeQueueChecker struct {
	queued map[string]bool
	err    error
}

func (q *fakeQueueChecker) TaskQueued(_ context.Context, jobID string) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	return q.queued[jobID], nil
}

func TestReaperSweep(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	events := &recordingPublisher{}

	now := time.Now()
	store.now = func() time.Time { return now.Add(-2 * time.Hour) }
	createPending(t, store, "research_waiting")
	createPending(t, store, "research_lost")
	createPending(t, store, "research_stale_running")
	_, err := store.MarkRunning(ctx, "research_stale_running", 1, 40, "Analyst finished")
	require.NoError(t, err)
	createPending(t, store, "research_old_done")
	_, err = store.MarkSucceeded(ctx, "research_old_done", testReport())
	require.NoError(t, err)

	store.now = time.Now
	createPending(t, store, "research_fresh")

	queue := &fakeQueueChecker{queued: map[string]bool{"research_waiting": true}}
	reaper, err := NewReaper(ReaperOptions{
		Store:      store,
		Queue:      queue,
		Events:     events,
		Interval:   time.Minute,
		StaleAfter: time.Hour,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)

	reaped, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	running, err := store.Get(ctx, "research_stale_running")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, running.Status)
	require.NotNil(t, running.Error)
	assert.Equal(t, research.CodeTimeout, running.Error.Code)

	lost, err := store.Get(ctx, "research_lost")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, lost.Status)
	require.NotNil(t, lost.Error)
	assert.Equal(t, research.CodeExecution, lost.Error.Code)

	// キューで順番待ちのジョブは実行予算を使っていない
	waiting, err := store.Get(ctx, "research_waiting")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, waiting.Status)

	done, err := store.Get(ctx, "research_old_done")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)

	fresh, err := store.Get(ctx, "research_fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)

	assert.Len(t, events.Events(), 2)

	again, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestReaperLeavesPendingWhenQueueUnknown(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	createPending(t, store, "research_pending")
	store.now = time.Now

	t.Run("no queue checker", func(t *testing.T) {
		reaper, err := NewReaper(ReaperOptions{Store: store, Interval: time.Minute, StaleAfter: time.Hour})
		require.NoError(t, err)
		reaped, err := reaper.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, reaped)
	})

	t.Run("queue lookup fails", func(t *testing.T) {
		reaper, err := NewReaper(ReaperOptions{
			Store:      store,
			Queue:      &fakeQueueChecker{err: errors.New("redis down")},
			Interval:   time.Minute,
			StaleAfter: time.Hour,
			Logger:     logging.Discard(),
		})
		require.NoError(t, err)
		reaped, err := reaper.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, reaped)
	})

	record, err := store.Get(ctx, "research_pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, record.Status)
}

// 既定の設定で、強制終了されたワーカーの RUNNING レコードが
// Redis の期限切れより先に FAILED になること。
func TestReaperFailsKilledJobBeforeRecordExpires(t *testing.T) {
	t.Setenv("GIN_MODE", "debug")
	cfg, err := config.Load()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStoreWithActiveTTL(rdb, cfg.JobTTL, cfg.JobActiveTTL)
	ctx := context.Background()

	createPending(t, store, "research_killed")
	_, err = store.MarkRunning(ctx, "research_killed", 1, 30, "Researcher working")
	require.NoError(t, err)

	// 判定時間を過ぎた直後の次の巡回
	elapsed := cfg.ReaperStaleAfter + cfg.ReaperInterval
	mr.FastForward(elapsed)

	reaper, err := NewReaper(ReaperOptions{
		Store:      store,
		Interval:   cfg.ReaperInterval,
		StaleAfter: cfg.ReaperStaleAfter,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	reaper.now = func() time.Time { return time.Now().Add(elapsed) }

	reaped, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	record, err := store.Get(ctx, "research_killed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.Error)
	assert.Equal(t, research.CodeTimeout, record.Error.Code)
	assert.Equal(t, 30, record.Progress)
	assert.Equal(t, cfg.JobTTL, mr.TTL("research:job:research_killed"))
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	store, _ := newTestStore(t)
	reaper, err := NewReaper(ReaperOptions{
		Store:      store,
		Interval:   10 * time.Millisecond,
		StaleAfter: time.Hour,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestNewReaperValidates(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := NewReaper(ReaperOptions{Interval: time.Minute, StaleAfter: time.Hour})
	assert.Error(t, err)
	_, err = NewReaper(ReaperOptions{Store: store, StaleAfter: time.Hour})
	assert.Error(t, err)
}
