package jobs

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/agent-farm/internal/research"
)

var errFresh = errors.New("job updated recently")

// QueueChecker はジョブのタスクがキューに残っているかを確認します。*Manager が実装します。
type QueueChecker interface {
	TaskQueued(ctx context.Context, jobID string) (bool, error)
}

// ReaperOptions は Reaper の依存関係です。
type ReaperOptions struct {
	Store *Store
	// Queue が nil の場合、PENDING のジョブは回収しません。
	Queue      QueueChecker
	Events     Publisher
	Logger     *logrus.Logger
	Interval   time.Duration
	StaleAfter time.Duration
}

// Reaper は更新が途絶えた未終了ジョブを失敗扱いにします。
// ワーカーがハードタイムアウトで強制終了された場合など、FAILED を書けなかったジョブを回収します。
// PENDING のジョブはキューで順番を待っている間は対象外で、タスクがキューから失われた場合だけ回収します。
type Reaper struct {
	store      *Store
	queue      QueueChecker
	events     Publisher
	logger     *logrus.Logger
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewReaper は Reaper を作成します。
func NewReaper(opts ReaperOptions) (*Reaper, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Interval <= 0 || opts.StaleAfter <= 0 {
		return nil, errors.New("reaper interval and stale threshold must be positive")
	}
	if opts.Events == nil {
		opts.Events = NopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Reaper{
		store:      opts.Store,
		queue:      opts.Queue,
		events:     opts.Events,
		logger:     opts.Logger,
		interval:   opts.Interval,
		staleAfter: opts.StaleAfter,
		now:        time.Now,
	}, nil
}

// Run は ctx がキャンセルされるまで定期的に Sweep を実行します。
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.WithFields(logrus.Fields{
		"interval":    r.interval,
		"stale_after": r.staleAfter,
	}).Info("starting reaper")

	// 複数インスタンスが同時に走らないようにずらす
	if !r.waitWithJitter(ctx) {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.WithError(err).Warn("reaper sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep は1回分の回収を行い、FAILED にしたジョブ数を返します。
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	records, err := r.store.List(ctx, 0)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.staleAfter)
	reaped := 0
	for _, rec := range records {
		if rec.Status.Terminal() || rec.UpdatedAt.After(cutoff) {
			continue
		}
		info, ok := r.failure(ctx, rec)
		if !ok {
			continue
		}
		// List の後に更新されたレコードは対象外
		updated, err := r.store.Update(ctx, rec.JobID, func(cur *Record) error {
			if cur.UpdatedAt.After(cutoff) || cur.Status != rec.Status {
				return errFresh
			}
			cur.Status = StatusFailed
			cur.Error = &info
			cur.Message = info.Message
			return nil
		})
		switch {
		case errors.Is(err, ErrTerminal), errors.Is(err, ErrNotFound), errors.Is(err, errFresh):
			continue
		case err != nil:
			return reaped, err
		}
		reaped++
		r.logger.WithFields(logrus.Fields{
			"job_id":          rec.JobID,
			"lifecycle_state": rec.Status,
			"updated_at":      rec.UpdatedAt,
			"code":            info.Code,
		}).Warn("stale job marked as failed")
		if err := r.events.Publish(ctx, EventFromRecord(updated)); err != nil {
			r.logger.WithError(err).Warn("failed to publish lifecycle event")
		}
	}
	return reaped, nil
}

// failure は古くなったレコードに書き込むエラーを返します。回収しない場合は false です。
func (r *Reaper) failure(ctx context.Context, rec *Record) (ErrorInfo, bool) {
	if rec.Status == StatusRunning {
		return ErrorInfo{
			Code:    research.CodeTimeout,
			Message: "job made no progress within " + r.staleAfter.String(),
		}, true
	}

	// PENDING: 混雑したキューで待っているだけなら実行予算は消費していない
	if r.queue == nil {
		return ErrorInfo{}, false
	}
	queued, err := r.queue.TaskQueued(ctx, rec.JobID)
	if err != nil {
		r.logger.WithError(err).WithField("job_id", rec.JobID).Warn("failed to look up queued task")
		return ErrorInfo{}, false
	}
	if queued {
		return ErrorInfo{}, false
	}
	return ErrorInfo{
		Code:    research.CodeExecution,
		Message: "task is no longer in the queue",
	}, true
}

// waitWithJitter は interval の最大10%だけ待ちます。ctx が先に終了した場合は false を返します。
func (r *Reaper) waitWithJitter(ctx context.Context) bool {
	maxJitter := int64(r.interval / 10)
	if maxJitter <= 0 {
		return true
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return true
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
