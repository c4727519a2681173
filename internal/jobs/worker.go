// Package jobs は非同期リサーチジョブの台帳、キュー投入、実行を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/agent-farm/internal/research"
)

// Archiver は成功したレポートの保存先です。
type Archiver interface {
	Save(ctx context.Context, jobID string, params research.Params, report *research.Report) error
}

// Attempt は asynq から取得した試行回数の情報です。
type Attempt struct {
	Retry    int
	MaxRetry int
}

// Number は 1 始まりの試行番号です。
func (a Attempt) Number() int { return a.Retry + 1 }

// Final はこれが最後の試行かどうかを返します。
func (a Attempt) Final() bool { return a.Retry >= a.MaxRetry }

// RunnerOptions は Runner の依存関係です。
type RunnerOptions struct {
	Store     *Store
	Generator research.Generator
	Archive   Archiver
	Events    Publisher
	Logger    *logrus.Logger
	// SoftTimeoutMargin はハードタイムアウトの何秒前に生成処理を打ち切るかです。
	SoftTimeoutMargin time.Duration
	RetryDelay        time.Duration
}

// Runner はキューから受け取ったジョブを実行し、台帳を更新します。
type Runner struct {
	store      *Store
	generator  research.Generator
	archive    Archiver
	events     Publisher
	logger     *logrus.Logger
	softMargin time.Duration
	retryDelay time.Duration
}

// NewRunner は Runner を初期化します。
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Store == nil {
		return nil, errors.New("store is nil")
	}
	if opts.Generator == nil {
		return nil, errors.New("generator is nil")
	}
	if opts.Events == nil {
		opts.Events = NopPublisher{}
	}
	return &Runner{
		store:      opts.Store,
		generator:  opts.Generator,
		archive:    opts.Archive,
		events:     opts.Events,
		logger:     opts.Logger,
		softMargin: opts.SoftTimeoutMargin,
		retryDelay: opts.RetryDelay,
	}, nil
}

// ProcessTask は asynq.Handler の実装です。
func (r *Runner) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing job_id in payload: %w", asynq.SkipRetry)
	}

	retry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return r.Run(ctx, payload, Attempt{Retry: retry, MaxRetry: maxRetry})
}

// Run は1回分の試行を実行します。
// 台帳に存在しないジョブや終了済みのジョブ（取消済み、重複配信）は何もしません。
func (r *Runner) Run(ctx context.Context, payload TaskPayload, attempt Attempt) error {
	jobID := payload.JobID
	log := r.entry(jobID).WithField("attempt", attempt.Number())

	record, err := r.store.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		log.Warn("job record missing, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		log.WithField("lifecycle_state", record.Status).Info("job already finished, skipping")
		return nil
	}

	if _, err := r.store.MarkRunning(ctx, jobID, attempt.Number(), 10, "Initializing agents..."); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return err
	}
	log.Info("job started")

	runCtx, cancel := r.softDeadline(ctx)
	defer cancel()

	progress := func(percent int, message string) {
		_, err := r.store.UpdateProgress(runCtx, jobID, percent, message)
		switch {
		case err == nil:
		case errors.Is(err, ErrTerminal):
			// 実行中に取り消された。生成処理も止める
			cancel()
		default:
			log.WithError(err).Warn("failed to update progress")
		}
	}

	report, genErr := r.generator.Generate(runCtx, payload.Params, progress)

	// 期限切れ後も書き込めるように親のキャンセルを切り離す
	writeCtx := context.WithoutCancel(ctx)
	if genErr == nil {
		return r.succeed(writeCtx, log, payload, report)
	}
	return r.fail(writeCtx, log, runCtx, jobID, attempt, genErr)
}

func (r *Runner) succeed(ctx context.Context, log *logrus.Entry, payload TaskPayload, report *research.Report) error {
	record, err := r.store.MarkSucceeded(ctx, payload.JobID, report)
	if errors.Is(err, ErrTerminal) {
		log.Info("job cancelled while running, result discarded")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("job succeeded")

	if r.archive != nil {
		if err := r.archive.Save(ctx, payload.JobID, payload.Params, report); err != nil {
			log.WithError(err).Warn("failed to archive report")
		}
	}
	r.publish(ctx, log, record)
	return nil
}

func (r *Runner) fail(ctx context.Context, log *logrus.Entry, runCtx context.Context, jobID string, attempt Attempt, genErr error) error {
	current, err := r.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if current.Status.Terminal() {
		log.WithField("lifecycle_state", current.Status).Info("job finished elsewhere, stopping")
		return nil
	}

	if errors.Is(genErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		record, err := r.store.MarkFailed(ctx, jobID, ErrorInfo{
			Code:    research.CodeTimeout,
			Message: "job exceeded its time limit",
		})
		if err != nil && !errors.Is(err, ErrTerminal) {
			return err
		}
		log.WithError(genErr).Error("job timed out")
		if err == nil {
			r.publish(ctx, log, record)
		}
		return fmt.Errorf("job %s timed out: %w", jobID, asynq.SkipRetry)
	}

	if errors.Is(genErr, context.Canceled) {
		// ワーカー停止による中断。asynq が再投入する
		log.Warn("job interrupted by worker shutdown")
		return genErr
	}

	if !attempt.Final() {
		msg := fmt.Sprintf("Attempt %d failed, retrying", attempt.Number())
		if r.retryDelay > 0 {
			msg = fmt.Sprintf("Attempt %d failed, retrying in %s", attempt.Number(), r.retryDelay)
		}
		if _, err := r.store.MarkRetrying(ctx, jobID, msg); err != nil && !errors.Is(err, ErrTerminal) {
			log.WithError(err).Warn("failed to record retry")
		}
		log.WithError(genErr).Warn("job attempt failed")
		return genErr
	}

	record, err := r.store.MarkFailed(ctx, jobID, ErrorInfo{
		Code:    research.CodeExecution,
		Message: genErr.Error(),
	})
	if err != nil && !errors.Is(err, ErrTerminal) {
		return err
	}
	log.WithError(genErr).Error("job failed")
	if err == nil {
		r.publish(ctx, log, record)
	}
	return fmt.Errorf("job %s failed: %v: %w", jobID, genErr, asynq.SkipRetry)
}

// softDeadline はハードタイムアウトより softMargin だけ早い期限を設定します。
func (r *Runner) softDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && r.softMargin > 0 {
		return context.WithDeadline(ctx, deadline.Add(-r.softMargin))
	}
	return context.WithCancel(ctx)
}

func (r *Runner) publish(ctx context.Context, log *logrus.Entry, record *Record) {
	if record == nil || !record.Status.Terminal() {
		return
	}
	if err := r.events.Publish(ctx, EventFromRecord(record)); err != nil {
		log.WithError(err).Warn("failed to publish lifecycle event")
	}
}

func (r *Runner) entry(jobID string) *logrus.Entry {
	logger := r.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("job_id", jobID)
}
