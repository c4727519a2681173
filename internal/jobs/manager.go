package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/agent-farm/internal/config"
	"github.com/yourusername/agent-farm/internal/research"
)

const (
	// QueueName はリサーチジョブ用の asynq キュー名です。
	QueueName = "research"
	// TaskTypeRun はリサーチ実行タスクの種別です。
	TaskTypeRun = "research:run"

	jobIDPrefix = "research_"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
	Servers() ([]*asynq.ServerInfo, error)
	Close() error
}

// Manager はジョブの投入、取消、状態参照を担います。
type Manager struct {
	cfg       *config.Config
	queue     taskEnqueuer
	inspector taskInspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	store     *Store
	events    Publisher
	logger    *logrus.Logger
	newID     func() string
	now       func() time.Time
}

// NewManager は Manager を初期化します。
// runner が nil の場合はワーカーを持たない（API 専用の）Manager になります。
func NewManager(cfg *config.Config, store *Store, runner *Runner, events Publisher, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if events == nil {
		events = NopPublisher{}
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	manager := &Manager{
		cfg:       cfg,
		queue:     asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		store:     store,
		events:    events,
		logger:    logger,
		newID:     NewJobID,
		now:       time.Now,
	}

	if runner != nil {
		retryDelay := cfg.JobRetryDelay
		serverCfg := asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				QueueName: 1,
			},
			RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
				return retryDelay
			},
			ShutdownTimeout: 30 * time.Second,
		}
		if logger != nil {
			serverCfg.Logger = logger
		}
		manager.server = asynq.NewServer(opt, serverCfg)
		manager.mux = asynq.NewServeMux()
		manager.mux.Handle(TaskTypeRun, runner)
	}
	return manager, nil
}

// NewJobID は "research_" に UUID の16進表記を付けた ID を返します。
func NewJobID() string {
	return jobIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StartWorkers は asynq サーバーを起動します。処理はバックグラウンドで行われます。
func (m *Manager) StartWorkers() error {
	if m.server == nil {
		return errors.New("manager has no runner")
	}
	return m.server.Start(m.mux)
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	return errors.Join(m.queue.Close(), m.inspector.Close())
}

// Submit は PENDING のレコードを台帳に書き込んでからジョブをキューに投入します。
// 投入に失敗した場合はレコードを削除し、SUBMISSION_ERROR を返します。
func (m *Manager) Submit(ctx context.Context, params research.Params) (*Record, error) {
	jobID := m.newID()
	record := &Record{
		JobID:     jobID,
		Params:    params,
		Status:    StatusPending,
		Progress:  0,
		Message:   "Task queued",
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, research.NewError(research.CodeSubmission, "ジョブの登録に失敗しました。時間をおいて再度お試しください。", err)
	}

	body, err := json.Marshal(TaskPayload{JobID: jobID, Params: params})
	if err != nil {
		m.discard(jobID)
		return nil, err
	}

	task := asynq.NewTask(TaskTypeRun, body)
	if _, err := m.queue.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(m.cfg.JobMaxRetry),
		asynq.Timeout(m.cfg.JobTimeout),
		asynq.Retention(m.cfg.JobTTL),
	); err != nil {
		m.discard(jobID)
		return nil, research.NewError(research.CodeSubmission, "ジョブキューに接続できません。時間をおいて再度お試しください。", err)
	}

	m.entry(jobID).WithField("category", params.Category).Info("job enqueued")
	return record, nil
}

// Get はジョブ情報を取得します。
func (m *Manager) Get(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// List は最近のジョブを返します。
func (m *Manager) List(ctx context.Context, limit int) ([]*Record, error) {
	return m.store.List(ctx, limit)
}

// Cancel はジョブを取り消します。
// 既に終了しているジョブは変更せず、そのままのレコードを返します。
// キューからの削除と実行中タスクへの中断通知はベストエフォートです。
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Record, error) {
	record, err := m.store.MarkCancelled(ctx, jobID)
	if errors.Is(err, ErrTerminal) {
		return record, nil
	}
	if err != nil {
		return nil, err
	}

	log := m.entry(jobID)
	if err := m.inspector.DeleteTask(QueueName, jobID); err != nil &&
		!errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		log.WithError(err).Debug("task not deleted from queue")
	}
	if err := m.inspector.CancelProcessing(jobID); err != nil {
		log.WithError(err).Debug("cancel signal not delivered")
	}
	if err := m.events.Publish(ctx, EventFromRecord(record)); err != nil {
		log.WithError(err).Warn("failed to publish lifecycle event")
	}
	log.Info("job cancelled")
	return record, nil
}

// TaskQueued はジョブのタスクが asynq にまだ残っており、いずれ実行されるかどうかを返します。
// 完了済み、アーカイブ済み、または見つからない場合は false です。
func (m *Manager) TaskQueued(_ context.Context, jobID string) (bool, error) {
	info, err := m.inspector.GetTaskInfo(QueueName, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		return false, nil
	default:
		return true, nil
	}
}

// Health は台帳とワーカーの状態です。
type Health struct {
	Redis     error
	Workers   int
	WorkerErr error
}

// Health は Redis への疎通と稼働中のワーカー数を確認します。
func (m *Manager) Health(ctx context.Context) Health {
	var h Health
	if h.Redis = m.store.Ping(ctx); h.Redis != nil {
		return h
	}
	servers, err := m.inspector.Servers()
	if err != nil {
		h.WorkerErr = err
		return h
	}
	h.Workers = len(servers)
	return h
}

func (m *Manager) discard(jobID string) {
	if err := m.store.Delete(context.Background(), jobID); err != nil {
		m.entry(jobID).WithError(err).Warn("failed to remove unqueued job record")
	}
}

func (m *Manager) entry(jobID string) *logrus.Entry {
	logger := m.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("job_id", jobID)
}
