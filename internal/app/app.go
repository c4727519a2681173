// Package app は API サーバーとワーカーが共有する依存関係を組み立てます。
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/agent-farm/internal/archive"
	"github.com/yourusername/agent-farm/internal/config"
	"github.com/yourusername/agent-farm/internal/jobs"
	"github.com/yourusername/agent-farm/internal/research"
)

// Options は Build の挙動を切り替えます。
type Options struct {
	// Workers が true の場合は Runner とリーパーも作成します。
	Workers bool
}

// App は組み立て済みの依存関係です。
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Redis   *redis.Client
	Store   *jobs.Store
	Manager *jobs.Manager
	// Archive は MONGODB_URI が未設定の場合 nil です。
	Archive *archive.Mongo
	Reaper  *jobs.Reaper
	Events  jobs.Publisher

	closers []func(context.Context) error
}

// Build は設定に従って Redis、NATS、MongoDB、LLM クライアントを接続し App を返します。
// 失敗した場合はそれまでに開いた接続を閉じます。
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Events: jobs.NopPublisher{}}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close(context.Background())
		}
	}()

	redisOpt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	a.Redis = redis.NewClient(redisOpt)
	a.closers = append(a.closers, func(context.Context) error { return a.Redis.Close() })
	a.Store = jobs.NewStoreWithActiveTTL(a.Redis, cfg.JobTTL, cfg.JobActiveTTL)

	if cfg.NATSURL != "" {
		pub, err := jobs.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return nil, err
		}
		a.Events = pub
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
		logger.WithField("subject", cfg.NATSSubject).Info("lifecycle events enabled")
	}

	if cfg.Mongo.URI != "" {
		m, err := archive.Connect(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		a.Archive = m
		a.closers = append(a.closers, m.Close)
		logger.WithField("collection", cfg.Mongo.Collection).Info("report archive enabled")
	}

	var runner *jobs.Runner
	if opts.Workers {
		if runner, err = a.buildRunner(); err != nil {
			return nil, err
		}
	}

	a.Manager, err = jobs.NewManager(cfg, a.Store, runner, a.Events, logger)
	if err != nil {
		return nil, err
	}
	// Manager はワーカーも止めるので最初に閉じる
	a.closers = append([]func(context.Context) error{a.Manager.Shutdown}, a.closers...)

	if opts.Workers {
		a.Reaper, err = jobs.NewReaper(jobs.ReaperOptions{
			Store:      a.Store,
			Queue:      a.Manager,
			Events:     a.Events,
			Interval:   cfg.ReaperInterval,
			StaleAfter: cfg.ReaperStaleAfter,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *App) buildRunner() (*jobs.Runner, error) {
	cfg := a.Config
	if cfg.OpenAI.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required to run workers")
	}
	generator, err := research.NewCrewGenerator(
		research.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL),
		research.CrewOptions{
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Logger:      a.Logger,
		},
	)
	if err != nil {
		return nil, err
	}

	runnerOpts := jobs.RunnerOptions{
		Store:             a.Store,
		Generator:         generator,
		Events:            a.Events,
		Logger:            a.Logger,
		SoftTimeoutMargin: cfg.JobSoftTimeoutMargin,
		RetryDelay:        cfg.JobRetryDelay,
	}
	// nil の *archive.Mongo をインターフェースに入れない
	if a.Archive != nil {
		runnerOpts.Archive = a.Archive
	}
	return jobs.NewRunner(runnerOpts)
}

// Close は開いた接続をすべて閉じます。
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for _, closeFn := range a.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
