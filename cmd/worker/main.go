// Package main はリサーチジョブを処理するワーカーのエントリーポイントです。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/agent-farm/internal/app"
	"github.com/yourusername/agent-farm/internal/config"
	"github.com/yourusername/agent-farm/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.GinMode)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("worker stopped")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger, app.Options{Workers: true})
	if err != nil {
		return err
	}
	defer func() {
		// Manager.Shutdown が実行中のタスクの完了を待つ
		closeCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		if err := deps.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("failed to close dependencies")
		}
	}()

	if err := deps.Store.Ping(ctx); err != nil {
		return err
	}
	if err := deps.Manager.StartWorkers(); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"concurrency": cfg.WorkerConcurrency,
		"timeout":     cfg.JobTimeout,
		"max_retry":   cfg.JobMaxRetry,
	}).Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Reaper.Run(gctx)
	})
	err = g.Wait()
	logger.Info("shutting down worker")
	return err
}
