package bootstrap

import (
	"context"
	"os"
	"sync"
	"time"

	"calsync_server/adapter/in/worker"
	"calsync_server/adapter/out/messaging"
	"calsync_server/config"
	"calsync_server/pkg/logger"

	"github.com/rs/zerolog"
)

// Worker runs the background side: the queued sync consumer and the
// channel renewal scheduler.
type Worker struct {
	consumer  *messaging.Consumer
	scheduler *worker.RenewScheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

// NewWorker builds the worker.
func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewRenewScheduler(deps.ChannelManager, cfg.RenewInterval)
	}

	if deps.Redis != nil {
		handler := worker.NewSyncJobHandler(
			deps.IntegrationRepo,
			deps.SyncEngine,
			deps.Producer,
			zlog,
		)
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:      cfg.ConsumerGroup,
			Consumer:   cfg.WorkerID,
			Streams:    []string{messaging.StreamCalendarSync},
			Handler:    handler,
			Logger:     zlog,
			BlockTime:  time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
			MaxRetries: cfg.ConsumerMaxRetries,
		})
	} else {
		logger.Warn("Redis not available, queued syncs disabled")
	}

	return w, cleanup, nil
}

// Start runs the worker until Stop is called.
func (w *Worker) Start() {
	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("Starting Redis Stream Consumer...")
			if err := w.consumer.Run(w.ctx); err != nil && err != context.Canceled {
				w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
			}
		}()
	}

	if w.scheduler != nil {
		w.scheduler.Start()
		w.zlog.Info().Msg("Started Renew Scheduler")
	}

	<-w.ctx.Done()
}

// Stop shuts the worker down.
func (w *Worker) Stop() {
	w.cancel()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		w.zlog.Warn().Msg("worker goroutines did not finish in time")
	}
}

// Dependencies exposes the wired graph (for tests and diagnostics).
func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
