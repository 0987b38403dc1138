package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"OpenProver/internal/api"
	"OpenProver/internal/auth"
	"OpenProver/internal/config"
	"OpenProver/internal/job"
	"OpenProver/internal/observability/alerting"
	"OpenProver/internal/observability/metrics"
	"OpenProver/internal/proofservice"
	"OpenProver/internal/prover"
	"OpenProver/pkg/logger"
)

// main 是 OpenProver 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("proverd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("OPENPROVER_CONFIG"))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("proverd")

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout, 2))
	}
	alerter := alerting.NewFanout(notifiers...)

	m := metrics.New()

	var clientOpts []proofservice.Option
	if cfg.Prover.RateLimit > 0 {
		clientOpts = append(clientOpts, proofservice.WithRateLimit(rate.Limit(cfg.Prover.RateLimit), cfg.Prover.RateBurst))
	}
	p, err := prover.New(ctx, prover.Config{
		ServiceURL:         cfg.Prover.ServiceURL,
		SingleProofTimeout: cfg.Prover.SingleProofTimeout,
		BatchProofTimeout:  cfg.Prover.BatchProofTimeout,
	},
		prover.WithHTTPTimeout(cfg.Prover.HTTPTimeout),
		prover.WithClientOptions(clientOpts...),
		prover.WithMetrics(m),
		prover.WithAlerter(alerter),
	)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return err
	}

	service := job.NewService(store, queue, cfg.JobStore.MaxRetries)
	defer func() {
		if err := service.Close(); err != nil {
			lg.Error("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	processor := job.NewProcessor(p, store, queue, queue,
		job.WithWorkerCount(cfg.JobQueue.Workers),
		job.WithAlertDispatcher(alerter),
		job.WithProcessorMetrics(m),
	)
	authSvc, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, service, m, api.WithAuth(authSvc))

	lg.Info("OpenProver 守护进程启动",
		slog.String("service_url", cfg.Prover.ServiceURL),
		slog.String("job_store", cfg.JobStore.Driver),
		slog.String("job_queue", cfg.JobQueue.Driver),
		slog.Int("workers", cfg.JobQueue.Workers),
		slog.Bool("auth_enabled", authSvc.Enabled()),
		slog.Any("alert_channels", alerter.Channels()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		err := processor.Start(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address, m.Handler()) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	lg.Info("OpenProver 守护进程已退出")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.JobStore.Driver {
	case "", "memory":
		return job.NewMemoryStore(), nil
	case "mysql":
		return job.NewMySQLStore(ctx, job.MySQLConfig{
			DSN:             cfg.JobStore.DSN,
			MaxOpenConns:    cfg.JobStore.MaxOpenConns,
			MaxIdleConns:    cfg.JobStore.MaxIdleConns,
			ConnMaxLifetime: cfg.JobStore.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.JobStore.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (job.Queue, error) {
	switch cfg.JobQueue.Driver {
	case "", "memory":
		return job.NewMemoryQueue(cfg.JobQueue.Size), nil
	case "redis":
		return job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:   cfg.JobQueue.Redis.Address,
			Password:  cfg.JobQueue.Redis.Password,
			DB:        cfg.JobQueue.Redis.DB,
			Queue:     cfg.JobQueue.Redis.Queue,
			BlockWait: cfg.JobQueue.Redis.BlockWait,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.JobQueue.RabbitMQ.URL,
			Queue:      cfg.JobQueue.RabbitMQ.Queue,
			Prefetch:   cfg.JobQueue.RabbitMQ.Prefetch,
			Durable:    cfg.JobQueue.RabbitMQ.Durable,
			AutoDelete: cfg.JobQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.JobQueue.Driver)
	}
}
