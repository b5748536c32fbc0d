package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/common/storage"
	"arbiter/internal/intake"
	"arbiter/internal/judge/blob"
	"arbiter/internal/judge/controller"
	"arbiter/internal/judge/problemclient"
	"arbiter/internal/judge/sandbox/engine"
	"arbiter/internal/judge/status"
	"arbiter/internal/judge/validate"
	"arbiter/internal/judge/worker"
	"arbiter/internal/outbox"
	"arbiter/internal/store"
	"arbiter/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), appCfg); err != nil {
		logger.Error(context.Background(), "judge service failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

// run wires the service and blocks until shutdown. A non-nil return is
// an unrecoverable startup failure and exits the process non-zero.
func run(ctx context.Context, appCfg *AppConfig) error {
	mysqlDB, err := db.NewMySQLWithConfig(appCfg.Database.toMySQLConfig())
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(appCfg.Redis.toCacheConfig())
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio: %w", err)
	}

	dispatchMQ, err := mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
	if err != nil {
		return fmt.Errorf("init kafka: %w", err)
	}
	defer func() {
		_ = dispatchMQ.Close()
	}()

	eventMQ, err := mq.NewRabbitQueue(mq.RabbitConfig{
		URL:      appCfg.Rabbit.URL,
		Exchange: appCfg.Rabbit.Exchange,
	})
	if err != nil {
		return fmt.Errorf("init rabbitmq: %w", err)
	}
	defer func() {
		_ = eventMQ.Close()
	}()

	driver, err := engine.NewDriver(appCfg.Sandbox.toEngineConfig())
	if err != nil {
		return fmt.Errorf("init sandbox engine: %w", err)
	}

	blobOpts := []blob.Option{blob.WithTimeout(appCfg.Blob.Timeout)}
	if appCfg.Blob.MaxRetries > 0 {
		blobOpts = append(blobOpts, blob.WithMaxRetries(appCfg.Blob.MaxRetries))
	}
	blobs := blob.NewFetcher(objStorage, appCfg.Blob.Bucket, blobOpts...)

	problems := problemclient.NewClient(appCfg.Problem.BaseURL,
		problemclient.WithCacheTTL(appCfg.Problem.MetaTTL))

	submissionStore := store.NewSubmissionStore(mysqlDB)
	outboxStore := store.NewOutboxStore(mysqlDB)
	statusCache := status.NewCache(redisCache)

	validator := validate.New(problems, appCfg.Worker.MaxCodeBytes)
	intakeSvc := intake.NewService(validator, blobs, submissionStore)

	judge := worker.NewJudge(worker.JudgeConfig{
		WorkerName:      appCfg.Worker.WorkerName,
		StaleClaimAfter: appCfg.Worker.StaleClaimAfter,
		RootFS:          appCfg.Sandbox.RootFS,
		DisableNetwork:  appCfg.Sandbox.DisableNetwork,
	}, submissionStore, submissionStore, blobs, problems, driver, statusCache)

	pool := worker.NewPool(appCfg.Worker.toPoolConfig(appCfg.Kafka.ConsumerGroup),
		dispatchMQ, judge, driver, submissionStore)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := pool.Start(runCtx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	publisher := outbox.NewPublisher(appCfg.Outbox, outboxStore, dispatchMQ, eventMQ)
	publisher.Start(runCtx)

	go reclaimLoop(runCtx, submissionStore, appCfg.Worker.ReclaimInterval, appCfg.Worker.StaleClaimAfter)
	go workerViewLoop(runCtx, statusCache, appCfg.Worker.WorkerName)

	httpServer := buildHTTPServer(appCfg.Server, intakeSvc, submissionStore, statusCache)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	sdCtx, sdCancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer sdCancel()
	if err := httpServer.Shutdown(sdCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	pool.Stop()
	publisher.Stop()
	cancel()
	if err := statusCache.RemoveWorker(sdCtx, appCfg.Worker.WorkerName); err != nil {
		logger.Warn(ctx, "remove worker from live view failed", zap.Error(err))
	}
	logger.Info(ctx, "judge service stopped")
	return nil
}

func buildHTTPServer(cfg ServerConfig, intakeSvc *intake.Service, subs store.SubmissionStore, statusCache *status.Cache) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())

	judgeController := controller.NewJudgeController(intakeSvc, subs, statusCache)
	judgeController.RegisterRoutes(router)

	return &http.Server{
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// reclaimLoop periodically returns submissions orphaned by dead workers
// to pending.
func reclaimLoop(ctx context.Context, subs store.SubmissionStore, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := subs.ReclaimStale(ctx, staleAfter)
			if err != nil {
				logger.Warn(ctx, "reclaim stale claims failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info(ctx, "reclaimed stale claims", zap.Int64("count", n))
			}
		}
	}
}

// workerViewLoop keeps this worker visible in the cached live view.
func workerViewLoop(ctx context.Context, statusCache *status.Cache, workerName string) {
	if workerName == "" {
		host, _ := os.Hostname()
		workerName = host
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := statusCache.TouchWorker(ctx, workerName); err != nil {
				logger.Warn(ctx, "touch worker view failed", zap.Error(err))
			}
		}
	}
}
