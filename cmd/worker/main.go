package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"callcast/internal/awsutil"
	"callcast/internal/campaign"
	"callcast/internal/config"
	"callcast/internal/gateway/pg"
	"callcast/internal/gateway/redisusage"
	"callcast/internal/httpapi"
	"callcast/internal/lifecycle"
	"callcast/internal/logging"
	"callcast/internal/observability"
	"callcast/internal/pipeline"
	sqsqueue "callcast/internal/queue/sqs"
	"callcast/internal/script"
	"callcast/internal/telephony/twilio"
	"callcast/internal/util"
	"callcast/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 5*time.Second)
	defer startupCancel()

	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	rdb, err := redisusage.Open(startupCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("redis not reachable", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.SQSEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}
	queues, err := sqsqueue.NewManager(startupCtx, sqsClient, cfg.SQSQueuePrefix, sqsqueue.ManagerOptions{
		CreateMissing:     cfg.CreateQueues,
		VisibilityTimeout: cfg.SQSVizTimeout,
	})
	if err != nil {
		slog.Error("queue resolution failed", "err", err)
		os.Exit(1)
	}

	scripts, err := script.Load()
	if err != nil {
		slog.Error("script templates failed to load", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	dialer := &twilio.Client{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		HTTP:       &http.Client{Timeout: 20 * time.Second},
		BaseURL:    cfg.TwilioBaseURL,
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.TwilioRPSPerPod), cfg.TwilioBurst)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twilio-voice",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	pipe := &pipeline.Pipeline{
		Data:          pg.New(db),
		Usage:         redisusage.New(rdb),
		Scripts:       scripts,
		Dialer:        dialer,
		Limiter:       limiter,
		Breaker:       breaker,
		CallbackURL:   cfg.CallbackURL,
		CostPerCall:   cfg.CostPerCall,
		SpendCurrency: cfg.SpendCurrency,
	}

	consumers := make([]worker.QueueConsumer, 0, len(campaign.Types))
	for _, t := range campaign.Types {
		url, err := queues.QueueURL(t)
		if err != nil {
			slog.Error("queue missing for campaign type", "type", string(t), "err", err)
			os.Exit(1)
		}
		consumers = append(consumers, &sqsqueue.Consumer{
			SQS:               sqsClient,
			QueueURL:          url,
			Type:              t,
			WaitTimeSeconds:   cfg.SQSWaitTime,
			MaxMessages:       cfg.SQSMaxMsgs,
			VisibilityTimeout: cfg.SQSVizTimeout,
			Concurrency:       cfg.QueueConcurrency,
		})
	}

	pool := worker.NewPool(pipe, consumers)
	pool.Ping = queues.Ping
	pool.JobTimeout = time.Duration(cfg.JobTimeoutMs) * time.Millisecond
	pool.MaxMemoryMB = cfg.MaxMemoryMB
	pool.MaxReceiveCount = cfg.MaxReceiveCount

	workerID, _ := os.Hostname()
	if workerID == "" {
		workerID = util.NewJobID()
	}
	mgr := lifecycle.NewManager(pool, workerID)
	mgr.Ping = queues.Ping
	mgr.DrainTimeout = time.Duration(cfg.ShutdownTimeoutMs) * time.Millisecond

	srv := httpapi.New()
	mgr.Routes(srv.Mux)
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(srv.Mux),
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	mgrErrCh := make(chan error, 1)
	go func() { mgrErrCh <- mgr.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
		mgr.Shutdown()
		runErr = <-mgrErrCh
	case runErr = <-mgrErrCh:
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
		}
		mgr.Shutdown()
		runErr = <-mgrErrCh
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		if errors.Is(runErr, lifecycle.ErrDrainTimeout) {
			slog.Error("worker stopped with jobs still in flight", "err", runErr)
		} else {
			slog.Error("worker stopped with error", "err", runErr)
		}
		os.Exit(1)
	}
}
