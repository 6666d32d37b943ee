package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callcast/internal/awsutil"
	"callcast/internal/config"
	"callcast/internal/httpapi"
	"callcast/internal/logging"
	"callcast/internal/observability"
	sqsqueue "callcast/internal/queue/sqs"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.SQSEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 5*time.Second)
	defer startupCancel()
	queues, err := sqsqueue.NewManager(startupCtx, sqsClient, cfg.SQSQueuePrefix, sqsqueue.ManagerOptions{
		CreateMissing: cfg.CreateQueues,
	})
	if err != nil {
		slog.Error("queue resolution failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	producer := &sqsqueue.Producer{SQS: sqsClient, Queues: queues}

	srv := httpapi.New()
	api := &httpapi.API{Queue: producer, QueuePrefix: cfg.SQSQueuePrefix}
	api.Register(srv.Mux)
	srv.Mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	srv.Mux.HandleFunc("/healthz", httpapi.Healthz()).Methods(http.MethodGet)
	srv.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		httpapi.ReadyzCheck{Name: "queue service", Probe: queues.Ping},
	)).Methods(http.MethodGet)

	handler := httpapi.Logging(httpapi.Metrics(observability.APIRequests)(srv.Mux))
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api shutdown incomplete", "err", err)
		os.Exit(1)
	}
}
