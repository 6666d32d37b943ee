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

	"callcast/internal/callback"
	"callcast/internal/config"
	"callcast/internal/gateway/pg"
	"callcast/internal/httpapi"
	"callcast/internal/logging"
	"callcast/internal/observability"
	"callcast/internal/telephony/twilio"
)

func main() {
	cfg := config.LoadCallback()
	logging.Init("callback", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("callback db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	observability.Register(prometheus.DefaultRegisterer)

	receiver := &callback.Receiver{
		Store:           pg.New(db),
		VerifySignature: twilio.VerifySignature,
		AuthToken:       cfg.TwilioAuthToken,
		PublicURL:       cfg.PublicCallbackURL,
	}

	srv := httpapi.New()
	receiver.Register(srv.Mux)
	srv.Mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	srv.Mux.HandleFunc("/healthz", httpapi.Healthz()).Methods(http.MethodGet)
	srv.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		httpapi.ReadyzCheck{Name: "database", Probe: db.Ping},
	)).Methods(http.MethodGet)

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(srv.Mux),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("callback shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("callback listening", "port", cfg.Port)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("callback server failed", "err", err)
		os.Exit(1)
	}
}
