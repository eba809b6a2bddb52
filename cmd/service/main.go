package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/api-aggregator-service/internal/app"
	"github.com/kjstillabower/api-aggregator-service/internal/config"
	httphandler "github.com/kjstillabower/api-aggregator-service/internal/http"
	"github.com/kjstillabower/api-aggregator-service/internal/observability"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("wiring", zap.Error(err))
	}
	logger.Info("aggregator configured",
		zap.String("failure_policy", cfg.FailurePolicy),
		zap.Bool("weather_key", cfg.Weather.APIKey != ""),
		zap.Bool("geo_key", cfg.Geo.APIKey != ""),
		zap.Bool("news_key", cfg.News.APIKey != ""))

	if a.Limiter != nil {
		observability.RegisterRateLimitGauges(
			func() float64 { r, _ := a.Monitor.RateLimitCounts(); return float64(r) },
			func() float64 { _, d := a.Monitor.RateLimitCounts(); return float64(d) },
		)
	}

	if err := a.StartWarming(context.Background()); err != nil {
		logger.Warn("cache warming failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      a.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	a.Monitor.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	if n := httphandler.InFlightCount(); n > 0 {
		logger.Info("waiting for in-flight requests", zap.Int64("count", n))
		if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
			logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
		}
	}

	if err := a.Close(); err != nil {
		logger.Error("close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
	logger.Info("shutdown complete")
}
