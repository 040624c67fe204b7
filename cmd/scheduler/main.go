package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sparepart-scheduler/internal/app"
	"github.com/JakeFAU/sparepart-scheduler/internal/config"
	"github.com/JakeFAU/sparepart-scheduler/internal/logging"
	"github.com/JakeFAU/sparepart-scheduler/internal/metrics"
	"github.com/JakeFAU/sparepart-scheduler/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run starts the service and returns the process exit code once every
// deferred cleanup has finished.
func run(args []string) int {
	fs := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	if port, perr := strconv.Atoi(os.Getenv("PORT")); perr == nil && port > 0 {
		cfg.Server.Port = port
	}

	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTracing, terr := telemetry.Init(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     cfg.Telemetry.Version,
			ProjectID:   cfg.Telemetry.ProjectID,
		})
		if terr != nil {
			logger.Warn("tracing init failed", zap.Error(terr))
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if serr := shutdownTracing(flushCtx); serr != nil {
					logger.Warn("tracing shutdown failed", zap.Error(serr))
				}
			}()
		}
	}

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		return 1
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			logger.Warn("close services failed", zap.Error(cerr))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           services.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		services.Trigger.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	exitCode := 0
	select {
	case <-serveErr:
		exitCode = 1
	default:
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	services.Trigger.Stop(shutdownCtx)
	logger.Info("shutdown complete")
	return exitCode
}
