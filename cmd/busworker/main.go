// Command busworker runs a bus worker process for one service: it
// loads configuration from the environment, connects to Redis, wires
// the ingestion example's handlers into a registry, and polls its
// tier-ordered action queues until an OS signal asks it to stop.
// Grounded on the teacher's cmd/example/main.go wiring shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nooble4/bus/busconfig"
	"github.com/nooble4/bus/busredis"
	"github.com/nooble4/bus/buslog"
	"github.com/nooble4/bus/bustrace"
	"github.com/nooble4/bus/examples/ingestworker"
	"github.com/nooble4/bus/handler"
	"github.com/nooble4/bus/queue"
	"github.com/nooble4/bus/worker"
)

func main() {
	cfg, err := busconfig.Load("ingestion_service", "BUS")
	if err != nil {
		log.Fatalf("busworker: config: %v", err)
	}

	logger := buslog.NewDefaultLogger()
	logger.SetLevel(cfg.LogLevel)

	conn, err := busredis.NewConn(busredis.ConnOptions{
		RedisURL: cfg.RedisURL,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("busworker: connect redis: %v", err)
	}
	defer conn.Close()

	names := queue.New(cfg.GlobalPrefix, cfg.Environment)

	taskStore := worker.NewRedisTaskStore(worker.RedisTaskStoreOptions{
		Client: conn.Raw(),
		Logger: logger,
	})

	registry := handler.NewRegistry()
	if err := ingestworker.Register(registry, taskStore, cfg.ServiceName); err != nil {
		log.Fatalf("busworker: register handlers: %v", err)
	}

	traceCtx, traceCancel := context.WithTimeout(context.Background(), 10*time.Second)
	tracerProvider, err := bustrace.NewProvider(traceCtx, cfg.ServiceName, os.Getenv("BUS_OTLP_ENDPOINT"))
	traceCancel()
	if err != nil {
		log.Fatalf("busworker: tracer: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err.Error())
		}
	}()

	w, err := worker.New(worker.Options{
		Conn:           conn,
		Names:          names,
		ServiceName:    cfg.ServiceName,
		Registry:       registry,
		TaskStore:      taskStore,
		Logger:         logger,
		Tracer:         tracerProvider.Tracer("bus/worker"),
		MaxInflight:    cfg.MaxInflight,
		WorkerSleep:    cfg.WorkerSleep,
		DefaultTimeout: cfg.DefaultTimeout,
		DLQEnabled:     cfg.DLQEnabled,
		ShutdownGrace:  cfg.ShutdownTimeout,
	})
	if err != nil {
		log.Fatalf("busworker: build worker: %v", err)
	}

	debugAddr := os.Getenv("BUS_DEBUG_ADDR")
	if debugAddr == "" {
		debugAddr = ":9090"
	}
	debugSrv := newDebugServer(debugAddr, conn, names, cfg.ServiceName)
	go func() {
		if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server stopped", "error", err.Error())
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownDebugServer(shutdownCtx, debugSrv)
	}()

	// Run polls on a background context that outlives the shutdown
	// signal: Stop (not ctx cancellation) is what tells the poll loop
	// to stop picking up new messages, so in-flight handlers keep the
	// context they started with while they drain.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- w.Run(runCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("starting bus worker", "service", cfg.ServiceName, "environment", cfg.Environment)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal, draining in-flight handlers")
	case err := <-runErrCh:
		if err != nil {
			log.Fatalf("busworker: run: %v", err)
		}
		return
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()
	if err := w.Stop(stopCtx); err != nil {
		log.Fatalf("busworker: stop: %v", err)
	}
	<-runErrCh
	logger.Info("bus worker stopped cleanly")
}
