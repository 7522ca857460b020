package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/ambientworks/capsuled/internal/api"
	"github.com/ambientworks/capsuled/internal/cleanup"
	"github.com/ambientworks/capsuled/internal/config"
	"github.com/ambientworks/capsuled/internal/executor"
	"github.com/ambientworks/capsuled/internal/lifecycle"
	natsclient "github.com/ambientworks/capsuled/internal/nats"
	"github.com/ambientworks/capsuled/internal/persistence"
	"github.com/ambientworks/capsuled/internal/recovery"
	"github.com/ambientworks/capsuled/internal/registry"
	"github.com/ambientworks/capsuled/internal/storage"
	"github.com/ambientworks/capsuled/internal/syncer"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	// Tracing: stdout exporter is enough for a single-device daemon.
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Fatal("init trace exporter", zap.Error(err))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn("trace provider shutdown", zap.Error(err))
		}
	}()

	store, err := storage.NewBadgerStore(cfg.DBPath)
	if err != nil {
		log.Fatal("open badger store", zap.Error(err))
	}
	defer store.Close()

	bridge, err := natsclient.NewBridge(cfg.NATSURL, log)
	if err != nil {
		log.Fatal("connect nats", zap.Error(err))
	}
	defer bridge.Close()

	reg := registry.New()
	if cfg.EnableStatePersistence {
		n, err := persistence.Rehydrate(context.Background(), reg, store, log)
		if err != nil {
			log.Fatal("rehydrate registry", zap.Error(err))
		}
		log.Info("registry rehydrated", zap.Int("capsules", n))
	}

	// Collaborators (morphology, interaction, memory) register themselves
	// out of process; the daemon core runs without any by default.
	var collabs []executor.Collaborator

	sync := syncer.New(reg, store, bridge, collabs, syncer.Options{
		DeviceID:     cfg.DeviceID,
		SyncInterval: cfg.SyncInterval,
	}, log)

	exec := executor.New(reg, store, collabs, sync, executor.Options{
		DeviceID:          cfg.DeviceID,
		ShardCount:        cfg.ShardCount,
		MaxActiveCapsules: cfg.MaxActiveCapsules,
		MigrationTimeout:  cfg.MigrationTimeout,
		ResultRetention:   cfg.ResultRetention,
	}, log)

	var rec *recovery.Manager
	if cfg.EnableAutoRecovery {
		rec = recovery.New(reg, exec, store, collabs, recovery.Options{
			AttemptLimit: cfg.RecoveryAttemptLimit,
			BaseBackoff:  cfg.RecoveryBackoffFactor,
		}, log)
		exec.SetFailureSink(rec)
	}

	exec.Start()
	if err := sync.Start(); err != nil {
		log.Fatal("start sync protocol", zap.Error(err))
	}

	var writer *persistence.Writer
	if cfg.EnableStatePersistence {
		writer = persistence.NewWriter(reg, store, cfg.PersistenceInterval, cfg.DeviceID, log)
		writer.Start()
	}

	cln := cleanup.New(reg, exec, store, cleanup.Options{
		MaxSuspended:        cfg.MaxSuspendedCapsules,
		Interval:            cfg.CleanupInterval,
		TerminatedRetention: cfg.TerminatedRetention,
	}, log)
	cln.Start()

	mgr := lifecycle.New(reg, exec, lifecycle.Options{
		OperationTimeout: cfg.OperationTimeout,
		CheckInterval:    cfg.StateCheckInterval,
	}, log)
	mgr.Start()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewHTTPHandler(mgr, log),
	}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http listen", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr}
	go func() {
		mux := http.NewServeMux()
		api.RegisterMetrics(mux)
		metricsServer.Handler = mux
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown initiated")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}

	mgr.Stop()
	cln.Stop()
	sync.Stop()
	exec.Shutdown()
	if rec != nil {
		rec.Stop()
	}
	if writer != nil {
		writer.Stop()
	}
	log.Info("shutdown complete")
}
