package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guardcam/protection-server/internal/broadcast"
	"github.com/guardcam/protection-server/internal/history"
	"github.com/guardcam/protection-server/internal/ingest"
	"github.com/guardcam/protection-server/internal/logger"
	"github.com/guardcam/protection-server/internal/metrics"
	"github.com/guardcam/protection-server/internal/monitor"
	"github.com/guardcam/protection-server/internal/protect"
	"github.com/guardcam/protection-server/internal/server"
	"github.com/guardcam/protection-server/internal/trigger"
)

func main() {
	cfg := server.DefaultConfig()

	var logLevel string
	var logColor bool

	flag.StringVar(&cfg.Addr, "http", cfg.Addr, "HTTP server address")
	flag.IntVar(&cfg.EvaluationRate, "rate", cfg.EvaluationRate, "Evaluation rate in frames/second")
	flag.Float64Var(&cfg.MovementThreshold, "movement-threshold", cfg.MovementThreshold, "Movement score above which an object is moved")
	flag.IntVar(&cfg.MissingDebounce, "missing-debounce", cfg.MissingDebounce, "Consecutive absent frames before an object is missing")
	flag.Float64Var(&cfg.MovementEpsilon, "movement-epsilon", cfg.MovementEpsilon, "Score increase that re-triggers an alert")
	flag.IntVar(&cfg.HistoryCapacity, "history", cfg.HistoryCapacity, "In-memory alert history per session")
	flag.StringVar(&cfg.ArchivePath, "archive", cfg.ArchivePath, "SQLite alert archive path (empty disables)")
	flag.IntVar(&cfg.ArchiveMaxRows, "archive-max", cfg.ArchiveMaxRows, "Maximum archived alerts")
	flag.StringVar(&cfg.MQTTBroker, "mqtt-broker", cfg.MQTTBroker, "MQTT broker URL for the RFID trigger (empty disables)")
	flag.StringVar(&cfg.MQTTTopic, "mqtt-topic", cfg.MQTTTopic, "MQTT topic the RFID reader publishes on")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Parse()

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	logger.Info("Main", "Protection server starting")
	logger.Info("Main", "Log level: %s", level)

	guard := protect.NewGuard(cfg.EngineConfig())
	mailbox := ingest.NewMailbox()
	frames := broadcast.NewFrameBroadcaster(cfg.FrameQueueSize)
	alerts := broadcast.NewAlertBroadcaster(cfg.AlertQueueSize)
	stats := metrics.New()

	var archive *history.Store
	if cfg.ArchivePath != "" {
		archive, err = history.Open(cfg.ArchivePath, cfg.ArchiveMaxRows)
		if err != nil {
			log.Fatalf("Failed to open alert archive: %v", err)
		}
		defer archive.Close()
		logger.Info("Main", "Alert archive: %s (max %d rows)", cfg.ArchivePath, cfg.ArchiveMaxRows)
	}

	mon, err := monitor.New(guard, mailbox, frames, alerts, archive, stats, cfg.EvaluationRate)
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Run(ctx)

	if cfg.MQTTBroker != "" {
		tr := trigger.New(trigger.Config{
			BrokerURL: cfg.MQTTBroker,
			Topic:     cfg.MQTTTopic,
		}, mon)
		go func() {
			if err := tr.Run(ctx); err != nil {
				logger.Error("Main", "MQTT trigger failed: %v", err)
			}
		}()
		logger.Info("Main", "RFID trigger: %s topic %s", cfg.MQTTBroker, cfg.MQTTTopic)
	}

	srv := server.New(cfg, mon, mailbox, frames, alerts, archive, stats)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("Main", "Listening on %s at %d fps", cfg.Addr, cfg.EvaluationRate)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down")
	cancel()
	frames.Close()
	alerts.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	logger.Info("Main", "Server stopped")
}
