package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/icuic/video-voice-translator/cmd/internal/api"
	"github.com/icuic/video-voice-translator/cmd/internal/config"
	"github.com/icuic/video-voice-translator/cmd/internal/engine"
	"github.com/icuic/video-voice-translator/cmd/internal/eventbus"
	"github.com/icuic/video-voice-translator/cmd/internal/pipeline"
	"github.com/icuic/video-voice-translator/cmd/internal/scheduler"
	"github.com/icuic/video-voice-translator/cmd/internal/task"
	"github.com/icuic/video-voice-translator/pkg/logger"
)

func main() {
	logInstance, err := logger.Init(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: os.Getenv("ENV"),
		WithSource:  !strings.EqualFold(os.Getenv("ENV"), "prod"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	appLogger := logInstance.With("component", "server")

	cfg, err := config.LoadConfig()
	if err != nil {
		appLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.ApplyRuntimeDefaults()
	if err := config.ValidateConfig(cfg); err != nil {
		appLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	appLogger.Info("configuration loaded", "env", cfg.Server.Env, "port", cfg.Server.Port, "tasks_dir", cfg.Data.TasksDir)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := task.NewStore(cfg.Data.TasksDir)
	if err != nil {
		appLogger.Error("task store init failed", "error", err)
		os.Exit(1)
	}

	ffmpeg := engine.NewFFmpeg(cfg.Engines.FFmpegPath, cfg.Engines.FFprobePath, cfg.Engines.CallTimeout)
	engines := engine.Set{
		Extractor:  ffmpeg,
		Separator:  engine.NewHTTPSeparator(cfg.Engines.SeparatorURL, cfg.Engines.CallTimeout),
		Tracker:    engine.NewHTTPTracker(cfg.Engines.TrackerURL, cfg.Engines.CallTimeout),
		Transcrib:  engine.NewHTTPTranscriber(cfg.Engines.TranscriberURL, cfg.Engines.CallTimeout),
		Translator: engine.NewHTTPTranslator(cfg.Engines.TranslatorURL, cfg.Engines.CallTimeout),
		Cloner:     engine.NewHTTPCloner(cfg.Engines.VoiceClonerURL, cfg.Engines.CallTimeout, cfg.Engines.ThreadSafeClone),
		Muxer:      ffmpeg,
		Media:      ffmpeg,
	}
	appLogger.Info("engines wired",
		"separator", cfg.Engines.SeparatorURL,
		"transcriber", cfg.Engines.TranscriberURL,
		"translator", cfg.Engines.TranslatorURL,
		"voice_cloner", cfg.Engines.VoiceClonerURL,
	)

	bus := eventbus.NewBus(cfg.EventBus.QueueCapacity)
	// 新订阅者先收到一帧当前任务状态快照
	bus.Snapshot = func(taskID string) (eventbus.Envelope, bool) {
		st, err := store.ReadStatus(taskID)
		if err != nil {
			return eventbus.Envelope{}, false
		}
		return eventbus.Envelope{
			TaskID:    taskID,
			Type:      eventbus.EventStatus,
			Timestamp: time.Now(),
			Payload:   st,
		}, true
	}

	sched := scheduler.New(store, pipeline.Options{
		Store:                 store,
		Bus:                   bus,
		Engines:               engines,
		Merger:                pipeline.NewMerger(ffmpeg, cfg.Merger.MaxStretch, cfg.Merger.AccompanimentGainDB),
		PerSegmentParallelism: cfg.Pipeline.PerSegmentParallelism,
		TranslatorBatchSize:   cfg.Translator.BatchSize,
		TranslatorMaxRetries:  cfg.Translator.MaxRetries,
		SilenceSplitGapS:      cfg.Transcriber.SilenceSplitGapS,
	}, cfg.Pipeline.MaxConcurrentTasks)

	router := api.NewRouter(api.Deps{
		Store:   store,
		Sched:   sched,
		Bus:     bus,
		Engines: engines,
	})

	srv := &http.Server{
		Addr:    cfg.GetServerAddr(),
		Handler: router,
	}

	go func() {
		appLogger.Info("server starting", "addr", srv.Addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	appLogger.Info("shutdown signal received, shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 先停调度器（取消在途任务并等它们落盘），再关 HTTP
	if err := sched.Shutdown(ctx); err != nil {
		appLogger.Warn("scheduler shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	appLogger.Info("server shutdown complete")
}
