package main

import (
	"context"
	"log"
	"os"
	"time"

	"docchat/internal/api"
	"docchat/internal/auth"
	"docchat/internal/config"
	"docchat/internal/extract"
	"docchat/internal/lifecycle"
	"docchat/internal/redis"
	"docchat/internal/service/assistant"
	"docchat/internal/storage"
	"docchat/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("DOCCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("DOCCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	// Create necessary tables: users, apiKeys, sessions, messages, attachments
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	assistantService := assistant.NewService(db)
	workerCfg := worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}
	authService := auth.NewService(db, rdb, 24*time.Hour)
	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
		cfg.BasicConfig.FileBaseDir = fileBase
	}

	var transcriber extract.Transcriber
	if openaiCfg, ok := cfg.Providers["openai"]; ok && openaiCfg.APIKey != "" {
		whisper, err := extract.NewWhisperTranscriber(openaiCfg.APIKey, openaiCfg.BaseURL, cfg.Extraction.WhisperModel)
		if err != nil {
			log.Fatalf("create transcriber: %v", err)
		}
		transcriber = whisper
	} else {
		log.Printf("no openai api key configured, audio transcription disabled")
	}
	extractor := extract.NewDispatcher(extract.Limits{
		DocCharLimit:  cfg.Extraction.DocCharLimit,
		MaxRows:       cfg.Extraction.MaxRows,
		PreviewRows:   cfg.Extraction.PreviewRows,
		MaxImageEdge:  cfg.Extraction.MaxImageEdge,
		AudioMaxBytes: cfg.Extraction.AudioMaxBytes,
	}, transcriber, cfg.Extraction.FFmpegPath)

	lifecycleMgr := lifecycle.NewManager(
		fileBase,
		time.Duration(cfg.Lifecycle.MaxAgeHours)*time.Hour,
		time.Duration(cfg.Lifecycle.SweepIntervalMinutes)*time.Minute,
		assistantService.AttachmentPruner(),
	)
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	lifecycleMgr.Start(sweepCtx)

	handlers := api.NewHandler(assistantService, authService, cfg, workerCfg, extractor, lifecycleMgr, rdb)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
