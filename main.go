package main

import (
	"context"
	"log"
	"os"
	"time"

	"nexuschat/internal/api"
	"nexuschat/internal/auth"
	"nexuschat/internal/checkpoint"
	"nexuschat/internal/config"
	"nexuschat/internal/conversation"
	"nexuschat/internal/credentials"
	"nexuschat/internal/redis"
	"nexuschat/internal/service/ai"
	"nexuschat/internal/storage"
	"nexuschat/internal/threads"
	"nexuschat/internal/turn"
	"nexuschat/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("NEXUSCHAT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("NEXUSCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// The cache is optional; the backend stays correct without it.
	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, continuing without cache: %v", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	provider := cfg.BasicConfig.Provider
	if provider == "" {
		provider = "openai"
	}
	inference, err := ai.New(context.Background(), provider, cfg.BasicConfig.Model, cfg)
	if err != nil {
		log.Fatalf("init inference: %v", err)
	}

	creds := credentials.NewStore(db)
	authService := auth.NewService(db, rdb)
	registry := threads.NewRegistry(db)
	store := checkpoint.NewStore(db)
	loader := conversation.NewLoader(registry, store, rdb)
	runner := turn.NewRunner(registry, loader, store, inference)
	dispatcher := worker.NewDispatcher(
		cfg.BasicConfig.MinWorkers,
		cfg.BasicConfig.MaxWorkers,
		cfg.BasicConfig.QueueSize,
		runner,
		0,
	)

	turnTimeout := time.Duration(cfg.BasicConfig.StreamTimeout) * time.Minute
	handlers := api.NewHandler(creds, authService, registry, loader, dispatcher, turnTimeout)

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
