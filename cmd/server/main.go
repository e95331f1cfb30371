package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/collabmd/collabmd/internal/durability"
	"github.com/collabmd/collabmd/pkg/database"
	"github.com/collabmd/collabmd/pkg/logger"
	"github.com/collabmd/collabmd/pkg/server"
)

// Config holds all server configuration.
type Config struct {
	Port                string
	VaultRoot           string
	SQLiteURI           string
	TransformWindow     uint64
	TransformWindowAge  time.Duration
	SnapshotMaxBytes    int64
	SnapshotMaxOps      uint64
	BroadcastBufferSize int
	IdleDocTimeout      time.Duration
}

func main() {
	_ = godotenv.Load() // no .env in production; ignored if absent

	logger.Init()

	config := Config{
		Port:                getEnv("PORT", "3030"),
		VaultRoot:           getEnv("VAULT_ROOT", "./vault"),
		SQLiteURI:           os.Getenv("SQLITE_URI"),
		TransformWindow:     uint64(getEnvInt("TRANSFORM_WINDOW", 1024)),
		TransformWindowAge:  time.Duration(getEnvInt("TRANSFORM_WINDOW_AGE_SECONDS", 60)) * time.Second,
		SnapshotMaxBytes:    int64(getEnvInt("SNAPSHOT_MAX_BYTES", 8*1024*1024)),
		SnapshotMaxOps:      uint64(getEnvInt("SNAPSHOT_MAX_OPS", 10_000)),
		BroadcastBufferSize: getEnvInt("BROADCAST_BUFFER_SIZE", 256),
		IdleDocTimeout:      time.Duration(getEnvInt("IDLE_DOCUMENT_TIMEOUT_MINUTES", 60)) * time.Minute,
	}

	logger.Info("starting collabmd server...")
	logger.Info("port: %s", config.Port)
	logger.Info("vault root: %s", config.VaultRoot)
	logger.Info("transform window: %d ops / %s", config.TransformWindow, config.TransformWindowAge)

	durability.SnapshotMaxBytes = config.SnapshotMaxBytes
	durability.SnapshotMaxOps = config.SnapshotMaxOps

	if err := os.MkdirAll(config.VaultRoot, 0o755); err != nil {
		log.Fatalf("create vault root: %v", err)
	}

	var db *database.Database
	if config.SQLiteURI != "" {
		logger.Info("index database: %s", config.SQLiteURI)
		var err error
		db, err = database.New(config.SQLiteURI)
		if err != nil {
			logger.Error("failed to initialize database: %v", err)
			log.Fatalf("failed to initialize database: %v", err)
		}
		defer db.Close()
	} else {
		logger.Info("index database: disabled")
	}

	hub := server.NewHub(server.Config{
		VaultRoot:        config.VaultRoot,
		Window:           config.TransformWindow,
		WindowAge:        config.TransformWindowAge,
		BroadcastBufSize: config.BroadcastBufferSize,
		IdleDocTimeout:   config.IdleDocTimeout,
		DB:               db,
	})
	srv := server.NewServer(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.StartPresenceSweeper(ctx)
	go hub.StartDocumentCleaner(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
		hub.Shutdown()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%s", config.Port)
	log.Fatal(srv.ListenAndServe(addr))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
