// Package main is the entry point for the honeyshell SSH honeypot.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/honeyshell/honeyshell/internal/config"
	"github.com/honeyshell/honeyshell/internal/container/docker"
	"github.com/honeyshell/honeyshell/internal/logger"
	sshserver "github.com/honeyshell/honeyshell/internal/ssh"
	mongostore "github.com/honeyshell/honeyshell/internal/storage/mongo"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg, err := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logg.Close() }()

	hostKey, err := sshserver.LoadHostKey(cfg.HostKeyPath)
	if err != nil {
		logg.Fatal("load host key", "error", err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := mongostore.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB, logg)
	cancel()
	if err != nil {
		logg.Fatal("connect to mongodb", "error", err)
	}

	runtime, err := docker.NewProvider(context.Background(), docker.Config{
		Image:       cfg.Image,
		Network:     cfg.Network,
		Hostname:    cfg.Hostname,
		CPULimit:    cfg.CPULimit,
		MemoryBytes: cfg.MemoryBytes(),
		TTL:         cfg.ContainerTTL(),
	}, logg)
	if err != nil {
		logg.Fatal("container engine unavailable", "error", err)
	}

	// Remove sandboxes a previous run left behind.
	sweepCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if n, err := runtime.Sweep(sweepCtx); err != nil {
		logg.Warn("sweep stale sandboxes", "error", err)
	} else if n > 0 {
		logg.Info("swept stale sandboxes", "count", n)
	}
	cancel()

	server := sshserver.New(sshserver.Config{
		Addr:     cfg.ListenAddr(),
		Banner:   cfg.Banner,
		HostKey:  hostKey,
		SFTPRoot: cfg.SFTPRoot,
	}, runtime, store, logg)
	if err := server.Start(); err != nil {
		logg.Fatal("start ssh listener", "error", err)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logg.Warn("ssh server shutdown", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logg.Warn("mongodb close", "error", err)
	}
	if err := runtime.Close(); err != nil {
		logg.Warn("container engine close", "error", err)
	}
	logg.Info("shutdown complete")
}
