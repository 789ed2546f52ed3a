package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/teehee/chat-backend/internal/auth"
	"github.com/teehee/chat-backend/internal/handlers"
	"github.com/teehee/chat-backend/internal/services"
	"github.com/teehee/chat-backend/internal/streaming"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	defaultDir := filepath.Join(cfgDir, "teehee-chat")

	cfgPath := flag.String("config", filepath.Join(defaultDir, "config.yaml"), "path to config file")
	flag.Parse()

	if err := os.MkdirAll(defaultDir, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(defaultDir, "store.db")
	}
	store, err := services.NewBoltDB(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	tokens := auth.NewManager(cfg.SecretKey, time.Duration(cfg.TokenTTLMinutes)*time.Minute)
	cipher := auth.NewKeyCipher(cfg.EncryptionKey)

	registry := streaming.NewRegistry(logger)
	runner := streaming.NewRunner(registry, store, logger)

	factory := services.Factory{
		OllamaHost: cfg.OllamaHost,
		MaxTokens:  cfg.MaxTokens,
	}

	m := handlers.NewMain(store, tokens, cipher, registry, runner, factory, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
