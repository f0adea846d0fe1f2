package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskcron/internal/api"
	"taskcron/internal/config"
	"taskcron/internal/core"
	"taskcron/internal/logging"
	taskcronmcp "taskcron/internal/mcp"
	"taskcron/internal/notify"
	"taskcron/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFile)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.DBPath)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	var notifier core.Notifier
	desktop, err := notify.NewDesktop()
	if err != nil {
		logger.Warn("desktop notifications unavailable, reminder tasks will fail", "err", err)
	} else {
		notifier = desktop
		logger.Info("desktop notifications enabled", "backend", desktop.Backend())
	}

	if cfg.OpenAIAPIKey == "" {
		logger.Warn("no OpenAI API key configured, AI tasks will fail")
	}

	executor := core.NewExecutor(cfg.ExecutionTimeout, cfg.AIModel, cfg.OpenAIAPIKey, notifier, logger)
	scheduler := core.NewScheduler(storeInst, executor, cfg.CheckInterval, logger)
	scheduler.Start()

	mcpServer := taskcronmcp.NewServer(scheduler, cfg, logger)

	var discovery *api.Server
	discoveryErr := make(chan error, 1)
	if cfg.DiscoveryEnabled {
		addr := fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.DiscoveryPort())
		discovery = api.NewServer(addr, scheduler, mcpServer, cfg, logger)
		go func() {
			if err := discovery.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				discoveryErr <- err
			}
		}()
	}

	mcpErr := make(chan error, 1)
	go func() {
		switch cfg.Transport {
		case "sse":
			mcpErr <- mcpServer.RunSSE(fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.ServerPort))
		default:
			mcpErr <- mcpServer.Run()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-mcpErr:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		} else {
			logger.Info("mcp transport closed")
		}
	case err := <-discoveryErr:
		logger.Error("discovery server error", "err", err)
	}

	if discovery != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := discovery.Shutdown(shutdownCtx); err != nil {
			logger.Error("discovery shutdown", "err", err)
		}
		shutdownCancel()
	}

	scheduler.Stop()
	logger.Info("shutdown complete")
}
