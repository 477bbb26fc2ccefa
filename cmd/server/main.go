package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/kiwi/consolidation/internal/config"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/engine"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/queue"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/server"
	"github.com/OFFIS-RIT/kiwi/consolidation/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger/console"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: cfg.Debug,
		Level: cfg.LogLevel,
		JSON:  cfg.LogJSON,
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize engine", "err", err)
	}
	defer eng.Close()

	app := &middleware.App{Engine: eng, APIKey: cfg.APIKey}

	if cfg.RabbitMQ.Enabled {
		conn, err := queue.Init(cfg.RabbitMQ.URL())
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", "err", err)
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open channel", "err", err)
		}
		defer ch.Close()

		if err := queue.SetupQueues(ch, queue.Queues); err != nil {
			logger.Fatal("Failed to declare queues", "err", err)
		}
		app.Publisher = queue.NewChannelPublisher(ch)
	}

	if err := server.Run(ctx, server.New(app), cfg.Port); err != nil {
		logger.Fatal("Server failed", "err", err)
	}
}
