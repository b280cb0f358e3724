package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/api"
	"github.com/crashdbg/crashdbg/internal/common/config"
	"github.com/crashdbg/crashdbg/internal/common/logger"
	"github.com/crashdbg/crashdbg/internal/engine"
	"github.com/crashdbg/crashdbg/internal/events"
	"github.com/crashdbg/crashdbg/internal/events/bus"
	"github.com/crashdbg/crashdbg/internal/mcpserver"
	"github.com/crashdbg/crashdbg/internal/session"
	"github.com/crashdbg/crashdbg/internal/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting crashdbg server...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. NATS when a URL is configured, in-memory
	// otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	notifier := events.NewNotifier(eventBus, log)

	// 5. Initialize the session manager
	manager := session.NewManager(cfg, notifier, log)
	log.Info("Initialized session manager",
		zap.Int("max_concurrent", cfg.Sessions.MaxConcurrent),
		zap.Duration("idle_timeout", cfg.Sessions.IdleTimeoutDuration()))

	// 6. Build the engine facade
	eng := engine.New(manager, log)

	// 7. Initialize the WebSocket streaming hub
	hub := streaming.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start streaming hub", zap.Error(err))
	}
	log.Info("Started streaming hub")

	// 8. Setup HTTP server with Gin
	router := api.NewRouter(eng, log)
	router.GET("/ws", hub.HandleWS)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 9. Start HTTP server in goroutine
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Start the embedded MCP server
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, eng, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		log.Info("MCP server started",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down crashdbg server...")

	// 12. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}

	hub.Stop()

	// Closing the manager drains every session queue and stops the debugger
	// children.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("Session manager shutdown error", zap.Error(err))
	}

	log.Info("crashdbg server stopped")
}
