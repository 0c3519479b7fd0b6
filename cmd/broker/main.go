package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	agentapi "github.com/kokino/kokino/internal/agent/api"
	"github.com/kokino/kokino/internal/agent/executor"
	agentrepo "github.com/kokino/kokino/internal/agent/repository"
	"github.com/kokino/kokino/internal/agent/registry"
	"github.com/kokino/kokino/internal/bootstrap"
	"github.com/kokino/kokino/internal/common/config"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/common/tracing"
	"github.com/kokino/kokino/internal/compaction"
	"github.com/kokino/kokino/internal/db"
	"github.com/kokino/kokino/internal/events/bus"
	"github.com/kokino/kokino/internal/gateway/middleware"
	"github.com/kokino/kokino/internal/gateway/websocket"
	teamapi "github.com/kokino/kokino/internal/team/api"
	teamrepo "github.com/kokino/kokino/internal/team/repository"
	teamservice "github.com/kokino/kokino/internal/team/service"
	ticketapi "github.com/kokino/kokino/internal/ticket/api"
	ticketrepo "github.com/kokino/kokino/internal/ticket/repository"
	"github.com/kokino/kokino/internal/ticket/store"
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

	log.Info("Starting Kokino broker...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. An empty NATS URL selects the in-process bus.
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

	// 5. Open the embedded store. Open applies the schema.
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Opened embedded store", zap.String("driver", cfg.Database.Driver))

	// 6. Agent registry over the durable mirror
	agentRepository := agentrepo.NewSQLRepository(pool)
	reg := registry.NewRegistry(agentRepository, eventBus, cfg.Agent.HeartbeatInterval(), log)
	if err := reg.Start(ctx); err != nil {
		log.Fatal("Failed to start agent registry", zap.Error(err))
	}
	defer reg.Stop()
	log.Info("Started agent registry", zap.Int("agents", len(reg.List())))

	// 7. Headless CLI executor
	runner := executor.NewCLIExecutor(log)

	// 8. Bootstrap orchestration
	orchestrator := bootstrap.NewOrchestrator(
		reg,
		agentRepository,
		bootstrap.NewSQLHistoryRepository(pool),
		eventBus,
		cfg.Bootstrap,
		log,
	)

	// 9. Compaction monitoring and the delivery fallback it drives
	monitor := compaction.NewMonitor(cfg.Compaction, compaction.NewSQLRepository(pool), eventBus, log)
	fallback := store.NewCompactionFallback(monitor)

	// 10. Ticket store and delivery engine
	ticketStore := store.NewStore(
		ticketrepo.NewSQLRepository(pool),
		ticketrepo.NewSQLMessageLog(pool),
		reg,
		runner,
		fallback,
		eventBus,
		cfg.Ticket,
		log,
	)
	ticketStore.Start()
	defer ticketStore.Stop()
	log.Info("Started ticket store")

	// 11. Team service
	teamService := teamservice.NewService(teamrepo.NewSQLRepository(pool), reg, eventBus, log)

	// 12. Monitor WebSocket hub
	hub := websocket.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start monitor hub", zap.Error(err))
	}
	defer hub.Stop()

	// 13. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery(log), middleware.RequestLogger(log), middleware.Tracing("kokino-broker"), middleware.CORS())

	v1 := router.Group("/api/v1")
	ticketapi.SetupRoutes(v1, ticketStore, log)
	agentapi.SetupRoutes(v1, reg, agentRepository, orchestrator, monitor, log)
	teamapi.SetupRoutes(v1, teamService, log)

	wsHandler := websocket.NewHandler(hub, log)
	router.GET("/ws/monitor", wsHandler.HandleConnection)

	// Health check endpoint at root level
	healthHandler := agentapi.NewHandler(reg, agentRepository, orchestrator, monitor, log)
	router.GET("/health", healthHandler.HealthCheck)

	// 14. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 15. Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 16. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Kokino broker...")

	// 17. Graceful shutdown. The deferred stops drain the delivery engine,
	// registry, and hub after in-flight requests finish.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Kokino broker stopped")
}
