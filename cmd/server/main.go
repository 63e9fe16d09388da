package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crdt-sync/internal/api"
	"crdt-sync/internal/config"
	"crdt-sync/internal/db"
	"crdt-sync/internal/pubsub"
	"crdt-sync/internal/repository"
	"crdt-sync/internal/services"
	"crdt-sync/internal/services/collaboration"
	"crdt-sync/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

Start-up order: config, tracing, database, repositories, document service,
compaction pool, optional Redis fan-out, session manager, HTTP server.
Shutdown runs in reverse: stop accepting requests, close sessions, stop the
fan-out, drain the compaction workers, flush traces.
*/

func main() {
	log.Println("🚀 Starting CRDT sync server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize tracing FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("crdt-sync", cfg.JaegerEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	database, err := db.NewGorm(rootCtx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	updateRepo := repository.NewUpdateRepository(database.DB)
	snapshotRepo := repository.NewSnapshotRepository(database.DB)

	docService := services.NewDocService(updateRepo, snapshotRepo, cfg.CompactionThreshold)

	// Learning: the pool folds update rows into snapshots in the background
	compaction := services.NewCompactionService(docService, cfg.CompactionWorkers, cfg.CompactionQueueSize)
	compaction.Start()
	docService.SetCompactionQueue(compaction)

	sessionManager := collaboration.NewSessionManager(docService)

	// Cross-instance fan-out is optional; a single instance needs no Redis
	var fanout *pubsub.RedisFanout
	if cfg.RedisAddr != "" {
		fanout, err = pubsub.NewRedisFanout(rootCtx, cfg.RedisAddr, cfg.RedisChannelPrefix)
		if err != nil {
			log.Printf("⚠️  %v (continuing without fan-out)", err)
		} else {
			sessionManager.SetPublisher(fanout)
			go func() {
				if err := fanout.Subscribe(rootCtx, sessionManager.RelayRemote); err != nil {
					log.Printf("⚠️  Fan-out subscription ended: %v", err)
				}
			}()
		}
	}

	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager)
	handler := api.NewHandler(docService, compaction, wsHandler, sessionManager)
	router := api.SetupRoutes(handler)

	addr := cfg.ListenAddr()
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: it would also cut hijacked websocket connections
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   POST   /api/crdt/{merge,diff,state-vector,json}  - Stateless update tools")
		log.Printf("   GET    /api/workspaces/:ws/docs                  - List documents")
		log.Printf("   GET    /api/workspaces/:ws/docs/:doc             - Merged update (or diff with ?state_vector=)")
		log.Printf("   POST   /api/workspaces/:ws/docs/:doc/updates     - Push update")
		log.Printf("   POST   /api/workspaces/:ws/docs/:doc/diff        - Diff against state vector")
		log.Printf("   GET    /api/workspaces/:ws/docs/:doc/state-vector")
		log.Printf("   GET    /api/workspaces/:ws/docs/:doc/json")
		log.Printf("   POST   /api/workspaces/:ws/docs/:doc/compact")
		log.Printf("   DELETE /api/workspaces/:ws/docs/:doc")
		log.Printf("   WS     /ws/workspaces/:ws/docs/:doc")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	// Learning: Give the server 30 seconds to finish existing requests
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// hijacked websocket connections are not closed by server.Shutdown
	sessionManager.Shutdown()

	stop()
	if fanout != nil {
		fanout.Close()
	}

	// Learning: This waits for workers to finish their current jobs
	compaction.Shutdown()

	log.Println("✓ Server shutdown complete")
}
