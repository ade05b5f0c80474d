package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	v1 "queenbee/api/v1"
	"queenbee/internal/auth"
	"queenbee/internal/cache"
	"queenbee/internal/config"
	"queenbee/internal/db"
	"queenbee/internal/server"
	"queenbee/internal/ws"
)

func main() {
	// .env is optional; real deployments use the environment or an INI file
	_ = godotenv.Load()

	// 1. Load configuration
	var cfg *config.Config
	var err error
	if iniPath := os.Getenv("QB_CONFIG"); iniPath != "" {
		cfg, err = config.LoadFromINI(iniPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("✓ Configuration loaded")

	// 2. Initialize MySQL
	gdb, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
	}
	defer db.Close(gdb)
	log.Println("✓ MySQL connected")

	if cfg.Migrate {
		if err := db.Migrate(gdb); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		log.Println("✓ Schema migrated")
	}

	// 3. Initialize Redis (optional; nil client means single-node mode)
	rdb, err := cache.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
	}
	defer cache.Close(rdb)
	if rdb != nil {
		log.Println("✓ Redis connected")
	}

	verifier := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)

	// 4. Dashboard push hub + event publisher
	hub := ws.NewHub(verifier)
	defer hub.Close()
	publisher := ws.NewPublisher(hub)

	// 5. Control-plane core: registry, liveness, resource cache, dispatcher,
	// terminal mux, cluster coordinator, agent WebSocket listener
	core := server.New(cfg, gdb, rdb, publisher, publisher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		log.Fatalf("Failed to start core: %v", err)
	}
	defer core.Shutdown(context.Background())
	log.Printf("✓ Agent channel listening on :%d", cfg.Server.WebsocketPort)

	// 6. REST API
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	v1.SetupRouter(r, cfg, core, verifier, hub)

	apiAddr := fmt.Sprintf(":%d", cfg.Server.APIPort)
	log.Printf("✓ API server starting on %s", apiAddr)

	go func() {
		if err := r.Run(apiAddr); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")
}
