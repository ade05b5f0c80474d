package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"queenbee/internal/cluster"
	"queenbee/internal/config"
	"queenbee/internal/liveness"
	"queenbee/internal/registry"
	"queenbee/internal/resource"
	"queenbee/internal/task"
	"queenbee/internal/terminal"
)

// Core owns the control-plane state: the agent registry, the liveness
// sweeper, the resource cache, the task dispatcher, the terminal mux and the
// cluster coordinator. It is constructed once in main and passed to the API
// layer explicitly.
type Core struct {
	cfg *config.Config
	db  *gorm.DB

	Registry  *registry.Registry
	Liveness  *liveness.Monitor
	Resources *resource.Cache
	Tasks     *task.Dispatcher
	Terminals *terminal.Mux
	Coord     *cluster.Coordinator

	agentSrv *http.Server
}

// New wires the control plane together. rdb may be nil (single-node mode).
// regEvents and taskEvents receive lifecycle notifications; both may be nil.
func New(cfg *config.Config, gdb *gorm.DB, rdb *redis.Client, regEvents registry.Events, taskEvents task.Events) *Core {
	coord := cluster.New(rdb, cfg.Cluster.NodeID)
	reg := registry.New(gdb, regEvents)
	mon := liveness.New(liveness.Config{
		Registry:         reg,
		SweepIntervalSec: cfg.Heartbeat.SweepIntervalSec,
		AgentTimeoutSec:  cfg.Heartbeat.AgentTimeoutSec,
	})
	cache := resource.New(gdb, cfg.Heartbeat.CacheTTLSec, cfg.Heartbeat.FlushEvery)
	dispatcher := task.NewDispatcher(reg, gdb, taskEvents)
	table := terminal.NewSessionTable(cfg.Terminal.MaxSessionsPerAgent, cfg.Terminal.IdleTimeoutSec)
	mux := terminal.NewMux(table, reg, coord)

	return &Core{
		cfg:       cfg,
		db:        gdb,
		Registry:  reg,
		Liveness:  mon,
		Resources: cache,
		Tasks:     dispatcher,
		Terminals: mux,
		Coord:     coord,
	}
}

// DB exposes the gorm handle for the API layer.
func (c *Core) DB() *gorm.DB {
	return c.db
}

// Start launches the background workers and the agent WebSocket listener.
// It returns once the listener is accepting; serve errors are fatal.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Coord.Start(ctx); err != nil {
		return fmt.Errorf("start cluster coordinator: %w", err)
	}
	go c.Liveness.Run(ctx)
	go c.Terminals.RunSweeper(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleAgentConnect)
	c.agentSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.cfg.Server.WebsocketPort),
		Handler: mux,
	}

	go func() {
		log.Printf("[Server] Agent WebSocket listener on %s", c.agentSrv.Addr)
		if err := c.agentSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] Agent listener error: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the listener and the coordinator. Connected agents are
// dropped; they reconnect on their own schedule.
func (c *Core) Shutdown(ctx context.Context) {
	if c.agentSrv != nil {
		shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.agentSrv.Shutdown(shutCtx); err != nil {
			log.Printf("[Server] Agent listener shutdown: %v", err)
		}
	}
	c.Coord.Stop()
}
