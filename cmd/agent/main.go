package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"queenbee/agent/client"
	"queenbee/agent/config"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	server := flag.String("server", "", "服务器地址 (默认: localhost)")
	port := flag.Int("port", 0, "服务器端口 (默认: 8765)")
	agentID := flag.String("agent-id", "", "Agent ID (默认: 使用IP的MD5值)")
	flag.Parse()

	cfg := config.New(*server, *port, *agentID)
	log.Printf("启动参数: 服务器=%s:%d", cfg.ServerHost, cfg.ServerPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Agent 启动失败: %v", err)
	}
	log.Println("Agent 已停止")
}
