package config

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Config holds the agent runtime configuration
type Config struct {
	ServerHost string // Default: localhost
	ServerPort int    // Default: 8765
	AgentID    string // Default: md5 of the primary IP
	ExternalIP string // Optional, reported as-is

	HeartbeatIntervalSec int // Default: 5
	ExecutionUser        string
}

// New builds the configuration from environment variables. agentID overrides
// the derived identity when non-empty.
func New(serverHost string, serverPort int, agentID string) *Config {
	cfg := &Config{
		ServerHost:           serverHost,
		ServerPort:           serverPort,
		AgentID:              agentID,
		ExternalIP:           getEnv("AGENT_EXTERNAL_IP", ""),
		HeartbeatIntervalSec: getEnvInt("AGENT_HEARTBEAT_INTERVAL", 5),
		ExecutionUser:        getEnv("AGENT_EXECUTION_USER", "root"),
	}
	if cfg.ServerHost == "" {
		cfg.ServerHost = getEnv("QB_SERVER_HOST", "localhost")
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = getEnvInt("QB_SERVER_PORT", 8765)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = DeriveAgentID(LocalIP())
	}
	return cfg
}

// ServerURL returns the control-channel WebSocket URL.
func (c *Config) ServerURL() string {
	return fmt.Sprintf("ws://%s:%d", c.ServerHost, c.ServerPort)
}

// DeriveAgentID produces the stable agent identity from the primary IP.
func DeriveAgentID(ip string) string {
	sum := md5.Sum([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// LocalIP discovers the primary outbound IP without sending any packets.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
