package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	Server     ServerConfig
	MySQL      MySQLConfig
	Connection ConnectionConfig
	Redis      RedisConfig
	Cluster    ClusterConfig
	JWT        JWTConfig
	Heartbeat  HeartbeatConfig
	Terminal   TerminalConfig
	Migrate    bool
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	WebsocketPort int
	APIPort       int
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// ConnectionConfig holds database pool configuration
type ConnectionConfig struct {
	MaxConnections int
	MinConnections int
	TimeoutSec     int
}

// RedisConfig holds Redis configuration; Enabled gates cluster mode
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// ClusterConfig holds cluster coordinator configuration
type ClusterConfig struct {
	Enabled bool
	NodeID  string // auto-generated if empty
}

// JWTConfig holds JWT verification configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// HeartbeatConfig holds liveness and resource-flush tuning
type HeartbeatConfig struct {
	SweepIntervalSec int
	AgentTimeoutSec  int
	FlushEvery       int
	CacheTTLSec      int
}

// TerminalConfig holds PTY session limits
type TerminalConfig struct {
	IdleTimeoutSec      int
	MaxSessionsPerAgent int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			WebsocketPort: getEnvInt("QB_WEBSOCKET_PORT", 8765),
			APIPort:       getEnvInt("QB_API_PORT", 5000),
		},
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Connection: ConnectionConfig{
			MaxConnections: getEnvInt("DB_MAX_CONNECTIONS", 20),
			MinConnections: getEnvInt("DB_MIN_CONNECTIONS", 5),
			TimeoutSec:     getEnvInt("DB_TIMEOUT_SEC", 30),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "0") == "1",
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cluster: ClusterConfig{
			Enabled: getEnv("CLUSTER_ENABLED", "0") == "1",
			NodeID:  getEnv("CLUSTER_NODE_ID", ""),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "queenbee"),
		},
		Heartbeat: HeartbeatConfig{
			SweepIntervalSec: getEnvInt("HEARTBEAT_SWEEP_INTERVAL_SEC", 5),
			AgentTimeoutSec:  getEnvInt("AGENT_TIMEOUT_SEC", 30),
			FlushEvery:       getEnvInt("HEARTBEAT_FLUSH_EVERY", 12),
			CacheTTLSec:      getEnvInt("RESOURCE_CACHE_TTL_SEC", 30),
		},
		Terminal: TerminalConfig{
			IdleTimeoutSec:      getEnvInt("TERMINAL_IDLE_TIMEOUT_SEC", 1800),
			MaxSessionsPerAgent: getEnvInt("TERMINAL_MAX_SESSIONS_PER_AGENT", 3),
		},
		Migrate: getEnv("MIGRATE", "0") == "1",
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Helper function: get value with priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		return defaultValue
	}

	cfg := &Config{
		Server: ServerConfig{
			WebsocketPort: getValueInt("QB_WEBSOCKET_PORT", "server", "websocket_port", 8765),
			APIPort:       getValueInt("QB_API_PORT", "server", "api_port", 5000),
		},
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Connection: ConnectionConfig{
			MaxConnections: getValueInt("DB_MAX_CONNECTIONS", "connection", "max_connections", 20),
			MinConnections: getValueInt("DB_MIN_CONNECTIONS", "connection", "min_connections", 5),
			TimeoutSec:     getValueInt("DB_TIMEOUT_SEC", "connection", "timeout", 30),
		},
		Redis: RedisConfig{
			Enabled:  getValueBool("REDIS_ENABLED", "redis", "enabled", false),
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		Cluster: ClusterConfig{
			Enabled: getValueBool("CLUSTER_ENABLED", "cluster", "enabled", false),
			NodeID:  getValue("CLUSTER_NODE_ID", "cluster", "node_id", ""),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "queenbee"),
		},
		Heartbeat: HeartbeatConfig{
			SweepIntervalSec: getValueInt("HEARTBEAT_SWEEP_INTERVAL_SEC", "heartbeat", "sweep_interval_sec", 5),
			AgentTimeoutSec:  getValueInt("AGENT_TIMEOUT_SEC", "heartbeat", "agent_timeout_sec", 30),
			FlushEvery:       getValueInt("HEARTBEAT_FLUSH_EVERY", "heartbeat", "flush_every", 12),
			CacheTTLSec:      getValueInt("RESOURCE_CACHE_TTL_SEC", "heartbeat", "cache_ttl_sec", 30),
		},
		Terminal: TerminalConfig{
			IdleTimeoutSec:      getValueInt("TERMINAL_IDLE_TIMEOUT_SEC", "terminal", "idle_timeout_sec", 1800),
			MaxSessionsPerAgent: getValueInt("TERMINAL_MAX_SESSIONS_PER_AGENT", "terminal", "max_sessions_per_agent", 3),
		},
		Migrate: getValueBool("MIGRATE", "app", "migrate", false),
	}

	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
