package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	os.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/queenbee")
	os.Setenv("JWT_SECRET", "test-secret")
	defer func() {
		os.Unsetenv("MYSQL_DSN")
		os.Unsetenv("JWT_SECRET")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.WebsocketPort != 8765 {
		t.Errorf("Expected websocket port 8765, got %d", cfg.Server.WebsocketPort)
	}
	if cfg.Server.APIPort != 5000 {
		t.Errorf("Expected api port 5000, got %d", cfg.Server.APIPort)
	}
	if cfg.Heartbeat.SweepIntervalSec != 5 {
		t.Errorf("Expected sweep interval 5, got %d", cfg.Heartbeat.SweepIntervalSec)
	}
	if cfg.Heartbeat.AgentTimeoutSec != 30 {
		t.Errorf("Expected agent timeout 30, got %d", cfg.Heartbeat.AgentTimeoutSec)
	}
	if cfg.Heartbeat.FlushEvery != 12 {
		t.Errorf("Expected flush every 12, got %d", cfg.Heartbeat.FlushEvery)
	}
	if cfg.Terminal.IdleTimeoutSec != 1800 {
		t.Errorf("Expected terminal idle timeout 1800, got %d", cfg.Terminal.IdleTimeoutSec)
	}
	if cfg.Terminal.MaxSessionsPerAgent != 3 {
		t.Errorf("Expected 3 sessions per agent, got %d", cfg.Terminal.MaxSessionsPerAgent)
	}
	if cfg.Redis.Enabled {
		t.Error("Redis should be disabled by default")
	}
}

func TestLoad_MissingMySQLDSN(t *testing.T) {
	os.Unsetenv("MYSQL_DSN")
	os.Setenv("JWT_SECRET", "test-secret")
	defer os.Unsetenv("JWT_SECRET")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when MYSQL_DSN is missing")
	}
}

func TestLoadFromINI(t *testing.T) {
	iniContent := `[server]
websocket_port = 9765
api_port = 6000

[mysql]
dsn = user:pass@tcp(localhost:3306)/queenbee

[jwt]
secret = ini-secret

[redis]
enabled = true
addr = redis.example.com:6379

[cluster]
enabled = true
node_id = n1

[terminal]
max_sessions_per_agent = 5
`
	dir := t.TempDir()
	path := filepath.Join(dir, "queenbee.ini")
	if err := os.WriteFile(path, []byte(iniContent), 0o644); err != nil {
		t.Fatalf("Failed to write INI file: %v", err)
	}

	cfg, err := LoadFromINI(path)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	if cfg.Server.WebsocketPort != 9765 {
		t.Errorf("Expected websocket port 9765, got %d", cfg.Server.WebsocketPort)
	}
	if !cfg.Redis.Enabled {
		t.Error("Redis should be enabled")
	}
	if cfg.Cluster.NodeID != "n1" {
		t.Errorf("Expected node id n1, got %s", cfg.Cluster.NodeID)
	}
	if cfg.Terminal.MaxSessionsPerAgent != 5 {
		t.Errorf("Expected 5 sessions per agent, got %d", cfg.Terminal.MaxSessionsPerAgent)
	}
}

func TestLoadFromINI_EnvOverride(t *testing.T) {
	iniContent := `[mysql]
dsn = user:pass@tcp(localhost:3306)/queenbee

[jwt]
secret = ini-secret

[server]
api_port = 6000
`
	dir := t.TempDir()
	path := filepath.Join(dir, "queenbee.ini")
	if err := os.WriteFile(path, []byte(iniContent), 0o644); err != nil {
		t.Fatalf("Failed to write INI file: %v", err)
	}

	os.Setenv("QB_API_PORT", "7000")
	defer os.Unsetenv("QB_API_PORT")

	cfg, err := LoadFromINI(path)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	// ENV wins over INI
	if cfg.Server.APIPort != 7000 {
		t.Errorf("Expected api port 7000 from env, got %d", cfg.Server.APIPort)
	}
}
