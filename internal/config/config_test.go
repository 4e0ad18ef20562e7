package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("EDGESYNC_EDGE_ID", "edge-1")
	t.Setenv("EDGESYNC_SECRET_KEY", "s3cret")
	t.Setenv("EDGESYNC_CLOUD_ENDPOINT", "ws://cloud.example.com/sync")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.EdgeID != "edge-1" {
		t.Errorf("EdgeID = %q, want edge-1", cfg.EdgeID)
	}
	if cfg.Intervals.Heartbeat != 30*time.Second {
		t.Errorf("Heartbeat = %v, want 30s", cfg.Intervals.Heartbeat)
	}
	if cfg.Intervals.StatsRefresh != time.Minute {
		t.Errorf("StatsRefresh = %v, want 1m", cfg.Intervals.StatsRefresh)
	}
	if cfg.Intervals.CacheGC != time.Hour {
		t.Errorf("CacheGC = %v, want 1h", cfg.Intervals.CacheGC)
	}
	if cfg.Connection.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.ProtocolVersion != "1.0" {
		t.Errorf("ProtocolVersion = %q, want 1.0", cfg.ProtocolVersion)
	}
}

func TestLoad_FileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `edge_id: edge-from-file
secret_key: file-secret
cloud_endpoint: ws://file.example.com/sync
intervals:
  heartbeat: 5s
connection:
  max_reconnect_attempts: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("EDGESYNC_EDGE_ID", "edge-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.EdgeID != "edge-from-env" {
		t.Errorf("EdgeID = %q, want env override", cfg.EdgeID)
	}
	if cfg.SecretKey != "file-secret" {
		t.Errorf("SecretKey = %q, want file-secret", cfg.SecretKey)
	}
	if cfg.Intervals.Heartbeat != 5*time.Second {
		t.Errorf("Heartbeat = %v, want 5s", cfg.Intervals.Heartbeat)
	}
	if cfg.Connection.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3", cfg.Connection.MaxReconnectAttempts)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
	}{
		{"no edge_id", map[string]string{
			"EDGESYNC_SECRET_KEY":     "s",
			"EDGESYNC_CLOUD_ENDPOINT": "ws://x",
		}},
		{"no secret_key", map[string]string{
			"EDGESYNC_EDGE_ID":        "e",
			"EDGESYNC_CLOUD_ENDPOINT": "ws://x",
		}},
		{"no cloud_endpoint", map[string]string{
			"EDGESYNC_EDGE_ID":    "e",
			"EDGESYNC_SECRET_KEY": "s",
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Error("Load() error = nil, want validation error")
			}
		})
	}
}
