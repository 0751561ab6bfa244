package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Role != "hybrid" || cfg.MaxParallelJobs != 4 || cfg.ArtifactBackend != "local" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("unexpected heartbeat interval: %s", cfg.HeartbeatInterval)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("P2PNET_NODE_ID", "coord-1")
	t.Setenv("P2PNET_PEERS", "w1=127.0.0.1:7071, w2=127.0.0.1:7072,broken")
	t.Setenv("P2PNET_WORKERS", "w1,w2")
	t.Setenv("P2PNET_MAX_PARALLEL_JOBS", "not-a-number")
	t.Setenv("P2PNET_MINIO_USE_SSL", "yes")

	cfg := FromEnv()
	if cfg.NodeID != "coord-1" || !cfg.MinIOUseSSL || cfg.MaxParallelJobs != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1].NodeID != "w2" || cfg.Peers[1].Address != "127.0.0.1:7072" {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
	if len(cfg.Workers) != 2 {
		t.Fatalf("unexpected workers: %v", cfg.Workers)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	body := []byte(`
node_id: w1
role: worker
coordinator: coord-1
heartbeat_interval: 2s
peers:
  - node_id: coord-1
    address: 10.0.0.1:7070
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("P2PNET_CONFIG_FILE", path)
	t.Setenv("P2PNET_HTTP_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "w1" || cfg.Role != "worker" || cfg.Coordinator != "coord-1" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.HeartbeatInterval != 2*time.Second || len(cfg.Peers) != 1 {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("env value lost: %s", cfg.HTTPAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("P2PNET_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestTracingAndSubmitSettings(t *testing.T) {
	cfg := FromEnv()
	if cfg.Tracing.Exporter != "none" || cfg.Tracing.SampleRatio != 1 || cfg.SubmitBurst != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	path := filepath.Join(t.TempDir(), "node.yaml")
	body := []byte(`
submit_rate_per_minute: 30
tracing:
  exporter: otlp
  endpoint: collector:4317
  sample_ratio: 0.5
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("P2PNET_CONFIG_FILE", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SubmitRatePerMinute != 30 || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "collector:4317" || cfg.Tracing.SampleRatio != 0.5 {
		t.Fatalf("unexpected overlay: %+v", cfg)
	}
	if !cfg.Tracing.Insecure {
		t.Fatalf("fields absent from the file keep env defaults")
	}
}
