package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Peer struct {
	NodeID  string `yaml:"node_id"`
	Address string `yaml:"address"`
}

// Tracing configures span export for the node.
type Tracing struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Config struct {
	NodeID            string        `yaml:"node_id"`
	Role              string        `yaml:"role"`
	HTTPAddr          string        `yaml:"http_addr"`
	GRPCAddr          string        `yaml:"grpc_addr"`
	Peers             []Peer        `yaml:"peers"`
	Workers           []string      `yaml:"workers"`
	Coordinator       string        `yaml:"coordinator"`
	MaxParallelJobs   int           `yaml:"max_parallel_jobs"`
	MaxAttempts       int           `yaml:"max_attempts"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	SandboxRoot       string        `yaml:"sandbox_root"`
	SandboxTimeout    time.Duration `yaml:"sandbox_timeout"`
	Interpreter       string        `yaml:"interpreter"`
	ArtifactBackend   string        `yaml:"artifact_backend"`
	ArtifactRoot      string        `yaml:"artifact_root"`
	MinIOEndpoint     string        `yaml:"minio_endpoint"`
	MinIOAccessKey    string        `yaml:"minio_access_key"`
	MinIOSecretKey    string        `yaml:"minio_secret_key"`
	MinIOBucket       string        `yaml:"minio_bucket"`
	MinIOUseSSL       bool          `yaml:"minio_use_ssl"`
	InitialCredits    float64       `yaml:"initial_credits"`
	// SubmitRatePerMinute and SubmitBurst bound task submissions per owner.
	SubmitRatePerMinute float64 `yaml:"submit_rate_per_minute"`
	SubmitBurst         int     `yaml:"submit_burst"`
	Tracing             Tracing `yaml:"tracing"`
}

// Load reads the environment and overlays P2PNET_CONFIG_FILE when set.
func Load() (Config, error) {
	cfg := FromEnv()
	path := strings.TrimSpace(os.Getenv("P2PNET_CONFIG_FILE"))
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func FromEnv() Config {
	artifactRoot := getenv("P2PNET_ARTIFACT_ROOT", "/tmp/p2pnet-artifacts")
	return Config{
		NodeID:              getenv("P2PNET_NODE_ID", ""),
		Role:                getenv("P2PNET_ROLE", "hybrid"),
		HTTPAddr:            getenv("P2PNET_HTTP_ADDR", ":8080"),
		GRPCAddr:            getenv("P2PNET_GRPC_ADDR", ":7070"),
		Peers:               parsePeers(getenv("P2PNET_PEERS", "")),
		Workers:             splitList(getenv("P2PNET_WORKERS", "")),
		Coordinator:         getenv("P2PNET_COORDINATOR", ""),
		MaxParallelJobs:     getenvInt("P2PNET_MAX_PARALLEL_JOBS", 4),
		MaxAttempts:         getenvInt("P2PNET_MAX_ATTEMPTS", 0),
		HeartbeatInterval:   time.Duration(getenvInt("P2PNET_HEARTBEAT_SECONDS", 5)) * time.Second,
		RetryDelay:          time.Duration(getenvInt("P2PNET_RETRY_DELAY_MILLIS", 1000)) * time.Millisecond,
		SandboxRoot:         getenv("P2PNET_SANDBOX_ROOT", artifactRoot+"/sandbox"),
		SandboxTimeout:      time.Duration(getenvInt("P2PNET_SANDBOX_TIMEOUT_SECONDS", 30)) * time.Second,
		Interpreter:         getenv("P2PNET_INTERPRETER", "python3"),
		ArtifactBackend:     getenv("P2PNET_ARTIFACT_BACKEND", "local"),
		ArtifactRoot:        artifactRoot,
		MinIOEndpoint:       getenv("P2PNET_MINIO_ENDPOINT", ""),
		MinIOAccessKey:      getenv("P2PNET_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:      getenv("P2PNET_MINIO_SECRET_KEY", ""),
		MinIOBucket:         getenv("P2PNET_MINIO_BUCKET", "p2pnet-artifacts"),
		MinIOUseSSL:         getenvBool("P2PNET_MINIO_USE_SSL", false),
		InitialCredits:      getenvFloat("P2PNET_INITIAL_CREDITS", 0),
		SubmitRatePerMinute: getenvFloat("P2PNET_SUBMIT_RATE_PER_MIN", 600),
		SubmitBurst:         getenvInt("P2PNET_SUBMIT_BURST", 20),
		Tracing: Tracing{
			Exporter:    getenv("P2PNET_OTEL_EXPORTER", "none"),
			Endpoint:    getenv("P2PNET_OTEL_ENDPOINT", ""),
			Insecure:    getenvBool("P2PNET_OTEL_INSECURE", true),
			SampleRatio: getenvFloat("P2PNET_OTEL_SAMPLE_RATIO", 1),
		},
	}
}

// parsePeers reads "id=host:port,id2=host:port".
func parsePeers(v string) []Peer {
	var out []Peer
	for _, item := range splitList(v) {
		id, addr, ok := strings.Cut(item, "=")
		if !ok || id == "" || addr == "" {
			continue
		}
		out = append(out, Peer{NodeID: strings.TrimSpace(id), Address: strings.TrimSpace(addr)})
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
