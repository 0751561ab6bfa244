package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ari3lYT/p2pnet/internal/config"
)

// Store persists task reports as output.json artifacts.
type Store interface {
	Put(ctx context.Context, taskID string, report any) (string, error)
}

func New(cfg config.Config) (Store, error) {
	local := &Local{Root: cfg.ArtifactRoot}
	switch strings.ToLower(strings.TrimSpace(cfg.ArtifactBackend)) {
	case "", "local":
		return local, nil
	case "minio":
		return NewMinIO(local, MinIOOptions{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.ArtifactBackend)
	}
}

type Local struct {
	Root string
}

func (l *Local) Put(_ context.Context, taskID string, report any) (string, error) {
	if _, err := l.write(taskID, report); err != nil {
		return "", err
	}
	return fmt.Sprintf("artifact://%s/output.json", taskID), nil
}

func (l *Local) write(taskID string, report any) (string, error) {
	if strings.TrimSpace(taskID) == "" || strings.ContainsAny(taskID, `/\`) || taskID == ".." {
		return "", fmt.Errorf("invalid task id %q for artifact", taskID)
	}
	path := filepath.Join(l.Root, taskID, "output.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// LocalPath maps a local artifact URI back to its file.
func LocalPath(root, uri string) (string, bool) {
	const prefix = "artifact://"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	trimmed := strings.TrimPrefix(uri, prefix)
	if strings.HasPrefix(trimmed, "s3/") {
		return "", false
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", false
	}
	return filepath.Join(root, parts[0], "output.json"), true
}
