package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIO writes the artifact locally, then uploads it to a bucket.
type MinIO struct {
	local  *Local
	client *minio.Client
	bucket string
}

func NewMinIO(local *Local, opts MinIOOptions) (*MinIO, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required when P2PNET_ARTIFACT_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "p2pnet-artifacts"
	}
	return &MinIO{local: local, client: client, bucket: bucket}, nil
}

func (m *MinIO) Put(ctx context.Context, taskID string, report any) (string, error) {
	path, err := m.local.write(taskID, report)
	if err != nil {
		return "", err
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	objectName := fmt.Sprintf("%s/output.json", taskID)
	if _, err := m.client.FPutObject(ctx, m.bucket, objectName, path, minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	return fmt.Sprintf("artifact://s3/%s/%s", m.bucket, objectName), nil
}
