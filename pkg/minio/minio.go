package minio

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"pledgerun/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("minio.client",
	fx.Provide(registerClient, NewArchiver),
)

// Archiver keeps a copy of raw inbound payloads.
type Archiver interface {
	Archive(ctx context.Context, source, key string, body []byte) (string, error)
}

// registerClient returns nil when no endpoint is configured.
func registerClient(c *config.Config) (*minio.Client, error) {
	if c.Minio.Endpoint == "" {
		zap.L().Info("MinIO endpoint not configured, payload archiving disabled")
		return nil, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, c.Minio.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", c.Minio.BucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, c.Minio.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", c.Minio.BucketName, err)
		}
	}

	zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.String("bucket", c.Minio.BucketName))
	return client, nil
}

type archiver struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

type ArchiverParams struct {
	fx.In
	Config *config.Config
	Client *minio.Client `optional:"true"`
}

func NewArchiver(p ArchiverParams) Archiver {
	if p.Client == nil {
		return Nop{}
	}
	return &archiver{client: p.Client, bucket: p.Config.Minio.BucketName, now: time.Now}
}

// Archive stores body under {source}/{yyyy}/{mm}/{dd}/{key}.json and returns the object name.
func (a *archiver) Archive(ctx context.Context, source, key string, body []byte) (string, error) {
	object := ObjectName(source, key, a.now())
	_, err := a.client.PutObject(ctx, a.bucket, object, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}
	return object, nil
}

func ObjectName(source, key string, at time.Time) string {
	at = at.UTC()
	return path.Join(source, at.Format("2006"), at.Format("01"), at.Format("02"), key+".json")
}

// Nop discards payloads.
type Nop struct{}

func (Nop) Archive(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
