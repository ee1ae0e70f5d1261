package s3

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	client *minio.Client
}

func NewMinioClient(endpoint, accessKey, secretKey string, secure bool) (*Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{client: client}, nil
}

// EnsureBucketExists создаёт бакет, если его ещё нет
func (c *Client) EnsureBucketExists(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}

	if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// UploadFile загружает локальный файл в бакет под именем object
func (c *Client) UploadFile(ctx context.Context, bucket, object, path string) error {
	_, err := c.client.FPutObject(ctx, bucket, object, path, minio.PutObjectOptions{
		ContentType: contentType(path),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to %s/%s: %w", path, bucket, object, err)
	}
	return nil
}

// CountFilesInFolder возвращает количество файлов в указанной папке бакета
func (c *Client) CountFilesInFolder(ctx context.Context, bucket, folderPath string) (int, error) {
	count := 0
	objectCh := c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    folderPath,
		Recursive: true,
	})

	for object := range objectCh {
		if object.Err != nil {
			return 0, fmt.Errorf("error listing objects: %w", object.Err)
		}

		// Пропускаем саму папку (если она есть в списке)
		if strings.HasSuffix(object.Key, "/") {
			continue
		}

		count++
	}

	return count, nil
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
