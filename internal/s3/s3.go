// Package s3 stores audit artifacts in an S3 compatible bucket.
package s3

import (
	"context"
	"fmt"
	"io"
	"path"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lucianasi/C4Audit/internal/dataset"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCSV  = "text/csv"
)

type Client struct {
	mc *minio.Client
}

func New(endpoint, accessKey, secretKey string, useSSL bool) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc}, nil
}

// ReportKey is the object key of an audit's parsed report.
func ReportKey(auditID string) string {
	return path.Join("reports", auditID+".json")
}

// MetricsKey is the object key of an audit's function metrics CSV.
func MetricsKey(auditID string) string {
	return path.Join("metrics", auditID, dataset.FunctionsCSV)
}

// EnsureBucket creates bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	ok, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if ok {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// DownloadToFile replaces filePath with the object only once the whole
// object has been read.
func (c *Client) DownloadToFile(ctx context.Context, bucket, key, filePath string) error {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return err
	}
	defer obj.Close()

	return dataset.WriteAtomic(filePath, func(w io.Writer) error {
		if _, err := io.Copy(w, obj); err != nil {
			return fmt.Errorf("download %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (c *Client) UploadFile(ctx context.Context, bucket, key, filePath string, contentType string) error {
	_, err := c.mc.FPutObject(ctx, bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}
