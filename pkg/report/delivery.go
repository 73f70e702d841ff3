package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Deliverer ships a finalized report to its destination and returns an
// opaque location string recorded on the report.
type Deliverer interface {
	Deliver(ctx context.Context, reportID string, payload []byte) (string, error)
}

// DelivererType selects the delivery backend.
type DelivererType string

const (
	DelivererFS  DelivererType = "fs"
	DelivererS3  DelivererType = "s3"
	DelivererGCS DelivererType = "gcs"
)

// NewDelivererFromEnv builds a deliverer from environment variables.
//
// Environment variables:
//   - REPORT_DELIVERY_TYPE: "fs" (default), "s3", or "gcs"
//   - REPORT_DIR: base directory for filesystem delivery (default: "reports")
//
// For S3:
//   - REPORT_S3_BUCKET (required)
//   - REPORT_S3_REGION or AWS_REGION
//   - REPORT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - REPORT_S3_PREFIX (optional)
//
// For GCS:
//   - REPORT_GCS_BUCKET (required)
//   - REPORT_GCS_PREFIX (optional)
func NewDelivererFromEnv(ctx context.Context) (Deliverer, error) {
	dt := DelivererType(os.Getenv("REPORT_DELIVERY_TYPE"))
	if dt == "" {
		dt = DelivererFS
	}

	switch dt {
	case DelivererFS:
		dir := os.Getenv("REPORT_DIR")
		if dir == "" {
			dir = "reports"
		}
		return NewFSDeliverer(dir)
	case DelivererS3:
		bucket := os.Getenv("REPORT_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("REPORT_S3_BUCKET is required for S3 delivery")
		}
		region := os.Getenv("REPORT_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Deliverer(ctx, S3DelivererConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("REPORT_S3_ENDPOINT"),
			Prefix:   os.Getenv("REPORT_S3_PREFIX"),
		})
	case DelivererGCS:
		bucket := os.Getenv("REPORT_GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("REPORT_GCS_BUCKET is required for GCS delivery")
		}
		return NewGCSDeliverer(ctx, GCSDelivererConfig{
			Bucket: bucket,
			Prefix: os.Getenv("REPORT_GCS_PREFIX"),
		})
	default:
		return nil, fmt.Errorf("unsupported report delivery type: %s", dt)
	}
}

// objectKey dates report objects so bucket lifecycle rules can expire them
// alongside the analytical tier.
func objectKey(prefix, reportID string, now time.Time) string {
	return fmt.Sprintf("%s%s/%s.json", prefix, now.UTC().Format("2006/01/02"), reportID)
}

// FSDeliverer writes reports to the local filesystem. Intended for
// development and air-gapped deployments.
type FSDeliverer struct {
	dir string
}

func NewFSDeliverer(dir string) (*FSDeliverer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}
	return &FSDeliverer{dir: dir}, nil
}

func (d *FSDeliverer) Deliver(_ context.Context, reportID string, payload []byte) (string, error) {
	path := filepath.Join(d.dir, reportID+".json")
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return "file://" + path, nil
}

// S3Deliverer uploads reports to an S3 bucket.
type S3Deliverer struct {
	client *s3.Client
	bucket string
	prefix string
}

type S3DelivererConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewS3Deliverer(ctx context.Context, cfg S3DelivererConfig) (*S3Deliverer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3Deliverer{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (d *S3Deliverer) Deliver(ctx context.Context, reportID string, payload []byte) (string, error) {
	key := objectKey(d.prefix, reportID, time.Now())

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 report upload failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", d.bucket, key), nil
}

// GCSDeliverer uploads reports to a Google Cloud Storage bucket using
// application default credentials.
type GCSDeliverer struct {
	client *storage.Client
	bucket string
	prefix string
}

type GCSDelivererConfig struct {
	Bucket string
	Prefix string
}

func NewGCSDeliverer(ctx context.Context, cfg GCSDelivererConfig) (*GCSDeliverer, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSDeliverer{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (d *GCSDeliverer) Deliver(ctx context.Context, reportID string, payload []byte) (string, error) {
	key := objectKey(d.prefix, reportID, time.Now())

	w := d.client.Bucket(d.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs report upload failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs report upload failed: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", d.bucket, key), nil
}
