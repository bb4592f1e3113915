package sink

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "feedflow/config"
	"feedflow/internal/dumper"
	"feedflow/internal/metadata"
	"feedflow/logger"
)

// Uploader ships finalized partition files to S3 and records them in the
// Iceberg-style table metadata. Uploads run asynchronously so a slow bucket
// never blocks a partition flush.
type Uploader struct {
	client  *s3.Client
	cfg     appconfig.S3Config
	root    string
	version string
	metaGen *metadata.Generator
	wg      sync.WaitGroup
	log     *logger.Entry
}

// NewUploader builds an S3 client from the storage configuration and
// validates that credentials resolve before ingestion starts.
func NewUploader(cfg appconfig.S3Config, root, version string, gen *metadata.Generator) (*Uploader, error) {
	log := logger.GetLogger().WithComponent("s3_uploader")
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 uploader initialized")

	return &Uploader{
		client:  client,
		cfg:     cfg,
		root:    root,
		version: version,
		metaGen: gen,
		log:     log,
	}, nil
}

// OnFinalize is the dumper pool's finalize hook.
func (u *Uploader) OnFinalize(info dumper.FileInfo) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.upload(info)
	}()
}

// Wait blocks until in-flight uploads complete. Called during shutdown
// after every partition is closed.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) upload(info dumper.FileInfo) {
	log := u.log.WithFields(logger.Fields{
		"path":       info.Path,
		"event_type": string(info.Kind),
		"exchange":   info.Exchange,
		"symbol":     info.Symbol,
	})

	key, err := u.objectKey(info.Path)
	if err != nil {
		log.WithError(err).Error("cannot derive object key")
		return
	}
	data, err := os.ReadFile(info.Path)
	if err != nil {
		log.WithError(err).Error("cannot read finalized file")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"feedflow-version": u.version,
		},
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": u.cfg.Bucket,
			"s3_key": key,
		}).Error("failed to upload to S3")
		return
	}

	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
		"rows":      info.Rows,
	}).Info("partition file uploaded")

	df := metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: info.Rows,
		Partition: map[string]any{
			"event_type": string(info.Kind),
			"exchange":   info.Exchange,
			"symbol":     info.Symbol,
			"dt":         info.Date,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := u.metaGen.AddFile(df); err != nil {
		log.WithError(err).Warn("failed to update table metadata")
	}
}

// objectKey maps a local partition path onto the bucket, keeping the
// partition directory layout under the configured prefix.
func (u *Uploader) objectKey(path string) (string, error) {
	rel, err := filepath.Rel(u.root, path)
	if err != nil {
		return "", fmt.Errorf("path %s outside writer root %s: %w", path, u.root, err)
	}
	if u.cfg.Prefix != "" {
		rel = filepath.Join(u.cfg.Prefix, rel)
	}
	return filepath.ToSlash(rel), nil
}
