// Package archive copies completed executions to S3-compatible object storage
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/logging"
	"github.com/davidroman0O/orca/pipeline"
)

// Config holds the object store settings
type Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"accessKey" json:"accessKey"`
	SecretKey string `yaml:"secretKey" json:"secretKey"`
	Region    string `yaml:"region" json:"region"`
	UseSSL    bool   `yaml:"useSSL" json:"useSSL"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	// Prefix is prepended to every object key
	Prefix string `yaml:"prefix" json:"prefix"`
}

// Validate checks that the store can be reached with cfg
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Endpoint) == "":
		return errors.New(errors.ErrConfiguration, "archive endpoint is required")
	case strings.Contains(c.Endpoint, "://"):
		return errors.Newf(errors.ErrConfiguration, "archive endpoint must not include scheme: %q", c.Endpoint)
	case strings.TrimSpace(c.AccessKey) == "":
		return errors.New(errors.ErrConfiguration, "archive access key is required")
	case strings.TrimSpace(c.SecretKey) == "":
		return errors.New(errors.ErrConfiguration, "archive secret key is required")
	case strings.TrimSpace(c.Region) == "":
		return errors.New(errors.ErrConfiguration, "archive region is required")
	case strings.TrimSpace(c.Bucket) == "":
		return errors.New(errors.ErrConfiguration, "archive bucket is required")
	}
	return nil
}

// ObjectStore is the part of *minio.Client the archiver needs
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// NewClient connects a MinIO client with static credentials
func NewClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "create object store client")
	}
	return client, nil
}

// MinioArchiver writes each completed execution as one JSON object
type MinioArchiver struct {
	store  ObjectStore
	cfg    Config
	logger logging.Logger
}

// NewMinioArchiver returns an archiver writing to cfg.Bucket through store
func NewMinioArchiver(store ObjectStore, cfg Config, logger logging.Logger) *MinioArchiver {
	return &MinioArchiver{store: store, cfg: cfg, logger: logging.OrDefault(logger)}
}

// EnsureBucket creates the bucket when it does not exist yet
func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return errors.WithOp(errors.Wrap(err, errors.ErrTransient, "check bucket"), "EnsureBucket")
	}
	if exists {
		return nil
	}

	a.logger.Info("Creating archive bucket %s", a.cfg.Bucket)
	if err := a.store.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{Region: a.cfg.Region}); err != nil {
		return errors.WithOp(errors.Wrap(err, errors.ErrTransient, "create bucket"), "EnsureBucket")
	}
	return nil
}

// ObjectKey returns the key an execution is archived under
func (a *MinioArchiver) ObjectKey(exec *pipeline.Execution) string {
	application := exec.Application
	if application == "" {
		application = "_"
	}
	return path.Join(a.cfg.Prefix, "executions", application, exec.ID+".json")
}

// Archive implements scheduler.Archiver
func (a *MinioArchiver) Archive(ctx context.Context, exec *pipeline.Execution) error {
	body, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "encode execution")
	}

	key := a.ObjectKey(exec)
	_, err = a.store.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"status":      string(exec.Status),
			"application": exec.Application,
		},
	})
	if err != nil {
		return errors.WithContext(
			errors.WithOp(errors.Wrap(err, errors.ErrTransient, "put object"), "Archive"),
			map[string]interface{}{"bucket": a.cfg.Bucket, "key": key},
		)
	}

	a.logger.Debug("Archived execution %s to %s/%s", exec.ID, a.cfg.Bucket, key)
	return nil
}
