// Package archive copies finished stream directories to S3-compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Bucket string
	Region string
	// Prefix is prepended to every key (no leading slash).
	Prefix string
	// Endpoint targets an S3-compatible service (MinIO, R2); empty means AWS.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// PathStyle forces bucket-in-path addressing; most S3-compatible services need it.
	PathStyle bool
}

// LoadS3Config reads ARCHIVE_S3_* variables; AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY are
// used when the archive-specific keys are empty.
func LoadS3Config() S3Config {
	cfg := S3Config{
		Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
		Region:          os.Getenv("ARCHIVE_S3_REGION"),
		Prefix:          strings.Trim(os.Getenv("ARCHIVE_S3_PREFIX"), "/"),
		Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
		PathStyle:       os.Getenv("ARCHIVE_S3_PATH_STYLE") == "1",
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		cfg.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
		cfg.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return cfg
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// S3 uploads stream directories.
type S3 struct {
	uploader *manager.Uploader
	cfg      S3Config
	log      *slog.Logger
}

// NewS3 creates an S3 client using static credentials when configured, else the default chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket required")
	}
	logger := slog.Default().With(slog.String("component", "archive"))
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
	} else {
		logger.Warn("S3 archive using default credential chain (no access key configured)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	logger.Info("S3 archive configured", slog.String("bucket", cfg.Bucket), slog.String("region", cfg.Region), slog.String("prefix", cfg.Prefix))
	return &S3{
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 8 * 1024 * 1024 // event logs of long streams run to hundreds of MB
		}),
		cfg: cfg,
		log: logger,
	}, nil
}

// Key returns the object key for file name of the stream directory dir:
// <prefix>/<YYYY-MM-DD>/<HHMMSS>_<stream_id>/<name>.
func (s *S3) Key(dir, name string) string {
	return path.Join(s.cfg.Prefix, filepath.Base(filepath.Dir(dir)), filepath.Base(dir), name)
}

// ArchiveDir uploads every regular file in dir, skipping temp files, and returns the number uploaded.
func (s *S3) ArchiveDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	uploaded := 0
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		if err := s.upload(ctx, filepath.Join(dir, name), s.Key(dir, name)); err != nil {
			return uploaded, err
		}
		uploaded++
	}
	s.log.Debug("stream directory archived", slog.String("dir", dir), slog.Int("files", uploaded))
	return uploaded, nil
}

func (s *S3) upload(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(ContentTypeForFilename(file)),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// ContentTypeForFilename returns the MIME type for an artifact filename extension.
func ContentTypeForFilename(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
