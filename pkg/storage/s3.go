package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/novelhub/pkg/plugins"
)

var tracer = otel.Tracer("github.com/platinummonkey/novelhub/pkg/storage")

// s3API is the subset of *s3.Client the mirror uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// modeKey is the object metadata entry that carries a unit file's permissions.
const modeKey = "mode"

// S3Mirror implements plugins.UnitMirror on an S3 bucket. Unit files live
// under <prefix><kind>/<name>/<path>.
type S3Mirror struct {
	client s3API
	bucket string
	prefix string
	log    *logrus.Logger
}

// NewS3Mirror creates a mirror on cfg.S3Bucket, creating the bucket if it
// does not exist.
func NewS3Mirror(ctx context.Context, cfg Config, log *logrus.Logger) (*S3Mirror, error) {
	var awsConfig aws.Config
	var err error

	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Use static credentials (for MinIO or AWS with explicit keys)
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.S3Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		// Use default credential chain (IAM roles, env vars, etc.)
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	if err := createBucketIfNotExists(ctx, client, cfg.S3Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return newS3Mirror(client, cfg.S3Bucket, cfg.S3Prefix, log), nil
}

func newS3Mirror(client s3API, bucket, prefix string, log *logrus.Logger) *S3Mirror {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix, log: log}
}

func (m *S3Mirror) kindPrefix(kind plugins.Kind) string {
	return m.prefix + string(kind) + "/"
}

// Upload implements plugins.UnitMirror.Upload.
func (m *S3Mirror) Upload(ctx context.Context, kind plugins.Kind, name, dir string) error {
	ctx, span := tracer.Start(ctx, "S3Mirror.Upload", trace.WithAttributes(
		attribute.String("s3.bucket", m.bucket),
		attribute.String("plugin.kind", string(kind)),
		attribute.String("plugin.name", name),
	))
	defer span.End()

	files := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		key := m.kindPrefix(kind) + name + "/" + filepath.ToSlash(rel)
		_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(m.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			Metadata:      map[string]string{modeKey: strconv.FormatUint(uint64(info.Mode().Perm()), 8)},
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
		files++
		return nil
	})
	span.SetAttributes(attribute.Int("unit.files", files))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return err
	}

	m.log.WithFields(logrus.Fields{"kind": kind, "plugin": name, "files": files}).Debug("Unit mirrored to S3")
	return nil
}

// Sync implements plugins.UnitMirror.Sync. Files already present locally
// with the same size and a newer modification time are left alone.
func (m *S3Mirror) Sync(ctx context.Context, kind plugins.Kind, root string) error {
	ctx, span := tracer.Start(ctx, "S3Mirror.Sync", trace.WithAttributes(
		attribute.String("s3.bucket", m.bucket),
		attribute.String("plugin.kind", string(kind)),
	))
	defer span.End()

	prefix := m.kindPrefix(kind)
	pager := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})

	fetched := 0
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list failed")
			return fmt.Errorf("failed to list s3 units: %w", err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if !strings.Contains(rel, "/") || !filepath.IsLocal(filepath.FromSlash(rel)) {
				m.log.WithField("key", aws.ToString(obj.Key)).Warn("Skipping malformed unit object")
				continue
			}
			local := filepath.Join(root, string(kind), filepath.FromSlash(rel))
			if upToDate(local, obj) {
				continue
			}
			if err := m.fetch(ctx, aws.ToString(obj.Key), local); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "download failed")
				return err
			}
			fetched++
		}
	}

	span.SetAttributes(attribute.Int("unit.files_fetched", fetched))
	if fetched > 0 {
		m.log.WithFields(logrus.Fields{"kind": kind, "files": fetched}).Info("Synced units from S3")
	}
	return nil
}

func (m *S3Mirror) fetch(ctx context.Context, key, local string) error {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer out.Body.Close()

	mode := os.FileMode(0644)
	if s, ok := out.Metadata[modeKey]; ok {
		if v, err := strconv.ParseUint(s, 8, 32); err == nil {
			mode = os.FileMode(v).Perm()
		}
	}

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".incoming-"+path.Base(key)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", local, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), local)
}

// HealthCheck verifies S3 connectivity
func (m *S3Mirror) HealthCheck(ctx context.Context) error {
	if _, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func upToDate(local string, obj types.Object) bool {
	info, err := os.Stat(local)
	if err != nil {
		return false
	}
	if obj.Size != nil && info.Size() != *obj.Size {
		return false
	}
	return obj.LastModified == nil || !info.ModTime().Before(*obj.LastModified)
}

func createBucketIfNotExists(ctx context.Context, client s3API, bucket string) error {
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return nil
	}

	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if err != nil && !errors.As(err, &owned) && !errors.As(err, &exists) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
