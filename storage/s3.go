package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/task"
)

// deleteBatch is the DeleteObjects per-request limit
const deleteBatch = 1000

// s3API is the subset of the S3 client the backend uses
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Backend stores each namespace under the "<ref>/" prefix of one bucket
type S3Backend struct {
	logger    *zap.Logger
	bucket    string
	client    s3API
	presigner presignAPI
}

// S3BackendOption defines a functional option for S3Backend
type S3BackendOption func(*S3Backend)

// WithS3Client replaces the S3 client
func WithS3Client(client s3API) S3BackendOption {
	return func(b *S3Backend) {
		b.client = client
	}
}

// WithS3Presigner replaces the presign client
func WithS3Presigner(p presignAPI) S3BackendOption {
	return func(b *S3Backend) {
		b.presigner = p
	}
}

// NewS3Backend builds the client from the default AWS chain, overridden by
// static credentials, region and endpoint when configured
func NewS3Backend(ctx context.Context, logger *zap.Logger, cfg config.S3Config, opts ...S3BackendOption) (*S3Backend, error) {
	b := &S3Backend{logger: logger, bucket: cfg.Bucket}
	for _, opt := range opts {
		opt(b)
	}
	if b.client != nil {
		return b, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	b.client = client
	if b.presigner == nil {
		b.presigner = s3.NewPresignClient(client)
	}
	return b, nil
}

// Name returns the backend name
func (*S3Backend) Name() string { return "s3" }

func prefix(ref string) (string, error) {
	if err := task.ValidateSessionID(ref); err != nil {
		return "", err
	}
	return ref + "/", nil
}

func key(ref, relPath string) (string, error) {
	p, err := prefix(ref)
	if err != nil {
		return "", err
	}
	cleaned, err := CleanPath(relPath)
	if err != nil {
		return "", err
	}
	return p + cleaned, nil
}

// EnsureNamespace validates ref; object-store prefixes exist implicitly
func (*S3Backend) EnsureNamespace(_ context.Context, ref string) error {
	_, err := prefix(ref)
	return err
}

// WriteFile uploads data to the object at relPath
func (b *S3Backend) WriteFile(ctx context.Context, ref, relPath string, data []byte) error {
	k, err := key(ref, relPath)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(k),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", k, err)
	}
	return nil
}

// ReadFile downloads the object at relPath; a missing key wraps os.ErrNotExist
func (b *S3Backend) ReadFile(ctx context.Context, ref, relPath string) ([]byte, error) {
	k, err := key(ref, relPath)
	if err != nil {
		return nil, err
	}
	return b.get(ctx, k)
}

func (b *S3Backend) get(ctx context.Context, k string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("object %s: %w", k, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to download %s: %w", k, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", k, err)
	}
	return data, nil
}

func (b *S3Backend) keys(ctx context.Context, ref string) ([]string, error) {
	p, err := prefix(ref)
	if err != nil {
		return nil, err
	}

	var keys []string
	pager := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(p),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", p, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// RemoveTree deletes every object under the namespace prefix
func (b *S3Backend) RemoveTree(ctx context.Context, ref string) error {
	keys, err := b.keys(ctx, ref)
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects under %s/: %w", ref, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("failed to delete %d objects under %s/, first %s: %s",
				len(out.Errors), ref, aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}

	b.logger.Debug("removed namespace", zap.String("session_id", ref), zap.Int("objects", len(keys)))
	return nil
}

// Materialize downloads every object of the namespace into dir
func (b *S3Backend) Materialize(ctx context.Context, ref string, fs afero.Fs, dir string) (int, error) {
	keys, err := b.keys(ctx, ref)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, k := range keys {
		rel := strings.TrimPrefix(k, ref+"/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		cleaned, err := CleanPath(rel)
		if err != nil {
			b.logger.Warn("skipping object with unsafe key", zap.String("key", k))
			continue
		}
		data, err := b.get(ctx, k)
		if err != nil {
			return written, err
		}
		target := path.Join(dir, cleaned)
		if err := fs.MkdirAll(path.Dir(target), dirPermission); err != nil {
			return written, fmt.Errorf("failed to create %s: %w", path.Dir(target), err)
		}
		if err := afero.WriteFile(fs, target, data, filePermission); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", target, err)
		}
		written++
	}
	return written, nil
}

// DownloadURL returns a presigned GET URL for relPath
func (b *S3Backend) DownloadURL(ctx context.Context, ref, relPath string, ttl time.Duration) (string, error) {
	if b.presigner == nil {
		return "", errors.New("presigning is not configured")
	}
	k, err := key(ref, relPath)
	if err != nil {
		return "", err
	}
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(k),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", k, err)
	}
	return req.URL, nil
}
