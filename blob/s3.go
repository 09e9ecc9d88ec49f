package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ade-io/ade/iox"
)

// S3Config holds configuration for the object-store backend.
type S3Config struct {
	// Bucket is the bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
	// RequireVersionID makes uploads fail with ErrVersionRequired when the
	// bucket does not return a version id (unversioned buckets).
	RequireVersionID bool
}

// Validate checks that required configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// S3 is an object-store backed Store.
type S3 struct {
	client *s3.Client
	config S3Config
}

// NewS3 creates an object-store backend using the AWS SDK default credential
// chain (env vars, shared config, IAM role).
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3{client: s3.NewFromConfig(awsCfg, s3Opts...), config: cfg}, nil
}

// key prefixes the blob name with the configured key prefix.
func (s *S3) key(name string) string {
	if s.config.Prefix == "" {
		return name
	}
	return path.Join(s.config.Prefix, name)
}

// EnsureContainer creates the bucket if it does not exist.
func (s *S3) EnsureContainer(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.config.Bucket})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &s.config.Bucket})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.config.Bucket, err)
	}
	return nil
}

// UploadStream implements Store. The payload is spooled to a temp file so
// the byte cap and sha256 are computed before the PutObject round-trip;
// the spool also gives the SDK a seekable body.
func (s *S3) UploadStream(ctx context.Context, name string, r io.Reader, maxBytes int64) (*UploadResult, error) {
	spool, err := os.CreateTemp("", "ade-s3-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload spool: %w", err)
	}
	spoolName := spool.Name()
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spoolName)
	}()

	hasher := sha256.New()
	capped := &capReader{r: r, limit: maxBytes}
	n, err := io.Copy(io.MultiWriter(spool, hasher), capped)
	if err != nil {
		return nil, err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool: %w", err)
	}

	key := s.key(name)
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.config.Bucket,
		Key:    &key,
		Body:   spool,
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}

	result := &UploadResult{
		BlobName: name,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		ByteSize: n,
	}
	if out.VersionId != nil {
		result.VersionID = *out.VersionId
	}
	if s.config.RequireVersionID && result.VersionID == "" {
		return nil, fmt.Errorf("%w: bucket %s", ErrVersionRequired, s.config.Bucket)
	}
	return result, nil
}

// UploadPath implements Store.
func (s *S3) UploadPath(ctx context.Context, name, filePath string, maxBytes int64) (*UploadResult, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer iox.DiscardClose(f)
	return s.UploadStream(ctx, name, f, maxBytes)
}

// Stream implements Store.
func (s *S3) Stream(ctx context.Context, name, versionID string) (io.ReadCloser, error) {
	key := s.key(name)
	in := &s3.GetObjectInput{Bucket: &s.config.Bucket, Key: &key}
	if versionID != "" {
		in.VersionId = &versionID
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

// DownloadToPath implements Store.
func (s *S3) DownloadToPath(ctx context.Context, name, versionID, filePath string) error {
	rc, err := s.Stream(ctx, name, versionID)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(rc)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp download: %w", err)
	}
	tmpName := tmp.Name()
	_, err = io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(p string) (bucket, prefix string) {
	parts := strings.SplitN(p, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// Verify S3 implements Store.
var _ Store = (*S3)(nil)
