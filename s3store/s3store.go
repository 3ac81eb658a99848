// Package s3store implements bingest's durable storage contract on an S3
// bucket, for deployments where uploaded files must not land on local
// disk. Destination paths become object keys under a configured prefix.
package s3store

import (
	"context"
	"io"
	stdpath "path"
	"path/filepath"
	"strings"

	"github.com/advdv/bingest"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
)

// Config holds the bucket targeting options.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses the default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// such as R2 or MinIO. Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain), required by most S3-compatible providers.
	UsePathStyle bool
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return errors.New("s3store: bucket is required")
	}

	return nil
}

// Store implements [bingest.Store] on an S3 bucket.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// New inits a store on an existing client.
func New(client *s3.Client, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// NewFromDefaultConfig inits a store using the AWS SDK default credential
// chain (env vars, shared config, IAM role).
func NewFromDefaultConfig(ctx context.Context, cfg Config) (*Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, clientOpts...), cfg)
}

// EnsureDir implements [bingest.Store]. S3 has no directories, keys under
// a prefix need no creation step.
func (s *Store) EnsureDir(context.Context, string) error { return nil }

// Write implements [bingest.Store] with a streamed multipart upload. A
// failed or cancelled upload is aborted by the transfer manager, so no
// partial object is left behind.
func (s *Store) Write(ctx context.Context, path string, r io.Reader) (int64, error) {
	body := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   body,
	})
	if err != nil {
		return body.n, errors.Wrapf(err, "put object %q", s.key(path))
	}

	return body.n, nil
}

// Remove implements [bingest.Store]. S3 deletes are idempotent: removing
// a key that does not exist succeeds.
func (s *Store) Remove(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return errors.Wrapf(err, "delete object %q", s.key(path))
	}

	return nil
}

// key turns a destination path into an object key under the prefix.
func (s *Store) key(path string) string {
	return strings.TrimPrefix(stdpath.Join(s.prefix, filepath.ToSlash(path)), "/")
}

var _ bingest.Store = (*Store)(nil)

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}
