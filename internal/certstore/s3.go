package certstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

const (
	bundleContentType = "application/x-pkcs12"
	notAfterMetaKey   = "not-after"
)

// S3Client is the subset of the S3 API used by S3Store, kept narrow so
// tests can substitute an in-memory fake.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps PKCS#12 bundles in an S3 bucket. The certificate's NotAfter
// rides along as object metadata so the renewal decision only needs a HEAD
// request, never a download or a bundle parse.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

// Config configures the S3-backed certificate store.
type Config struct {
	Bucket string `env:"CERTFOUNDRY_CERT_BUCKET"`
	Region string `env:"CERTFOUNDRY_CERT_BUCKET_REGION"`
	Prefix string `env:"CERTFOUNDRY_CERT_PREFIX" envDefault:"certificates/"`
}

// NewS3Store wraps an existing S3 client.
func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// NewS3StoreFromConfig builds the store using the ambient AWS credential
// chain.
func NewS3StoreFromConfig(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("certificate store requires a bucket name")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

func (s *S3Store) key(name string) string {
	return s.prefix + name + ".p12"
}

func (s *S3Store) Metadata(ctx context.Context, name string) (*Metadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrNotFound
		}
		logger.Error("failed to read certificate metadata",
			zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("reading metadata for %q: %w", name, err)
	}

	notAfter, err := time.Parse(time.RFC3339, out.Metadata[notAfterMetaKey])
	if err != nil {
		return nil, fmt.Errorf("certificate %q has unparseable %s metadata: %w", name, notAfterMetaKey, err)
	}
	return &Metadata{Name: name, NotAfter: notAfter}, nil
}

func (s *S3Store) Import(ctx context.Context, name string, bundle []byte, notAfter time.Time) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(bundle),
		ContentType: aws.String(bundleContentType),
		Metadata:    map[string]string{notAfterMetaKey: notAfter.UTC().Format(time.RFC3339)},
	})
	if err != nil {
		logger.Error("failed to import certificate bundle",
			zap.String("name", name), zap.Error(err))
		return fmt.Errorf("importing certificate %q: %w", name, err)
	}
	logger.Info("certificate bundle imported",
		zap.String("name", name), zap.Time("not_after", notAfter))
	return nil
}
