// Package s3store implements the asset store over an S3 bucket, for
// deployments where several machines share one asset pool.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lockstep-sync/lockstep/internal/assets"
)

// api is the slice of the S3 client the store consumes. *s3.Client
// satisfies it; tests substitute a stub.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store keeps assets as objects in one bucket under an optional key
// prefix.
type Store struct {
	client api
	bucket string
	prefix string
}

// Option adjusts store construction.
type Option func(*Store)

// WithPrefix namespaces every object key under prefix + "/".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New returns a store over an existing S3 client.
func New(client *s3.Client, bucket string, opts ...Option) (*Store, error) {
	return newStore(client, bucket, opts...)
}

func newStore(client api, bucket string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	s := &Store{client: client, bucket: bucket}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Load builds a store using the default AWS credential chain.
func Load(ctx context.Context, bucket, region string, opts ...Option) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if region != "" {
		cfg.Region = region
	}
	return newStore(s3.NewFromConfig(cfg), bucket, opts...)
}

func (s *Store) key(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("asset key is required")
	}
	if s.prefix != "" {
		return s.prefix + "/" + key, nil
	}
	return key, nil
}

// Put implements assets.Store.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to put asset %s: %w", key, err)
	}
	return nil
}

// Open implements assets.Store.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.key(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, assets.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get asset %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete implements assets.Store. S3 DeleteObject succeeds for missing
// keys, which matches the contract.
func (s *Store) Delete(ctx context.Context, key string) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return fmt.Errorf("failed to delete asset %s: %w", key, err)
	}
	return nil
}
