package modelstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Store keeps the bundle as a single S3 object. A PutObject replaces the
// object in one step, so readers see either the old or the new bundle.
type S3Store struct {
	client s3iface.S3API
	bucket string
	key    string
}

// NewS3Store returns a store backed by client.
func NewS3Store(client s3iface.S3API, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key}
}

// NewS3StoreFromRegion builds an S3 client from the default credential
// chain.
func NewS3StoreFromRegion(region, bucket, key string) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return NewS3Store(s3.New(sess), bucket, key), nil
}

// Save uploads b.
func (s *S3Store) Save(ctx context.Context, b *Bundle) error {
	data, err := Encode(b)
	if err != nil {
		return err
	}
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("upload model to s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

// Load downloads the bundle, returning ErrModelNotFound if the object is
// absent.
func (s *S3Store) Load(ctx context.Context) (*Bundle, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrModelNotFound, s.bucket, s.key)
		}
		return nil, fmt.Errorf("download model from s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return Decode(data)
}
