package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensandbox/runbox/pkg/types"
)

const archivePrefix = "state-archive/"

// s3API is the slice of the S3 client the cold tier uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Tier is the cold tier: archived state blobs under a shared prefix.
// Expiry is handled by a bucket lifecycle rule, not by this code.
type S3Tier struct {
	client s3API
	bucket string
}

func NewS3Tier(client s3API, bucket string) *S3Tier {
	return &S3Tier{client: client, bucket: bucket}
}

// Put archives a state blob.
func (s *S3Tier) Put(ctx context.Context, sessionID string, blob []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(archivePrefix + sessionID),
		Body:   bytes.NewReader(blob),
	})
	if err != nil {
		return fmt.Errorf("%w: archive put: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// Get returns an archived state blob, or ErrNotFound.
func (s *S3Tier) Get(ctx context.Context, sessionID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(archivePrefix + sessionID),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("%w: archive get: %v", types.ErrStorageUnavailable, err)
	}
	defer out.Body.Close()

	blob, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: archive read: %v", types.ErrStorageUnavailable, err)
	}
	return blob, nil
}

// Delete removes an archived state blob. Missing keys are not an error.
func (s *S3Tier) Delete(ctx context.Context, sessionID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(archivePrefix + sessionID),
	})
	if err != nil {
		return fmt.Errorf("%w: archive delete: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}
