// Package storage holds uploaded session files and execution outputs in
// S3, zstd-compressed at rest.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/runbox/pkg/types"
)

const filePrefix = "files/"

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// BlobStore stores file blobs under files/{sessionID}/{fileID}.
type BlobStore struct {
	client  s3API
	bucket  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBlobStore builds a store around an S3 client. The zstd coders are
// shared; both are safe for concurrent use via their stateless APIs.
func NewBlobStore(client s3API, bucket string) (*BlobStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &BlobStore{client: client, bucket: bucket, encoder: enc, decoder: dec}, nil
}

func blobKey(sessionID, fileID string) string {
	return filePrefix + sessionID + "/" + fileID
}

// Put compresses and stores a blob. The original filename travels as
// object metadata so downloads can restore it.
func (b *BlobStore) Put(ctx context.Context, sessionID, fileID, filename string, data []byte) error {
	compressed := b.encoder.EncodeAll(data, nil)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(blobKey(sessionID, fileID)),
		Body:     bytes.NewReader(compressed),
		Metadata: map[string]string{"filename": filename},
	})
	if err != nil {
		return fmt.Errorf("%w: blob put: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// Get returns a blob's contents and original filename.
func (b *BlobStore) Get(ctx context.Context, sessionID, fileID string) ([]byte, string, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(blobKey(sessionID, fileID)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", types.ErrNotFound
		}
		return nil, "", fmt.Errorf("%w: blob get: %v", types.ErrStorageUnavailable, err)
	}
	defer out.Body.Close()

	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: blob read: %v", types.ErrStorageUnavailable, err)
	}
	data, err := b.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, "", fmt.Errorf("decompress blob: %w", err)
	}
	return data, out.Metadata["filename"], nil
}

// Delete removes a blob.
func (b *BlobStore) Delete(ctx context.Context, sessionID, fileID string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(blobKey(sessionID, fileID)),
	})
	if err != nil {
		return fmt.Errorf("%w: blob delete: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}
