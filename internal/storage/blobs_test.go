package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensandbox/runbox/pkg/types"
)

// fakeS3 is an in-memory s3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.meta[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(data)),
		Metadata: f.meta[*in.Key],
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestBlobStore_RoundTrip(t *testing.T) {
	store, err := NewBlobStore(newFakeS3(), "bucket")
	if err != nil {
		t.Fatalf("NewBlobStore() error: %v", err)
	}
	ctx := context.Background()

	payload := bytes.Repeat([]byte("sandbox output "), 1000)
	if err := store.Put(ctx, "sess", "file1", "result.csv", payload); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	data, name, err := store.Get(ctx, "sess", "file1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("blob contents corrupted through compression round trip")
	}
	if name != "result.csv" {
		t.Errorf("filename metadata lost, got %q", name)
	}
}

func TestBlobStore_CompressesAtRest(t *testing.T) {
	fake := newFakeS3()
	store, err := NewBlobStore(fake, "bucket")
	if err != nil {
		t.Fatalf("NewBlobStore() error: %v", err)
	}

	payload := bytes.Repeat([]byte("aaaaaaaa"), 10000)
	if err := store.Put(context.Background(), "sess", "file1", "big.txt", payload); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	stored := fake.objects["files/sess/file1"]
	if len(stored) >= len(payload) {
		t.Errorf("stored blob not compressed: %d >= %d", len(stored), len(payload))
	}
}

func TestBlobStore_MissingBlob(t *testing.T) {
	store, err := NewBlobStore(newFakeS3(), "bucket")
	if err != nil {
		t.Fatalf("NewBlobStore() error: %v", err)
	}
	_, _, err = store.Get(context.Background(), "sess", "nope")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBlobStore_Delete(t *testing.T) {
	fake := newFakeS3()
	store, err := NewBlobStore(fake, "bucket")
	if err != nil {
		t.Fatalf("NewBlobStore() error: %v", err)
	}
	ctx := context.Background()

	store.Put(ctx, "sess", "file1", "x", []byte("data"))
	if err := store.Delete(ctx, "sess", "file1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, _, err := store.Get(ctx, "sess", "file1"); !errors.Is(err, types.ErrNotFound) {
		t.Error("blob must be gone after delete")
	}
}
