package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/capmesh/errors"
)

// ObjectStore backs external payloads with a JetStream object store bucket.
type ObjectStore struct {
	bucket jetstream.ObjectStore
}

// NewObjectStore creates or opens the named bucket.
func NewObjectStore(ctx context.Context, js jetstream.JetStream, bucketName string) (*ObjectStore, error) {
	bucket, err := js.ObjectStore(ctx, bucketName)
	if err != nil {
		bucket, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      bucketName,
			Description: "external payload storage",
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "ObjectStore", "NewObjectStore",
				fmt.Sprintf("open bucket %s", bucketName))
		}
	}
	return &ObjectStore{bucket: bucket}, nil
}

// Put stores payload bytes under a fresh key.
func (s *ObjectStore) Put(ctx context.Context, data []byte) (string, error) {
	key := uuid.New().String()
	if _, err := s.bucket.Put(ctx, jetstream.ObjectMeta{Name: key}, bytes.NewReader(data)); err != nil {
		return "", errors.WrapTransient(err, "ObjectStore", "Put", "store payload")
	}
	return key, nil
}

// Get resolves a key to its payload bytes.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.bucket.Get(ctx, key)
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectStore", "Get",
			fmt.Sprintf("resolve payload key %s", key))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectStore", "Get", "read payload")
	}
	return data, nil
}
