// Package natsobj implements the blob store port using a NATS JetStream
// object store bucket.
package natsobj

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/moru-ai/shadow/internal/port/blobstore"
)

// Store implements blobstore.Store on a JetStream object store bucket.
type Store struct {
	nc  *nats.Conn
	obs jetstream.ObjectStore
}

// Connect establishes a NATS connection and ensures the bucket exists.
func Connect(ctx context.Context, url, bucket string) (*Store, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	obs, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Compression: true,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("object store create: %w", err)
	}

	slog.Info("nats object store ready", "url", url, "bucket", bucket)
	return &Store{nc: nc, obs: obs}, nil
}

// Put streams r to the given key, replacing any existing object.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.obs.Put(ctx, jetstream.ObjectMeta{Name: key}, r)
	if err != nil {
		return fmt.Errorf("blob put %s: %w", key, err)
	}
	return nil
}

// Get returns a reader for the object at key.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	res, err := s.obs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, blobstore.ErrNotFound
		}
		return nil, fmt.Errorf("blob get %s: %w", key, err)
	}
	return res, nil
}

// Delete removes the object at key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.obs.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return fmt.Errorf("blob delete %s: %w", key, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (s *Store) Close() error {
	s.nc.Close()
	return nil
}
