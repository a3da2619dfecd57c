// Package blobstore defines the port for key-addressed durable blob
// storage. The archive service treats the backend abstractly; any
// provider's wire format stays behind this interface.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the port interface for blob storage.
type Store interface {
	// Put streams r to the given key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get returns a reader for the object at key, or ErrNotFound.
	// The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
}
