// Package storage provides the object storage used to stage job chunks
// between the map and load phases of a transform job.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrPutFailed      = errors.New("put failed")
	ErrGetFailed      = errors.New("get failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts object storage operations on whole objects.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Put stores data under objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get returns the content of objectPath or ErrObjectNotFound.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix in lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// DeletePrefix removes every object under prefix.
func DeletePrefix(ctx context.Context, store ObjectStorage, prefix string) error {
	objects, err := store.ListObjects(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := store.Delete(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}
