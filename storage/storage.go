// Package storage persists the artifacts workflows produce: simulation
// data descriptions and other stored outputs, addressed by the
// namespaced keys a workflow assigns them. Values are written with the
// tagged typedjson encoding so they reload as their concrete types.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no artifact exists under a key.
var ErrNotFound = errors.New("storage: key not found")

// Backend stores and retrieves workflow artifacts. StoreData satisfies
// the workflow package's DataStorer contract, so any Backend can be
// attached to a workflow graph directly.
type Backend interface {
	// StoreData persists one artifact and returns its location, a
	// backend specific address recorded in the calculation result.
	StoreData(ctx context.Context, key string, data any) (string, error)
	// RetrieveData loads a previously stored artifact. ErrNotFound is
	// returned when the key is unknown.
	RetrieveData(ctx context.Context, key string) (any, error)
	// HasData reports whether an artifact exists under the key.
	HasData(ctx context.Context, key string) (bool, error)
	// DeleteData removes an artifact. Deleting an unknown key is not an
	// error.
	DeleteData(ctx context.Context, key string) error
	// Close releases the backend's resources.
	Close() error
}
