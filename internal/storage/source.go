// Package storage provides the object sources asset tables are read from.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("object not found")

// Source is a read-only object store.
type Source interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Name() string
}
