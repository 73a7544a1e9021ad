package artifacts

import (
	"context"
	"errors"

	"rubintv/services/backend/internal/models"
)

var (
	ErrNotConfigured = errors.New("object store not configured")
	ErrUnavailable   = errors.New("object store unavailable")
)

// Store is the object-store capability the tracker and archive poll.
// GetObject returns nil bytes and a nil error when the key does not exist.
type Store interface {
	ListObjects(ctx context.Context, prefix string) ([]models.Object, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
	Close() error
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) ListObjects(_ context.Context, _ string) ([]models.Object, error) {
	return nil, ErrNotConfigured
}

func (s *NoopStore) GetObject(_ context.Context, _ string) ([]byte, error) {
	return nil, ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}
