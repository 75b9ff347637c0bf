package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a mock implementation of the BlobStore interface for testing.
type MockBlobStore struct {
	mock.Mock
}

// PutObject is the mock implementation of the PutObject method.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// GetObject is the mock implementation of the GetObject method.
func (m *MockBlobStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	args := m.Called(ctx, path)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1) //nolint:wrapcheck
	}
	return nil, args.Error(1) //nolint:wrapcheck
}
