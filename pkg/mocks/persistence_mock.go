package mocks

import (
	"context"
	"time"

	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mock implementation of persistence.Transport interface.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, snapshot *models.Snapshot) error {
	args := m.Called(ctx, snapshot)

	return args.Error(0)
}

func (m *MockTransport) Fetch(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	args := m.Called(ctx, sessionID)

	if snapshot, ok := args.Get(0).(*models.Snapshot); ok {
		return snapshot, args.Error(1)
	}

	return nil, args.Error(1)
}

// MockLocalCache is a mock implementation of persistence.LocalCache interface.
type MockLocalCache struct {
	mock.Mock
}

func (m *MockLocalCache) Put(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)

	return args.Error(0)
}

func (m *MockLocalCache) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)

	if value, ok := args.Get(0).([]byte); ok {
		return value, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockLocalCache) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)

	return args.Error(0)
}

func (m *MockLocalCache) Close() error {
	args := m.Called()

	return args.Error(0)
}

// MockSnapshotRepository is a mock implementation of persistence.SnapshotRepository interface.
type MockSnapshotRepository struct {
	mock.Mock
}

func (m *MockSnapshotRepository) Save(ctx context.Context, snapshot *models.Snapshot) (*models.Snapshot, error) {
	args := m.Called(ctx, snapshot)

	if stored, ok := args.Get(0).(*models.Snapshot); ok {
		return stored, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockSnapshotRepository) SnapshotByID(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	args := m.Called(ctx, sessionID)

	if snapshot, ok := args.Get(0).(*models.Snapshot); ok {
		return snapshot, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockSnapshotRepository) Delete(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)

	return args.Error(0)
}

func (m *MockSnapshotRepository) DeleteSavedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)

	removed, _ := args.Get(0).(int64)

	return removed, args.Error(1)
}

func (m *MockSnapshotRepository) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockSnapshotRepository) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
