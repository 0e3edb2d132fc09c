package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockFeedRepository struct {
	mock.Mock
}

func (m *MockFeedRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockFeedRepository) GetFeed(ctx context.Context, key string) (Feed, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(Feed), args.Error(1)
}
func (m *MockFeedRepository) UpsertFeed(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}
func (m *MockFeedRepository) DeleteFeed(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}
func (m *MockFeedRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
