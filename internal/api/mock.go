package api

import (
	"context"

	"github.com/npezzotti/gochat-realtime/internal/transport"
	"github.com/npezzotti/gochat-realtime/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockSession struct {
	mock.Mock
}

func (m *MockSession) State() transport.State {
	args := m.Called()
	return args.Get(0).(transport.State)
}
func (m *MockSession) Unavailable() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockSession) Notifications() []types.StoredNotification {
	args := m.Called()
	feed, _ := args.Get(0).([]types.StoredNotification)
	return feed
}
func (m *MockSession) UnreadCount() int {
	args := m.Called()
	return args.Int(0)
}
func (m *MockSession) MarkRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockSession) MarkAllRead(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockSession) RemoveNotification(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockSession) ClearNotifications(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) CurrentUser() *types.User {
	args := m.Called()
	u, _ := args.Get(0).(*types.User)
	return u
}
func (m *MockAuthenticator) SetToken(token string) error {
	args := m.Called(token)
	return args.Error(0)
}
func (m *MockAuthenticator) Logout() {
	m.Called()
}

type MockConversation struct {
	mock.Mock
}

func (m *MockConversation) Messages() []types.Message {
	args := m.Called()
	msgs, _ := args.Get(0).([]types.Message)
	return msgs
}
func (m *MockConversation) Send(content string) (types.Message, bool) {
	args := m.Called(content)
	return args.Get(0).(types.Message), args.Bool(1)
}
func (m *MockConversation) Delete(id string) bool {
	args := m.Called(id)
	return args.Bool(0)
}
func (m *MockConversation) Close() {
	m.Called()
}
