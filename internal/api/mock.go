package api

import (
	"context"
	"io"

	"github.com/npezzotti/go-chatsync/internal/engine"
	"github.com/npezzotti/go-chatsync/internal/friendship"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockController struct {
	mock.Mock
}

func (m *MockController) State(ctx context.Context) (engine.State, error) {
	args := m.Called(ctx)
	return args.Get(0).(engine.State), args.Error(1)
}

func (m *MockController) LoadRooms(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockController) LoadMoreRooms(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockController) OpenRoom(ctx context.Context, roomId int64) error {
	return m.Called(ctx, roomId).Error(0)
}

func (m *MockController) CloseRoom(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockController) LoadOlder(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockController) SendMessage(ctx context.Context, content string, typ types.MessageType) (types.Message, error) {
	args := m.Called(ctx, content, typ)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockController) SendFile(ctx context.Context, fileName string, r io.Reader, typ types.MessageType) (types.Message, error) {
	args := m.Called(ctx, fileName, r, typ)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockController) RetryMessage(ctx context.Context, clientMsgId string) error {
	return m.Called(ctx, clientMsgId).Error(0)
}

func (m *MockController) LoadFriendships(ctx context.Context, list friendship.List, initial bool) error {
	return m.Called(ctx, list, initial).Error(0)
}

func (m *MockController) ShowFriendships(ctx context.Context, list friendship.List) error {
	return m.Called(ctx, list).Error(0)
}

func (m *MockController) FriendshipAction(ctx context.Context, action friendship.Action, relationshipId int64) error {
	return m.Called(ctx, action, relationshipId).Error(0)
}
