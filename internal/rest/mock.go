package rest

import (
	"context"
	"io"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) FetchRooms(ctx context.Context, page, size int) (types.RoomPage, error) {
	args := m.Called(ctx, page, size)
	return args.Get(0).(types.RoomPage), args.Error(1)
}
func (m *MockClient) FetchRoomHistory(ctx context.Context, roomId, beforeId int64, size int) (types.HistoryPage, error) {
	args := m.Called(ctx, roomId, beforeId, size)
	return args.Get(0).(types.HistoryPage), args.Error(1)
}
func (m *MockClient) SendMessage(ctx context.Context, roomId int64, content, clientMsgId string, typ types.MessageType) (types.Message, error) {
	args := m.Called(ctx, roomId, content, clientMsgId, typ)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockClient) SendFile(ctx context.Context, roomId int64, fileName string, r io.Reader, clientMsgId string, typ types.MessageType) (types.Message, error) {
	args := m.Called(ctx, roomId, fileName, r, clientMsgId, typ)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockClient) FetchFriends(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error) {
	args := m.Called(ctx, beforeId, size)
	return args.Get(0).(types.FriendshipPage), args.Error(1)
}
func (m *MockClient) FetchSentInvitations(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error) {
	args := m.Called(ctx, beforeId, size)
	return args.Get(0).(types.FriendshipPage), args.Error(1)
}
func (m *MockClient) FetchReceivedInvitations(ctx context.Context, beforeId int64, size int) (types.FriendshipPage, error) {
	args := m.Called(ctx, beforeId, size)
	return args.Get(0).(types.FriendshipPage), args.Error(1)
}
func (m *MockClient) AcceptInvitation(ctx context.Context, relationshipId int64) error {
	args := m.Called(ctx, relationshipId)
	return args.Error(0)
}
func (m *MockClient) RejectInvitation(ctx context.Context, relationshipId int64) error {
	args := m.Called(ctx, relationshipId)
	return args.Error(0)
}
func (m *MockClient) CancelInvitation(ctx context.Context, relationshipId int64) error {
	args := m.Called(ctx, relationshipId)
	return args.Error(0)
}
func (m *MockClient) DeleteFriendship(ctx context.Context, relationshipId int64) error {
	args := m.Called(ctx, relationshipId)
	return args.Error(0)
}
