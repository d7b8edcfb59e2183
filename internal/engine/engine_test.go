package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-chatsync/internal/friendship"
	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/npezzotti/go-chatsync/internal/rest"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/testutil"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	selfId = 1
	peerId = 2
)

type recorder struct {
	mu     sync.Mutex
	ops    []string
	frames []*protocol.Frame
}

func (r *recorder) Report(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recorder) Send(f *protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) reported() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recorder) kinds() []protocol.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Kind
	for _, f := range r.frames {
		out = append(out, f.Kind)
	}
	return out
}

func startEngine(t *testing.T, api *rest.MockClient, rec *recorder) *Engine {
	e := startDetached(t, api, rec)
	e.AttachChat(rec)
	return e
}

// startDetached runs an engine with no chat session attached.
func startDetached(t *testing.T, api *rest.MockClient, rec *recorder) *Engine {
	e, err := New(testutil.TestLogger(t), stats.Nop{}, Config{
		SelfId:          selfId,
		RoomPageSize:    2,
		HistoryPageSize: 3,
		FriendPageSize:  2,
		RequestTimeout:  time.Second,
	}, api, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return e
}

// eventually polls cond on the loop.
func eventually(t *testing.T, e *Engine, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		ok := false
		err := e.Do(context.Background(), func() error {
			ok = cond()
			return nil
		})
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond, msg)
}

func frame(t *testing.T, kind protocol.Kind, payload any) *protocol.Frame {
	f, err := protocol.NewFrame(kind, "", payload)
	require.NoError(t, err)
	return f
}

func room(id int64) types.Room {
	return types.Room{
		Id:   id,
		Kind: types.RoomKindDirect,
		Participants: []types.Participant{
			{UserId: selfId, Name: "me"},
			{UserId: peerId, Name: "peer"},
		},
		LastActivityAt: time.Unix(id, 0).UTC(),
	}
}

func message(id, roomId int64) types.Message {
	return types.Message{Id: id, RoomId: roomId, SenderId: peerId, Content: "hi", Type: types.MessageTypeText}
}

func loadRooms(t *testing.T, e *Engine, api *rest.MockClient, rooms ...types.Room) {
	api.On("FetchRooms", mock.Anything, 1, 2).Return(types.RoomPage{Rooms: rooms, Page: 1, TotalPages: 1}, nil).Once()
	require.NoError(t, e.LoadRooms(context.Background()))
	eventually(t, e, func() bool { return e.Directory().Len() == len(rooms) }, "expected rooms loaded")
}

func openRoom(t *testing.T, e *Engine, api *rest.MockClient, roomId int64, msgs ...types.Message) {
	api.On("FetchRoomHistory", mock.Anything, roomId, int64(0), 3).Return(types.HistoryPage{Messages: msgs, Total: len(msgs)}, nil).Once()
	require.NoError(t, e.OpenRoom(context.Background(), roomId))
	eventually(t, e, func() bool {
		tl := e.Timeline()
		return tl != nil && !tl.Loading() && tl.Len() == len(msgs)
	}, "expected history loaded")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testutil.TestLogger(t), stats.Nop{}, Config{}, &rest.MockClient{}, nil)
	assert.Error(t, err, "expected missing self id to fail")

	_, err = New(testutil.TestLogger(t), stats.Nop{}, Config{SelfId: 1}, nil, nil)
	assert.Error(t, err, "expected nil api to fail")
}

func TestLoadRooms(t *testing.T) {
	api := &rest.MockClient{}
	defer api.AssertExpectations(t)
	rec := &recorder{}
	e := startEngine(t, api, rec)

	loadRooms(t, e, api, room(1), room(2))

	err := e.LoadMoreRooms(context.Background())
	assert.Error(t, err, "expected no more pages after the last one")
	assert.Empty(t, rec.reported())
}

func TestLoadRooms_FailureReportedOnce(t *testing.T) {
	api := &rest.MockClient{}
	rec := &recorder{}
	e := startEngine(t, api, rec)

	api.On("FetchRooms", mock.Anything, 1, 2).Return(types.RoomPage{}, errors.New("503")).Once()
	require.NoError(t, e.LoadRooms(context.Background()))

	eventually(t, e, func() bool { return !e.Directory().Loading() }, "expected guard released")
	assert.Equal(t, []string{"load rooms"}, rec.reported())
}

func TestOpenRoom(t *testing.T) {
	api := &rest.MockClient{}
	defer api.AssertExpectations(t)
	rec := &recorder{}
	e := startEngine(t, api, rec)

	loadRooms(t, e, api, room(1), room(2))
	openRoom(t, e, api, 1, message(10, 1), message(11, 1))

	require.NoError(t, e.OpenRoom(context.Background(), 1), "expected reopening the open room to be a no-op")
	assert.Equal(t, []protocol.Kind{protocol.KindEnterRoom}, rec.kinds())

	st, err := e.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ActiveRoom)
	assert.Len(t, st.Messages, 2)

	require.NoError(t, e.CloseRoom(context.Background()))
	assert.Equal(t, []protocol.Kind{protocol.KindEnterRoom, protocol.KindLeaveRoom}, rec.kinds())

	st, err = e.State(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.ActiveRoom)
	assert.Empty(t, st.Messages)
}

func TestOpenRoom_LateHistoryDiscarded(t *testing.T) {
	api := &rest.MockClient{}
	rec := &recorder{}
	e := startEngine(t, api, rec)
	loadRooms(t, e, api, room(1), room(2))

	release := make(chan struct{})
	api.On("FetchRoomHistory", mock.Anything, int64(1), int64(0), 3).
		Run(func(mock.Arguments) { <-release }).
		Return(types.HistoryPage{Messages: []types.Message{message(10, 1)}, Total: 1}, nil).Once()
	require.NoError(t, e.OpenRoom(context.Background(), 1))

	openRoom(t, e, api, 2, message(20, 2))
	close(release)

	// a round trip after the late page has been posted
	time.Sleep(50 * time.Millisecond)
	err := e.Do(context.Background(), func() error {
		assert.Equal(t, int64(2), e.Timeline().RoomId())
		_, ok := e.Timeline().Get(10)
		assert.False(t, ok, "expected late page for the previous room to be discarded")
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, rec.reported())
}

func TestLoadOlder(t *testing.T) {
	api := &rest.MockClient{}
	defer api.AssertExpectations(t)
	e := startEngine(t, api, &recorder{})

	assert.ErrorIs(t, e.LoadOlder(context.Background()), ErrNoOpenRoom)

	loadRooms(t, e, api, room(1))
	api.On("FetchRoomHistory", mock.Anything, int64(1), int64(0), 3).
		Return(types.HistoryPage{Messages: []types.Message{message(10, 1), message(11, 1), message(12, 1)}, Total: 5}, nil).Once()
	api.On("FetchRoomHistory", mock.Anything, int64(1), int64(10), 3).
		Return(types.HistoryPage{Messages: []types.Message{message(8, 1), message(9, 1)}, Total: 5}, nil).Once()

	require.NoError(t, e.OpenRoom(context.Background(), 1))
	eventually(t, e, func() bool { return e.Timeline().Len() == 3 && !e.Timeline().Loading() }, "expected newest page")

	require.NoError(t, e.LoadOlder(context.Background()))
	eventually(t, e, func() bool { return e.Timeline().Cursor() == 8 }, "expected cursor moved to the oldest message")
}

func TestChatEvents(t *testing.T) {
	api := &rest.MockClient{}
	e := startEngine(t, api, &recorder{})
	loadRooms(t, e, api, room(1), room(2))
	openRoom(t, e, api, 1)

	created := frame(t, protocol.KindMessageCreated, protocol.MessageCreated{Message: message(30, 1)})
	e.HandleChatFrame(created)
	e.HandleChatFrame(created)
	e.HandleChatFrame(frame(t, protocol.KindMessageCreated, protocol.MessageCreated{Message: message(31, 2)}))

	eventually(t, e, func() bool {
		other, _ := e.Directory().Get(2)
		return other.UnreadCount == 1
	}, "expected unread bump for the inactive room")

	err := e.Do(context.Background(), func() error {
		assert.Equal(t, 1, e.Timeline().Len(), "expected duplicate delivery absorbed")
		active, _ := e.Directory().Get(1)
		assert.Zero(t, active.UnreadCount, "expected no unread for the active room")
		assert.Equal(t, int64(2), e.Directory().Rooms()[0].Id, "expected latest activity first")
		return nil
	})
	require.NoError(t, err)

	e.HandleChatFrame(frame(t, protocol.KindMessageRevoked, protocol.MessageRevoked{RoomId: 1, MessageId: 30}))
	e.HandleChatFrame(frame(t, protocol.KindReadStateChanged, protocol.ReadStateChanged{RoomId: 2, UserId: selfId, LastReadMessageId: 31}))
	e.HandleChatFrame(frame(t, protocol.KindReadStateChanged, protocol.ReadStateChanged{RoomId: 1, UserId: peerId, LastReadMessageId: 30}))

	eventually(t, e, func() bool {
		msg, _ := e.Timeline().Get(30)
		other, _ := e.Directory().Get(2)
		return msg.Revoked && other.UnreadCount == 0 && e.Timeline().ReadUpTo(peerId) == 30
	}, "expected revoke and read state applied")

	stranger := message(32, 1)
	stranger.SenderId = 99
	e.HandleChatFrame(frame(t, protocol.KindMessageCreated, protocol.MessageCreated{Message: stranger}))
	updated := room(3)
	e.HandleChatFrame(frame(t, protocol.KindRoomUpdated, protocol.RoomUpdated{Room: updated}))

	eventually(t, e, func() bool { return e.Directory().Rooms()[0].Id == 3 }, "expected room update moved to front")
	err = e.Do(context.Background(), func() error {
		_, ok := e.Timeline().Get(32)
		assert.False(t, ok, "expected non-participant message dropped")
		return nil
	})
	require.NoError(t, err)
}

func TestSendMessage(t *testing.T) {
	api := &rest.MockClient{}
	rec := &recorder{}
	e := startEngine(t, api, rec)

	_, err := e.SendMessage(context.Background(), "hi", types.MessageTypeText)
	assert.ErrorIs(t, err, ErrNoOpenRoom)

	loadRooms(t, e, api, room(1))
	openRoom(t, e, api, 1)

	api.On("SendMessage", mock.Anything, int64(1), "hi", mock.AnythingOfType("string"), types.MessageTypeText).
		Return(types.Message{Id: 42, RoomId: 1, SenderId: selfId, Content: "hi"}, nil).Once()

	local, err := e.SendMessage(context.Background(), "hi", types.MessageTypeText)
	require.NoError(t, err)
	assert.True(t, local.Provisional())

	eventually(t, e, func() bool {
		msgs := e.Timeline().Messages()
		return len(msgs) == 1 && msgs[0].Id == 42 && msgs[0].Status == types.StatusSent
	}, "expected provisional copy replaced by the server copy")

	// the live echo of the same message changes nothing
	echo := types.Message{Id: 42, ClientMsgId: local.ClientMsgId, RoomId: 1, SenderId: selfId, Content: "hi"}
	e.HandleChatFrame(frame(t, protocol.KindMessageCreated, protocol.MessageCreated{Message: echo}))
	eventually(t, e, func() bool { return e.Timeline().Len() == 1 }, "expected one message after the echo")
	assert.Empty(t, rec.reported())
}

func TestSendMessage_FailureAndRetry(t *testing.T) {
	api := &rest.MockClient{}
	rec := &recorder{}
	e := startEngine(t, api, rec)
	loadRooms(t, e, api, room(1))
	openRoom(t, e, api, 1)

	api.On("SendMessage", mock.Anything, int64(1), "hi", mock.AnythingOfType("string"), types.MessageTypeText).
		Return(types.Message{}, errors.New("500")).Once()

	local, err := e.SendMessage(context.Background(), "hi", types.MessageTypeText)
	require.NoError(t, err)

	eventually(t, e, func() bool {
		msg, ok := e.Timeline().Get(local.Id)
		return ok && msg.Status == types.StatusFailed
	}, "expected failed message kept and marked")
	assert.Equal(t, []string{"send message"}, rec.reported())

	api.On("SendMessage", mock.Anything, int64(1), "hi", local.ClientMsgId, types.MessageTypeText).
		Return(types.Message{Id: 50, RoomId: 1, SenderId: selfId, ClientMsgId: local.ClientMsgId}, nil).Once()
	require.NoError(t, e.RetryMessage(context.Background(), local.ClientMsgId))

	eventually(t, e, func() bool {
		msgs := e.Timeline().Messages()
		return len(msgs) == 1 && msgs[0].Id == 50
	}, "expected retried message confirmed")
}

func TestSendFile(t *testing.T) {
	api := &rest.MockClient{}
	e := startEngine(t, api, &recorder{})
	loadRooms(t, e, api, room(1))
	openRoom(t, e, api, 1)

	api.On("SendFile", mock.Anything, int64(1), "cat.png", mock.MatchedBy(func(r io.Reader) bool {
		b, err := io.ReadAll(r)
		return err == nil && string(b) == "png-bytes"
	}), mock.AnythingOfType("string"), types.MessageTypeImage).
		Return(types.Message{Id: 60, RoomId: 1, SenderId: selfId, Content: "/files/cat.png", Type: types.MessageTypeImage}, nil).Once()

	local, err := e.SendFile(context.Background(), "cat.png", strings.NewReader("png-bytes"), types.MessageTypeImage)
	require.NoError(t, err)
	assert.True(t, local.Provisional(), "expected provisional message returned")
	assert.Equal(t, types.MessageTypeImage, local.Type)

	eventually(t, e, func() bool {
		msgs := e.Timeline().Messages()
		return len(msgs) == 1 && msgs[0].Id == 60 && msgs[0].ClientMsgId == local.ClientMsgId
	}, "expected upload confirmed in place")
	api.AssertExpectations(t)
}

func TestSendFile_FailureAndRetry(t *testing.T) {
	api := &rest.MockClient{}
	rec := &recorder{}
	e := startEngine(t, api, rec)
	loadRooms(t, e, api, room(1))
	openRoom(t, e, api, 1)

	api.On("SendFile", mock.Anything, int64(1), "notes.pdf", mock.Anything, mock.AnythingOfType("string"), types.MessageTypeFile).
		Return(types.Message{}, errors.New("413")).Once()

	local, err := e.SendFile(context.Background(), "notes.pdf", strings.NewReader("pdf"), types.MessageTypeFile)
	require.NoError(t, err)

	eventually(t, e, func() bool {
		msg, ok := e.Timeline().Get(local.Id)
		return ok && msg.Status == types.StatusFailed
	}, "expected failed upload kept and marked")
	assert.Equal(t, []string{"send message"}, rec.reported())

	api.On("SendFile", mock.Anything, int64(1), "notes.pdf", mock.MatchedBy(func(r io.Reader) bool {
		b, err := io.ReadAll(r)
		return err == nil && string(b) == "pdf"
	}), local.ClientMsgId, types.MessageTypeFile).
		Return(types.Message{Id: 61, RoomId: 1, SenderId: selfId, ClientMsgId: local.ClientMsgId, Type: types.MessageTypeFile}, nil).Once()
	require.NoError(t, e.RetryMessage(context.Background(), local.ClientMsgId))

	eventually(t, e, func() bool {
		msgs := e.Timeline().Messages()
		return len(msgs) == 1 && msgs[0].Id == 61
	}, "expected retried upload confirmed")
	api.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendFile_Validation(t *testing.T) {
	api := &rest.MockClient{}
	e := startEngine(t, api, &recorder{})

	tcases := []struct {
		name     string
		fileName string
		typ      types.MessageType
		wantErr  error
	}{
		{name: "text type", fileName: "a.txt", typ: types.MessageTypeText, wantErr: ErrNotMedia},
		{name: "empty type", fileName: "a.txt", typ: "", wantErr: ErrNotMedia},
		{name: "no open room", fileName: "a.png", typ: types.MessageTypeImage, wantErr: ErrNoOpenRoom},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.SendFile(context.Background(), tc.fileName, strings.NewReader("x"), tc.typ)
			assert.ErrorIs(t, err, tc.wantErr, "expected %v", tc.wantErr)
		})
	}
	api.AssertNotCalled(t, "SendFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestFriendshipEvents(t *testing.T) {
	api := &rest.MockClient{}
	e := startEngine(t, api, &recorder{})

	api.On("FetchReceivedInvitations", mock.Anything, int64(0), 2).Return(types.FriendshipPage{
		Entries: []types.FriendshipEntry{{Id: 7, User: types.UserSummary{Id: 5}}},
		Total:   1,
	}, nil).Once()
	require.NoError(t, e.LoadFriendships(context.Background(), friendship.Received, true))
	eventually(t, e, func() bool { return len(e.Friendship().Entries(friendship.Received)) == 1 }, "expected received list loaded")

	canceled := frame(t, protocol.KindCanceled, protocol.FriendshipEvent{RelationshipId: 7, Counterpart: types.UserSummary{Id: 5}})
	for i := 0; i < 3; i++ {
		e.HandleFriendshipFrame(canceled)
	}

	eventually(t, e, func() bool {
		return len(e.Friendship().Entries(friendship.Received)) == 0 && e.Friendship().Total(friendship.Received) == 0
	}, "expected invitation removed once")
}

func TestFriendshipAction_Rollback(t *testing.T) {
	api := &rest.MockClient{}
	rec := &recorder{}
	e := startEngine(t, api, rec)

	api.On("FetchReceivedInvitations", mock.Anything, int64(0), 2).Return(types.FriendshipPage{
		Entries: []types.FriendshipEntry{{Id: 7, User: types.UserSummary{Id: 5}}},
		Total:   1,
	}, nil).Once()
	require.NoError(t, e.LoadFriendships(context.Background(), friendship.Received, true))
	eventually(t, e, func() bool { return len(e.Friendship().Entries(friendship.Received)) == 1 }, "expected received list loaded")

	release := make(chan struct{})
	api.On("AcceptInvitation", mock.Anything, int64(7)).Run(func(mock.Arguments) { <-release }).Return(errors.New("409")).Once()
	require.NoError(t, e.FriendshipAction(context.Background(), friendship.ActionAccept, 7))

	err := e.Do(context.Background(), func() error {
		assert.Len(t, e.Friendship().Entries(friendship.Friends), 1, "expected optimistic accept")
		return nil
	})
	require.NoError(t, err)

	close(release)
	eventually(t, e, func() bool {
		return len(e.Friendship().Entries(friendship.Received)) == 1 && len(e.Friendship().Entries(friendship.Friends)) == 0
	}, "expected accept rolled back")
	assert.Equal(t, []string{"accept friendship 7"}, rec.reported())

	assert.ErrorIs(t, e.FriendshipAction(context.Background(), friendship.ActionCancel, 7), friendship.ErrUnknownRelationship)
}

func TestConnectivity(t *testing.T) {
	api := &rest.MockClient{}
	rec := &recorder{}
	e := startEngine(t, api, rec)
	loadRooms(t, e, api, room(1))
	openRoom(t, e, api, 1)

	e.Connected(ChatChannel)
	e.Disconnected(FriendshipChannel, errors.New("handshake rejected"), true)

	eventually(t, e, func() bool { return len(rec.kinds()) == 2 }, "expected presence re-declared on connect")
	assert.Equal(t, []protocol.Kind{protocol.KindEnterRoom, protocol.KindEnterRoom}, rec.kinds())

	st, err := e.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connected, st.Connectivity[ChatChannel])
	assert.Equal(t, Rejected, st.Connectivity[FriendshipChannel])
	assert.Equal(t, []string{"connect friendship"}, rec.reported())
}

func TestOpenRoom_WhileDisconnected(t *testing.T) {
	api := &rest.MockClient{}
	rec := &recorder{}
	e := startDetached(t, api, rec)
	loadRooms(t, e, api, room(1), room(2))
	openRoom(t, e, api, 2)

	assert.Empty(t, rec.kinds(), "expected nothing sent without a chat session")
	st, err := e.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ActiveRoom, "expected the open room recorded as active")

	e.AttachChat(rec)
	e.Connected(ChatChannel)

	eventually(t, e, func() bool { return len(rec.kinds()) == 1 }, "expected presence declared on connect")
	rec.mu.Lock()
	var p protocol.EnterRoom
	require.NoError(t, rec.frames[0].Decode(&p))
	rec.mu.Unlock()
	assert.Equal(t, protocol.KindEnterRoom, rec.kinds()[0])
	assert.Equal(t, int64(2), p.RoomId, "expected the room opened while disconnected to be declared")
}

func TestShutdown(t *testing.T) {
	e, err := New(testutil.TestLogger(t), stats.Nop{}, Config{SelfId: selfId}, &rest.MockClient{}, nil)
	require.NoError(t, err)

	go e.Run(context.Background())
	require.NoError(t, e.Do(context.Background(), func() error { return nil }))

	e.Shutdown()
	assert.ErrorIs(t, e.Do(context.Background(), func() error { return nil }), ErrStopped)
}
