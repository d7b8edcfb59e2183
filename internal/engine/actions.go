package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/friendship"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
)

var (
	ErrNoOpenRoom = errors.New("no open room")
	ErrNotMedia   = errors.New("file messages need a media type")
)

// LoadRooms replaces the directory with its first page.
func (e *Engine) LoadRooms(ctx context.Context) error {
	return e.Do(ctx, func() error {
		return e.loadRooms(true)
	})
}

// LoadMoreRooms appends the next directory page. A call while a page is
// still loading returns directory.ErrLoadInProgress.
func (e *Engine) LoadMoreRooms(ctx context.Context) error {
	return e.Do(ctx, func() error {
		return e.loadRooms(false)
	})
}

func (e *Engine) loadRooms(initial bool) error {
	req, err := e.rooms.BeginLoad(initial)
	if err != nil {
		return err
	}

	async(e, func(ctx context.Context) (types.RoomPage, error) {
		return e.api.FetchRooms(ctx, req.Page, req.Size)
	}, func(page types.RoomPage, err error) {
		if _, err := e.rooms.ApplyPage(req, page, err); err != nil && !errors.Is(err, directory.ErrStalePage) {
			e.report("load rooms", err)
		}
	})
	return nil
}

// OpenRoom makes roomId the viewed room: the previous timeline is closed, a
// fresh one starts loading and presence is declared.
func (e *Engine) OpenRoom(ctx context.Context, roomId int64) error {
	return e.Do(ctx, func() error {
		if e.timeline != nil && e.timeline.RoomId() == roomId {
			return nil
		}
		if e.timeline != nil {
			e.timeline.Close()
			clear(e.uploads)
		}

		tl := timeline.New(e.base, e.stats, roomId, e.cfg.SelfId, e.cfg.HistoryPageSize)
		if room, ok := e.rooms.Get(roomId); ok && len(room.Participants) > 0 {
			tl.SetRoster(room.Participants)
		}
		e.timeline = tl
		e.rooms.MarkActive(roomId)

		if err := e.presence.EnterRoom(roomId); err != nil {
			// resent by Resync once the chat channel is up
			e.log.Warn().Err(err).Int64("room_id", roomId).Msg("declare active room")
		}

		return e.loadHistory(tl, true)
	})
}

// CloseRoom discards the open timeline and leaves the room.
func (e *Engine) CloseRoom(ctx context.Context) error {
	return e.Do(ctx, func() error {
		if e.timeline == nil {
			return nil
		}

		e.timeline.Close()
		e.timeline = nil
		clear(e.uploads)
		e.rooms.ClearActive()

		if err := e.presence.LeaveRoom(); err != nil {
			e.log.Warn().Err(err).Msg("leave room")
		}
		return nil
	})
}

// LoadOlder fetches the page before the open timeline's cursor.
func (e *Engine) LoadOlder(ctx context.Context) error {
	return e.Do(ctx, func() error {
		if e.timeline == nil {
			return ErrNoOpenRoom
		}
		return e.loadHistory(e.timeline, false)
	})
}

func (e *Engine) loadHistory(tl *timeline.Timeline, initial bool) error {
	var (
		req timeline.PageRequest
		err error
	)
	if initial {
		req, err = tl.BeginInitial()
	} else {
		req, err = tl.BeginOlder()
	}
	if err != nil {
		return err
	}

	async(e, func(ctx context.Context) (types.HistoryPage, error) {
		return e.api.FetchRoomHistory(ctx, req.RoomId, req.BeforeId, req.Size)
	}, func(page types.HistoryPage, err error) {
		if _, err := tl.ApplyPage(req, page, err); err != nil && !errors.Is(err, timeline.ErrStalePage) {
			e.report("load history", err)
		}
	})
	return nil
}

// SendMessage inserts the message optimistically and sends it. The returned
// message is the provisional copy.
func (e *Engine) SendMessage(ctx context.Context, content string, typ types.MessageType) (types.Message, error) {
	var local types.Message
	err := e.Do(ctx, func() error {
		if e.timeline == nil {
			return ErrNoOpenRoom
		}

		var err error
		local, err = e.timeline.SendOptimistic(content, typ)
		if err != nil {
			return err
		}

		e.deliver(e.timeline, local, e.sendText(local))
		return nil
	})
	return local, err
}

// SendFile reads r, inserts a provisional media message named fileName and
// uploads it. The content is kept until the upload is confirmed so a failed
// upload can be retried.
func (e *Engine) SendFile(ctx context.Context, fileName string, r io.Reader, typ types.MessageType) (types.Message, error) {
	switch typ {
	case types.MessageTypeImage, types.MessageTypeVideo, types.MessageTypeFile:
	default:
		return types.Message{}, fmt.Errorf("%w: %q", ErrNotMedia, typ)
	}
	if fileName == "" {
		return types.Message{}, fmt.Errorf("file name cannot be empty")
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return types.Message{}, fmt.Errorf("read %s: %w", fileName, err)
	}

	var local types.Message
	err = e.Do(ctx, func() error {
		if e.timeline == nil {
			return ErrNoOpenRoom
		}

		var err error
		local, err = e.timeline.SendOptimistic(fileName, typ)
		if err != nil {
			return err
		}

		up := upload{name: fileName, data: data}
		e.uploads[local.ClientMsgId] = up
		e.deliver(e.timeline, local, e.sendUpload(local, up))
		return nil
	})
	return local, err
}

// RetryMessage resends a failed message with its original client id.
func (e *Engine) RetryMessage(ctx context.Context, clientMsgId string) error {
	return e.Do(ctx, func() error {
		if e.timeline == nil {
			return ErrNoOpenRoom
		}

		local, err := e.timeline.Retry(clientMsgId)
		if err != nil {
			return err
		}

		send := e.sendText(local)
		if up, ok := e.uploads[clientMsgId]; ok {
			send = e.sendUpload(local, up)
		}
		e.deliver(e.timeline, local, send)
		return nil
	})
}

type sendFunc func(ctx context.Context) (types.Message, error)

func (e *Engine) sendText(local types.Message) sendFunc {
	return func(ctx context.Context) (types.Message, error) {
		return e.api.SendMessage(ctx, local.RoomId, local.Content, local.ClientMsgId, local.Type)
	}
}

func (e *Engine) sendUpload(local types.Message, up upload) sendFunc {
	return func(ctx context.Context) (types.Message, error) {
		return e.api.SendFile(ctx, local.RoomId, up.name, bytes.NewReader(up.data), local.ClientMsgId, local.Type)
	}
}

func (e *Engine) deliver(tl *timeline.Timeline, local types.Message, send sendFunc) {
	async(e, send, func(sent types.Message, err error) {
		if err != nil {
			if mErr := tl.MarkFailed(local.ClientMsgId); mErr != nil && !errors.Is(mErr, timeline.ErrClosed) {
				e.log.Error().Err(mErr).Str("client_msg_id", local.ClientMsgId).Msg("mark message failed")
			}
			e.report("send message", err)
			return
		}
		delete(e.uploads, local.ClientMsgId)

		if sent.ClientMsgId == "" {
			sent.ClientMsgId = local.ClientMsgId
		}
		if sent.RoomId == 0 {
			sent.RoomId = local.RoomId
		}

		if err := e.rooms.ApplyMessage(sent, true); err != nil && !errors.Is(err, directory.ErrUnknownRoom) {
			e.log.Warn().Err(err).Msg("apply sent message to directory")
		}
		if err := tl.AppendLive(sent); err != nil && !errors.Is(err, timeline.ErrClosed) {
			e.log.Warn().Err(err).Int64("message_id", sent.Id).Msg("reconcile sent message")
		}
	})
}

// LoadFriendships loads the first or next page of list.
func (e *Engine) LoadFriendships(ctx context.Context, list friendship.List, initial bool) error {
	return e.Do(ctx, func() error {
		return e.loadFriendships(list, initial)
	})
}

func (e *Engine) loadFriendships(list friendship.List, initial bool) error {
	req, err := e.friends.BeginLoad(list, initial)
	if err != nil {
		return err
	}

	async(e, func(ctx context.Context) (types.FriendshipPage, error) {
		return friendship.Fetch(ctx, e.api, req.List, req.BeforeId, req.Size)
	}, func(page types.FriendshipPage, err error) {
		if _, err := e.friends.ApplyPage(req, page, err); err != nil && !errors.Is(err, friendship.ErrStalePage) {
			e.report(fmt.Sprintf("load %s", req.List), err)
		}
	})
	return nil
}

// ShowFriendships selects the visible friendship list and reloads it if it
// went stale while hidden.
func (e *Engine) ShowFriendships(ctx context.Context, list friendship.List) error {
	return e.Do(ctx, func() error {
		stale, err := e.friends.SetView(list)
		if err != nil || !stale {
			return err
		}
		return e.loadFriendships(list, true)
	})
}

// FriendshipAction applies action locally, calls the server and rolls the
// local change back if the call fails.
func (e *Engine) FriendshipAction(ctx context.Context, action friendship.Action, relationshipId int64) error {
	return e.Do(ctx, func() error {
		undo, err := e.friends.Do(action, relationshipId)
		if err != nil {
			return err
		}

		async(e, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, action.Invoke(ctx, e.api, relationshipId)
		}, func(_ struct{}, err error) {
			if err != nil {
				undo()
				e.report(fmt.Sprintf("%s friendship %d", action, relationshipId), err)
			}
		})
		return nil
	})
}
