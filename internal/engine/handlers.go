package engine

import (
	"errors"

	"github.com/npezzotti/go-chatsync/internal/directory"
	"github.com/npezzotti/go-chatsync/internal/presence"
	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/npezzotti/go-chatsync/internal/timeline"
	"github.com/npezzotti/go-chatsync/internal/types"
)

func (e *Engine) registerHandlers() {
	e.chatEvents.OnMessageCreated(e.onMessageCreated)
	e.chatEvents.OnRoomUpdated(e.onRoomUpdated)
	e.chatEvents.OnReadStateChanged(e.onReadStateChanged)
	e.chatEvents.OnMessageRevoked(e.onMessageRevoked)
	e.chatEvents.OnMessageRestored(e.onMessageRestored)
	e.friendEvents.OnFriendship(e.friends.Apply)
}

// HandleChatFrame is the transport handler for the chat channel.
func (e *Engine) HandleChatFrame(f *protocol.Frame) {
	e.post(func() { e.chatEvents.HandleFrame(f) })
}

// HandleFriendshipFrame is the transport handler for the friendship channel.
func (e *Engine) HandleFriendshipFrame(f *protocol.Frame) {
	e.post(func() { e.friendEvents.HandleFrame(f) })
}

// AttachChat binds the chat session used for presence signals.
func (e *Engine) AttachChat(s presence.Signaler) {
	e.post(func() { e.chat = s })
}

// Connected implements transport.Notifier.
func (e *Engine) Connected(channel string) {
	e.post(func() {
		e.connectivity[channel] = Connected
		if channel != ChatChannel {
			return
		}
		// the server forgets presence with the old connection
		if err := e.presence.Resync(); err != nil {
			e.log.Warn().Err(err).Msg("re-declare active room")
		}
	})
}

// Disconnected implements transport.Notifier.
func (e *Engine) Disconnected(channel string, reason error, fatal bool) {
	e.post(func() {
		if fatal {
			e.connectivity[channel] = Rejected
			e.report("connect "+channel, reason)
			return
		}
		e.connectivity[channel] = Disconnected
	})
}

// activeTimeline returns the open timeline if it shows roomId.
func (e *Engine) activeTimeline(roomId int64) *timeline.Timeline {
	if e.timeline == nil || e.timeline.RoomId() != roomId {
		return nil
	}
	return e.timeline
}

func (e *Engine) onMessageCreated(msg types.Message) error {
	active := e.presence.IsActive(msg.RoomId)

	if err := e.rooms.ApplyMessage(msg, active); err != nil {
		if !errors.Is(err, directory.ErrUnknownRoom) {
			return err
		}
		e.log.Warn().Int64("room_id", msg.RoomId).Int64("message_id", msg.Id).Msg("message for unknown room")
	}

	tl := e.activeTimeline(msg.RoomId)
	if tl == nil {
		return nil
	}

	err := tl.AppendLive(msg)
	switch {
	case errors.Is(err, timeline.ErrNotParticipant), errors.Is(err, timeline.ErrInvalidMessage):
		e.stats.Incr(stats.DroppedEvents)
		e.log.Warn().Err(err).Int64("room_id", msg.RoomId).Int64("message_id", msg.Id).Msg("dropping live message")
		return nil
	}
	return err
}

func (e *Engine) onRoomUpdated(room types.Room) error {
	merged := e.rooms.Upsert(room)
	if tl := e.activeTimeline(room.Id); tl != nil && len(merged.Participants) > 0 {
		tl.SetRoster(merged.Participants)
	}
	return nil
}

func (e *Engine) onReadStateChanged(ev protocol.ReadStateChanged) error {
	if ev.UserId == e.cfg.SelfId {
		e.rooms.MarkRead(ev.RoomId)
	}
	if tl := e.activeTimeline(ev.RoomId); tl != nil {
		tl.ApplyReadState(ev.UserId, ev.LastReadMessageId)
	}
	return nil
}

func (e *Engine) onMessageRevoked(ev protocol.MessageRevoked) error {
	e.rooms.ApplyRevoke(ev.RoomId, ev.MessageId)

	tl := e.activeTimeline(ev.RoomId)
	if tl == nil {
		return nil
	}
	if err := tl.Revoke(ev.MessageId); err != nil && !errors.Is(err, timeline.ErrUnknownMessage) {
		return err
	}
	return nil
}

func (e *Engine) onMessageRestored(ev protocol.MessageRevoked) error {
	tl := e.activeTimeline(ev.RoomId)
	if tl == nil {
		return nil
	}
	if err := tl.Restore(ev.MessageId); err != nil && !errors.Is(err, timeline.ErrUnknownMessage) {
		return err
	}
	return nil
}
