package presence

import (
	"fmt"

	"github.com/npezzotti/go-chatsync/internal/protocol"
	"github.com/rs/zerolog"
)

// Signaler delivers outbound frames on the chat channel. *transport.Session
// satisfies it.
type Signaler interface {
	Send(f *protocol.Frame) error
}

// Tracker declares to the server which single room the client is viewing.
// It is not safe for concurrent use.
type Tracker struct {
	log    zerolog.Logger
	sig    Signaler
	active int64
}

func New(logger zerolog.Logger, sig Signaler) *Tracker {
	return &Tracker{
		log: logger.With().Str("component", "presence").Logger(),
		sig: sig,
	}
}

// EnterRoom makes roomId the active room. Entering the room that is already
// active sends nothing. The room stays active when the signal fails so that
// Resync declares it once the chat channel is back.
func (t *Tracker) EnterRoom(roomId int64) error {
	if roomId <= 0 {
		return fmt.Errorf("invalid room id %d", roomId)
	}
	if t.active == roomId {
		return nil
	}

	prev := t.active
	t.active = roomId
	t.log.Debug().Int64("room_id", roomId).Int64("previous_room_id", prev).Msg("entered room")

	return t.signalEnter(roomId)
}

// LeaveRoom clears the active room. It is a no-op when no room is active.
// The room is cleared even when the signal fails.
func (t *Tracker) LeaveRoom() error {
	if t.active == 0 {
		return nil
	}

	prev := t.active
	t.active = 0
	t.log.Debug().Int64("room_id", prev).Msg("left room")

	f, err := protocol.LeaveRoomFrame()
	if err != nil {
		return err
	}
	if err := t.sig.Send(f); err != nil {
		return fmt.Errorf("leave room %d: %w", prev, err)
	}
	return nil
}

func (t *Tracker) IsActive(roomId int64) bool {
	return roomId != 0 && t.active == roomId
}

func (t *Tracker) Active() (int64, bool) {
	return t.active, t.active != 0
}

// Resync declares the active room again. It is called after the chat channel
// reconnects because the server forgets presence with the old connection.
func (t *Tracker) Resync() error {
	if t.active == 0 {
		return nil
	}
	return t.signalEnter(t.active)
}

func (t *Tracker) signalEnter(roomId int64) error {
	f, err := protocol.EnterRoomFrame(roomId)
	if err != nil {
		return err
	}
	if err := t.sig.Send(f); err != nil {
		return fmt.Errorf("enter room %d: %w", roomId, err)
	}
	return nil
}
