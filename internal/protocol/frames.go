package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatsync/internal/types"
)

type Kind string

// Inbound chat channel events.
const (
	KindMessageCreated   Kind = "MESSAGE_CREATED"
	KindRoomUpdated      Kind = "ROOM_UPDATED"
	KindReadStateChanged Kind = "READ_STATE_CHANGED"
	KindMessageRevoked   Kind = "MESSAGE_REVOKED"
	KindMessageRestored  Kind = "MESSAGE_RESTORED"
)

// Inbound friendship channel events.
const (
	KindInvited  Kind = "INVITED"
	KindAccepted Kind = "ACCEPTED"
	KindRejected Kind = "REJECTED"
	KindCanceled Kind = "CANCELED"
	KindDeleted  Kind = "DELETED"
)

// Outbound intents.
const (
	KindSubscribe   Kind = "SUBSCRIBE"
	KindUnsubscribe Kind = "UNSUBSCRIBE"
	KindEnterRoom   Kind = "ENTER_ROOM"
	KindLeaveRoom   Kind = "LEAVE_ROOM"
)

// Response acknowledges an outbound frame.
const KindResponse Kind = "RESPONSE"

// FriendshipKinds lists every event kind delivered on the friendship channel.
var FriendshipKinds = []Kind{KindInvited, KindAccepted, KindRejected, KindCanceled, KindDeleted}

type Frame struct {
	Id        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Topic     string          `json:"topic,omitempty"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type MessageCreated struct {
	Message types.Message `json:"message"`
}

type RoomUpdated struct {
	Room types.Room `json:"room"`
}

type ReadStateChanged struct {
	RoomId            int64 `json:"room_id"`
	UserId            int64 `json:"user_id"`
	LastReadMessageId int64 `json:"last_read_message_id"`
}

type MessageRevoked struct {
	RoomId    int64 `json:"room_id"`
	MessageId int64 `json:"message_id"`
}

type FriendshipEvent struct {
	Kind           Kind              `json:"-"`
	RelationshipId int64             `json:"relationship_id,omitempty"`
	Counterpart    types.UserSummary `json:"counterpart"`
	InviterId      int64             `json:"inviter_id,omitempty"`
	RecipientId    int64             `json:"recipient_id,omitempty"`
}

type Subscribe struct {
	Topic string `json:"topic"`
}

type EnterRoom struct {
	RoomId int64 `json:"room_id"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

// NewFrame builds an outbound frame with a fresh correlation id.
func NewFrame(kind Kind, topic string, payload any) (*Frame, error) {
	f := &Frame{
		Id:        uuid.NewString(),
		Timestamp: Now(),
		Topic:     topic,
		Kind:      kind,
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		f.Payload = raw
	}

	return f, nil
}

func SubscribeFrame(topic string) (*Frame, error) {
	return NewFrame(KindSubscribe, topic, Subscribe{Topic: topic})
}

func UnsubscribeFrame(topic string) (*Frame, error) {
	return NewFrame(KindUnsubscribe, topic, Subscribe{Topic: topic})
}

func EnterRoomFrame(roomId int64) (*Frame, error) {
	return NewFrame(KindEnterRoom, "", EnterRoom{RoomId: roomId})
}

func LeaveRoomFrame() (*Frame, error) {
	return NewFrame(KindLeaveRoom, "", nil)
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Kind)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", f.Kind, err)
	}
	return nil
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
