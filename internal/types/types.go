package types

import (
	"time"
)

type RoomKind string

const (
	RoomKindDirect RoomKind = "direct"
	RoomKindGroup  RoomKind = "group"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

// DeliveryStatus is client-side only and never sent over the wire.
type DeliveryStatus int

const (
	StatusSent DeliveryStatus = iota
	StatusPending
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "sent"
	}
}

type FriendshipStatus string

const (
	FriendshipPendingSent     FriendshipStatus = "pending_sent"
	FriendshipPendingReceived FriendshipStatus = "pending_received"
	FriendshipAccepted        FriendshipStatus = "accepted"
)

type UserSummary struct {
	Id     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Email  string `json:"email,omitempty"`
}

type Participant struct {
	UserId int64  `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Status string `json:"status,omitempty"`
	Role   string `json:"role,omitempty"`
}

type LastMessage struct {
	MessageId  int64       `json:"message_id,omitempty"`
	SenderId   int64       `json:"sender_id"`
	SenderName string      `json:"sender_name,omitempty"`
	Preview    string      `json:"preview"`
	Type       MessageType `json:"type"`
	CreatedAt  time.Time   `json:"created_at"`
}

type Room struct {
	Id             int64         `json:"id"`
	Kind           RoomKind      `json:"kind"`
	Name           string        `json:"name,omitempty"`
	Image          string        `json:"image,omitempty"`
	Participants   []Participant `json:"participants,omitempty"`
	LastMessage    *LastMessage  `json:"last_message,omitempty"`
	UnreadCount    int           `json:"unread_count"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

// HasParticipant reports whether userId is in the room's roster.
func (r Room) HasParticipant(userId int64) bool {
	for _, p := range r.Participants {
		if p.UserId == userId {
			return true
		}
	}
	return false
}

type Message struct {
	Id          int64          `json:"id"`
	ClientMsgId string         `json:"client_msg_id,omitempty"`
	RoomId      int64          `json:"room_id"`
	SenderId    int64          `json:"sender_id"`
	Content     string         `json:"content"`
	Type        MessageType    `json:"type"`
	Revoked     bool           `json:"revoked,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      DeliveryStatus `json:"-"`
}

// Provisional reports whether the message is still a local optimistic copy.
func (m Message) Provisional() bool {
	return m.Id <= 0
}

type FriendshipEntry struct {
	Id        int64            `json:"id"`
	User      UserSummary      `json:"user"`
	Status    FriendshipStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}

type RoomPage struct {
	Rooms      []Room `json:"rooms"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
}

type HistoryPage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
}

type FriendshipPage struct {
	Entries []FriendshipEntry `json:"entries"`
	Total   int               `json:"total"`
}
