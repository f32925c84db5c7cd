package types

import (
	"encoding/json"
	"time"
)

// Client -> server events.
const (
	EventJoinRoom           = "join-room"
	EventSendMessage        = "send-message"
	EventLeaveRoom          = "leave-room"
	EventTyping             = "typing"
	EventJoinPrivateChat    = "join-private-chat"
	EventSendPrivateMessage = "send-private-message"
	EventLeavePrivateChat   = "leave-private-chat"
)

// Server -> client events.
const (
	EventUserJoined          = "user-joined"
	EventNewMessage          = "new-message"
	EventUserLeft            = "user-left"
	EventUserTyping          = "user-typing"
	EventRoomHistory         = "room-history"
	EventPrivateChatInit     = "private-chat-init"
	EventNewPrivateMessage   = "new-private-message"
	EventPrivateMessageNotif = "private-message-notification"
	EventNotification        = "notification"
	EventError               = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket
// connection, in both directions.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// The different payloads transferred from the client to here.

type JoinRoomRequest struct {
	RoomId      string `json:"roomId" mapstructure:"roomId"`
	IsAnonymous bool   `json:"isAnonymous" mapstructure:"isAnonymous"`
	DisplayName string `json:"displayName" mapstructure:"displayName"`
}

type SendMessageRequest struct {
	RoomId  string `json:"roomId" mapstructure:"roomId"`
	Content string `json:"content" mapstructure:"content"`
}

type LeaveRoomRequest struct {
	RoomId string `json:"roomId" mapstructure:"roomId"`
}

type TypingRequest struct {
	RoomId   string `json:"roomId" mapstructure:"roomId"`
	IsTyping bool   `json:"isTyping" mapstructure:"isTyping"`
}

type JoinPrivateChatRequest struct {
	TargetUserId string `json:"targetUserId" mapstructure:"targetUserId"`
}

type SendPrivateMessageRequest struct {
	ChatId  string `json:"chatId" mapstructure:"chatId"`
	Content string `json:"content" mapstructure:"content"`
}

type LeavePrivateChatRequest struct {
	ChatId string `json:"chatId" mapstructure:"chatId"`
}

// The different payloads transferred from here to the client.

type UserEvent struct {
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingEvent struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type NewMessageEvent struct {
	Id          string    `json:"id"`
	Username    string    `json:"username"`
	Content     string    `json:"content"`
	IsAnonymous bool      `json:"isAnonymous"`
	CreatedAt   time.Time `json:"createdAt"`
}

type RoomHistoryEvent struct {
	RoomId   string     `json:"roomId"`
	Messages []*Message `json:"messages"`
}

type PrivateChatInitEvent struct {
	ChatId   string            `json:"chatId"`
	Messages []*PrivateMessage `json:"messages"`
}

type PrivateMessageNotifEvent struct {
	SenderId       string `json:"senderId"`
	Username       string `json:"username"`
	ContentPreview string `json:"contentPreview"`
	ChatId         string `json:"chatId"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
