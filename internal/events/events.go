package events

import (
	"encoding/json"
	"time"
)

// 下行事件名。
const (
	FriendRequested     = "friend.requested"
	FriendResponded     = "friend.responded"
	FriendStatusChanged = "friend.statusChanged"
	FriendRemoved       = "friend.removed"

	MessageCreated = "message.created"
	MessageUpdated = "message.updated"
	MessageDeleted = "message.deleted"

	NotificationNew = "notification.new"

	ChatMemberAdded   = "chat.memberAdded"
	ChatMemberRemoved = "chat.memberRemoved"
	ChatDeleted       = "chat.deleted"

	Typing          = "typing"
	PresenceChanged = "presence.changed"
	Pong            = "pong"
	Error           = "error"
)

// 上行事件名。
const (
	Ping             = "ping"
	MessageSend      = "message.send"
	MessageEdit      = "message.edit"
	MessageDelete    = "message.delete"
	FriendRequest    = "friend.request"
	NotificationRead = "notification.read"
)

// Event 是 websocket 帧的统一信封。
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Inbound 是客户端发来的帧，Data 延迟解析。
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func New(typ string, data any) Event { return Event{Type: typ, Data: data} }

type FriendRequestedData struct {
	FriendshipID uint `json:"friendshipId"`
	From         uint `json:"from"`
}

type FriendStatusData struct {
	FriendshipID uint   `json:"friendshipId"`
	Status       string `json:"status"`
}

type FriendRemovedData struct {
	By     uint `json:"by"`
	UserID uint `json:"userId,omitempty"`
}

type MessageData struct {
	ChatID    uint       `json:"chatId"`
	MessageID uint       `json:"messageId"`
	SenderID  uint       `json:"senderId"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

type MessageDeletedData struct {
	ChatID    uint `json:"chatId"`
	MessageID uint `json:"messageId"`
}

type NotificationData struct {
	ID        uint      `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatMemberData struct {
	ChatID uint `json:"chatId"`
	UserID uint `json:"userId"`
}

type ChatDeletedData struct {
	ChatID uint `json:"chatId"`
}

type TypingData struct {
	ChatID   uint `json:"chatId"`
	UserID   uint `json:"userId"`
	IsTyping bool `json:"isTyping"`
}

type PresenceData struct {
	UserID uint `json:"userId"`
	Online bool `json:"online"`
}

type ErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Publisher 是引擎向实时层投递事件的出口。
// Subscribe/Unsubscribe 在返回前生效，随后的 PublishToChat 能看到最新的订阅关系。
type Publisher interface {
	PublishToUser(userID uint, evt Event)
	PublishToChat(chatID uint, evt Event)
	Subscribe(userID, chatID uint)
	Unsubscribe(userID, chatID uint)
	CloseChat(chatID uint)
}

// Nop 丢弃所有事件，用于不需要实时推送的场景。
type Nop struct{}

func (Nop) PublishToUser(uint, Event) {}
func (Nop) PublishToChat(uint, Event) {}
func (Nop) Subscribe(uint, uint)      {}
func (Nop) Unsubscribe(uint, uint)    {}
func (Nop) CloseChat(uint)            {}
