package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chatcore/internal/auth"
	"chatcore/internal/events"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/presence"
	"chatcore/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ChatBackend 是网关需要的会话能力，由 service.ChatService 实现。
type ChatBackend interface {
	ChatIDsOf(ctx context.Context, userID uint) ([]uint, error)
	RequireMember(ctx context.Context, chatID, userID uint) error
	Send(ctx context.Context, chatID, senderID uint, content string) (*service.MessageDTO, error)
	Edit(ctx context.Context, chatID, messageID, editorID uint, content string) (*service.MessageDTO, error)
	Delete(ctx context.Context, chatID, messageID, requesterID uint) error
}

type NotificationBackend interface {
	MarkRead(ctx context.Context, userID, id uint) error
}

type FriendBackend interface {
	FriendIDs(ctx context.Context, userID uint) ([]uint, error)
	Request(ctx context.Context, requesterID, targetID uint) (*models.Friendship, error)
}

type Deps struct {
	Auth          auth.Verifier
	Chats         ChatBackend
	Notifications NotificationBackend
	Friends       FriendBackend
	Presence      presence.Store
}

// Gateway 负责 websocket 握手、鉴权并把连接绑定到 Hub。
type Gateway struct {
	hub       *Hub
	deps      Deps
	upgrader  websocket.Upgrader
	handshake Chain[*Handshake]
	routes    map[string]Chain[*Frame]
}

// Handshake 在握手链的各个阶段之间传递。
type Handshake struct {
	Request *http.Request
	Token   string
	UserID  uint
}

// Frame 是一条入站事件，经过解码阶段后 Payload 可用。
type Frame struct {
	Client  *Client
	Type    string
	Raw     json.RawMessage
	Payload framePayload
}

type framePayload struct {
	ChatID    uint   `json:"chatId"`
	MessageID uint   `json:"messageId"`
	UserID    uint   `json:"userId"`
	Content   string `json:"content"`
	IsTyping  bool   `json:"isTyping"`
	ID        uint   `json:"id"`
}

func NewGateway(hub *Hub, deps Deps) *Gateway {
	if deps.Presence == nil {
		deps.Presence = presence.NewMemoryStore()
	}
	g := &Gateway{
		hub:  hub,
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	g.handshake = Chain[*Handshake]{extractToken, g.verifyToken}

	decoded := Chain[*Frame]{decodePayload}
	g.routes = map[string]Chain[*Frame]{
		events.Ping:             {g.pong},
		events.Typing:           decoded.Then(requireChat, g.requireMember, g.typing),
		events.MessageSend:      decoded.Then(requireChat, g.sendMessage),
		events.MessageEdit:      decoded.Then(requireChat, requireMessage, g.editMessage),
		events.MessageDelete:    decoded.Then(requireChat, requireMessage, g.deleteMessage),
		events.FriendRequest:    decoded.Then(requireUser, g.requestFriend),
		events.NotificationRead: decoded.Then(requireID, g.markRead),
	}
	return g
}

// extractToken 优先取 query 参数 token，其次是 Authorization 头。
func extractToken(_ context.Context, hs *Handshake) error {
	hs.Token = hs.Request.URL.Query().Get("token")
	if hs.Token == "" {
		h := hs.Request.Header.Get("Authorization")
		if len(h) > 7 && (h[:7] == "Bearer " || h[:7] == "bearer ") {
			hs.Token = h[7:]
		}
	}
	if hs.Token == "" {
		return service.Unauthorized("missing token")
	}
	return nil
}

func (g *Gateway) verifyToken(_ context.Context, hs *Handshake) error {
	uid, err := g.deps.Auth.VerifyAccess(hs.Token)
	if err != nil {
		return service.Unauthorized("invalid token")
	}
	hs.UserID = uid
	return nil
}

func decodePayload(_ context.Context, f *Frame) error {
	if len(f.Raw) == 0 {
		return service.InvalidArgument("missing data")
	}
	if err := json.Unmarshal(f.Raw, &f.Payload); err != nil {
		return service.InvalidArgument("malformed data")
	}
	return nil
}

func requireChat(_ context.Context, f *Frame) error {
	if f.Payload.ChatID == 0 {
		return service.InvalidArgument("chatId is required")
	}
	return nil
}

func requireMessage(_ context.Context, f *Frame) error {
	if f.Payload.MessageID == 0 {
		return service.InvalidArgument("messageId is required")
	}
	return nil
}

func requireUser(_ context.Context, f *Frame) error {
	if f.Payload.UserID == 0 {
		return service.InvalidArgument("userId is required")
	}
	return nil
}

func requireID(_ context.Context, f *Frame) error {
	if f.Payload.ID == 0 {
		return service.InvalidArgument("id is required")
	}
	return nil
}

func (g *Gateway) requireMember(ctx context.Context, f *Frame) error {
	return g.deps.Chats.RequireMember(ctx, f.Payload.ChatID, f.Client.userID)
}

func (g *Gateway) pong(_ context.Context, f *Frame) error {
	g.reply(f.Client, events.New(events.Pong, nil))
	return nil
}

// typing 是瞬时事件，不落库，断线即丢。
func (g *Gateway) typing(_ context.Context, f *Frame) error {
	g.hub.PublishToChat(f.Payload.ChatID, events.New(events.Typing, events.TypingData{
		ChatID:   f.Payload.ChatID,
		UserID:   f.Client.userID,
		IsTyping: f.Payload.IsTyping,
	}))
	return nil
}

func (g *Gateway) sendMessage(ctx context.Context, f *Frame) error {
	_, err := g.deps.Chats.Send(ctx, f.Payload.ChatID, f.Client.userID, f.Payload.Content)
	return err
}

func (g *Gateway) editMessage(ctx context.Context, f *Frame) error {
	_, err := g.deps.Chats.Edit(ctx, f.Payload.ChatID, f.Payload.MessageID, f.Client.userID, f.Payload.Content)
	return err
}

func (g *Gateway) deleteMessage(ctx context.Context, f *Frame) error {
	return g.deps.Chats.Delete(ctx, f.Payload.ChatID, f.Payload.MessageID, f.Client.userID)
}

// requestFriend 成功时不回包，对方收到 friend.requested。
func (g *Gateway) requestFriend(ctx context.Context, f *Frame) error {
	if g.deps.Friends == nil {
		return service.InvalidArgument("friends are not available")
	}
	_, err := g.deps.Friends.Request(ctx, f.Client.userID, f.Payload.UserID)
	return err
}

func (g *Gateway) markRead(ctx context.Context, f *Frame) error {
	if g.deps.Notifications == nil {
		return service.InvalidArgument("notifications are not available")
	}
	return g.deps.Notifications.MarkRead(ctx, f.Client.userID, f.Payload.ID)
}

// reply 直接写给单个连接，不经过房间。
func (g *Gateway) reply(c *Client, evt events.Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if c.enqueue(b) == sendFull {
		go g.hub.drop(c)
	}
}

func (g *Gateway) replyError(c *Client, err error) {
	kind := service.KindOf(err)
	if kind == service.KindServerError {
		log.Error().Err(err).Uint("user_id", c.userID).Str("conn_id", c.id).Msg("ws event")
	}
	g.reply(c, events.New(events.Error, events.ErrorData{Kind: string(kind), Message: service.Message(err)}))
}

// dispatch 解析一帧并交给对应的处理链。
func (g *Gateway) dispatch(ctx context.Context, c *Client, data []byte) {
	var in events.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		metrics.WsMessagesTotal.WithLabelValues("invalid", "error").Inc()
		g.replyError(c, service.InvalidArgument("malformed frame"))
		return
	}
	chain, ok := g.routes[in.Type]
	if !ok {
		metrics.WsMessagesTotal.WithLabelValues("unknown", "error").Inc()
		g.replyError(c, service.InvalidArgument("unknown event type"))
		return
	}
	if err := chain.Run(ctx, &Frame{Client: c, Type: in.Type, Raw: in.Data}); err != nil {
		metrics.WsMessagesTotal.WithLabelValues(in.Type, "error").Inc()
		g.replyError(c, err)
		return
	}
	metrics.WsMessagesTotal.WithLabelValues(in.Type, "ok").Inc()
}

// Serve 是 GET /ws 的 handler：握手链全部通过后才升级连接。
// 升级后先登记连接再读取会话列表，读取期间提交的成员变更不会丢失。
func (g *Gateway) Serve(c *gin.Context) {
	hs := &Handshake{Request: c.Request}
	if err := g.handshake.Run(c.Request.Context(), hs); err != nil {
		if service.KindOf(err) == service.KindServerError {
			log.Error().Err(err).Msg("ws handshake")
		}
		c.JSON(service.HTTPStatus(err), gin.H{"error": gin.H{"kind": service.KindOf(err), "message": service.Message(err)}})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", hs.UserID).Msg("ws upgrade")
		return
	}
	client := NewClient(hs.UserID, conn)
	if err := g.hub.Attach(c.Request.Context(), client, g.deps.Chats.ChatIDsOf); err != nil {
		log.Error().Err(err).Uint("user_id", hs.UserID).Msg("ws load chats")
		_ = conn.WriteJSON(events.New(events.Error, events.ErrorData{Kind: string(service.KindOf(err)), Message: service.Message(err)}))
		_ = conn.Close()
		return
	}
	log.Debug().Uint("user_id", client.userID).Str("conn_id", client.id).Msg("ws connected")
	g.setOnline(client.userID, true)

	go client.writePump()
	g.readPump(client)
}

// readPump 在当前 goroutine 中顺序处理入站帧；入站处理使用独立的 context，
// 连接断开不会中断已经开始的存储操作。
func (g *Gateway) readPump(c *Client) {
	defer func() {
		g.hub.Unregister(c)
		_ = c.conn.Close()
		g.setOnline(c.userID, false)
		log.Debug().Uint("user_id", c.userID).Str("conn_id", c.id).Msg("ws disconnected")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := g.deps.Presence.Touch(context.Background(), c.userID); err != nil {
			log.Warn().Err(err).Uint("user_id", c.userID).Msg("presence touch")
		}
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		g.dispatch(context.Background(), c, data)
	}
}

// setOnline 维护在线计数，首个连接上线或最后一个连接下线时通知好友。
func (g *Gateway) setOnline(userID uint, online bool) {
	ctx := context.Background()
	var (
		changed bool
		err     error
	)
	if online {
		changed, err = g.deps.Presence.Connect(ctx, userID)
	} else {
		changed, err = g.deps.Presence.Disconnect(ctx, userID)
	}
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Bool("online", online).Msg("presence update")
		return
	}
	if !changed || g.deps.Friends == nil {
		return
	}
	friends, err := g.deps.Friends.FriendIDs(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("presence friends")
		return
	}
	evt := events.New(events.PresenceChanged, events.PresenceData{UserID: userID, Online: online})
	for _, id := range friends {
		g.hub.PublishToUser(id, evt)
	}
}
