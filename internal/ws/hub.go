package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"chatcore/internal/events"
	"chatcore/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Tap 在事件进入房间之前收到一份副本，用于对外导出。
type Tap func(room string, evt events.Event)

// Hub 管理按键寻址的房间（user:{id} 与 chat:{id}）以及每个用户的在线连接。
// 房间延迟创建，最后一个连接离开时回收；每个房间一个 goroutine，保证同一房间内按发布顺序投递。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	users map[uint]map[*Client]struct{}
	tap   Tap
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room), users: make(map[uint]map[*Client]struct{})}
}

// SetTap 设置导出钩子，需在开始发布前调用。
func (h *Hub) SetTap(t Tap) { h.tap = t }

func UserRoom(userID uint) string { return "user:" + strconv.FormatUint(uint64(userID), 10) }
func ChatRoom(chatID uint) string { return "chat:" + strconv.FormatUint(uint64(chatID), 10) }

// room 返回已存在的房间，create 为真时懒加载。
func (h *Hub) room(key string, create bool) *Room {
	h.mu.RLock()
	r := h.rooms[key]
	h.mu.RUnlock()
	if r != nil || !create {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r = h.rooms[key]; r != nil {
		return r
	}
	r = newRoom(h, key)
	h.rooms[key] = r
	go r.run()
	return r
}

// ChatLoader 返回用户当前所在的会话。
type ChatLoader func(ctx context.Context, userID uint) ([]uint, error)

// Register 把连接加入用户房间和给定的会话房间，返回时订阅已经生效。
func (h *Hub) Register(c *Client, chatIDs []uint) {
	_ = h.Attach(context.Background(), c, func(context.Context, uint) ([]uint, error) { return chatIDs, nil })
}

// Attach 先把连接登记到用户名下并加入用户房间，再用 load 读取会话列表并加入会话房间。
// 登记之后的 Subscribe/Unsubscribe 都会作用到这条连接上，load 读到的旧列表不会覆盖它们。
// load 失败时连接被注销。
func (h *Hub) Attach(ctx context.Context, c *Client, load ChatLoader) error {
	h.mu.Lock()
	set := h.users[c.userID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.WsConnections.Inc()

	c.enter(h, UserRoom(c.userID))
	chatIDs, err := load(ctx, c.userID)
	if err != nil {
		h.Unregister(c)
		return err
	}
	for _, id := range chatIDs {
		c.restore(h, ChatRoom(id))
	}
	return nil
}

// Unregister 把连接从所有房间移除并关闭发送队列，可重复调用。
func (h *Hub) Unregister(c *Client) {
	rooms, ok := c.shutdown()
	if !ok {
		return
	}
	h.mu.Lock()
	if set := h.users[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.userID)
		}
	}
	h.mu.Unlock()
	metrics.WsConnections.Dec()
	for _, r := range rooms {
		r.leave(c)
	}
}

// drop 处理发送队列已满的慢连接。
func (h *Hub) drop(c *Client) {
	metrics.DroppedClients.Inc()
	log.Warn().Uint("user_id", c.userID).Str("conn_id", c.id).Msg("ws client too slow, dropping")
	h.Unregister(c)
}

func (h *Hub) clientsOf(userID uint) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		out = append(out, c)
	}
	return out
}

// Online 返回用户当前的连接数。
func (h *Hub) Online(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Rooms 返回当前存活的房间数。
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomSize 返回房间内的连接数，房间不存在时为 0。
func (h *Hub) RoomSize(key string) int {
	if r := h.room(key, false); r != nil {
		return r.Online()
	}
	return 0
}

func (h *Hub) publish(key string, evt events.Event) {
	if h.tap != nil {
		h.tap(key, evt)
	}
	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
	r := h.room(key, false)
	if r == nil {
		return
	}
	b, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("type", evt.Type).Msg("marshal event")
		return
	}
	r.send(b)
}

func (h *Hub) PublishToUser(userID uint, evt events.Event) { h.publish(UserRoom(userID), evt) }
func (h *Hub) PublishToChat(chatID uint, evt events.Event) { h.publish(ChatRoom(chatID), evt) }

// Subscribe 把用户的所有在线连接加入会话房间。
func (h *Hub) Subscribe(userID, chatID uint) {
	key := ChatRoom(chatID)
	for _, c := range h.clientsOf(userID) {
		c.subscribe(h, key)
	}
}

// Unsubscribe 把用户的所有在线连接移出会话房间。
func (h *Hub) Unsubscribe(userID, chatID uint) {
	key := ChatRoom(chatID)
	for _, c := range h.clientsOf(userID) {
		c.unsubscribe(key)
	}
}

// CloseChat 停止会话房间，之后对该会话的发布直接丢弃。
func (h *Hub) CloseChat(chatID uint) {
	key := ChatRoom(chatID)
	h.mu.Lock()
	r := h.rooms[key]
	delete(h.rooms, key)
	h.mu.Unlock()
	if r != nil {
		r.stop()
	}
}

var _ events.Publisher = (*Hub)(nil)

// Room 是一个扇出目标，所有状态只由它自己的 goroutine 修改。
type Room struct {
	hub        *Hub
	key        string
	clients    map[*Client]struct{}
	register   chan roomReq
	unregister chan roomReq
	broadcast  chan []byte
	quit       chan struct{}
	once       sync.Once
	online     int32
}

func newRoom(h *Hub, key string) *Room {
	return &Room{
		hub:        h,
		key:        key,
		clients:    make(map[*Client]struct{}),
		register:   make(chan roomReq),
		unregister: make(chan roomReq),
		broadcast:  make(chan []byte, 256),
		quit:       make(chan struct{}),
	}
}

func (r *Room) run() {
	for {
		select {
		case req := <-r.register:
			r.clients[req.c] = struct{}{}
			r.recount()
			close(req.done)
		case req := <-r.unregister:
			delete(r.clients, req.c)
			empty := r.recount()
			if empty {
				r.retire()
			}
			close(req.done)
			if empty {
				return
			}
		case msg := <-r.broadcast:
			for c := range r.clients {
				switch c.enqueue(msg) {
				case sendFull:
					delete(r.clients, c)
					go r.hub.drop(c)
				case sendClosed:
					delete(r.clients, c)
				}
			}
			if r.recount() {
				r.retire()
				return
			}
		case <-r.quit:
			return
		}
	}
}

// recount 刷新在线计数，返回房间是否已空。
func (r *Room) recount() bool {
	atomic.StoreInt32(&r.online, int32(len(r.clients)))
	return len(r.clients) == 0
}

// retire 把空房间从 Hub 中摘掉并停止，之后的加入请求会拿到新房间。
func (r *Room) retire() {
	r.hub.mu.Lock()
	if r.hub.rooms[r.key] == r {
		delete(r.hub.rooms, r.key)
	}
	r.hub.mu.Unlock()
	r.stop()
}

type roomReq struct {
	c    *Client
	done chan struct{}
}

// add 与 leave 等房间 goroutine 应用完才返回，之后的广播一定能看到这次变更。
// 房间已经停止时返回 false。
func (r *Room) add(c *Client) bool { return r.apply(r.register, c) }

func (r *Room) leave(c *Client) { r.apply(r.unregister, c) }

func (r *Room) apply(ch chan roomReq, c *Client) bool {
	req := roomReq{c: c, done: make(chan struct{})}
	select {
	case ch <- req:
		<-req.done
		return true
	case <-r.quit:
		return false
	}
}

func (r *Room) send(b []byte) {
	select {
	case r.broadcast <- b:
	case <-r.quit:
	}
}

func (r *Room) stop() { r.once.Do(func() { close(r.quit) }) }

func (r *Room) stopped() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

// Online 返回房间在线连接数量。
func (r *Room) Online() int { return int(atomic.LoadInt32(&r.online)) }
