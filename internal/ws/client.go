package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	sendBuffer     = 256
)

type sendResult int

const (
	sendOK sendResult = iota
	sendFull
	sendClosed
)

// Client 是一条 websocket 连接。send 只在持有 mu 时写入或关闭。
// subMu 串行化这条连接上的会话订阅变更，left 记录连接期间退出过的会话房间。
type Client struct {
	id     string
	userID uint
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
	rooms  map[string]*Room

	subMu sync.Mutex
	left  map[string]struct{}
}

func NewClient(userID uint, conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]*Room),
		left:   make(map[string]struct{}),
	}
}

// enqueue 非阻塞投递，队列满时由调用方断开这个连接。
func (c *Client) enqueue(b []byte) sendResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return sendClosed
	}
	select {
	case c.send <- b:
		return sendOK
	default:
		return sendFull
	}
}

// enter 加入 key 对应的房间；房间恰好在回收时换一个新的重试。
func (c *Client) enter(h *Hub, key string) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if r, ok := c.rooms[key]; ok && !r.stopped() {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		r := h.room(key, true)
		if !r.add(c) {
			continue
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			r.leave(c)
			return
		}
		c.rooms[key] = r
		c.mu.Unlock()
		return
	}
}

// subscribe 清除退出记录并加入会话房间。
func (c *Client) subscribe(h *Hub, key string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.left, key)
	c.enter(h, key)
}

// restore 是连接建立时的初始订阅，连接期间已经退出的会话不再加入。
func (c *Client) restore(h *Hub, key string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.left[key]; ok {
		return
	}
	c.enter(h, key)
}

func (c *Client) unsubscribe(key string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.left[key] = struct{}{}
	c.mu.Lock()
	r := c.rooms[key]
	delete(c.rooms, key)
	c.mu.Unlock()
	if r != nil {
		r.leave(c)
	}
}

// shutdown 关闭发送队列并返回连接所在的房间，只有第一次调用返回 true。
func (c *Client) shutdown() ([]*Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	close(c.send)
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.rooms = nil
	return rooms, true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
