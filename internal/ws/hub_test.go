package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatcore/internal/events"
)

func newTestClient(userID uint) *Client {
	return NewClient(userID, nil)
}

// recv 读取下一条投递给 c 的事件。
func recv(t *testing.T, c *Client) events.Event {
	t.Helper()
	select {
	case b, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var evt events.Event
		if err := json.Unmarshal(b, &evt); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected event %s", b)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.rooms == nil {
		t.Error("NewHub() rooms map is nil")
	}
}

func TestHub_Online_UnknownUser(t *testing.T) {
	hub := NewHub()
	if online := hub.Online(999); online != 0 {
		t.Errorf("Online() for unknown user = %d, want 0", online)
	}
	if size := hub.RoomSize(ChatRoom(1)); size != 0 {
		t.Errorf("RoomSize() for missing room = %d, want 0", size)
	}
}

func TestRoomKeys(t *testing.T) {
	if got := UserRoom(7); got != "user:7" {
		t.Errorf("UserRoom(7) = %q", got)
	}
	if got := ChatRoom(42); got != "chat:42" {
		t.Errorf("ChatRoom(42) = %q", got)
	}
}

func TestHub_RegisterJoinsUserAndChatRooms(t *testing.T) {
	hub := NewHub()
	c := newTestClient(1)
	hub.Register(c, []uint{10, 11})

	if hub.Online(1) != 1 {
		t.Errorf("Online(1) = %d, want 1", hub.Online(1))
	}
	for _, key := range []string{UserRoom(1), ChatRoom(10), ChatRoom(11)} {
		if size := hub.RoomSize(key); size != 1 {
			t.Errorf("RoomSize(%s) = %d, want 1", key, size)
		}
	}

	hub.Unregister(c)
	if hub.Online(1) != 0 {
		t.Errorf("Online(1) after unregister = %d, want 0", hub.Online(1))
	}
	for _, key := range []string{UserRoom(1), ChatRoom(10), ChatRoom(11)} {
		if size := hub.RoomSize(key); size != 0 {
			t.Errorf("RoomSize(%s) after unregister = %d, want 0", key, size)
		}
	}
	// 重复注销不应 panic
	hub.Unregister(c)
}

func TestHub_PublishToChat(t *testing.T) {
	hub := NewHub()
	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = newTestClient(uint(i + 1))
		hub.Register(clients[i], []uint{5})
	}
	outsider := newTestClient(9)
	hub.Register(outsider, []uint{6})

	hub.PublishToChat(5, events.New(events.MessageCreated, events.MessageData{ChatID: 5, MessageID: 1, Content: "hello"}))

	for i, c := range clients {
		evt := recv(t, c)
		if evt.Type != events.MessageCreated {
			t.Errorf("client %d got %q, want %q", i, evt.Type, events.MessageCreated)
		}
	}
	expectNothing(t, outsider)
}

func TestHub_PublishToUserReachesEveryConnection(t *testing.T) {
	hub := NewHub()
	a := newTestClient(1)
	b := newTestClient(1)
	other := newTestClient(2)
	hub.Register(a, nil)
	hub.Register(b, nil)
	hub.Register(other, nil)

	hub.PublishToUser(1, events.New(events.NotificationNew, events.NotificationData{ID: 3, Type: "friend_request"}))

	for _, c := range []*Client{a, b} {
		if evt := recv(t, c); evt.Type != events.NotificationNew {
			t.Errorf("got %q, want %q", evt.Type, events.NotificationNew)
		}
	}
	expectNothing(t, other)
}

func TestHub_PublishOrderWithinRoom(t *testing.T) {
	hub := NewHub()
	c := newTestClient(1)
	hub.Register(c, []uint{1})

	for i := 0; i < 20; i++ {
		hub.PublishToChat(1, events.New(events.MessageCreated, events.MessageData{ChatID: 1, MessageID: uint(i + 1)}))
	}
	for i := 0; i < 20; i++ {
		evt := recv(t, c)
		data := evt.Data.(map[string]any)
		if got := uint(data["messageId"].(float64)); got != uint(i+1) {
			t.Fatalf("event %d has messageId %d", i, got)
		}
	}
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub := NewHub()
	c := newTestClient(1)
	hub.Register(c, nil)

	hub.Subscribe(1, 8)
	hub.PublishToChat(8, events.New(events.MessageCreated, nil))
	if evt := recv(t, c); evt.Type != events.MessageCreated {
		t.Errorf("got %q after subscribe", evt.Type)
	}

	hub.Unsubscribe(1, 8)
	hub.PublishToChat(8, events.New(events.MessageCreated, nil))
	expectNothing(t, c)

	// 离线用户订阅不创建房间
	hub.Subscribe(2, 9)
	if _, ok := hub.rooms[ChatRoom(9)]; ok {
		t.Error("Subscribe for offline user created a room")
	}
}

func TestHub_CloseChat(t *testing.T) {
	hub := NewHub()
	c := newTestClient(1)
	hub.Register(c, []uint{3})

	hub.CloseChat(3)
	hub.PublishToChat(3, events.New(events.MessageCreated, nil))
	expectNothing(t, c)

	// 关闭后用户房间仍然可用，注销也不会阻塞在已停止的房间上
	hub.PublishToUser(1, events.New(events.ChatDeleted, events.ChatDeletedData{ChatID: 3}))
	if evt := recv(t, c); evt.Type != events.ChatDeleted {
		t.Errorf("got %q, want %q", evt.Type, events.ChatDeleted)
	}
	hub.Unregister(c)
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	hub := NewHub()
	slow := newTestClient(1)
	fast := newTestClient(2)
	hub.Register(slow, []uint{1})
	hub.Register(fast, []uint{1})

	done := make(chan struct{})
	received := 0
	go func() {
		defer close(done)
		for range fast.send {
			received++
			if received == sendBuffer+10 {
				return
			}
		}
	}()

	for i := 0; i < sendBuffer+10; i++ {
		hub.PublishToChat(1, events.New(events.MessageCreated, nil))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fast client received %d events", received)
	}

	deadline := time.Now().Add(time.Second)
	for hub.Online(1) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Online(1) != 0 {
		t.Error("slow client was not dropped")
	}
	if hub.Online(2) != 1 {
		t.Error("fast client should stay connected")
	}
}

func TestHub_Tap(t *testing.T) {
	hub := NewHub()
	var (
		mu   sync.Mutex
		seen []string
	)
	hub.SetTap(func(room string, evt events.Event) {
		mu.Lock()
		seen = append(seen, room+" "+evt.Type)
		mu.Unlock()
	})

	// 没有在线连接的房间同样会经过导出钩子
	hub.PublishToUser(4, events.New(events.FriendRequested, nil))
	hub.PublishToChat(2, events.New(events.MessageDeleted, nil))

	mu.Lock()
	defer mu.Unlock()
	want := []string{"user:4 friend.requested", "chat:2 message.deleted"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("tap saw %v, want %v", seen, want)
	}
}

func TestHub_Concurrent(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	numClients := 10
	clients := make([]*Client, numClients)

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clients[id] = newTestClient(uint(id + 1))
			hub.Register(clients[id], []uint{1})
		}(i)
	}
	wg.Wait()

	if size := hub.RoomSize(ChatRoom(1)); size != numClients {
		t.Errorf("RoomSize() after concurrent register = %d, want %d", size, numClients)
	}

	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			hub.Unregister(c)
		}(c)
	}
	wg.Wait()
	if size := hub.RoomSize(ChatRoom(1)); size != 0 {
		t.Errorf("RoomSize() after concurrent unregister = %d, want 0", size)
	}
}

func TestHub_RoomsReclaimedWhenEmpty(t *testing.T) {
	hub := NewHub()
	for i := 0; i < 100; i++ {
		c := newTestClient(uint(i%5 + 1))
		hub.Register(c, []uint{1, uint(i + 2)})
		hub.Unregister(c)
	}
	if n := hub.Rooms(); n != 0 {
		t.Errorf("Rooms() after unregister = %d, want 0", n)
	}

	c := newTestClient(1)
	hub.Register(c, nil)
	hub.Subscribe(1, 4)
	hub.Unsubscribe(1, 4)
	if _, ok := hub.rooms[ChatRoom(4)]; ok {
		t.Error("chat room kept after its last member left")
	}

	// 回收之后重新订阅会得到新房间
	hub.Subscribe(1, 4)
	hub.PublishToChat(4, events.New(events.MessageCreated, nil))
	if evt := recv(t, c); evt.Type != events.MessageCreated {
		t.Errorf("got %q after resubscribe", evt.Type)
	}
	hub.Unregister(c)
	if n := hub.Rooms(); n != 0 {
		t.Errorf("Rooms() = %d, want 0", n)
	}
}

func TestHub_AttachKeepsMembershipChangesMadeWhileLoading(t *testing.T) {
	hub := NewHub()
	c := newTestClient(1)
	err := hub.Attach(context.Background(), c, func(_ context.Context, userID uint) ([]uint, error) {
		// 列表读出之后用户退出了 5、加入了 6
		hub.Unsubscribe(userID, 5)
		hub.Subscribe(userID, 6)
		return []uint{5}, nil
	})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if size := hub.RoomSize(ChatRoom(5)); size != 0 {
		t.Errorf("RoomSize(chat:5) = %d, want 0", size)
	}
	if size := hub.RoomSize(ChatRoom(6)); size != 1 {
		t.Errorf("RoomSize(chat:6) = %d, want 1", size)
	}
	hub.PublishToChat(5, events.New(events.MessageCreated, nil))
	expectNothing(t, c)

	// 再次加入后恢复投递
	hub.Subscribe(1, 5)
	hub.PublishToChat(5, events.New(events.MessageCreated, nil))
	if evt := recv(t, c); evt.Type != events.MessageCreated {
		t.Errorf("got %q after rejoin", evt.Type)
	}
}

func TestHub_AttachLoadError(t *testing.T) {
	hub := NewHub()
	c := newTestClient(1)
	loadErr := errors.New("db down")
	err := hub.Attach(context.Background(), c, func(context.Context, uint) ([]uint, error) {
		return nil, loadErr
	})
	if !errors.Is(err, loadErr) {
		t.Fatalf("Attach() error = %v, want %v", err, loadErr)
	}
	if hub.Online(1) != 0 {
		t.Errorf("Online(1) = %d, want 0", hub.Online(1))
	}
	if n := hub.Rooms(); n != 0 {
		t.Errorf("Rooms() = %d, want 0", n)
	}
}
