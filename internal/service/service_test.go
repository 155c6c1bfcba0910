package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"chatcore/internal/config"
	"chatcore/internal/db"
	"chatcore/internal/events"
	"chatcore/internal/presence"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// recorder 记录发布的事件和订阅变更，按调用顺序保存。
type recorder struct {
	mu  sync.Mutex
	ops []string
	evs []recordedEvent
}

type recordedEvent struct {
	Room  string
	Event events.Event
}

func (r *recorder) add(op string, ev *recordedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	if ev != nil {
		r.evs = append(r.evs, *ev)
	}
}

func (r *recorder) PublishToUser(userID uint, evt events.Event) {
	room := fmt.Sprintf("user:%d", userID)
	r.add(room+" "+evt.Type, &recordedEvent{Room: room, Event: evt})
}

func (r *recorder) PublishToChat(chatID uint, evt events.Event) {
	room := fmt.Sprintf("chat:%d", chatID)
	r.add(room+" "+evt.Type, &recordedEvent{Room: room, Event: evt})
}

func (r *recorder) Subscribe(userID, chatID uint) {
	r.add(fmt.Sprintf("subscribe %d chat:%d", userID, chatID), nil)
}

func (r *recorder) Unsubscribe(userID, chatID uint) {
	r.add(fmt.Sprintf("unsubscribe %d chat:%d", userID, chatID), nil)
}

func (r *recorder) CloseChat(chatID uint) {
	r.add(fmt.Sprintf("close chat:%d", chatID), nil)
}

func (r *recorder) byType(typ string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.evs {
		if e.Event.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) opsSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops, r.evs = nil, nil
}

func testConfig() config.Config {
	return config.Config{
		Env:                   "test",
		JWTAccessSecret:       "access-secret",
		JWTRefreshSecret:      "refresh-secret",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
		SessionMaxAgeDays:     7,
		BcryptCost:            bcrypt.MinCost,
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.OpenSQLite(name)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}

type testEnv struct {
	db       *gorm.DB
	rec      *recorder
	presence *presence.MemoryStore
	sessions *SessionService
	users    *UserService
	friends  *FriendService
	chats    *ChatService
	notifs   *NotificationService
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb := newTestDB(t)
	rec := &recorder{}
	ps := presence.NewMemoryStore()
	return &testEnv{
		db:       gdb,
		rec:      rec,
		presence: ps,
		sessions: NewSessionService(gdb, testConfig()),
		users:    NewUserService(gdb, ps),
		friends:  NewFriendService(gdb, rec),
		chats:    NewChatService(gdb, rec),
		notifs:   NewNotificationService(gdb),
	}
}

// register 注册一个用户并返回其 ID 与 token。
func (e *testEnv) register(t *testing.T, handle string) (uint, *TokenPair) {
	t.Helper()
	u, pair, err := e.sessions.Register(context.Background(), RegisterInput{
		Handle:   handle,
		Email:    handle + "@example.com",
		Password: "password123",
		Device:   "test",
	})
	require.NoError(t, err)
	return u.ID, pair
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "error: %v", err)
}
