package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/db"
	"chatcore/internal/events"
	"chatcore/internal/models"

	"gorm.io/gorm"
)

// ChatService 管理会话、成员与消息。所有会话内操作都在同一事务里重新校验成员身份。
type ChatService struct {
	db  *gorm.DB
	pub events.Publisher
}

func NewChatService(db *gorm.DB, pub events.Publisher) *ChatService {
	return &ChatService{db: db, pub: pub}
}

// ChatDTO 是对外输出的会话数据，Role 为调用者在会话中的角色。
type ChatDTO struct {
	ID        uint              `json:"id"`
	Type      models.ChatType   `json:"type"`
	Name      string            `json:"name"`
	Role      models.MemberRole `json:"role,omitempty"`
	Members   []MemberDTO       `json:"members,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type MemberDTO struct {
	UserID      uint              `json:"user_id"`
	Handle      string            `json:"handle"`
	DisplayName string            `json:"display_name"`
	Role        models.MemberRole `json:"role"`
	JoinedAt    time.Time         `json:"joined_at"`
}

func pairKey(a, b uint) string {
	low, high := orderPair(a, b)
	return fmt.Sprintf("%d:%d", low, high)
}

func checkChatName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", InvalidArgument("name is required")
	}
	if utf8.RuneCountInString(name) > 128 {
		return "", InvalidArgument("name too long")
	}
	return name, nil
}

func loadChat(tx *gorm.DB, chatID uint) (models.Chat, error) {
	var chat models.Chat
	if err := tx.First(&chat, chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat, ErrChatNotFound
		}
		return chat, err
	}
	return chat, nil
}

// lockChat 读取会话行并加排他锁，同一会话的成员与角色变更由此串行。
func lockChat(tx *gorm.DB, chatID uint) (models.Chat, error) {
	return loadChat(db.ForUpdate(tx), chatID)
}

// findMember 读取成员行并加共享锁，不存在时返回 (nil, nil)。
func findMember(tx *gorm.DB, chatID, userID uint) (*models.ChatMember, error) {
	var m models.ChatMember
	err := db.ForShare(tx).Where("chat_id = ? AND user_id = ?", chatID, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// requireMember 确认会话存在且 userID 是成员，供同一事务内的写操作使用。
func requireMember(tx *gorm.DB, chatID, userID uint) (models.Chat, *models.ChatMember, error) {
	chat, err := loadChat(tx, chatID)
	if err != nil {
		return chat, nil, err
	}
	m, err := findMember(tx, chatID, userID)
	if err != nil {
		return chat, nil, err
	}
	if m == nil {
		return chat, nil, ErrNotMember
	}
	return chat, m, nil
}

func memberIDs(tx *gorm.DB, chatID uint) ([]uint, error) {
	var ids []uint
	err := tx.Model(&models.ChatMember{}).Where("chat_id = ?", chatID).Order("joined_at asc, user_id asc").Pluck("user_id", &ids).Error
	return ids, err
}

func deleteChatRows(tx *gorm.DB, chatID uint) error {
	if err := tx.Where("chat_id = ?", chatID).Delete(&models.Message{}).Error; err != nil {
		return err
	}
	if err := tx.Where("chat_id = ?", chatID).Delete(&models.ChatMember{}).Error; err != nil {
		return err
	}
	return tx.Delete(&models.Chat{}, chatID).Error
}

// CreatePersonal 创建两人私聊，同一对用户只能有一个。
func (s *ChatService) CreatePersonal(ctx context.Context, userID, targetID uint, name string) (*ChatDTO, error) {
	if userID == targetID {
		return nil, InvalidArgument("cannot open a personal chat with yourself")
	}
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > 128 {
		return nil, InvalidArgument("name too long")
	}
	key := pairKey(userID, targetID)
	var chat models.Chat
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadUser(tx, targetID); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&models.Chat{}).Where("type = ? AND pair_key = ?", models.ChatPersonal, key).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return Conflict("personal chat already exists")
		}
		chat = models.Chat{Type: models.ChatPersonal, Name: name, PairKey: &key}
		if err := tx.Create(&chat).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return Conflict("personal chat already exists")
			}
			return err
		}
		now := time.Now()
		members := []models.ChatMember{
			{ChatID: chat.ID, UserID: userID, Role: models.RoleMember, JoinedAt: now},
			{ChatID: chat.ID, UserID: targetID, Role: models.RoleMember, JoinedAt: now},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.pub.Subscribe(userID, chat.ID)
	s.pub.Subscribe(targetID, chat.ID)
	s.pub.PublishToUser(targetID, events.New(events.ChatMemberAdded, events.ChatMemberData{ChatID: chat.ID, UserID: targetID}))
	return &ChatDTO{ID: chat.ID, Type: chat.Type, Name: chat.Name, Role: models.RoleMember, CreatedAt: chat.CreatedAt}, nil
}

// CreateGroup 创建群聊，创建者成为管理员。
func (s *ChatService) CreateGroup(ctx context.Context, userID uint, name string) (*ChatDTO, error) {
	name, err := checkChatName(name)
	if err != nil {
		return nil, err
	}
	var chat models.Chat
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadUser(tx, userID); err != nil {
			return err
		}
		chat = models.Chat{Type: models.ChatGroup, Name: name}
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		return tx.Create(&models.ChatMember{ChatID: chat.ID, UserID: userID, Role: models.RoleAdmin, JoinedAt: time.Now()}).Error
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.pub.Subscribe(userID, chat.ID)
	return &ChatDTO{ID: chat.ID, Type: chat.Type, Name: chat.Name, Role: models.RoleAdmin, CreatedAt: chat.CreatedAt}, nil
}

// AddMember 由现有成员把 userID 拉进群聊；私聊成员固定。
func (s *ChatService) AddMember(ctx context.Context, chatID, actorID, userID uint) (*MemberDTO, error) {
	var (
		member models.ChatMember
		user   models.User
		notif  models.Notification
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockChat(tx, chatID); err != nil {
			return err
		}
		chat, _, err := requireMember(tx, chatID, actorID)
		if err != nil {
			return err
		}
		if chat.Type == models.ChatPersonal {
			return InvalidArgument("personal chat membership is fixed")
		}
		if user, err = loadUser(tx, userID); err != nil {
			return err
		}
		existing, err := findMember(tx, chatID, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			return Conflict("already a member")
		}
		member = models.ChatMember{ChatID: chatID, UserID: userID, Role: models.RoleMember, JoinedAt: time.Now()}
		if err := tx.Create(&member).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return Conflict("already a member")
			}
			return err
		}
		notif, err = createNotification(tx, userID, NotifyChatAdded, "you were added to "+chat.Name)
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.pub.Subscribe(userID, chatID)
	s.pub.PublishToChat(chatID, events.New(events.ChatMemberAdded, events.ChatMemberData{ChatID: chatID, UserID: userID}))
	publishNotification(s.pub, notif)
	return &MemberDTO{UserID: userID, Handle: user.Handle, DisplayName: user.DisplayName, Role: member.Role, JoinedAt: member.JoinedAt}, nil
}

// RemoveMember 移除成员。本人可以退出，管理员可以移除他人。
// 最后一个管理员离开时把最早加入的成员提升为管理员；成员清空时删除整个会话。
func (s *ChatService) RemoveMember(ctx context.Context, chatID, actorID, userID uint) error {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chat, err := lockChat(tx, chatID)
		if err != nil {
			return err
		}
		if chat.Type == models.ChatPersonal {
			return InvalidArgument("personal chat membership is fixed")
		}
		if actorID != userID {
			actor, err := findMember(tx, chatID, actorID)
			if err != nil {
				return err
			}
			if actor == nil {
				return ErrNotMember
			}
			if actor.Role != models.RoleAdmin {
				return Forbidden("only admins can remove other members")
			}
		}
		var m models.ChatMember
		if err := db.ForUpdate(tx).Where("chat_id = ? AND user_id = ?", chatID, userID).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NotFound("member not found")
			}
			return err
		}
		if err := tx.Where("chat_id = ? AND user_id = ?", chatID, userID).Delete(&models.ChatMember{}).Error; err != nil {
			return err
		}
		remaining, err := memberIDs(tx, chatID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			deleted = true
			return deleteChatRows(tx, chatID)
		}
		if m.Role != models.RoleAdmin {
			return nil
		}
		var admins int64
		if err := tx.Model(&models.ChatMember{}).Where("chat_id = ? AND role = ?", chatID, models.RoleAdmin).Count(&admins).Error; err != nil {
			return err
		}
		if admins > 0 {
			return nil
		}
		return tx.Model(&models.ChatMember{}).
			Where("chat_id = ? AND user_id = ?", chatID, remaining[0]).
			Update("role", models.RoleAdmin).Error
	})
	if err != nil {
		return storageErr(err)
	}
	s.pub.Unsubscribe(userID, chatID)
	data := events.ChatMemberData{ChatID: chatID, UserID: userID}
	s.pub.PublishToUser(userID, events.New(events.ChatMemberRemoved, data))
	if deleted {
		s.pub.CloseChat(chatID)
		return nil
	}
	s.pub.PublishToChat(chatID, events.New(events.ChatMemberRemoved, data))
	return nil
}

// ListMine 返回调用者所在的全部会话；未命名的私聊以对方的显示名作为名称。
func (s *ChatService) ListMine(ctx context.Context, userID uint) ([]ChatDTO, error) {
	tx := s.db.WithContext(ctx)
	var mine []models.ChatMember
	if err := tx.Where("user_id = ?", userID).Find(&mine).Error; err != nil {
		return nil, storageErr(err)
	}
	if len(mine) == 0 {
		return []ChatDTO{}, nil
	}
	roles := make(map[uint]models.MemberRole, len(mine))
	ids := make([]uint, 0, len(mine))
	for _, m := range mine {
		roles[m.ChatID] = m.Role
		ids = append(ids, m.ChatID)
	}
	var chats []models.Chat
	if err := tx.Where("id IN ?", ids).Order("updated_at desc, id desc").Find(&chats).Error; err != nil {
		return nil, storageErr(err)
	}
	names, err := s.personalNames(tx, chats, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	out := make([]ChatDTO, 0, len(chats))
	for _, c := range chats {
		name := c.Name
		if name == "" {
			name = names[c.ID]
		}
		out = append(out, ChatDTO{ID: c.ID, Type: c.Type, Name: name, Role: roles[c.ID], CreatedAt: c.CreatedAt})
	}
	return out, nil
}

// personalNames 为未命名私聊找到对方的显示名。
func (s *ChatService) personalNames(tx *gorm.DB, chats []models.Chat, userID uint) (map[uint]string, error) {
	var ids []uint
	for _, c := range chats {
		if c.Type == models.ChatPersonal && c.Name == "" {
			ids = append(ids, c.ID)
		}
	}
	out := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var others []models.ChatMember
	if err := tx.Where("chat_id IN ? AND user_id <> ?", ids, userID).Find(&others).Error; err != nil {
		return nil, err
	}
	userIDs := make([]uint, 0, len(others))
	for _, m := range others {
		userIDs = append(userIDs, m.UserID)
	}
	users, err := loadUsers(tx, userIDs)
	if err != nil {
		return nil, err
	}
	for _, m := range others {
		out[m.ChatID] = users[m.UserID].DisplayName
	}
	return out, nil
}

// Get 返回会话详情和成员列表，非成员返回 Forbidden。
func (s *ChatService) Get(ctx context.Context, chatID, userID uint) (*ChatDTO, error) {
	tx := s.db.WithContext(ctx)
	chat, m, err := requireMember(tx, chatID, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	members, err := s.members(tx, chatID)
	if err != nil {
		return nil, storageErr(err)
	}
	name := chat.Name
	if name == "" && chat.Type == models.ChatPersonal {
		for _, mm := range members {
			if mm.UserID != userID {
				name = mm.DisplayName
			}
		}
	}
	return &ChatDTO{ID: chat.ID, Type: chat.Type, Name: name, Role: m.Role, Members: members, CreatedAt: chat.CreatedAt}, nil
}

func (s *ChatService) members(tx *gorm.DB, chatID uint) ([]MemberDTO, error) {
	var rows []models.ChatMember
	if err := tx.Where("chat_id = ?", chatID).Order("joined_at asc, user_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	users, err := loadUsers(tx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]MemberDTO, 0, len(rows))
	for _, r := range rows {
		u := users[r.UserID]
		out = append(out, MemberDTO{UserID: r.UserID, Handle: u.Handle, DisplayName: u.DisplayName, Role: r.Role, JoinedAt: r.JoinedAt})
	}
	return out, nil
}

func (s *ChatService) Members(ctx context.Context, chatID, userID uint) ([]MemberDTO, error) {
	tx := s.db.WithContext(ctx)
	if _, _, err := requireMember(tx, chatID, userID); err != nil {
		return nil, storageErr(err)
	}
	out, err := s.members(tx, chatID)
	return out, storageErr(err)
}

// canManage 判断成员能否修改会话本身：群聊需要管理员，私聊任一成员即可。
func canManage(chat models.Chat, m *models.ChatMember) bool {
	return chat.Type == models.ChatPersonal || m.Role == models.RoleAdmin
}

func (s *ChatService) Rename(ctx context.Context, chatID, userID uint, name string) (*ChatDTO, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > 128 {
		return nil, InvalidArgument("name too long")
	}
	var (
		chat models.Chat
		role models.MemberRole
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, m, err := requireMember(tx, chatID, userID)
		if err != nil {
			return err
		}
		if !canManage(c, m) {
			return Forbidden("only admins can rename a group")
		}
		if c.Type == models.ChatGroup && name == "" {
			return InvalidArgument("name is required")
		}
		if err := tx.Model(&c).Update("name", name).Error; err != nil {
			return err
		}
		chat, role = c, m.Role
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return &ChatDTO{ID: chat.ID, Type: chat.Type, Name: name, Role: role, CreatedAt: chat.CreatedAt}, nil
}

// DeleteChat 删除会话及其成员和消息，并通知所有在线成员。
func (s *ChatService) DeleteChat(ctx context.Context, chatID, userID uint) error {
	var members []uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, m, err := requireMember(tx, chatID, userID)
		if err != nil {
			return err
		}
		if !canManage(c, m) {
			return Forbidden("only admins can delete a group")
		}
		if members, err = memberIDs(tx, chatID); err != nil {
			return err
		}
		return deleteChatRows(tx, chatID)
	})
	if err != nil {
		return storageErr(err)
	}
	evt := events.New(events.ChatDeleted, events.ChatDeletedData{ChatID: chatID})
	s.pub.CloseChat(chatID)
	for _, uid := range members {
		s.pub.PublishToUser(uid, evt)
	}
	return nil
}

// SetRole 修改成员角色，只有管理员可以操作，不能把最后一个管理员降级。
func (s *ChatService) SetRole(ctx context.Context, chatID, actorID, userID uint, role models.MemberRole) error {
	if role != models.RoleAdmin && role != models.RoleMember {
		return InvalidArgument("role must be admin or member")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockChat(tx, chatID); err != nil {
			return err
		}
		chat, actor, err := requireMember(tx, chatID, actorID)
		if err != nil {
			return err
		}
		if chat.Type == models.ChatPersonal {
			return InvalidArgument("personal chats have no roles")
		}
		if actor.Role != models.RoleAdmin {
			return Forbidden("only admins can change roles")
		}
		target, err := findMember(tx, chatID, userID)
		if err != nil {
			return err
		}
		if target == nil {
			return NotFound("member not found")
		}
		if target.Role == role {
			return nil
		}
		if role == models.RoleMember {
			var admins int64
			if err := tx.Model(&models.ChatMember{}).Where("chat_id = ? AND role = ?", chatID, models.RoleAdmin).Count(&admins).Error; err != nil {
				return err
			}
			if admins <= 1 {
				return Conflict("a group needs at least one admin")
			}
		}
		return tx.Model(&models.ChatMember{}).
			Where("chat_id = ? AND user_id = ?", chatID, userID).
			Update("role", role).Error
	})
	return storageErr(err)
}

// ChatIDsOf 返回用户所在的会话 ID，连接建立时用来订阅会话房间。
func (s *ChatService) ChatIDsOf(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.ChatMember{}).Where("user_id = ?", userID).Pluck("chat_id", &ids).Error
	return ids, storageErr(err)
}

// RequireMember 校验成员身份，用于实时通道里不落库的事件。
func (s *ChatService) RequireMember(ctx context.Context, chatID, userID uint) error {
	_, _, err := requireMember(s.db.WithContext(ctx), chatID, userID)
	return storageErr(err)
}
