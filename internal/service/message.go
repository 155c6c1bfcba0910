package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/events"
	"chatcore/internal/models"

	"gorm.io/gorm"
)

const maxContentLen = 4000

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID        uint       `json:"id"`
	ChatID    uint       `json:"chat_id"`
	SenderID  uint       `json:"sender_id"`
	Sender    string     `json:"sender"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

func toMessageData(m models.Message) events.MessageData {
	return events.MessageData{
		ChatID:    m.ChatID,
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}

func checkContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", InvalidArgument("content is required")
	}
	if utf8.RuneCountInString(content) > maxContentLen {
		return "", InvalidArgument("content too long")
	}
	return content, nil
}

func loadMessage(tx *gorm.DB, chatID, messageID uint) (models.Message, error) {
	var m models.Message
	if err := tx.Where("id = ? AND chat_id = ?", messageID, chatID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return m, ErrMessageNotFound
		}
		return m, err
	}
	return m, nil
}

// Send 写入一条消息并推送到会话房间。成员校验与写入在同一事务内完成。
func (s *ChatService) Send(ctx context.Context, chatID, senderID uint, content string) (*MessageDTO, error) {
	content, err := checkContent(content)
	if err != nil {
		return nil, err
	}
	var (
		msg    models.Message
		sender models.User
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := requireMember(tx, chatID, senderID); err != nil {
			return err
		}
		msg = models.Message{ChatID: chatID, SenderID: senderID, Content: content}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		sender, err = loadUser(tx, senderID)
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.pub.PublishToChat(chatID, events.New(events.MessageCreated, toMessageData(msg)))
	return &MessageDTO{ID: msg.ID, ChatID: chatID, SenderID: senderID, Sender: sender.DisplayName, Content: msg.Content, CreatedAt: msg.CreatedAt}, nil
}

// Edit 修改消息内容，只有发送者本人可以修改。
func (s *ChatService) Edit(ctx context.Context, chatID, messageID, editorID uint, content string) (*MessageDTO, error) {
	content, err := checkContent(content)
	if err != nil {
		return nil, err
	}
	var msg models.Message
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, err := requireMember(tx, chatID, editorID); err != nil {
			return err
		}
		if msg, err = loadMessage(tx, chatID, messageID); err != nil {
			return err
		}
		if msg.SenderID != editorID {
			return Forbidden("only the sender can edit a message")
		}
		now := time.Now()
		if err := tx.Model(&msg).Updates(map[string]any{"content": content, "edited_at": now}).Error; err != nil {
			return err
		}
		msg.Content, msg.EditedAt = content, &now
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.pub.PublishToChat(chatID, events.New(events.MessageUpdated, toMessageData(msg)))
	return &MessageDTO{ID: msg.ID, ChatID: chatID, SenderID: msg.SenderID, Content: msg.Content, CreatedAt: msg.CreatedAt, EditedAt: msg.EditedAt}, nil
}

// Delete 删除消息，发送者或会话管理员可以删除。
func (s *ChatService) Delete(ctx context.Context, chatID, messageID, requesterID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, member, err := requireMember(tx, chatID, requesterID)
		if err != nil {
			return err
		}
		msg, err := loadMessage(tx, chatID, messageID)
		if err != nil {
			return err
		}
		if msg.SenderID != requesterID && member.Role != models.RoleAdmin {
			return Forbidden("only the sender or an admin can delete a message")
		}
		return tx.Delete(&msg).Error
	})
	if err != nil {
		return storageErr(err)
	}
	s.pub.PublishToChat(chatID, events.New(events.MessageDeleted, events.MessageDeletedData{ChatID: chatID, MessageID: messageID}))
	return nil
}

// Messages 分页查询会话消息，按 id 升序返回；beforeID 为 0 时取最新一页。
func (s *ChatService) Messages(ctx context.Context, chatID, userID uint, limit int, beforeID uint) ([]MessageDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	tx := s.db.WithContext(ctx)
	if _, _, err := requireMember(tx, chatID, userID); err != nil {
		return nil, storageErr(err)
	}

	q := tx.Where("chat_id = ?", chatID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, storageErr(err)
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	senders, err := s.resolveSenders(tx, msgs)
	if err != nil {
		return nil, storageErr(err)
	}

	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			ID:        m.ID,
			ChatID:    m.ChatID,
			SenderID:  m.SenderID,
			Sender:    senders[m.SenderID],
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			EditedAt:  m.EditedAt,
		})
	}
	return out, nil
}

// resolveSenders 批量获取消息发送者的显示名。
func (s *ChatService) resolveSenders(tx *gorm.DB, msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	users, err := loadUsers(tx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[uint]string, len(users))
	for id, u := range users {
		names[id] = u.DisplayName
	}
	return names, nil
}
