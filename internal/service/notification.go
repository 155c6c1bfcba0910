package service

import (
	"context"
	"time"

	"chatcore/internal/events"
	"chatcore/internal/models"

	"gorm.io/gorm"
)

// 通知类型。
const (
	NotifyFriendRequest  = "friend_request"
	NotifyFriendAccepted = "friend_accepted"
	NotifyChatAdded      = "chat_added"
)

// NotificationService 管理持久化的通知，离线期间产生的通知上线后仍可查询。
type NotificationService struct {
	db *gorm.DB
}

func NewNotificationService(db *gorm.DB) *NotificationService {
	return &NotificationService{db: db}
}

type NotificationDTO struct {
	ID        uint      `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

func toNotificationDTO(n models.Notification) NotificationDTO {
	return NotificationDTO{ID: n.ID, Type: n.Type, Message: n.Message, IsRead: n.IsRead, CreatedAt: n.CreatedAt}
}

// createNotification 在调用方的事务内写入一条通知。
func createNotification(tx *gorm.DB, userID uint, typ, msg string) (models.Notification, error) {
	n := models.Notification{UserID: userID, Type: typ, Message: msg}
	err := tx.Create(&n).Error
	return n, err
}

// publishNotification 在事务提交后推送 notification.new。
func publishNotification(pub events.Publisher, n models.Notification) {
	pub.PublishToUser(n.UserID, events.New(events.NotificationNew, events.NotificationData{
		ID:        n.ID,
		Type:      n.Type,
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	}))
}

// List 按 id 倒序返回通知，unreadOnly 时只返回未读。
func (s *NotificationService) List(ctx context.Context, userID uint, unreadOnly bool) ([]NotificationDTO, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var rows []models.Notification
	if err := q.Order("id desc").Limit(200).Find(&rows).Error; err != nil {
		return nil, storageErr(err)
	}
	out := make([]NotificationDTO, 0, len(rows))
	for _, n := range rows {
		out = append(out, toNotificationDTO(n))
	}
	return out, nil
}

func (s *NotificationService) MarkRead(ctx context.Context, userID, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("is_read", true)
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound("notification not found")
	}
	return nil
}

func (s *NotificationService) Delete(ctx context.Context, userID, id uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.Notification{})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound("notification not found")
	}
	return nil
}
