package service

import (
	"context"
	"errors"
	"time"

	"chatcore/internal/db"
	"chatcore/internal/events"
	"chatcore/internal/models"

	"gorm.io/gorm"
)

// FriendService 实现好友关系的状态机：none -> pending -> accepted|declined，任意一方可删除。
type FriendService struct {
	db  *gorm.DB
	pub events.Publisher
}

func NewFriendService(db *gorm.DB, pub events.Publisher) *FriendService {
	return &FriendService{db: db, pub: pub}
}

// FriendDTO 是好友关系加上对方公开资料。
type FriendDTO struct {
	ID        uint                    `json:"id"`
	Status    models.FriendshipStatus `json:"status"`
	Direction string                  `json:"direction"`
	User      UserDTO                 `json:"user"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func orderPair(a, b uint) (uint, uint) {
	if a < b {
		return a, b
	}
	return b, a
}

func direction(f models.Friendship, viewer uint) string {
	if f.RequesterID == viewer {
		return "outgoing"
	}
	return "incoming"
}

// Request 发起好友请求。两个方向上已有任何记录都返回 Conflict。
func (s *FriendService) Request(ctx context.Context, requesterID, targetID uint) (*models.Friendship, error) {
	if requesterID == targetID {
		return nil, InvalidArgument("cannot befriend yourself")
	}
	var (
		fr    models.Friendship
		notif models.Notification
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		requester, err := loadUser(tx, requesterID)
		if err != nil {
			return err
		}
		if _, err := loadUser(tx, targetID); err != nil {
			return err
		}
		var count int64
		err = tx.Model(&models.Friendship{}).
			Where("(requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)",
				requesterID, targetID, targetID, requesterID).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return Conflict("friendship already exists")
		}
		low, high := orderPair(requesterID, targetID)
		fr = models.Friendship{
			RequesterID: requesterID,
			AddresseeID: targetID,
			UserLow:     low,
			UserHigh:    high,
			Status:      models.FriendPending,
		}
		if err := tx.Create(&fr).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return Conflict("friendship already exists")
			}
			return err
		}
		notif, err = createNotification(tx, targetID, NotifyFriendRequest, requester.DisplayName+" sent you a friend request")
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	s.pub.PublishToUser(targetID, events.New(events.FriendRequested, events.FriendRequestedData{FriendshipID: fr.ID, From: requesterID}))
	publishNotification(s.pub, notif)
	return &fr, nil
}

// Respond 处理收到的请求。只有 (id, 接收方, pending) 完全匹配的记录才能被响应。
func (s *FriendService) Respond(ctx context.Context, friendshipID, responderID uint, action string) (*models.Friendship, error) {
	var status models.FriendshipStatus
	switch action {
	case "accept":
		status = models.FriendAccepted
	case "decline":
		status = models.FriendDeclined
	default:
		return nil, InvalidArgument("action must be accept or decline")
	}
	var (
		fr    models.Friendship
		notif *models.Notification
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.ForUpdate(tx).
			Where("id = ? AND addressee_id = ? AND status = ?", friendshipID, responderID, models.FriendPending).
			First(&fr).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return NotFound("friend request not found")
			}
			return err
		}
		res := tx.Model(&models.Friendship{}).
			Where("id = ? AND status = ?", fr.ID, models.FriendPending).
			Updates(map[string]any{"status": status, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return NotFound("friend request not found")
		}
		fr.Status = status
		if status != models.FriendAccepted {
			return nil
		}
		responder, err := loadUser(tx, responderID)
		if err != nil {
			return err
		}
		n, err := createNotification(tx, fr.RequesterID, NotifyFriendAccepted, responder.DisplayName+" accepted your friend request")
		notif = &n
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	data := events.FriendStatusData{FriendshipID: fr.ID, Status: string(status)}
	s.pub.PublishToUser(fr.RequesterID, events.New(events.FriendResponded, data))
	s.pub.PublishToUser(responderID, events.New(events.FriendStatusChanged, data))
	if notif != nil {
		publishNotification(s.pub, *notif)
	}
	return &fr, nil
}

// Remove 删除两人之间的关系，不存在时静默成功。
func (s *FriendService) Remove(ctx context.Context, userID, otherID uint) error {
	low, high := orderPair(userID, otherID)
	res := s.db.WithContext(ctx).
		Where("user_low = ? AND user_high = ?", low, high).
		Delete(&models.Friendship{})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected > 0 {
		s.pub.PublishToUser(otherID, events.New(events.FriendRemoved, events.FriendRemovedData{By: userID}))
		s.pub.PublishToUser(userID, events.New(events.FriendRemoved, events.FriendRemovedData{By: userID, UserID: otherID}))
	}
	return nil
}

func (s *FriendService) list(tx *gorm.DB, userID uint, acceptedOnly bool) ([]FriendDTO, error) {
	q := tx.Where("requester_id = ? OR addressee_id = ?", userID, userID)
	if acceptedOnly {
		q = tx.Where("(requester_id = ? OR addressee_id = ?) AND status = ?", userID, userID, models.FriendAccepted)
	}
	var rows []models.Friendship
	if err := q.Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, f := range rows {
		ids = append(ids, f.Other(userID))
	}
	users, err := loadUsers(tx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]FriendDTO, 0, len(rows))
	for _, f := range rows {
		out = append(out, FriendDTO{
			ID:        f.ID,
			Status:    f.Status,
			Direction: direction(f, userID),
			User:      PublicUser(users[f.Other(userID)]),
			CreatedAt: f.CreatedAt,
			UpdatedAt: f.UpdatedAt,
		})
	}
	return out, nil
}

// ListMine 返回调用者的全部关系，包括待处理和已拒绝的。
func (s *FriendService) ListMine(ctx context.Context, userID uint) ([]FriendDTO, error) {
	out, err := s.list(s.db.WithContext(ctx), userID, false)
	return out, storageErr(err)
}

// ListOf 返回他人已接受的好友，第三方看不到待处理或已拒绝的记录。
func (s *FriendService) ListOf(ctx context.Context, otherID uint) ([]FriendDTO, error) {
	tx := s.db.WithContext(ctx)
	if _, err := loadUser(tx, otherID); err != nil {
		return nil, storageErr(err)
	}
	out, err := s.list(tx, otherID, true)
	return out, storageErr(err)
}

// FriendIDs 返回已接受好友的 ID，用于在线状态推送。
func (s *FriendService) FriendIDs(ctx context.Context, userID uint) ([]uint, error) {
	var rows []models.Friendship
	err := s.db.WithContext(ctx).
		Where("(requester_id = ? OR addressee_id = ?) AND status = ?", userID, userID, models.FriendAccepted).
		Find(&rows).Error
	if err != nil {
		return nil, storageErr(err)
	}
	ids := make([]uint, 0, len(rows))
	for _, f := range rows {
		ids = append(ids, f.Other(userID))
	}
	return ids, nil
}
