package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/db"
	"chatcore/internal/models"
	"chatcore/internal/presence"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// UserService 封装用户资料相关的业务逻辑。
type UserService struct {
	db       *gorm.DB
	presence presence.Store
}

func NewUserService(db *gorm.DB, ps presence.Store) *UserService {
	return &UserService{db: db, presence: ps}
}

// UserDTO 是对外输出的用户数据，Email/Phone 只在本人视角下填充。
type UserDTO struct {
	ID          uint      `json:"id"`
	Handle      string    `json:"handle"`
	Email       string    `json:"email,omitempty"`
	Phone       *string   `json:"phone,omitempty"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	Bio         string    `json:"bio"`
	CreatedAt   time.Time `json:"created_at"`
}

func PublicUser(u models.User) UserDTO {
	return UserDTO{
		ID:          u.ID,
		Handle:      u.Handle,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Bio:         u.Bio,
		CreatedAt:   u.CreatedAt,
	}
}

func PrivateUser(u models.User) UserDTO {
	dto := PublicUser(u)
	dto.Email = u.Email
	dto.Phone = u.Phone
	return dto
}

// patchableUserFields 是 PATCH /me 允许修改的列。
var patchableUserFields = []string{"handle", "display_name", "phone", "avatar_url", "bio"}

func loadUser(tx *gorm.DB, id uint) (models.User, error) {
	var u models.User
	if err := tx.First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return u, ErrUserNotFound
		}
		return u, err
	}
	return u, nil
}

// loadUsers 批量读取用户，返回 id 到用户的映射。
func loadUsers(tx *gorm.DB, ids []uint) (map[uint]models.User, error) {
	out := make(map[uint]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := tx.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *UserService) Me(ctx context.Context, id uint) (*UserDTO, error) {
	u, err := loadUser(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, storageErr(err)
	}
	dto := PrivateUser(u)
	return &dto, nil
}

// Profile 返回公开资料。
func (s *UserService) Profile(ctx context.Context, id uint) (*UserDTO, error) {
	u, err := loadUser(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, storageErr(err)
	}
	dto := PublicUser(u)
	return &dto, nil
}

func checkUserField(col string, v any) (any, error) {
	if v == nil {
		if col == "phone" {
			return nil, nil
		}
		return nil, InvalidArgument(col + " cannot be null")
	}
	str, ok := v.(string)
	if !ok {
		return nil, InvalidArgument(col + " must be a string")
	}
	str = strings.TrimSpace(str)
	switch col {
	case "handle":
		if !validHandle(str) {
			return nil, InvalidArgument("handle must be 3-50 characters without spaces, '@' or ':'")
		}
	case "display_name":
		if str == "" || utf8.RuneCountInString(str) > 100 {
			return nil, InvalidArgument("display_name must be 1-100 characters")
		}
	case "phone":
		if str == "" {
			return nil, nil
		}
		if len(str) > 20 {
			return nil, InvalidArgument("invalid phone")
		}
	case "avatar_url":
		if len(str) > 255 {
			return nil, InvalidArgument("avatar_url too long")
		}
	}
	return str, nil
}

// Patch 按白名单做稀疏更新，未知字段返回 InvalidArgument，handle 冲突返回 Conflict。
func (s *UserService) Patch(ctx context.Context, id uint, fields map[string]any) (*UserDTO, error) {
	p, err := db.NewPatch(fields, patchableUserFields...)
	if err != nil {
		return nil, InvalidArgument(err.Error())
	}
	clean := make(map[string]any, len(fields))
	for _, col := range p.Columns() {
		v, _ := p.Value(col)
		cv, err := checkUserField(col, v)
		if err != nil {
			return nil, err
		}
		clean[col] = cv
	}
	if p, err = db.NewPatch(clean, patchableUserFields...); err != nil {
		return nil, InvalidArgument(err.Error())
	}
	var user models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if h, ok := p.Value("handle"); ok {
			var count int64
			if err := tx.Model(&models.User{}).Where("handle = ? AND id <> ?", h, id).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return Conflict("handle already taken")
			}
		}
		n, err := p.Apply(tx, &models.User{}, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUserNotFound
		}
		user, err = loadUser(tx, id)
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	log.Debug().Uint("user_id", id).Strs("fields", p.Columns()).Msg("profile patched")
	dto := PrivateUser(user)
	return &dto, nil
}

// Status 返回用户是否在线。
func (s *UserService) Status(ctx context.Context, id uint) (bool, error) {
	if _, err := loadUser(s.db.WithContext(ctx), id); err != nil {
		return false, storageErr(err)
	}
	online, err := s.presence.IsOnline(ctx, id)
	if err != nil {
		return false, storageErr(err)
	}
	return online, nil
}
