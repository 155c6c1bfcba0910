package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/models"

	"gorm.io/gorm"
)

// SessionService 负责注册、登录以及 refresh token 的轮换与吊销。
type SessionService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewSessionService(db *gorm.DB, cfg config.Config) *SessionService {
	return &SessionService{db: db, cfg: cfg}
}

// TokenPair 是一次签发的 access/refresh token。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type RegisterInput struct {
	Handle      string
	Email       string
	Password    string
	DisplayName string
	Phone       *string
	Device      string
}

// SessionDTO 是对外输出的会话信息，不包含 token 哈希。
type SessionDTO struct {
	ID        uint      `json:"id"`
	Device    string    `json:"device"`
	CreatedAt time.Time `json:"created_at"`
	RotatedAt time.Time `json:"rotated_at"`
}

func validHandle(h string) bool {
	n := utf8.RuneCountInString(h)
	return n >= 3 && n <= 50 && !strings.ContainsAny(h, " \t\r\n@:")
}

func validPassword(pw string) bool {
	return len(pw) >= 6 && len(pw) <= 72
}

func (in *RegisterInput) normalize() error {
	in.Handle = strings.TrimSpace(in.Handle)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if !validHandle(in.Handle) {
		return InvalidArgument("handle must be 3-50 characters without spaces, '@' or ':'")
	}
	if len(in.Email) > 100 || strings.Count(in.Email, "@") != 1 || strings.HasPrefix(in.Email, "@") || strings.HasSuffix(in.Email, "@") {
		return InvalidArgument("invalid email")
	}
	if !validPassword(in.Password) {
		return InvalidArgument("password must be 6-72 bytes")
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Handle
	}
	if utf8.RuneCountInString(in.DisplayName) > 100 {
		return InvalidArgument("display name too long")
	}
	if in.Phone != nil {
		p := strings.TrimSpace(*in.Phone)
		if p == "" {
			in.Phone = nil
		} else if len(p) > 20 {
			return InvalidArgument("invalid phone")
		} else {
			in.Phone = &p
		}
	}
	return nil
}

// Register 创建用户并签发第一组 token，handle 或 email 已被占用时返回 Conflict。
func (s *SessionService) Register(ctx context.Context, in RegisterInput) (*models.User, *TokenPair, error) {
	if err := in.normalize(); err != nil {
		return nil, nil, err
	}
	hash, err := auth.HashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return nil, nil, storageErr(err)
	}
	var (
		user models.User
		pair *TokenPair
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("handle = ? OR email = ?", in.Handle, in.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrHandleTaken
		}
		user = models.User{
			Handle:       in.Handle,
			Email:        in.Email,
			Phone:        in.Phone,
			DisplayName:  in.DisplayName,
			PasswordHash: hash,
		}
		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrHandleTaken
			}
			return err
		}
		p, err := s.issue(tx, user.ID, in.Device)
		pair = p
		return err
	})
	if err != nil {
		return nil, nil, storageErr(err)
	}
	return &user, pair, nil
}

// Login 按 handle 或 email 查找用户；用户不存在和密码错误返回同一个错误。
func (s *SessionService) Login(ctx context.Context, identifier, password, device string) (*models.User, *TokenPair, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, nil, InvalidArgument("identifier and password are required")
	}
	var user models.User
	err := s.db.WithContext(ctx).
		Where("handle = ? OR email = ?", identifier, strings.ToLower(identifier)).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, storageErr(err)
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, nil, ErrInvalidCredentials
	}
	pair, err := s.issue(s.db.WithContext(ctx), user.ID, device)
	if err != nil {
		return nil, nil, storageErr(err)
	}
	return &user, pair, nil
}

func (s *SessionService) sign(userID uint) (*TokenPair, error) {
	at, err := auth.GenerateAccessToken(userID, s.cfg.JWTAccessSecret, s.cfg.AccessTTL())
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken(userID, s.cfg.JWTRefreshSecret, s.cfg.RefreshTTL())
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: at, RefreshToken: rt}, nil
}

// issue 签发 token 对并新建一行会话。
func (s *SessionService) issue(tx *gorm.DB, userID uint, device string) (*TokenPair, error) {
	pair, err := s.sign(userID)
	if err != nil {
		return nil, err
	}
	if len(device) > 128 {
		device = device[:128]
	}
	sess := models.Session{
		UserID:    userID,
		TokenHash: auth.HashToken(pair.RefreshToken),
		Device:    device,
		RotatedAt: time.Now(),
	}
	if err := tx.Create(&sess).Error; err != nil {
		return nil, err
	}
	return pair, nil
}

// Rotate 用旧 refresh token 换一组新的 token。
// 更新带着旧哈希做条件，并发的第二次轮换影响 0 行，返回 Forbidden。
func (s *SessionService) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := auth.ParseRefreshToken(refreshToken, s.cfg.JWTRefreshSecret)
	if err != nil {
		return nil, ErrInvalidRefresh
	}
	oldHash := auth.HashToken(refreshToken)
	var pair *TokenPair
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := tx.Where("token_hash = ?", oldHash).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvalidRefresh
			}
			return err
		}
		if sess.UserID != claims.UserID {
			return ErrInvalidRefresh
		}
		p, err := s.sign(sess.UserID)
		if err != nil {
			return err
		}
		res := tx.Model(&models.Session{}).
			Where("id = ? AND token_hash = ?", sess.ID, oldHash).
			Updates(map[string]any{"token_hash": auth.HashToken(p.RefreshToken), "rotated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrInvalidRefresh
		}
		pair = p
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return pair, nil
}

// Logout 删除调用者名下与该 refresh token 对应的会话，其他设备不受影响。
func (s *SessionService) Logout(ctx context.Context, callerID uint, refreshToken string) error {
	if refreshToken == "" {
		return InvalidArgument("refresh_token is required")
	}
	res := s.db.WithContext(ctx).
		Where("token_hash = ? AND user_id = ?", auth.HashToken(refreshToken), callerID).
		Delete(&models.Session{})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound("session not found")
	}
	return nil
}

// VerifyAccess 只校验签名和过期时间，不访问存储。
func (s *SessionService) VerifyAccess(token string) (uint, error) {
	claims, err := auth.ParseAccessToken(token, s.cfg.JWTAccessSecret)
	if err != nil || claims.UserID == 0 {
		return 0, Unauthorized("invalid access token")
	}
	return claims.UserID, nil
}

// Sweep 删除 rotated_at 早于 now-SessionMaxAge 的会话，返回删除行数。
func (s *SessionService) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("rotated_at < ?", now.Add(-s.cfg.SessionMaxAge())).
		Delete(&models.Session{})
	if res.Error != nil {
		return 0, storageErr(res.Error)
	}
	return res.RowsAffected, nil
}

func (s *SessionService) ListSessions(ctx context.Context, userID uint) ([]SessionDTO, error) {
	var rows []models.Session
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, storageErr(err)
	}
	out := make([]SessionDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, SessionDTO{ID: r.ID, Device: r.Device, CreatedAt: r.CreatedAt, RotatedAt: r.RotatedAt})
	}
	return out, nil
}

func (s *SessionService) TerminateSession(ctx context.Context, userID, sessionID uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).Delete(&models.Session{})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return NotFound("session not found")
	}
	return nil
}

// ChangePassword 校验旧密码后更新哈希，并吊销该用户的全部会话。
func (s *SessionService) ChangePassword(ctx context.Context, userID uint, current, next string) error {
	if !validPassword(next) {
		return InvalidArgument("password must be 6-72 bytes")
	}
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return storageErr(err)
	}
	if !auth.VerifyPassword(user.PasswordHash, current) {
		return ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(next, s.cfg.BcryptCost)
	if err != nil {
		return storageErr(err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Update("password_hash", hash).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&models.Session{}).Error
	})
	return storageErr(err)
}
