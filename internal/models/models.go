package models

import "time"

type User struct {
	ID           uint      `gorm:"primaryKey"`
	Handle       string    `gorm:"uniqueIndex;size:50;not null"`
	Email        string    `gorm:"uniqueIndex;size:100;not null"`
	Phone        *string   `gorm:"size:20"`
	DisplayName  string    `gorm:"size:100;not null"`
	AvatarURL    string    `gorm:"size:255"`
	Bio          string    `gorm:"type:text"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session 对应一个设备上的登录会话，只保存 refresh token 的哈希。
type Session struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	TokenHash string    `gorm:"uniqueIndex;size:64;not null"`
	Device    string    `gorm:"size:128"`
	CreatedAt time.Time
	RotatedAt time.Time `gorm:"index;not null"`
}

type FriendshipStatus string

const (
	FriendPending  FriendshipStatus = "pending"
	FriendAccepted FriendshipStatus = "accepted"
	FriendDeclined FriendshipStatus = "declined"
	FriendBlocked  FriendshipStatus = "blocked"
)

// Friendship 表示无序用户对上的一条关系，UserLow/UserHigh 组成唯一索引。
type Friendship struct {
	ID          uint             `gorm:"primaryKey"`
	RequesterID uint             `gorm:"index;not null"`
	AddresseeID uint             `gorm:"index;not null"`
	UserLow     uint             `gorm:"uniqueIndex:idx_friend_pair;not null"`
	UserHigh    uint             `gorm:"uniqueIndex:idx_friend_pair;not null"`
	Status      FriendshipStatus `gorm:"size:20;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Other 返回关系中除 userID 以外的另一方。
func (f Friendship) Other(userID uint) uint {
	if f.RequesterID == userID {
		return f.AddresseeID
	}
	return f.RequesterID
}

type ChatType string

const (
	ChatPersonal ChatType = "personal"
	ChatGroup    ChatType = "group"
)

type Chat struct {
	ID        uint      `gorm:"primaryKey"`
	Type      ChatType  `gorm:"size:16;not null"`
	Name      string    `gorm:"size:255"`
	PairKey   *string   `gorm:"uniqueIndex;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MemberRole string

const (
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

type ChatMember struct {
	ChatID   uint       `gorm:"primaryKey;autoIncrement:false"`
	UserID   uint       `gorm:"primaryKey;autoIncrement:false;index"`
	Role     MemberRole `gorm:"size:16;not null"`
	JoinedAt time.Time  `gorm:"not null"`
}

type Message struct {
	ID        uint       `gorm:"primaryKey"`
	ChatID    uint       `gorm:"index:idx_msg_chat_id;not null"`
	SenderID  uint       `gorm:"index;not null"`
	Content   string     `gorm:"type:text;not null"`
	CreatedAt time.Time
	EditedAt  *time.Time
}

type Notification struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Type      string    `gorm:"size:50;not null"`
	Message   string    `gorm:"type:text;not null"`
	IsRead    bool      `gorm:"not null;default:false"`
	CreatedAt time.Time
}
