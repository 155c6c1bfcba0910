package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

// Verifier 校验 access token 并返回用户 ID，由会话服务实现。
type Verifier interface {
	VerifyAccess(token string) (uint, error)
}

func HashPassword(pw string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func sign(claims Claims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parse(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func GenerateAccessToken(userID uint, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	return sign(Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}, secret)
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	return parse(tokenStr, secret)
}

// GenerateRefreshToken 签发带随机 jti 的 refresh token，同一秒内两次签发也不会相同。
func GenerateRefreshToken(userID uint, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	return sign(Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}, secret)
}

func ParseRefreshToken(tokenStr, secret string) (*Claims, error) {
	claims, err := parse(tokenStr, secret)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("refresh token without jti")
	}
	return claims, nil
}

// HashToken 返回 token 的 SHA-256 十六进制摘要，库里只存这个值。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// BearerToken 从 Authorization 头中取出 bearer token，没有时返回空串。
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("Bearer "):])
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "message": msg}})
}

// AuthMiddleware 只做签名和过期校验，不访问存储。
func AuthMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c)
		if tokenStr == "" {
			unauthorized(c, "missing bearer token")
			return
		}
		uid, err := v.VerifyAccess(tokenStr)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		c.Set("userID", uid)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}
