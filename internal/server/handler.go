package server

import (
	"net/http"
	"strconv"

	"chatcore/internal/auth"
	"chatcore/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	sessions *service.SessionService
	users    *service.UserService
	friends  *service.FriendService
	chats    *service.ChatService
	notifs   *service.NotificationService
}

type Services struct {
	Sessions      *service.SessionService
	Users         *service.UserService
	Friends       *service.FriendService
	Chats         *service.ChatService
	Notifications *service.NotificationService
}

func NewHandler(s Services) *Handler {
	return &Handler{
		sessions: s.Sessions,
		users:    s.Users,
		friends:  s.Friends,
		chats:    s.Chats,
		notifs:   s.Notifications,
	}
}

// fail 把业务错误写成 {"error": {"kind", "message"}}，只有 server_error 记日志。
func fail(c *gin.Context, err error) {
	kind := service.KindOf(err)
	if kind == service.KindServerError {
		log.Error().Err(err).Str("method", c.Request.Method).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(service.HTTPStatus(err), gin.H{
		"error": gin.H{"kind": kind, "message": service.Message(err)},
	})
}

func badPayload(c *gin.Context) {
	fail(c, service.InvalidArgument("invalid payload"))
}

// paramID 解析路径参数中的正整数 id。
func paramID(c *gin.Context, name string) (uint, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		fail(c, service.InvalidArgument("invalid "+name))
		return 0, false
	}
	return uint(n), true
}

func device(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Request.UserAgent()
}

// Register 处理用户注册请求，成功后直接签发一个会话。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Handle      string  `json:"handle"`
		Email       string  `json:"email"`
		Password    string  `json:"password"`
		DisplayName string  `json:"display_name"`
		Phone       *string `json:"phone"`
		Device      string  `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	user, pair, err := h.sessions.Register(c.Request.Context(), service.RegisterInput{
		Handle:      req.Handle,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Phone:       req.Phone,
		Device:      device(c, req.Device),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":          service.PrivateUser(*user),
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

// Login 处理用户登录请求，identifier 可以是 handle 或 email。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
		Device     string `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	user, pair, err := h.sessions.Login(c.Request.Context(), req.Identifier, req.Password, device(c, req.Device))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":          service.PrivateUser(*user),
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

// RefreshToken 轮换 refresh token，旧 token 立即失效。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badPayload(c)
		return
	}
	pair, err := h.sessions.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *Handler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badPayload(c)
		return
	}
	if err := h.sessions.Logout(c.Request.Context(), auth.GetUserID(c), req.RefreshToken); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListSessions(c *gin.Context) {
	out, err := h.sessions.ListSessions(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *Handler) TerminateSession(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.sessions.TerminateSession(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ChangePassword 修改密码后该用户所有会话都会失效。
func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		Current string `json:"current_password"`
		Next    string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	if err := h.sessions.ChangePassword(c.Request.Context(), auth.GetUserID(c), req.Current, req.Next); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
