package server

import (
	"net/http"

	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/metrics"
	"chatcore/internal/mw"
	"chatcore/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// rl 为 nil 时不限速。
func SetupRouter(cfg config.Config, h *Handler, gw *ws.Gateway, verifier auth.Verifier, rl *mw.RL) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))

	limit := gin.HandlerFunc(func(c *gin.Context) { c.Next() })
	if rl != nil {
		limit = rl.Middleware()
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// 实时通道在握手阶段自行鉴权
	r.GET("/ws", gw.Serve)

	api := r.Group("/api/v1")

	public := api.Group("/auth", limit)
	public.POST("/register", h.Register)
	public.POST("/login", h.Login)
	public.POST("/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口，限速按用户计数。
	authed := api.Group("", auth.AuthMiddleware(verifier), limit)

	authed.POST("/auth/logout", h.Logout)

	authed.GET("/me", h.Me)
	authed.PATCH("/me", h.PatchMe)
	authed.GET("/me/sessions", h.ListSessions)
	authed.DELETE("/me/sessions/:id", h.TerminateSession)
	authed.POST("/me/password", h.ChangePassword)

	authed.GET("/users/:id", h.Profile)
	authed.GET("/users/:id/status", h.UserStatus)
	authed.GET("/users/:id/friends", h.UserFriends)

	authed.GET("/friends", h.ListFriends)
	authed.POST("/friends", h.RequestFriend)
	authed.PATCH("/friends/:id", h.RespondFriend)
	authed.DELETE("/friends/:userId", h.RemoveFriend)

	authed.GET("/chats", h.ListChats)
	authed.POST("/chats", h.CreateChat)
	authed.GET("/chats/:id", h.GetChat)
	authed.PATCH("/chats/:id", h.RenameChat)
	authed.DELETE("/chats/:id", h.DeleteChat)
	authed.GET("/chats/:id/members", h.ListMembers)
	authed.POST("/chats/:id/members", h.AddMember)
	authed.DELETE("/chats/:id/members/:userId", h.RemoveMember)
	authed.PUT("/chats/:id/members/:userId/role", h.SetMemberRole)
	authed.GET("/chats/:id/messages", h.ListMessages)
	authed.POST("/chats/:id/messages", h.SendMessage)
	authed.PATCH("/chats/:id/messages/:messageId", h.EditMessage)
	authed.DELETE("/chats/:id/messages/:messageId", h.DeleteMessage)

	authed.GET("/notifications", h.ListNotifications)
	authed.PATCH("/notifications/:id/read", h.MarkNotificationRead)
	authed.DELETE("/notifications/:id", h.DeleteNotification)

	return r
}
