package server

import (
	"net/http"
	"strconv"

	"chatcore/internal/auth"
	"chatcore/internal/models"
	"chatcore/internal/service"

	"github.com/gin-gonic/gin"
)

// CreateChat 根据 type 创建私聊（需要 user_id）或群聊。
func (h *Handler) CreateChat(c *gin.Context) {
	var req struct {
		Type   models.ChatType `json:"type"`
		UserID uint            `json:"user_id"`
		Name   string          `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	var (
		chat *service.ChatDTO
		err  error
	)
	uid := auth.GetUserID(c)
	switch req.Type {
	case models.ChatPersonal:
		if req.UserID == 0 {
			fail(c, service.InvalidArgument("user_id is required"))
			return
		}
		chat, err = h.chats.CreatePersonal(c.Request.Context(), uid, req.UserID, req.Name)
	case models.ChatGroup:
		chat, err = h.chats.CreateGroup(c.Request.Context(), uid, req.Name)
	default:
		fail(c, service.InvalidArgument("type must be personal or group"))
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handler) ListChats(c *gin.Context) {
	out, err := h.chats.ListMine(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

func (h *Handler) GetChat(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	chat, err := h.chats.Get(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *Handler) RenameChat(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	chat, err := h.chats.Rename(c.Request.Context(), id, auth.GetUserID(c), req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.chats.DeleteChat(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListMembers(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	out, err := h.chats.Members(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}

func (h *Handler) AddMember(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		badPayload(c)
		return
	}
	m, err := h.chats.AddMember(c.Request.Context(), id, auth.GetUserID(c), req.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// RemoveMember 既用于退出（userId 为自己）也用于管理员移除成员。
func (h *Handler) RemoveMember(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	if err := h.chats.RemoveMember(c.Request.Context(), id, auth.GetUserID(c), userID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SetMemberRole(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	userID, ok := paramID(c, "userId")
	if !ok {
		return
	}
	var req struct {
		Role models.MemberRole `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	if err := h.chats.SetRole(c.Request.Context(), id, auth.GetUserID(c), userID, req.Role); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages 支持 limit（默认 50，最大 200）与 before_id 向前翻页。
func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint
	if s := c.Query("before_id"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			fail(c, service.InvalidArgument("invalid before_id"))
			return
		}
		beforeID = uint(n)
	}
	out, err := h.chats.Messages(c.Request.Context(), id, auth.GetUserID(c), limit, beforeID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h *Handler) SendMessage(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	msg, err := h.chats.Send(c.Request.Context(), id, auth.GetUserID(c), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) EditMessage(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	msgID, ok := paramID(c, "messageId")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	msg, err := h.chats.Edit(c.Request.Context(), id, msgID, auth.GetUserID(c), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	msgID, ok := paramID(c, "messageId")
	if !ok {
		return
	}
	if err := h.chats.Delete(c.Request.Context(), id, msgID, auth.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
