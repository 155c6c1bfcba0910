package server

import (
	"net/http"

	"chatcore/internal/auth"
	"chatcore/internal/models"

	"github.com/gin-gonic/gin"
)

func friendshipJSON(f *models.Friendship) gin.H {
	return gin.H{
		"id":           f.ID,
		"status":       f.Status,
		"requester_id": f.RequesterID,
		"addressee_id": f.AddresseeID,
		"created_at":   f.CreatedAt,
		"updated_at":   f.UpdatedAt,
	}
}

func (h *Handler) Me(c *gin.Context) {
	me, err := h.users.Me(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, me)
}

// PatchMe 只更新请求体里出现的字段，未出现的字段保持不变。
func (h *Handler) PatchMe(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		badPayload(c)
		return
	}
	me, err := h.users.Patch(c.Request.Context(), auth.GetUserID(c), fields)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, me)
}

func (h *Handler) Profile(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	u, err := h.users.Profile(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) UserStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	online, err := h.users.Status(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": id, "online": online})
}

func (h *Handler) UserFriends(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	out, err := h.friends.ListOf(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": out})
}

func (h *Handler) ListFriends(c *gin.Context) {
	out, err := h.friends.ListMine(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": out})
}

func (h *Handler) RequestFriend(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		badPayload(c)
		return
	}
	f, err := h.friends.Request(c.Request.Context(), auth.GetUserID(c), req.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, friendshipJSON(f))
}

// RespondFriend 的 action 为 accept 或 decline。
func (h *Handler) RespondFriend(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c)
		return
	}
	f, err := h.friends.Respond(c.Request.Context(), id, auth.GetUserID(c), req.Action)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, friendshipJSON(f))
}

func (h *Handler) RemoveFriend(c *gin.Context) {
	other, ok := paramID(c, "userId")
	if !ok {
		return
	}
	if err := h.friends.Remove(c.Request.Context(), auth.GetUserID(c), other); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListNotifications(c *gin.Context) {
	unread := c.Query("unread") == "true" || c.Query("unread") == "1"
	out, err := h.notifs.List(c.Request.Context(), auth.GetUserID(c), unread)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

func (h *Handler) MarkNotificationRead(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.notifs.MarkRead(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) DeleteNotification(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.notifs.Delete(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
