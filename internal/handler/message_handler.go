package handler

import (
	"net/http"

	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type MessageHandler struct {
	messageService *service.MessageService
}

func NewMessageHandler(messageService *service.MessageService) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
	}
}

type SendMessageRequest struct {
	Content  string             `json:"content"`
	Type     models.MessageType `json:"type"`
	ReplyTo  *uuid.UUID         `json:"reply_to"`
	FileURL  string             `json:"file_url"`
	FileName string             `json:"file_name"`
	FileSize int64              `json:"file_size"`
}

type UpdateMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// POST /api/rooms/:id/messages
func (h *MessageHandler) Send(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	in := service.SendMessageInput{
		Content: req.Content,
		Type:    req.Type,
		ReplyTo: req.ReplyTo,
	}
	if req.FileURL != "" {
		in.File = &service.FileMeta{
			URL:  req.FileURL,
			Name: req.FileName,
			Size: req.FileSize,
		}
	}

	msg, err := h.messageService.SendMessage(c.Request.Context(), claims.UserID, roomID, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// GET /api/rooms/:id/messages?page=&limit=&before=&after=&search=
func (h *MessageHandler) List(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	page, limit := parsePageParams(c)

	if search := c.Query("search"); search != "" {
		result, err := h.messageService.SearchMessages(c.Request.Context(), roomID, claims.UserID, search, page, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	before, ok := parseOptionalID(c, "before")
	if !ok {
		return
	}
	after, ok := parseOptionalID(c, "after")
	if !ok {
		return
	}

	result, err := h.messageService.GetRoomMessages(c.Request.Context(), roomID, claims.UserID, page, limit, before, after)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// PUT /api/messages/:id
func (h *MessageHandler) Update(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req UpdateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	msg, err := h.messageService.UpdateMessage(c.Request.Context(), messageID, claims.UserID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DELETE /api/messages/:id
func (h *MessageHandler) Delete(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.messageService.DeleteMessage(c.Request.Context(), messageID, claims.UserID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Message deleted"})
}

// POST /api/messages/:id/read
func (h *MessageHandler) MarkRead(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.messageService.MarkMessageAsRead(c.Request.Context(), messageID, claims.UserID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Marked as read"})
}

// GET /api/messages/:id/receipts
func (h *MessageHandler) ReadReceipts(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	messageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	receipts, err := h.messageService.GetMessageReadReceipts(c.Request.Context(), messageID, claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, receipts)
}

// POST /api/rooms/:id/read
func (h *MessageHandler) MarkRoomRead(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.messageService.MarkRoomAsRead(c.Request.Context(), roomID, claims.UserID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Room marked as read"})
}

// GET /api/rooms/:id/unread
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	count, err := h.messageService.GetUnreadCount(c.Request.Context(), roomID, claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "unread_count": count})
}

// GET /api/unread
func (h *MessageHandler) TotalUnreadCount(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}

	count, err := h.messageService.GetTotalUnreadCount(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

// parseOptionalID parses a UUID query parameter, nil when absent.
func parseOptionalID(c *gin.Context, name string) (*uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return nil, false
	}
	return &id, true
}
