package handler

import (
	"net/http"
	"strconv"

	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/pagination"
	"github.com/convohq/convo/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type RoomHandler struct {
	roomService *service.RoomService
}

func NewRoomHandler(roomService *service.RoomService) *RoomHandler {
	return &RoomHandler{
		roomService: roomService,
	}
}

type CreateRoomRequest struct {
	Type           models.RoomType `json:"type" binding:"required"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	ParticipantIDs []uuid.UUID     `json:"participant_ids"`
}

type UpdateRoomRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Avatar      *string `json:"avatar"`
}

type ParticipantsRequest struct {
	UserIDs []uuid.UUID `json:"user_ids" binding:"required"`
}

// POST /api/rooms
func (h *RoomHandler) Create(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	room, err := h.roomService.CreateRoom(c.Request.Context(), claims.UserID, service.CreateRoomInput{
		Type:           req.Type,
		Name:           req.Name,
		Description:    req.Description,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"room": room})
}

// GET /api/rooms/:id
func (h *RoomHandler) Get(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	room, err := h.roomService.GetRoomByID(c.Request.Context(), roomID, claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": room})
}

// GET /api/rooms?page=&limit=&search=
func (h *RoomHandler) List(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}

	page, limit := parsePageParams(c)
	search := c.Query("search")

	var result *pagination.Page[*models.RoomView]
	var err error
	if search != "" {
		result, err = h.roomService.SearchRooms(c.Request.Context(), claims.UserID, search, page, limit)
	} else {
		result, err = h.roomService.GetUserRooms(c.Request.Context(), claims.UserID, page, limit)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// PUT /api/rooms/:id
func (h *RoomHandler) Update(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req UpdateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	room, err := h.roomService.UpdateRoom(c.Request.Context(), roomID, claims.UserID, service.UpdateRoomInput{
		Name:        req.Name,
		Description: req.Description,
		Avatar:      req.Avatar,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": room})
}

// DELETE /api/rooms/:id
func (h *RoomHandler) Delete(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.roomService.DeleteRoom(c.Request.Context(), roomID, claims.UserID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// POST /api/rooms/:id/participants
func (h *RoomHandler) AddParticipants(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req ParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	room, err := h.roomService.AddParticipants(c.Request.Context(), roomID, claims.UserID, req.UserIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"room": room})
}

// DELETE /api/rooms/:id/participants/:userId
func (h *RoomHandler) RemoveParticipant(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	targetID, ok := parseIDParam(c, "userId")
	if !ok {
		return
	}

	if err := h.roomService.RemoveParticipant(c.Request.Context(), roomID, claims.UserID, targetID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Participant removed"})
}

// POST /api/rooms/:id/admins/:userId
func (h *RoomHandler) MakeAdmin(c *gin.Context) {
	h.setAdmin(c, true)
}

// DELETE /api/rooms/:id/admins/:userId
func (h *RoomHandler) RemoveAdmin(c *gin.Context) {
	h.setAdmin(c, false)
}

func (h *RoomHandler) setAdmin(c *gin.Context, promote bool) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}
	roomID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	targetID, ok := parseIDParam(c, "userId")
	if !ok {
		return
	}

	var err error
	if promote {
		err = h.roomService.MakeAdmin(c.Request.Context(), roomID, claims.UserID, targetID)
	} else {
		err = h.roomService.RemoveAdmin(c.Request.Context(), roomID, claims.UserID, targetID)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Admin updated"})
}

// parseIDParam parses a UUID path parameter.
func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// parsePageParams reads page/limit query params with sane defaults.
func parsePageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, limit
}
