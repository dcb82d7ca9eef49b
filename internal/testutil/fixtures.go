package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateTestUser persists a user with a hashed password and returns it.
func CreateTestUser(t *testing.T, db *gorm.DB, username string, role models.Role) *models.User {
	t.Helper()

	hashedPassword, err := utils.HashPassword("Test123456")
	if err != nil {
		t.Fatalf("Failed to hash fixture password: %v", err)
	}

	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        fmt.Sprintf("%s@example.com", username),
		PasswordHash: hashedPassword,
		Role:         role,
		Status:       models.StatusOffline,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create fixture user %s: %v", username, err)
	}
	return user
}

// CreateTestRoom persists a room with the given participants. The creator is
// always a participant and carries the admin flag.
func CreateTestRoom(t *testing.T, db *gorm.DB, roomType models.RoomType, name string, creator *models.User, others ...*models.User) *models.Room {
	t.Helper()

	room := &models.Room{
		ID:        uuid.New(),
		Name:      name,
		Type:      roomType,
		CreatedBy: creator.ID,
		IsActive:  true,
	}
	if roomType == models.RoomTypeDirect && len(others) == 1 {
		key := models.DirectKeyFor(creator.ID, others[0].ID)
		room.DirectKey = &key
	}
	if err := db.Create(room).Error; err != nil {
		t.Fatalf("Failed to create fixture room %s: %v", name, err)
	}

	participants := []models.RoomParticipant{
		{RoomID: room.ID, UserID: creator.ID, IsAdmin: true, JoinedAt: time.Now()},
	}
	for _, u := range others {
		participants = append(participants, models.RoomParticipant{
			RoomID:   room.ID,
			UserID:   u.ID,
			JoinedAt: time.Now(),
		})
	}
	if err := db.Create(&participants).Error; err != nil {
		t.Fatalf("Failed to create fixture participants: %v", err)
	}
	room.Participants = participants
	return room
}

// CreateTestMessage persists a text message in the room, including the
// sender's implicit read receipt.
func CreateTestMessage(t *testing.T, db *gorm.DB, room *models.Room, sender *models.User, content string) *models.Message {
	t.Helper()

	msg := &models.Message{
		ID:       uuid.New(),
		RoomID:   room.ID,
		SenderID: sender.ID,
		Content:  content,
		Type:     models.MessageTypeText,
	}
	if err := db.Create(msg).Error; err != nil {
		t.Fatalf("Failed to create fixture message: %v", err)
	}
	read := &models.MessageRead{MessageID: msg.ID, UserID: sender.ID, ReadAt: time.Now()}
	if err := db.Create(read).Error; err != nil {
		t.Fatalf("Failed to create fixture read receipt: %v", err)
	}
	return msg
}
