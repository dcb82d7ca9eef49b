package repository

import (
	"errors"

	"github.com/convohq/convo/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RoomRepository struct {
	db *gorm.DB
}

func NewRoomRepository(db *gorm.DB) *RoomRepository {
	return &RoomRepository{db: db}
}

// CreateRoom inserts the room with its initial participant rows in one
// transaction. A duplicate direct_key surfaces as gorm.ErrDuplicatedKey;
// the caller resolves the race by fetching the winner.
func (r *RoomRepository) CreateRoom(room *models.Room, participants []models.RoomParticipant) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create(&participants).Error
	})
}

// GetRoomByID loads a room with participants (and their users) and the
// last-message pointer. Returns nil when absent.
func (r *RoomRepository) GetRoomByID(id uuid.UUID) (*models.Room, error) {
	var room models.Room
	err := r.db.
		Preload("Participants.User").
		Preload("LastMessage.Sender").
		First(&room, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// FindActiveDirectRoom looks up the active direct room for a canonical pair key.
func (r *RoomRepository) FindActiveDirectRoom(directKey string) (*models.Room, error) {
	var room models.Room
	err := r.db.
		Preload("Participants.User").
		Preload("LastMessage.Sender").
		Where("direct_key = ? AND is_active = ?", directKey, true).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

// GetUserRooms pages through a user's active rooms, most recently updated first.
// nameFilter, when non-empty, is a case-insensitive substring match on name.
func (r *RoomRepository) GetUserRooms(userID uuid.UUID, nameFilter string, offset, limit int) ([]models.Room, int64, error) {
	base := r.db.Model(&models.Room{}).
		Joins("JOIN room_participants rp ON rp.room_id = rooms.id").
		Where("rp.user_id = ? AND rooms.is_active = ?", userID, true)
	if nameFilter != "" {
		base = base.Where(`LOWER(rooms.name) LIKE ? ESCAPE '\'`, "%"+escapeLike(nameFilter)+"%")
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rooms []models.Room
	err := base.
		Preload("Participants.User").
		Preload("LastMessage.Sender").
		Order("rooms.updated_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&rooms).Error
	return rooms, total, err
}

// UpdateRoomFields applies a partial metadata update (name/description/avatar).
func (r *RoomRepository) UpdateRoomFields(roomID uuid.UUID, updates map[string]interface{}) error {
	return r.db.Model(&models.Room{}).Where("id = ?", roomID).Updates(updates).Error
}

// DeactivateRoom soft-deletes the room and releases its direct_key so the
// pair can create a fresh direct room later.
func (r *RoomRepository) DeactivateRoom(roomID uuid.UUID) error {
	return r.db.Model(&models.Room{}).
		Where("id = ?", roomID).
		Updates(map[string]interface{}{"is_active": false, "direct_key": nil}).Error
}

// AddParticipant inserts one membership row; a no-op if already present.
// Single-statement so concurrent membership edits never clobber each other.
func (r *RoomRepository) AddParticipant(p *models.RoomParticipant) error {
	return r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(p).Error
}

// RemoveParticipant deletes the membership row, which also removes any
// adminship carried on it.
func (r *RoomRepository) RemoveParticipant(roomID, userID uuid.UUID) error {
	return r.db.
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&models.RoomParticipant{}).Error
}

// SetAdmin flips the admin flag on an existing membership row. Returns
// gorm.ErrRecordNotFound if the user is not a participant.
func (r *RoomRepository) SetAdmin(roomID, userID uuid.UUID, isAdmin bool) error {
	res := r.db.Model(&models.RoomParticipant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Update("is_admin", isAdmin)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RoomIDsForUser returns ids of all rooms the user currently participates in
// (active rooms only). Used by the cascade and to rebuild membership indices.
func (r *RoomRepository) RoomIDsForUser(userID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.Model(&models.RoomParticipant{}).
		Joins("JOIN rooms ON rooms.id = room_participants.room_id").
		Where("room_participants.user_id = ? AND rooms.is_active = ?", userID, true).
		Pluck("room_participants.room_id", &ids).Error
	return ids, err
}

// RemoveUserFromAllRooms strips the user's membership rows everywhere and
// returns the affected room ids. Rooms themselves are never deleted.
func (r *RoomRepository) RemoveUserFromAllRooms(userID uuid.UUID) ([]uuid.UUID, error) {
	ids, err := r.RoomIDsForUser(userID)
	if err != nil {
		return nil, err
	}
	err = r.db.Where("user_id = ?", userID).Delete(&models.RoomParticipant{}).Error
	return ids, err
}

// escapeLike neutralizes LIKE wildcards in user-supplied search text.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
