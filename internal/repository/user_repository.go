package repository

import (
	"errors"
	"time"

	"github.com/convohq/convo/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) CreateUser(user *models.User) error {
	return r.db.Create(user).Error
}

func (r *UserRepository) GetUserByEmail(email string) (*models.User, error) {
	var user models.User
	err := r.db.Where("email = ?", email).First(&user).Error
	// Note: GORM automatically excludes soft-deleted users (deleted_at IS NOT NULL)

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &user, nil
}

func (r *UserRepository) GetUserByUsername(username string) (*models.User, error) {
	var user models.User
	err := r.db.Where("username = ?", username).First(&user).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &user, nil
}

func (r *UserRepository) GetUserByID(id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.Where("id = ?", id).First(&user).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &user, nil
}

// CountExisting returns how many of the given ids resolve to live users.
// Used to validate participant lists in one query instead of N lookups.
func (r *UserRepository) CountExisting(ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int64
	err := r.db.Model(&models.User{}).Where("id IN ?", ids).Count(&count).Error
	return count, err
}

// UpdateStatus persists the durable part of presence: the status column and,
// when the user goes offline, the last-seen timestamp.
func (r *UserRepository) UpdateStatus(id uuid.UUID, status models.UserStatus, lastSeen *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if lastSeen != nil {
		updates["last_seen"] = *lastSeen
	}
	return r.db.Model(&models.User{}).Where("id = ?", id).Updates(updates).Error
}

// SoftDeleteUser marks a user as deleted (sets DeletedAt)
func (r *UserRepository) SoftDeleteUser(id uuid.UUID) error {
	return r.db.Delete(&models.User{}, "id = ?", id).Error
}

// GetAllUsers returns all users including soft-deleted ones
func (r *UserRepository) GetAllUsers() ([]*models.User, error) {
	var users []*models.User
	err := r.db.Unscoped().Order("created_at DESC").Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}
