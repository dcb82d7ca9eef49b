package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/convohq/convo/internal/apperr"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/internal/tasks"
	"github.com/convohq/convo/internal/utils"
	"github.com/convohq/convo/pkg/logger"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

var (
	ErrEmailAlreadyExists    = errors.New("email already exists")
	ErrUsernameAlreadyExists = errors.New("username already exists")
	ErrInvalidCredentials    = errors.New("invalid credentials")

	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

type AuthService struct {
	userRepo      *repository.UserRepository
	presence      *PresenceTracker
	taskClient    *asynq.Client
	jwtSecret     string
	jwtExpiration time.Duration
	environment   string
}

func NewAuthService(
	userRepo *repository.UserRepository,
	presence *PresenceTracker,
	taskClient *asynq.Client,
	jwtSecret string,
	jwtExpiration time.Duration,
	environment string,
) *AuthService {
	return &AuthService{
		userRepo:      userRepo,
		presence:      presence,
		taskClient:    taskClient,
		jwtSecret:     jwtSecret,
		jwtExpiration: jwtExpiration,
		environment:   environment,
	}
}

// IsProduction returns true if running in production environment
func (s *AuthService) IsProduction() bool {
	return s.environment == "production"
}

func (s *AuthService) Register(username, email, password string) (*models.User, string, error) {
	start := time.Now()

	// Usernames and emails are unique case-insensitively; normalize once
	// here so the unique indexes enforce it.
	username = strings.ToLower(strings.TrimSpace(username))
	email = strings.ToLower(strings.TrimSpace(email))

	logger.Log.Debug("Processing user registration",
		zap.String("username", username),
		zap.String("email", email),
	)

	// 1. Validate input
	if err := s.validateRegisterInput(username, email, password); err != nil {
		logger.Log.Warn("Registration validation failed",
			zap.String("username", username),
			zap.Error(err),
		)
		return nil, "", err
	}

	// 2. Check if email already exists
	existingUser, err := s.userRepo.GetUserByEmail(email)
	if err != nil {
		logger.Log.Error("Failed to check email existence",
			zap.String("email", email),
			zap.Error(err),
		)
		return nil, "", err
	}
	if existingUser != nil {
		return nil, "", ErrEmailAlreadyExists
	}

	// 3. Check if username already exists
	existingUser, err = s.userRepo.GetUserByUsername(username)
	if err != nil {
		logger.Log.Error("Failed to check username existence",
			zap.String("username", username),
			zap.Error(err),
		)
		return nil, "", err
	}
	if existingUser != nil {
		return nil, "", ErrUsernameAlreadyExists
	}

	// 4. Hash password (Argon2id)
	hashedPassword, err := utils.HashPassword(password)
	if err != nil {
		logger.Log.Error("Failed to hash password", zap.Error(err))
		return nil, "", err
	}

	// 5. Create user
	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hashedPassword,
		Role:         models.RoleUser,
		Status:       models.StatusOffline,
	}

	if err := s.userRepo.CreateUser(user); err != nil {
		logger.Log.Error("Failed to create user in database",
			zap.String("username", username),
			zap.Error(err),
		)
		return nil, "", err
	}

	// 6. Generate JWT token
	token, err := utils.GenerateToken(user, s.jwtSecret, s.jwtExpiration)
	if err != nil {
		logger.Log.Error("Failed to generate JWT token",
			zap.String("user_id", user.ID.String()),
			zap.Error(err),
		)
		return nil, "", err
	}

	logger.Log.Info("User registered successfully",
		zap.String("user_id", user.ID.String()),
		zap.String("username", username),
		zap.Duration("total_duration", time.Since(start)),
	)

	return user, token, nil
}

func (s *AuthService) Login(email, password string) (*models.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	// 1. Get user by email
	user, err := s.userRepo.GetUserByEmail(email)
	if err != nil {
		logger.Log.Error("Failed to get user by email",
			zap.String("email", email),
			zap.Error(err),
		)
		return nil, "", err
	}
	if user == nil {
		logger.Log.Warn("Login failed: user not found", zap.String("email", email))
		return nil, "", ErrInvalidCredentials
	}

	// 2. Verify password
	valid, err := utils.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		logger.Log.Error("Failed to verify password",
			zap.String("email", email),
			zap.Error(err),
		)
		return nil, "", err
	}
	if !valid {
		logger.Log.Warn("Login failed: invalid password",
			zap.String("user_id", user.ID.String()),
		)
		return nil, "", ErrInvalidCredentials
	}

	// 3. Generate JWT token
	token, err := utils.GenerateToken(user, s.jwtSecret, s.jwtExpiration)
	if err != nil {
		logger.Log.Error("Failed to generate JWT token",
			zap.String("user_id", user.ID.String()),
			zap.Error(err),
		)
		return nil, "", err
	}

	logger.Log.Info("User logged in successfully",
		zap.String("user_id", user.ID.String()),
		zap.String("username", user.Username),
	)

	return user, token, nil
}

// GetProfile returns a user's profile with live presence overlaid on the
// stored status column.
func (s *AuthService) GetProfile(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.userRepo.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.NotFound("user not found")
	}

	if s.presence != nil {
		status, err := s.presence.GetStatus(ctx, userID)
		if err == nil {
			user.Status = status
		}
	}
	return user, nil
}

// UpdateStatus sets the caller's presence status.
func (s *AuthService) UpdateStatus(ctx context.Context, userID uuid.UUID, status models.UserStatus) error {
	return s.presence.SetStatus(ctx, userID, status)
}

// ListUsers returns every account, soft-deleted included, so admins can
// audit the user directory. Live presence overlays the stored status for
// accounts that still exist.
func (s *AuthService) ListUsers(ctx context.Context, caller *models.User) ([]*models.User, error) {
	if caller.Role != models.RoleAdmin {
		return nil, apperr.Forbidden("admin access required")
	}

	users, err := s.userRepo.GetAllUsers()
	if err != nil {
		return nil, err
	}
	if s.presence != nil {
		for _, u := range users {
			if u.DeletedAt.Valid {
				continue
			}
			if status, err := s.presence.GetStatus(ctx, u.ID); err == nil {
				u.Status = status
			}
		}
	}
	return users, nil
}

// DeleteUser soft-deletes a user and enqueues the cascade that strips them
// from rooms and masks their messages. Admin-only; admins cannot delete
// themselves (the last admin would orphan moderation).
func (s *AuthService) DeleteUser(ctx context.Context, caller *models.User, targetID uuid.UUID) error {
	if caller.Role != models.RoleAdmin {
		return apperr.Forbidden("admin access required")
	}
	if caller.ID == targetID {
		return apperr.BadRequest("admins cannot delete their own account")
	}

	target, err := s.userRepo.GetUserByID(targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return apperr.NotFound("user not found")
	}

	if err := s.userRepo.SoftDeleteUser(targetID); err != nil {
		return err
	}

	task, err := tasks.NewUserCascadeTask(targetID)
	if err != nil {
		return err
	}
	if _, err := s.taskClient.EnqueueContext(ctx, task); err != nil {
		logger.Log.Error("Failed to enqueue user cascade task",
			zap.String("user_id", targetID.String()),
			zap.Error(err),
		)
		return err
	}

	logger.Log.Info("User deleted, cascade enqueued",
		zap.String("user_id", targetID.String()),
		zap.String("deleted_by", caller.ID.String()),
	)
	return nil
}

func (s *AuthService) validateRegisterInput(username, email, password string) error {
	// Username validation
	if len(username) < 3 {
		return errors.New("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return errors.New("username must be at most 50 characters")
	}

	// Email validation
	if !emailRegex.MatchString(email) {
		return errors.New("invalid email format")
	}
	if len(email) > 100 {
		return errors.New("email must be at most 100 characters")
	}

	// Password validation
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}
	if len(password) > 128 {
		return errors.New("password must be at most 128 characters")
	}

	return nil
}
