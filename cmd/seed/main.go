package main

import (
	"log"
	"os"
	"time"

	"github.com/convohq/convo/internal/config"
	"github.com/convohq/convo/internal/database"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/utils"
	"github.com/google/uuid"
)

func main() {
	cfg := config.Load()
	database.Connect(cfg)
	database.Migrate()

	adminUsername := os.Getenv("ADMIN_USERNAME")
	adminEmail := os.Getenv("ADMIN_EMAIL")
	adminPassword := os.Getenv("ADMIN_PASSWORD")

	if adminUsername == "" || adminEmail == "" || adminPassword == "" {
		log.Fatal("Missing enviroment variables: ADMIN_USERNAME, ADMIN_EMAIL, ADMIN_PASSWORD")
	}

	// Check if admin with this email already exists
	var admin models.User
	result := database.DB.Where("email = ?", adminEmail).First(&admin)

	if result.Error == nil {
		log.Println("✅ Admin user already exists:", admin.Username)
	} else {
		passwordHash, err := utils.HashPassword(adminPassword)
		if err != nil {
			log.Fatal("Failed to hash password:", err)
		}

		admin = models.User{
			ID:           uuid.New(),
			Username:     adminUsername,
			Email:        adminEmail,
			PasswordHash: passwordHash,
			Role:         models.RoleAdmin,
			Status:       models.StatusOffline,
		}

		if err := database.DB.Create(&admin).Error; err != nil {
			log.Fatal("Failed to create admin:", err)
		}

		log.Println("✅ Admin user created successfully!")
		log.Println("   Username:", admin.Username)
	}

	// Seed a default announcements channel owned by the admin.
	var channel models.Room
	result = database.DB.Where("name = ? AND type = ?", "general", models.RoomTypeChannel).First(&channel)
	if result.Error == nil {
		log.Println("✅ Default channel already exists:", channel.Name)
		return
	}

	channel = models.Room{
		ID:          uuid.New(),
		Name:        "general",
		Description: "Company-wide announcements",
		Type:        models.RoomTypeChannel,
		CreatedBy:   admin.ID,
		IsActive:    true,
	}
	if err := database.DB.Create(&channel).Error; err != nil {
		log.Fatal("Failed to create default channel:", err)
	}
	participant := models.RoomParticipant{
		RoomID:   channel.ID,
		UserID:   admin.ID,
		IsAdmin:  true,
		JoinedAt: time.Now(),
	}
	if err := database.DB.Create(&participant).Error; err != nil {
		log.Fatal("Failed to add admin to default channel:", err)
	}

	log.Println("✅ Default channel created:", channel.Name)
}
