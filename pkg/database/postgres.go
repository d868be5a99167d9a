package database

import (
	"fmt"
	"log"
	"time"

	"keyrelay/config"
	"keyrelay/internal/domain/conversation"
	"keyrelay/internal/domain/device"
	"keyrelay/internal/domain/group"
	"keyrelay/internal/domain/identity"
	"keyrelay/internal/domain/keys"
	"keyrelay/internal/domain/message"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Connect(cfg *config.Config) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatalf("Failed to get generic database object: %v", err)
	}

	// Connection pool settings
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Println("Database connection established")
}

// Migrate applies the schema for every table this service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&identity.User{},
		&identity.Block{},
		&device.Device{},
		&device.Revocation{},
		&device.IdentityChangeEvent{},
		&keys.KeyBundle{},
		&keys.OneTimePrekey{},
		&conversation.Conversation{},
		&conversation.Participant{},
		&group.Group{},
		&group.Participant{},
		&group.Ban{},
		&group.Invite{},
		&message.Message{},
		&message.DeliveryReceipt{},
	)
}

func HealthCheck() error {
	if DB == nil {
		return fmt.Errorf("database is not connected")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
