package db

import (
	"fmt"
	"log"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the configured database and migrates the chat schema.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		dialector = postgres.Open(cfg.DatabaseURL())
	}

	db, err := Open(dialector)
	if err != nil {
		return nil, err
	}

	log.Printf("✓ Database connected and migrated successfully (%s)", cfg.DBDriver)
	return db, nil
}

// Open connects with an explicit dialector and runs migrations.
func Open(dialector gorm.Dialector) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return &GormDB{db}, nil
}

// Migrate creates or updates the chat tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.ChatSession{},
		&models.Message{},
		&models.TypingStatus{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
