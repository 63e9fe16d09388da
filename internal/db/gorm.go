package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"crdt-sync/internal/config"
	"crdt-sync/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm connects to postgres and migrates the update log tables
// Learning: GORM provides a higher-level abstraction over raw SQL
func NewGorm(ctx context.Context, cfg *config.Config) (*GormDB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		// update blobs make Info-level SQL logs unreadable
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Println("✓ Database connected and migrated successfully")

	return &GormDB{db}, nil
}

// Migrate creates or updates the update log and snapshot tables
// Learning: GORM automatically creates/updates tables based on struct definitions
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.DocUpdate{},
		&models.DocSnapshot{},
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
