package db

import (
	"fmt"
	"log"

	"queenbee/internal/model"

	"gorm.io/gorm"
)

// Migrate runs database migrations for all models
func Migrate(gdb *gorm.DB) error {
	log.Println("Starting database migration...")

	// List of all models to migrate
	models := []interface{}{
		&model.User{},
		&model.Agent{},
		&model.AgentSystemInfo{},
		&model.ExecutionHistory{},
	}

	// Run AutoMigrate for all models
	if err := gdb.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Printf("✓ Database migration completed successfully (%d tables)", len(models))
	return nil
}
