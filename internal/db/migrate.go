package db

import (
	"fmt"

	"github.com/replyflow/replyflow/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all core tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	return conn.AutoMigrate(
		&models.Account{},
		&models.AutomationRule{},
		&models.DispatchLog{},
		&models.QueueEntry{},
		&models.RateCounter{},
	)
}
