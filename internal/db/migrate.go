package db

import (
	"fmt"

	"github.com/zulandar/seshat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model that makes up the store schema.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.Message{},
		&models.OperatorPresence{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedOperators upserts one presence row per configured operator, all marked
// offline. Real presence arrives from the network once the broker connects.
// Rows for operators no longer configured are removed so the web tier never
// reports a stale account as available.
func SeedOperators(db *gorm.DB, addresses []string) error {
	return db.Transaction(func(tx *gorm.DB) error {
		del := tx.Where("1 = 1")
		if len(addresses) > 0 {
			del = tx.Where("address NOT IN ?", addresses)
		}
		if err := del.Delete(&models.OperatorPresence{}).Error; err != nil {
			return fmt.Errorf("db: prune operators: %w", err)
		}
		for _, addr := range addresses {
			row := models.OperatorPresence{Address: addr, Online: false}
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "address"}},
				DoUpdates: clause.AssignmentColumns([]string{"online", "updated_at"}),
			}).Create(&row)
			if result.Error != nil {
				return fmt.Errorf("db: seed operator %q: %w", addr, result.Error)
			}
		}
		return nil
	})
}
