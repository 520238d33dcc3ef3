package migrations

import (
	"time"

	"github.com/ksred/klear-negotiation/internal/settlement"
	"gorm.io/gorm"
)

// AddIdempotencyRecords creates the create-replay table and drops rows that
// expired while the server was down
func AddIdempotencyRecords(db *gorm.DB) error {
	if err := db.AutoMigrate(&settlement.IdempotencyRecord{}); err != nil {
		return err
	}

	return db.Where("expires_at < ?", time.Now()).Delete(&settlement.IdempotencyRecord{}).Error
}
