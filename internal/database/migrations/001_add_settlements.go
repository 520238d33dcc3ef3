package migrations

import (
	"github.com/ksred/klear-negotiation/internal/settlement"
	"gorm.io/gorm"
)

func AddSettlements(db *gorm.DB) error {
	if err := db.AutoMigrate(&settlement.Settlement{}); err != nil {
		return err
	}

	return nil
}
