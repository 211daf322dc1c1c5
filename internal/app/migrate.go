package app

import (
	"gorm.io/gorm"

	"github.com/agrichain/agrichain-chain/internal/model"
)

// AutoMigrate 同步表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Batch{},
		&model.BlockchainEvent{},
	)
}
