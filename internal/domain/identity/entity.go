package identity

import (
	"time"

	"github.com/google/uuid"
)

// User is the host application's account row. This service only reads
// it; account management lives elsewhere.
type User struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username    string    `gorm:"size:64;uniqueIndex"`
	DisplayName string    `gorm:"size:120"`
	IsOperator  bool      `gorm:"not null"`
	CreatedAt   time.Time
}

// Block represents dm_blocks, one row per directed block.
type Block struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	BlockerID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_dm_block_pair"`
	BlockedID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_dm_block_pair"`
	CreatedAt time.Time
}

func (User) TableName() string {
	return "users"
}

func (Block) TableName() string {
	return "dm_blocks"
}
