package keys

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApiKey is the authoritative credential row for one project. The table
// holds exactly one row per project; revoking flips IsActive off and a later
// create reuses the row with fresh material, so at most one active
// credential exists per project at any time.
type ApiKey struct {
	ID          uuid.UUID  `gorm:"type:text;primaryKey" json:"id"`
	ProjectID   string     `gorm:"uniqueIndex;not null" json:"projectId"`
	KeyHash     string     `gorm:"type:char(64);not null" json:"-"` // SHA-256 hex of the raw key
	KeyPrefix   string     `gorm:"type:varchar(20);not null;index" json:"keyPrefix"`
	CreatedAt   time.Time  `gorm:"not null" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"not null" json:"-"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	IsActive    bool       `gorm:"not null;default:true" json:"isActive"`
	CreatedBy   string     `gorm:"type:varchar(128)" json:"createdBy,omitempty"`
	Description string     `gorm:"type:text" json:"description,omitempty"`
}

// TableName pins the table name used by the migrations.
func (ApiKey) TableName() string { return "api_keys" }

// BeforeCreate generates a time-ordered UUID v7 if the ID is not set.
func (k *ApiKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		k.ID = id
	}
	return nil
}
