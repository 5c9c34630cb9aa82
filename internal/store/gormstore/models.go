package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Credits is the per-user balance and
// is only ever mutated through guarded single-statement updates.
type Account struct {
	AccountID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index:idx_accounts_user,unique"`
	Credits   int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// PurchaseTransaction mirrors the purchase_transactions table. Rows are never
// deleted; they are the payment audit trail.
type PurchaseTransaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	PlanID         string         `gorm:"not null"`
	AmountCents    int64          `gorm:"not null"`
	CreditsGranted int64          `gorm:"not null"`
	Status         string         `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (PurchaseTransaction) TableName() string { return "purchase_transactions" }
