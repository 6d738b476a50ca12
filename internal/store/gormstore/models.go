package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. BalanceCredits is a materialized
// cache of the transaction log's running sum, refreshed inside the same
// transaction as every append.
type Account struct {
	AccountID      string    `gorm:"primaryKey"`
	BalanceCredits int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerTransaction mirrors the ledger_transactions table. Rows are never
// updated or deleted once committed.
type LedgerTransaction struct {
	TransactionID       string         `gorm:"type:uuid;primaryKey"`
	AccountID           string         `gorm:"not null;index:idx_tx_account_created,priority:1;index:uniq_tx_idem,unique,priority:1"`
	Kind                string         `gorm:"not null"`
	SourceKey           string         `gorm:"not null"`
	DeltaCredits        int64          `gorm:"not null"`
	BalanceAfterCredits int64          `gorm:"not null"`
	IdempotencyKey      *string        `gorm:"index:uniq_tx_idem,unique,priority:2"`
	Metadata            datatypes.JSON `gorm:"not null"`
	CreatedAt           time.Time      `gorm:"not null;index:idx_tx_account_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Subscription mirrors the subscriptions table.
type Subscription struct {
	SubscriptionID    string    `gorm:"primaryKey"`
	AccountID         string    `gorm:"not null;index"`
	PlanID            string    `gorm:"not null"`
	MonthlyCredits    int64     `gorm:"not null"`
	PeriodStart       time.Time `gorm:"not null"`
	PeriodEnd         time.Time `gorm:"not null"`
	LastGrantedPeriod string    `gorm:"not null;default:''"`
	Status            string    `gorm:"not null;default:'active'"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// ReferralReward mirrors the referral_rewards table.
type ReferralReward struct {
	ReferralID        string    `gorm:"primaryKey"`
	ReferrerAccountID string    `gorm:"not null;index"`
	RefereeAccountID  string    `gorm:"not null"`
	BonusCredits      int64     `gorm:"not null"`
	Status            string    `gorm:"not null;default:'pending'"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (ReferralReward) TableName() string { return "referral_rewards" }
