package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CreditAmount is a non-negative credit count.
type CreditAmount int64

// AccountID identifies a tenant workspace.
type AccountID struct {
	value string
}

// FeatureKey identifies a metered feature.
type FeatureKey struct {
	value string
}

// SourceKey names the cause of a transaction: a feature key for debits, or
// one of the grant sources (subscription, topup, referral, signup, refund).
type SourceKey struct {
	value string
}

// IdempotencyKey scopes duplicate detection. The zero value means "none"
// and is only legal on debits.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindDebit TransactionKind = "debit"
	KindGrant TransactionKind = "grant"
)

// Transaction is a single immutable line in the ledger. DeltaCredits is
// negative for debits, positive for grants, and zero only for logged free
// usage. BalanceAfter is the account balance as of this line.
type Transaction struct {
	TransactionID  string
	AccountID      AccountID
	Kind           TransactionKind
	SourceKey      SourceKey
	DeltaCredits   int64
	BalanceAfter   CreditAmount
	IdempotencyKey IdempotencyKey
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
}

// SourceTotal is the credits spent against one source within a window.
type SourceTotal struct {
	SourceKey     SourceKey
	CreditsSpent  CreditAmount
	PercentageInt int
}

// UsageBreakdown is the per-feature rollup for a window.
type UsageBreakdown struct {
	TotalUsed CreditAmount
	PerSource []SourceTotal
}

// MonthlyUsage reports credits spent in the current and previous calendar
// month (UTC).
type MonthlyUsage struct {
	ThisMonth CreditAmount
	LastMonth CreditAmount
}

// SubscriptionStatus defines the subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is a recurring monthly credit allowance.
type Subscription struct {
	SubscriptionID     string
	AccountID          AccountID
	PlanID             string
	MonthlyCredits     CreditAmount
	PeriodStartUnixUTC int64
	PeriodEndUnixUTC   int64
	LastGrantedPeriod  string
	Status             SubscriptionStatus
}

// ReferralStatus defines the referral reward lifecycle.
type ReferralStatus string

const (
	ReferralStatusPending  ReferralStatus = "pending"
	ReferralStatusRewarded ReferralStatus = "rewarded"
)

// ReferralReward is a pending or applied referral bonus.
type ReferralReward struct {
	ReferralID        string
	ReferrerAccountID AccountID
	RefereeAccountID  AccountID
	BonusCredits      CreditAmount
	Status            ReferralStatus
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewFeatureKey validates and normalizes a feature key.
func NewFeatureKey(raw string) (FeatureKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return FeatureKey{}, fmt.Errorf("%w: empty value", ErrInvalidFeatureKey)
	}
	return FeatureKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key FeatureKey) String() string {
	return key.value
}

// ToSourceKey converts a feature key into the source key recorded on its
// debit transactions.
func (key FeatureKey) ToSourceKey() SourceKey {
	return SourceKey{value: key.value}
}

// NewSourceKey validates and normalizes a source key.
func NewSourceKey(raw string) (SourceKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SourceKey{}, fmt.Errorf("%w: empty value", ErrInvalidSourceKey)
	}
	return SourceKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key SourceKey) String() string {
	return key.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewCreditAmount validates a non-negative credit amount.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// NewPositiveCreditAmount validates a strictly positive credit amount.
func NewPositiveCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// Store is the persistence contract used by Service. Mutating methods are
// only called inside WithTx; BalanceForUpdate must hold the account's row
// lock until the surrounding transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, accountID AccountID) error
	Balance(ctx context.Context, accountID AccountID) (CreditAmount, error)
	BalanceForUpdate(ctx context.Context, accountID AccountID) (CreditAmount, error)
	UpdateBalance(ctx context.Context, accountID AccountID, balance CreditAmount) error
	FindTransactionByKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error)
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)
	DebitTotal(ctx context.Context, accountID AccountID, fromUnixUTC int64, toUnixUTC int64) (CreditAmount, error)
	DebitTotalsBySource(ctx context.Context, accountID AccountID, fromUnixUTC int64, toUnixUTC int64) ([]SourceTotal, error)
	DueSubscriptions(ctx context.Context, period string, nowUnixUTC int64) ([]Subscription, error)
	UpdateLastGrantedPeriod(ctx context.Context, subscriptionID string, period string) error
	ReferralForUpdate(ctx context.Context, referralID string) (ReferralReward, error)
	UpdateReferralStatus(ctx context.Context, referralID string, from, to ReferralStatus) error
}
