package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/metering/pkg/metering"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotency = "uniq_tx_idem"
	defaultMetadataJSON              = "{}"
	pgUniqueViolationCode            = "23505"
	sqliteConstraintCode             = 19
	sqliteDialectName                = "sqlite"
	errorOperationStore              = "store"
	errorSubjectAccount              = "account"
	errorSubjectBalance              = "balance"
	errorSubjectTransaction          = "transaction"
	errorSubjectSubscription         = "subscription"
	errorSubjectReferral             = "referral"
	errorCodeEnsure                  = "ensure"
	errorCodeGet                     = "get"
	errorCodeInsert                  = "insert"
	errorCodeDuplicate               = "duplicate"
	errorCodeInvalid                 = "invalid"
	errorCodeList                    = "list"
	errorCodeSum                     = "sum"
	errorCodeUpdate                  = "update"
)

// Store implements metering.Store using GORM.
type Store struct {
	db       *gorm.DB
	lockRows bool
}

// New returns a Store backed by gorm.DB. Row locking is skipped on sqlite:
// the engine has a single writer and FOR UPDATE is not in its grammar.
func New(db *gorm.DB) *Store {
	return &Store{db: db, lockRows: db.Dialector.Name() != sqliteDialectName}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerTransaction{}, &Subscription{}, &ReferralReward{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore metering.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, lockRows: store.lockRows})
	})
}

// EnsureAccount creates the account row if it does not exist yet.
func (store *Store) EnsureAccount(ctx context.Context, accountID metering.AccountID) error {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		FirstOrCreate(&account, Account{AccountID: accountID.String()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return nil
}

// Balance reads the cached balance without locking.
func (store *Store) Balance(ctx context.Context, accountID metering.AccountID) (metering.CreditAmount, error) {
	return store.readBalance(ctx, accountID, false)
}

// BalanceForUpdate reads the cached balance holding the account's row lock
// for the remainder of the surrounding transaction. This serializes all
// balance mutations for one account while leaving other accounts untouched.
func (store *Store) BalanceForUpdate(ctx context.Context, accountID metering.AccountID) (metering.CreditAmount, error) {
	return store.readBalance(ctx, accountID, store.lockRows)
}

func (store *Store) readBalance(ctx context.Context, accountID metering.AccountID, locked bool) (metering.CreditAmount, error) {
	query := store.db.WithContext(ctx)
	if locked {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account Account
	err := query.Where("account_id = ?", accountID.String()).Take(&account).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := metering.NewCreditAmount(account.BalanceCredits)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// UpdateBalance refreshes the cached balance.
func (store *Store) UpdateBalance(ctx context.Context, accountID metering.AccountID, balance metering.CreditAmount) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("balance_credits", balance.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// FindTransactionByKey looks up a committed transaction by idempotency key.
func (store *Store) FindTransactionByKey(ctx context.Context, accountID metering.AccountID, key metering.IdempotencyKey) (metering.Transaction, bool, error) {
	var row LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return metering.Transaction{}, false, nil
	}
	if err != nil {
		return metering.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return metering.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

// InsertTransaction appends one immutable ledger row.
func (store *Store) InsertTransaction(ctx context.Context, transaction metering.Transaction) (metering.Transaction, error) {
	var idempotencyKey *string
	if !transaction.IdempotencyKey.IsZero() {
		value := transaction.IdempotencyKey.String()
		idempotencyKey = &value
	}
	row := LedgerTransaction{
		AccountID:           transaction.AccountID.String(),
		Kind:                string(transaction.Kind),
		SourceKey:           transaction.SourceKey.String(),
		DeltaCredits:        transaction.DeltaCredits,
		BalanceAfterCredits: transaction.BalanceAfter.Int64(),
		IdempotencyKey:      idempotencyKey,
		Metadata:            datatypesJSON(transaction.MetadataJSON.String()),
		CreatedAt:           time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return metering.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, metering.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return metering.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	inserted, err := mapTransaction(row)
	if err != nil {
		return metering.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return inserted, nil
}

// ListTransactions lists an account's transactions, most recent first.
func (store *Store) ListTransactions(ctx context.Context, accountID metering.AccountID, limit int) ([]metering.Transaction, error) {
	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC, transaction_id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]metering.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// DebitTotal sums credits spent in [from, to). Zero-delta rows from logged
// free usage never contribute.
func (store *Store) DebitTotal(ctx context.Context, accountID metering.AccountID, fromUnixUTC int64, toUnixUTC int64) (metering.CreditAmount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(-delta_credits),0) as total").
		Where("account_id = ? AND kind = ? AND delta_credits < 0", accountID.String(), string(metering.KindDebit)).
		Where("created_at >= ? AND created_at < ?", time.Unix(fromUnixUTC, 0).UTC(), time.Unix(toUnixUTC, 0).UTC()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	total, err := metering.NewCreditAmount(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return total, nil
}

// DebitTotalsBySource sums credits spent per source in [from, to), largest
// spender first.
func (store *Store) DebitTotalsBySource(ctx context.Context, accountID metering.AccountID, fromUnixUTC int64, toUnixUTC int64) ([]metering.SourceTotal, error) {
	var rows []sqlSourceSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("source_key, coalesce(sum(-delta_credits),0) as total").
		Where("account_id = ? AND kind = ? AND delta_credits < 0", accountID.String(), string(metering.KindDebit)).
		Where("created_at >= ? AND created_at < ?", time.Unix(fromUnixUTC, 0).UTC(), time.Unix(toUnixUTC, 0).UTC()).
		Group("source_key").
		Order("total DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	totals := make([]metering.SourceTotal, 0, len(rows))
	for _, row := range rows {
		sourceKey, err := metering.NewSourceKey(row.SourceKey)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		spent, err := metering.NewCreditAmount(row.Total)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		totals = append(totals, metering.SourceTotal{SourceKey: sourceKey, CreditsSpent: spent})
	}
	return totals, nil
}

// DueSubscriptions lists active subscriptions that have no grant for the
// given period yet.
func (store *Store) DueSubscriptions(ctx context.Context, period string, nowUnixUTC int64) ([]metering.Subscription, error) {
	var rows []Subscription
	err := store.db.WithContext(ctx).
		Where("status = ?", string(metering.SubscriptionStatusActive)).
		Where("last_granted_period <> ?", period).
		Where("period_start <= ?", time.Unix(nowUnixUTC, 0).UTC()).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeList, err)
	}
	subscriptions := make([]metering.Subscription, 0, len(rows))
	for _, row := range rows {
		subscription, err := mapSubscription(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectSubscription, errorCodeInvalid, err)
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}

// UpdateLastGrantedPeriod advances the double-grant guard marker.
func (store *Store) UpdateLastGrantedPeriod(ctx context.Context, subscriptionID string, period string) error {
	result := store.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("subscription_id = ?", subscriptionID).
		Update("last_granted_period", period)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// ReferralForUpdate loads a referral holding its row lock.
func (store *Store) ReferralForUpdate(ctx context.Context, referralID string) (metering.ReferralReward, error) {
	query := store.db.WithContext(ctx)
	if store.lockRows {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row ReferralReward
	err := query.Where("referral_id = ?", referralID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return metering.ReferralReward{}, wrapStoreError(errorSubjectReferral, errorCodeGet, metering.ErrUnknownReferral)
	}
	if err != nil {
		return metering.ReferralReward{}, wrapStoreError(errorSubjectReferral, errorCodeGet, err)
	}
	referral, err := mapReferral(row)
	if err != nil {
		return metering.ReferralReward{}, wrapStoreError(errorSubjectReferral, errorCodeInvalid, err)
	}
	return referral, nil
}

// UpdateReferralStatus transitions a referral between lifecycle states.
func (store *Store) UpdateReferralStatus(ctx context.Context, referralID string, from, to metering.ReferralStatus) error {
	result := store.db.WithContext(ctx).
		Model(&ReferralReward{}).
		Where("referral_id = ? AND status = ?", referralID, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return wrapStoreError(errorSubjectReferral, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReferral, errorCodeUpdate, metering.ErrUnknownReferral)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return metering.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

type sqlSourceSum struct {
	SourceKey string
	Total     int64
}

func mapTransaction(row LedgerTransaction) (metering.Transaction, error) {
	accountID, err := metering.NewAccountID(row.AccountID)
	if err != nil {
		return metering.Transaction{}, err
	}
	sourceKey, err := metering.NewSourceKey(row.SourceKey)
	if err != nil {
		return metering.Transaction{}, err
	}
	balanceAfter, err := metering.NewCreditAmount(row.BalanceAfterCredits)
	if err != nil {
		return metering.Transaction{}, err
	}
	var idempotencyKey metering.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = metering.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return metering.Transaction{}, err
		}
	}
	metadata, err := metering.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return metering.Transaction{}, err
	}
	return metering.Transaction{
		TransactionID:  row.TransactionID,
		AccountID:      accountID,
		Kind:           metering.TransactionKind(row.Kind),
		SourceKey:      sourceKey,
		DeltaCredits:   row.DeltaCredits,
		BalanceAfter:   balanceAfter,
		IdempotencyKey: idempotencyKey,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapSubscription(row Subscription) (metering.Subscription, error) {
	accountID, err := metering.NewAccountID(row.AccountID)
	if err != nil {
		return metering.Subscription{}, err
	}
	monthlyCredits, err := metering.NewCreditAmount(row.MonthlyCredits)
	if err != nil {
		return metering.Subscription{}, err
	}
	return metering.Subscription{
		SubscriptionID:     row.SubscriptionID,
		AccountID:          accountID,
		PlanID:             row.PlanID,
		MonthlyCredits:     monthlyCredits,
		PeriodStartUnixUTC: row.PeriodStart.Unix(),
		PeriodEndUnixUTC:   row.PeriodEnd.Unix(),
		LastGrantedPeriod:  row.LastGrantedPeriod,
		Status:             metering.SubscriptionStatus(row.Status),
	}, nil
}

func mapReferral(row ReferralReward) (metering.ReferralReward, error) {
	referrerAccountID, err := metering.NewAccountID(row.ReferrerAccountID)
	if err != nil {
		return metering.ReferralReward{}, err
	}
	refereeAccountID, err := metering.NewAccountID(row.RefereeAccountID)
	if err != nil {
		return metering.ReferralReward{}, err
	}
	bonus, err := metering.NewCreditAmount(row.BonusCredits)
	if err != nil {
		return metering.ReferralReward{}, err
	}
	return metering.ReferralReward{
		ReferralID:        row.ReferralID,
		ReferrerAccountID: referrerAccountID,
		RefereeAccountID:  refereeAccountID,
		BonusCredits:      bonus,
		Status:            metering.ReferralStatus(row.Status),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotency
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
