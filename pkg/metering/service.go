package metering

import (
	"context"
	"fmt"
)

// Service contains the metering domain logic over a Store.
type Service struct {
	store       Store
	registry    *CostRegistry
	nowFn       func() int64
	logger      OperationLogger
	watcher     *LowBalanceWatcher
	catalog     *TopupCatalog
	signupBonus CreditAmount
}

// NewService wires a Service.
func NewService(store Store, registry *CostRegistry, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: cost registry dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, registry: registry, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account's current spendable credits. The value may be
// a snapshot; charge decisions re-read under the account row lock.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (CreditAmount, error) {
	if err := service.store.EnsureAccount(ctx, accountID); err != nil {
		return 0, err
	}
	return service.store.Balance(ctx, accountID)
}

// UsageHistory lists the account's transactions, most recent first.
func (service *Service) UsageHistory(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error) {
	if err := service.store.EnsureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, accountID, limit)
}

// ChargeFeature charges the account for one use of a metered feature. The
// affordability check and the debit happen under the same account row lock;
// either the balance drops by exactly the feature cost or nothing changes.
// InsufficientCreditsError is an expected outcome, not a system error.
func (service *Service) ChargeFeature(ctx context.Context, accountID AccountID, featureKey FeatureKey) (Transaction, error) {
	cost, err := service.registry.Cost(featureKey)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationCharge,
			AccountID: accountID,
			SourceKey: featureKey.ToSourceKey(),
			Error:     err,
		})
		return Transaction{}, err
	}
	if cost == 0 && !service.registry.LogsFreeUsage() {
		return service.chargeFree(ctx, accountID, featureKey)
	}

	var (
		charged       Transaction
		balanceBefore CreditAmount
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.EnsureAccount(ctx, accountID); err != nil {
			return err
		}
		balance, err := txStore.BalanceForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		balanceBefore = balance
		if balance.Int64() < cost.Int64() {
			return InsufficientCreditsError{Required: cost, Available: balance}
		}
		appended, _, err := service.appendLocked(ctx, txStore, Transaction{
			AccountID:    accountID,
			Kind:         KindDebit,
			SourceKey:    featureKey.ToSourceKey(),
			DeltaCredits: -cost.Int64(),
			BalanceAfter: balance - cost,
		})
		if err != nil {
			return err
		}
		charged = appended
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:    operationCharge,
		AccountID:    accountID,
		SourceKey:    featureKey.ToSourceKey(),
		Amount:       cost,
		BalanceAfter: charged.BalanceAfter,
		Error:        operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	if cost > 0 {
		service.observeBalance(accountID, balanceBefore, charged.BalanceAfter)
	}
	return charged, nil
}

// chargeFree resolves a zero-cost charge without opening a write transaction.
func (service *Service) chargeFree(ctx context.Context, accountID AccountID, featureKey FeatureKey) (Transaction, error) {
	if err := service.store.EnsureAccount(ctx, accountID); err != nil {
		return Transaction{}, err
	}
	balance, err := service.store.Balance(ctx, accountID)
	if err != nil {
		return Transaction{}, err
	}
	free := Transaction{
		AccountID:      accountID,
		Kind:           KindDebit,
		SourceKey:      featureKey.ToSourceKey(),
		DeltaCredits:   0,
		BalanceAfter:   balance,
		CreatedUnixUTC: service.nowFn(),
	}
	service.logOperation(ctx, OperationLog{
		Operation:    operationCharge,
		AccountID:    accountID,
		SourceKey:    featureKey.ToSourceKey(),
		BalanceAfter: balance,
	})
	return free, nil
}

// GrantCredits adds credits from a non-metered source. The idempotency key
// is mandatory: grants are commonly driven by redelivered external events,
// and a replayed key resolves to the original transaction with no new side
// effect.
func (service *Service) GrantCredits(ctx context.Context, accountID AccountID, amount CreditAmount, source SourceKey, key IdempotencyKey, metadata MetadataJSON) (Transaction, error) {
	granted, replayed, operationError := service.grant(ctx, accountID, amount, source, key, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		AccountID:      accountID,
		SourceKey:      source,
		Amount:         amount,
		BalanceAfter:   granted.BalanceAfter,
		IdempotencyKey: key,
		Replayed:       replayed,
		Error:          operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return granted, nil
}

func (service *Service) grant(ctx context.Context, accountID AccountID, amount CreditAmount, source SourceKey, key IdempotencyKey, metadata MetadataJSON) (Transaction, bool, error) {
	if key.IsZero() {
		return Transaction{}, false, fmt.Errorf("%w: grants require an idempotency key", ErrInvalidIdempotencyKey)
	}
	if _, err := NewPositiveCreditAmount(amount.Int64()); err != nil {
		return Transaction{}, false, err
	}
	var (
		granted  Transaction
		replayed bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.EnsureAccount(ctx, accountID); err != nil {
			return err
		}
		balance, err := txStore.BalanceForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		appended, wasReplay, err := service.appendLocked(ctx, txStore, Transaction{
			AccountID:      accountID,
			Kind:           KindGrant,
			SourceKey:      source,
			DeltaCredits:   amount.Int64(),
			BalanceAfter:   balance + amount,
			IdempotencyKey: key,
			MetadataJSON:   metadata,
		})
		if err != nil {
			return err
		}
		granted = appended
		replayed = wasReplay
		return nil
	})
	if operationError != nil {
		return Transaction{}, false, operationError
	}
	return granted, replayed, nil
}

// appendLocked inserts one transaction and refreshes the cached balance.
// The caller must already hold the account row lock via BalanceForUpdate;
// the replay lookup is race-free only under that lock.
func (service *Service) appendLocked(ctx context.Context, txStore Store, transaction Transaction) (Transaction, bool, error) {
	if !transaction.IdempotencyKey.IsZero() {
		existing, found, err := txStore.FindTransactionByKey(ctx, transaction.AccountID, transaction.IdempotencyKey)
		if err != nil {
			return Transaction{}, false, err
		}
		if found {
			return existing, true, nil
		}
	}
	if transaction.BalanceAfter < 0 {
		return Transaction{}, false, fmt.Errorf("%w: balance would go negative", ErrInvalidBalance)
	}
	transaction.CreatedUnixUTC = service.nowFn()
	inserted, err := txStore.InsertTransaction(ctx, transaction)
	if err != nil {
		return Transaction{}, false, err
	}
	if transaction.DeltaCredits != 0 {
		if err := txStore.UpdateBalance(ctx, transaction.AccountID, transaction.BalanceAfter); err != nil {
			return Transaction{}, false, err
		}
	}
	return inserted, false, nil
}

// observeBalance hands the post-debit balance to the low-balance watcher.
// Dispatch happens after the ledger transaction committed and never holds
// store locks.
func (service *Service) observeBalance(accountID AccountID, before CreditAmount, after CreditAmount) {
	if service.watcher == nil {
		return
	}
	service.watcher.Observe(accountID, before, after)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
