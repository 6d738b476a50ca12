package metering

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes callers with a mutex,
// mirroring the per-account row lock the real store takes.
type stubStore struct {
	mu            sync.Mutex
	balances      map[string]CreditAmount
	transactions  []Transaction
	subscriptions map[string]Subscription
	referrals     map[string]ReferralReward
	nextID        int

	failInsert         error
	failBalance        error
	failDue            error
	failGrantedUpdates int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:      map[string]CreditAmount{},
		subscriptions: map[string]Subscription{},
		referrals:     map[string]ReferralReward{},
	}
}

func (store *stubStore) seedBalance(test *testing.T, accountID AccountID, balance CreditAmount) {
	test.Helper()
	store.balances[accountID.String()] = balance
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshotBalances := make(map[string]CreditAmount, len(store.balances))
	for key, value := range store.balances {
		snapshotBalances[key] = value
	}
	snapshotTransactions := append([]Transaction(nil), store.transactions...)
	if err := fn(ctx, (*lockedStubStore)(store)); err != nil {
		store.balances = snapshotBalances
		store.transactions = snapshotTransactions
		return err
	}
	return nil
}

// lockedStubStore is the view handed to WithTx closures; the caller already
// holds the mutex, so the inner methods skip locking.
type lockedStubStore stubStore

func (store *lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) EnsureAccount(ctx context.Context, accountID AccountID) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).EnsureAccount(ctx, accountID)
}

func (store *lockedStubStore) EnsureAccount(_ context.Context, accountID AccountID) error {
	if _, ok := store.balances[accountID.String()]; !ok {
		store.balances[accountID.String()] = 0
	}
	return nil
}

func (store *stubStore) Balance(ctx context.Context, accountID AccountID) (CreditAmount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).Balance(ctx, accountID)
}

func (store *lockedStubStore) Balance(_ context.Context, accountID AccountID) (CreditAmount, error) {
	if store.failBalance != nil {
		return 0, store.failBalance
	}
	return store.balances[accountID.String()], nil
}

func (store *stubStore) BalanceForUpdate(ctx context.Context, accountID AccountID) (CreditAmount, error) {
	return store.Balance(ctx, accountID)
}

func (store *lockedStubStore) BalanceForUpdate(ctx context.Context, accountID AccountID) (CreditAmount, error) {
	return store.Balance(ctx, accountID)
}

func (store *stubStore) UpdateBalance(ctx context.Context, accountID AccountID, balance CreditAmount) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).UpdateBalance(ctx, accountID, balance)
}

func (store *lockedStubStore) UpdateBalance(_ context.Context, accountID AccountID, balance CreditAmount) error {
	store.balances[accountID.String()] = balance
	return nil
}

func (store *stubStore) FindTransactionByKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).FindTransactionByKey(ctx, accountID, key)
}

func (store *lockedStubStore) FindTransactionByKey(_ context.Context, accountID AccountID, key IdempotencyKey) (Transaction, bool, error) {
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID && transaction.IdempotencyKey == key {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).InsertTransaction(ctx, transaction)
}

func (store *lockedStubStore) InsertTransaction(_ context.Context, transaction Transaction) (Transaction, error) {
	if store.failInsert != nil {
		return Transaction{}, store.failInsert
	}
	store.nextID++
	transaction.TransactionID = fmt.Sprintf("tx-%d", store.nextID)
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ListTransactions(ctx, accountID, limit)
}

func (store *lockedStubStore) ListTransactions(_ context.Context, accountID AccountID, limit int) ([]Transaction, error) {
	listed := make([]Transaction, 0, limit)
	for index := len(store.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		if store.transactions[index].AccountID == accountID {
			listed = append(listed, store.transactions[index])
		}
	}
	return listed, nil
}

func (store *stubStore) DebitTotal(ctx context.Context, accountID AccountID, fromUnixUTC int64, toUnixUTC int64) (CreditAmount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).DebitTotal(ctx, accountID, fromUnixUTC, toUnixUTC)
}

func (store *lockedStubStore) DebitTotal(_ context.Context, accountID AccountID, fromUnixUTC int64, toUnixUTC int64) (CreditAmount, error) {
	var total CreditAmount
	for _, transaction := range store.transactions {
		if transaction.AccountID != accountID || transaction.Kind != KindDebit || transaction.DeltaCredits >= 0 {
			continue
		}
		if transaction.CreatedUnixUTC < fromUnixUTC || transaction.CreatedUnixUTC >= toUnixUTC {
			continue
		}
		total += CreditAmount(-transaction.DeltaCredits)
	}
	return total, nil
}

func (store *stubStore) DebitTotalsBySource(ctx context.Context, accountID AccountID, fromUnixUTC int64, toUnixUTC int64) ([]SourceTotal, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).DebitTotalsBySource(ctx, accountID, fromUnixUTC, toUnixUTC)
}

func (store *lockedStubStore) DebitTotalsBySource(_ context.Context, accountID AccountID, fromUnixUTC int64, toUnixUTC int64) ([]SourceTotal, error) {
	sums := map[SourceKey]CreditAmount{}
	order := []SourceKey{}
	for _, transaction := range store.transactions {
		if transaction.AccountID != accountID || transaction.Kind != KindDebit || transaction.DeltaCredits >= 0 {
			continue
		}
		if transaction.CreatedUnixUTC < fromUnixUTC || transaction.CreatedUnixUTC >= toUnixUTC {
			continue
		}
		if _, seen := sums[transaction.SourceKey]; !seen {
			order = append(order, transaction.SourceKey)
		}
		sums[transaction.SourceKey] += CreditAmount(-transaction.DeltaCredits)
	}
	totals := make([]SourceTotal, 0, len(order))
	for _, sourceKey := range order {
		totals = append(totals, SourceTotal{SourceKey: sourceKey, CreditsSpent: sums[sourceKey]})
	}
	return totals, nil
}

func (store *stubStore) DueSubscriptions(ctx context.Context, period string, nowUnixUTC int64) ([]Subscription, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).DueSubscriptions(ctx, period, nowUnixUTC)
}

func (store *lockedStubStore) DueSubscriptions(_ context.Context, period string, nowUnixUTC int64) ([]Subscription, error) {
	if store.failDue != nil {
		return nil, store.failDue
	}
	due := []Subscription{}
	for _, subscription := range store.subscriptions {
		if subscription.Status != SubscriptionStatusActive {
			continue
		}
		if subscription.LastGrantedPeriod == period {
			continue
		}
		if subscription.PeriodStartUnixUTC > nowUnixUTC {
			continue
		}
		due = append(due, subscription)
	}
	return due, nil
}

func (store *stubStore) UpdateLastGrantedPeriod(ctx context.Context, subscriptionID string, period string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).UpdateLastGrantedPeriod(ctx, subscriptionID, period)
}

func (store *lockedStubStore) UpdateLastGrantedPeriod(_ context.Context, subscriptionID string, period string) error {
	if store.failGrantedUpdates > 0 {
		store.failGrantedUpdates--
		return fmt.Errorf("marker update refused")
	}
	subscription, ok := store.subscriptions[subscriptionID]
	if !ok {
		return ErrUnknownReferral
	}
	subscription.LastGrantedPeriod = period
	store.subscriptions[subscriptionID] = subscription
	return nil
}

func (store *stubStore) ReferralForUpdate(ctx context.Context, referralID string) (ReferralReward, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ReferralForUpdate(ctx, referralID)
}

func (store *lockedStubStore) ReferralForUpdate(_ context.Context, referralID string) (ReferralReward, error) {
	referral, ok := store.referrals[referralID]
	if !ok {
		return ReferralReward{}, fmt.Errorf("%w: %s", ErrUnknownReferral, referralID)
	}
	return referral, nil
}

func (store *stubStore) UpdateReferralStatus(ctx context.Context, referralID string, from, to ReferralStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).UpdateReferralStatus(ctx, referralID, from, to)
}

func (store *lockedStubStore) UpdateReferralStatus(_ context.Context, referralID string, from, to ReferralStatus) error {
	referral, ok := store.referrals[referralID]
	if !ok || referral.Status != from {
		return fmt.Errorf("%w: %s", ErrUnknownReferral, referralID)
	}
	referral.Status = to
	store.referrals[referralID] = referral
	return nil
}

func (store *stubStore) sumDeltas(accountID AccountID) int64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum int64
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			sum += transaction.DeltaCredits
		}
	}
	return sum
}

func (store *stubStore) accountTransactions(accountID AccountID) []Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := []Transaction{}
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID {
			matched = append(matched, transaction)
		}
	}
	return matched
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustFeatureKey(test *testing.T, raw string) FeatureKey {
	test.Helper()
	key, err := NewFeatureKey(raw)
	if err != nil {
		test.Fatalf("feature key %q: %v", raw, err)
	}
	return key
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func mustPositiveAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewPositiveCreditAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func mustRegistry(test *testing.T, costs map[string]int64, policy UnknownFeaturePolicy, logFreeUsage bool) *CostRegistry {
	test.Helper()
	registry, err := NewCostRegistry(costs, policy, logFreeUsage)
	if err != nil {
		test.Fatalf("cost registry: %v", err)
	}
	return registry
}

func mustNewService(test *testing.T, store Store, registry *CostRegistry, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, registry, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}
