package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// Ten simultaneous charges of 30 against a balance of 100 must admit exactly
// three: the affordability check and the debit share one lock, so no
// interleaving can overspend.
func TestConcurrentChargesNeverOverspend(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, mustRegistry(test, map[string]int64{"campaign_analysis": 30}, UnknownFeatureReject, false))
	accountID := mustAccountID(test, "acct-contended")
	store.seedBalance(test, accountID, 100)
	featureKey := mustFeatureKey(test, "campaign_analysis")

	const attempts = 10
	var (
		wait         sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for index := 0; index < attempts; index++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			_, err := service.ChargeFeature(context.Background(), accountID, featureKey)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientCredits):
				insufficient++
			default:
				test.Errorf("unexpected charge error: %v", err)
			}
		}()
	}
	wait.Wait()

	if succeeded != 3 {
		test.Fatalf("expected exactly 3 successful charges, got %d", succeeded)
	}
	if insufficient != 7 {
		test.Fatalf("expected 7 insufficient results, got %d", insufficient)
	}
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		test.Fatalf("expected final balance 10, got %d", balance)
	}
	if sum := store.sumDeltas(accountID); sum+100 != balance.Int64() {
		test.Fatalf("ledger sum %d plus opening 100 drifted from balance %d", sum, balance)
	}
	if rows := store.accountTransactions(accountID); len(rows) != 3 {
		test.Fatalf("expected 3 ledger rows, got %d", len(rows))
	}
}

// Concurrent replays of one grant key must produce a single ledger row.
func TestConcurrentGrantReplaysProduceOneRow(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, mustRegistry(test, testCosts(), UnknownFeatureReject, false))
	accountID := mustAccountID(test, "acct-grant-race")
	key := mustIdempotencyKey(test, "evt_race")

	const attempts = 8
	var wait sync.WaitGroup
	for index := 0; index < attempts; index++ {
		wait.Add(1)
		go func() {
			defer wait.Done()
			if _, err := service.GrantCredits(context.Background(), accountID, 50, SourceTopup, key, MetadataJSON{}); err != nil {
				test.Errorf("grant: %v", err)
			}
		}()
	}
	wait.Wait()

	if rows := store.accountTransactions(accountID); len(rows) != 1 {
		test.Fatalf("expected one ledger row, got %d", len(rows))
	}
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 50 {
		test.Fatalf("expected balance 50, got %d", balance)
	}
}

// Charges against distinct accounts share no lock state beyond the stub's
// single mutex; each account settles independently.
func TestConcurrentChargesAcrossAccountsStayIsolated(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, mustRegistry(test, map[string]int64{"chat_message": 1}, UnknownFeatureReject, false))
	accounts := []AccountID{
		mustAccountID(test, "acct-iso-1"),
		mustAccountID(test, "acct-iso-2"),
		mustAccountID(test, "acct-iso-3"),
	}
	for _, accountID := range accounts {
		store.seedBalance(test, accountID, 5)
	}
	featureKey := mustFeatureKey(test, "chat_message")

	var wait sync.WaitGroup
	for _, accountID := range accounts {
		for index := 0; index < 5; index++ {
			wait.Add(1)
			go func(accountID AccountID) {
				defer wait.Done()
				if _, err := service.ChargeFeature(context.Background(), accountID, featureKey); err != nil {
					test.Errorf("charge %s: %v", accountID, err)
				}
			}(accountID)
		}
	}
	wait.Wait()

	for _, accountID := range accounts {
		balance, err := service.Balance(context.Background(), accountID)
		if err != nil {
			test.Fatalf("balance %s: %v", accountID, err)
		}
		if balance != 0 {
			test.Fatalf("expected %s drained to 0, got %d", accountID, balance)
		}
	}
}
