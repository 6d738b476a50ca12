package metering

import (
	"context"
	"time"
)

// PeriodIdentifier names the calendar-month billing period containing the
// given instant, in UTC.
func PeriodIdentifier(atUnixUTC int64) string {
	return time.Unix(atUnixUTC, 0).UTC().Format(periodLayout)
}

// SubscriptionGrantKey derives the idempotency key that makes a period's
// grant apply at most once, no matter how many reconciler instances run.
func SubscriptionGrantKey(subscriptionID string, period string) (IdempotencyKey, error) {
	return NewIdempotencyKey(sourceSubscription + idempotencyKeyDelimiter + subscriptionID + idempotencyKeyDelimiter + period)
}

// ReconcileSubscriptions grants monthly credits to every active subscription
// whose current period has no grant yet. The idempotency key is the sole
// correctness mechanism against duplicate grants; lastGrantedPeriod only
// trims redundant work. One subscription's failure never blocks the rest.
func (service *Service) ReconcileSubscriptions(ctx context.Context, nowUnixUTC int64) ([]Transaction, error) {
	period := PeriodIdentifier(nowUnixUTC)
	due, err := service.store.DueSubscriptions(ctx, period, nowUnixUTC)
	if err != nil {
		return nil, err
	}
	granted := make([]Transaction, 0, len(due))
	for _, subscription := range due {
		transaction, reconcileErr := service.reconcileOne(ctx, subscription, period)
		service.logOperation(ctx, OperationLog{
			Operation:    operationReconcile,
			AccountID:    subscription.AccountID,
			SourceKey:    SourceSubscription,
			Amount:       subscription.MonthlyCredits,
			BalanceAfter: transaction.BalanceAfter,
			Error:        reconcileErr,
		})
		if reconcileErr != nil {
			continue
		}
		granted = append(granted, transaction)
	}
	return granted, nil
}

func (service *Service) reconcileOne(ctx context.Context, subscription Subscription, period string) (Transaction, error) {
	key, err := SubscriptionGrantKey(subscription.SubscriptionID, period)
	if err != nil {
		return Transaction{}, err
	}
	transaction, _, err := service.grant(ctx, subscription.AccountID, subscription.MonthlyCredits, SourceSubscription, key, MetadataJSON{})
	if err != nil {
		return Transaction{}, err
	}
	// The grant is already committed; the marker only trims future lookups,
	// and a failed update is healed by the idempotency-key replay.
	_ = service.store.UpdateLastGrantedPeriod(ctx, subscription.SubscriptionID, period)
	return transaction, nil
}
