package metering

import (
	"context"
	"fmt"
)

// ProvisionAccount creates the account row and applies the configured signup
// bonus as a grant keyed on the account id, so repeated provisioning (retried
// onboarding jobs) yields exactly one bonus.
func (service *Service) ProvisionAccount(ctx context.Context, accountID AccountID) (Transaction, error) {
	if service.signupBonus == 0 {
		err := service.store.EnsureAccount(ctx, accountID)
		service.logOperation(ctx, OperationLog{
			Operation: operationProvision,
			AccountID: accountID,
			Error:     err,
		})
		return Transaction{}, err
	}
	key, err := NewIdempotencyKey(sourceSignup + idempotencyKeyDelimiter + accountID.String())
	if err != nil {
		return Transaction{}, err
	}
	granted, replayed, operationError := service.grant(ctx, accountID, service.signupBonus, SourceSignup, key, MetadataJSON{})
	service.logOperation(ctx, OperationLog{
		Operation:      operationProvision,
		AccountID:      accountID,
		SourceKey:      SourceSignup,
		Amount:         service.signupBonus,
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

// Topup redeems a purchased credit pack. The idempotency key derives from the
// payment provider's event reference, so webhook redeliveries replay instead
// of double-granting.
func (service *Service) Topup(ctx context.Context, accountID AccountID, productKey string, paymentRef string) (Transaction, error) {
	if service.catalog == nil {
		return Transaction{}, fmt.Errorf("%w: topup catalog is not configured", ErrInvalidServiceConfig)
	}
	product, err := service.catalog.Product(productKey)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationTopup,
			AccountID: accountID,
			SourceKey: SourceTopup,
			Error:     err,
		})
		return Transaction{}, err
	}
	key, err := NewIdempotencyKey(sourceTopup + idempotencyKeyDelimiter + paymentRef)
	if err != nil {
		return Transaction{}, err
	}
	metadata, err := NewMetadataJSON(fmt.Sprintf(`{"product":%q,"payment_ref":%q}`, product.Key, paymentRef))
	if err != nil {
		return Transaction{}, err
	}
	granted, replayed, operationError := service.grant(ctx, accountID, product.Credits, SourceTopup, key, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationTopup,
		AccountID:      accountID,
		SourceKey:      SourceTopup,
		Amount:         product.Credits,
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

// CompleteReferral marks a pending referral rewarded and grants the referrer
// its bonus in one transaction. Replays (the referral already rewarded)
// resolve to the original grant.
func (service *Service) CompleteReferral(ctx context.Context, referralID string) (Transaction, error) {
	var (
		granted  Transaction
		replayed bool
		referrer AccountID
		bonus    CreditAmount
	)
	key, err := NewIdempotencyKey(sourceReferral + idempotencyKeyDelimiter + referralID)
	if err != nil {
		return Transaction{}, err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		referral, err := txStore.ReferralForUpdate(ctx, referralID)
		if err != nil {
			return err
		}
		referrer = referral.ReferrerAccountID
		bonus = referral.BonusCredits
		if referral.Status == ReferralStatusPending {
			if err := txStore.UpdateReferralStatus(ctx, referralID, ReferralStatusPending, ReferralStatusRewarded); err != nil {
				return err
			}
		}
		if err := txStore.EnsureAccount(ctx, referral.ReferrerAccountID); err != nil {
			return err
		}
		balance, err := txStore.BalanceForUpdate(ctx, referral.ReferrerAccountID)
		if err != nil {
			return err
		}
		granted, replayed, err = service.appendLocked(ctx, txStore, Transaction{
			AccountID:      referral.ReferrerAccountID,
			Kind:           KindGrant,
			SourceKey:      SourceReferral,
			DeltaCredits:   referral.BonusCredits.Int64(),
			BalanceAfter:   balance + referral.BonusCredits,
			IdempotencyKey: key,
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationReferral,
		AccountID:      referrer,
		SourceKey:      SourceReferral,
		Amount:         bonus,
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
