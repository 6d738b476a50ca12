package metering

import (
	"errors"
	"testing"
)

func TestNewAccountIDTrimsWhitespace(test *testing.T) {
	test.Parallel()
	accountID, err := NewAccountID("  acct-1  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "acct-1" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
}

func TestNewAccountIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "   ", "\t\n"} {
		if _, err := NewAccountID(raw); !errors.Is(err, ErrInvalidAccountID) {
			test.Fatalf("expected ErrInvalidAccountID for %q, got %v", raw, err)
		}
	}
}

func TestNewFeatureKeyRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewFeatureKey("  "); !errors.Is(err, ErrInvalidFeatureKey) {
		test.Fatalf("expected ErrInvalidFeatureKey, got %v", err)
	}
}

func TestFeatureKeyToSourceKeyPreservesValue(test *testing.T) {
	test.Parallel()
	key := mustFeatureKey(test, "campaign_analysis")
	if key.ToSourceKey().String() != "campaign_analysis" {
		test.Fatalf("unexpected source key %q", key.ToSourceKey().String())
	}
}

func TestIdempotencyKeyZeroValue(test *testing.T) {
	test.Parallel()
	var key IdempotencyKey
	if !key.IsZero() {
		test.Fatalf("zero value must report IsZero")
	}
	filled := mustIdempotencyKey(test, "evt_1")
	if filled.IsZero() {
		test.Fatalf("filled key must not report IsZero")
	}
}

func TestNewMetadataJSONDefaultsToEmptyObject(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty object, got %q", metadata.String())
	}
	var zero MetadataJSON
	if zero.String() != "{}" {
		test.Fatalf("zero value must render as empty object, got %q", zero.String())
	}
}

func TestNewMetadataJSONRejectsInvalidJSON(test *testing.T) {
	test.Parallel()
	if _, err := NewMetadataJSON(`{"broken"`); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestNewCreditAmountRejectsNegative(test *testing.T) {
	test.Parallel()
	if _, err := NewCreditAmount(-1); !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf("expected ErrInvalidCreditAmount, got %v", err)
	}
	if amount, err := NewCreditAmount(0); err != nil || amount != 0 {
		test.Fatalf("zero must be a valid amount: %v", err)
	}
}

func TestNewPositiveCreditAmountRejectsZero(test *testing.T) {
	test.Parallel()
	if _, err := NewPositiveCreditAmount(0); !errors.Is(err, ErrInvalidCreditAmount) {
		test.Fatalf("expected ErrInvalidCreditAmount, got %v", err)
	}
	if amount, err := NewPositiveCreditAmount(7); err != nil || amount != 7 {
		test.Fatalf("positive amount must pass: %v", err)
	}
}
