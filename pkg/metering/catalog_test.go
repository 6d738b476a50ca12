package metering

import (
	"errors"
	"testing"
)

func TestTopupCatalogLookupAndOrder(test *testing.T) {
	test.Parallel()
	catalog, err := NewTopupCatalog([]TopupProduct{
		{Key: "pack_small", Credits: 100, PriceCents: 900},
		{Key: "pack_large", Credits: 2000, PriceCents: 12900},
	})
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	product, err := catalog.Product("pack_small")
	if err != nil {
		test.Fatalf("product: %v", err)
	}
	if product.Credits != 100 || product.PriceCents != 900 {
		test.Fatalf("unexpected product: %+v", product)
	}
	listed := catalog.Products()
	if len(listed) != 2 || listed[0].Key != "pack_small" || listed[1].Key != "pack_large" {
		test.Fatalf("expected configuration order, got %+v", listed)
	}
}

func TestTopupCatalogUnknownKey(test *testing.T) {
	test.Parallel()
	catalog, err := NewTopupCatalog(nil)
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	if _, err := catalog.Product("pack_ghost"); !errors.Is(err, ErrUnknownTopupProduct) {
		test.Fatalf("expected ErrUnknownTopupProduct, got %v", err)
	}
}

func TestNewTopupCatalogRejectsDuplicates(test *testing.T) {
	test.Parallel()
	_, err := NewTopupCatalog([]TopupProduct{
		{Key: "pack_small", Credits: 100},
		{Key: "pack_small", Credits: 200},
	})
	if !errors.Is(err, ErrInvalidRegistryConfig) {
		test.Fatalf("expected ErrInvalidRegistryConfig, got %v", err)
	}
}

func TestNewTopupCatalogRejectsNonPositiveCredits(test *testing.T) {
	test.Parallel()
	_, err := NewTopupCatalog([]TopupProduct{{Key: "pack_empty", Credits: 0}})
	if !errors.Is(err, ErrInvalidRegistryConfig) {
		test.Fatalf("expected ErrInvalidRegistryConfig, got %v", err)
	}
}

func TestNewTopupCatalogRejectsNegativePrice(test *testing.T) {
	test.Parallel()
	_, err := NewTopupCatalog([]TopupProduct{{Key: "pack_odd", Credits: 10, PriceCents: -1}})
	if !errors.Is(err, ErrInvalidRegistryConfig) {
		test.Fatalf("expected ErrInvalidRegistryConfig, got %v", err)
	}
}
