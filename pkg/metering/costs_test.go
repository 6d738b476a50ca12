package metering

import (
	"errors"
	"testing"
)

func TestCostRegistryReturnsConfiguredCost(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test, map[string]int64{"campaign_analysis": 5, "export_pdf": 0}, UnknownFeatureReject, false)

	cost, err := registry.Cost(mustFeatureKey(test, "campaign_analysis"))
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	if cost != 5 {
		test.Fatalf("expected cost 5, got %d", cost)
	}
	free, err := registry.Cost(mustFeatureKey(test, "export_pdf"))
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	if free != 0 {
		test.Fatalf("expected zero cost, got %d", free)
	}
}

func TestCostRegistryRejectPolicy(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test, map[string]int64{"chat_message": 1}, UnknownFeatureReject, false)
	if _, err := registry.Cost(mustFeatureKey(test, "mystery")); !errors.Is(err, ErrUnknownFeature) {
		test.Fatalf("expected ErrUnknownFeature, got %v", err)
	}
}

func TestCostRegistryFreePolicy(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test, map[string]int64{"chat_message": 1}, UnknownFeatureFree, false)
	cost, err := registry.Cost(mustFeatureKey(test, "mystery"))
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	if cost != 0 {
		test.Fatalf("expected zero cost under free policy, got %d", cost)
	}
}

func TestNewCostRegistryRequiresExplicitPolicy(test *testing.T) {
	test.Parallel()
	if _, err := NewCostRegistry(map[string]int64{}, "", false); !errors.Is(err, ErrInvalidRegistryConfig) {
		test.Fatalf("expected ErrInvalidRegistryConfig for empty policy, got %v", err)
	}
	if _, err := NewCostRegistry(map[string]int64{}, "lenient", false); !errors.Is(err, ErrInvalidRegistryConfig) {
		test.Fatalf("expected ErrInvalidRegistryConfig for bogus policy, got %v", err)
	}
}

func TestNewCostRegistryRejectsNegativeCost(test *testing.T) {
	test.Parallel()
	if _, err := NewCostRegistry(map[string]int64{"chat_message": -1}, UnknownFeatureReject, false); !errors.Is(err, ErrInvalidRegistryConfig) {
		test.Fatalf("expected ErrInvalidRegistryConfig, got %v", err)
	}
}

func TestNewCostRegistryRejectsBlankFeatureKey(test *testing.T) {
	test.Parallel()
	if _, err := NewCostRegistry(map[string]int64{"  ": 1}, UnknownFeatureReject, false); !errors.Is(err, ErrInvalidRegistryConfig) {
		test.Fatalf("expected ErrInvalidRegistryConfig, got %v", err)
	}
}

func TestAllCostsReturnsACopy(test *testing.T) {
	test.Parallel()
	registry := mustRegistry(test, map[string]int64{"chat_message": 1}, UnknownFeatureReject, false)
	table := registry.AllCosts()
	table["chat_message"] = 999
	cost, err := registry.Cost(mustFeatureKey(test, "chat_message"))
	if err != nil {
		test.Fatalf("cost: %v", err)
	}
	if cost != 1 {
		test.Fatalf("registry must be immutable, got %d", cost)
	}
}
