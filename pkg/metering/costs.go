package metering

import "fmt"

// UnknownFeaturePolicy decides what Cost does for an unregistered feature.
type UnknownFeaturePolicy string

const (
	// UnknownFeatureReject fails a charge against an unregistered feature.
	UnknownFeatureReject UnknownFeaturePolicy = "reject"
	// UnknownFeatureFree treats an unregistered feature as cost zero.
	UnknownFeatureFree UnknownFeaturePolicy = "free"
)

// CostRegistry maps feature keys to their credit cost. Pricing is
// deployment-time configuration; the registry is immutable after
// construction and safe for concurrent reads.
type CostRegistry struct {
	costs        map[string]CreditAmount
	policy       UnknownFeaturePolicy
	logFreeUsage bool
}

// NewCostRegistry builds a registry from raw configuration. The policy must
// be named explicitly; there is no silent default.
func NewCostRegistry(costs map[string]int64, policy UnknownFeaturePolicy, logFreeUsage bool) (*CostRegistry, error) {
	if policy != UnknownFeatureReject && policy != UnknownFeatureFree {
		return nil, fmt.Errorf("%w: unknown feature policy %q", ErrInvalidRegistryConfig, policy)
	}
	table := make(map[string]CreditAmount, len(costs))
	for rawKey, rawCost := range costs {
		key, err := NewFeatureKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRegistryConfig, err)
		}
		cost, err := NewCreditAmount(rawCost)
		if err != nil {
			return nil, fmt.Errorf("%w: feature %q: %v", ErrInvalidRegistryConfig, key, err)
		}
		table[key.String()] = cost
	}
	return &CostRegistry{costs: table, policy: policy, logFreeUsage: logFreeUsage}, nil
}

// Cost returns the credit cost of a feature. Under the reject policy an
// unregistered feature returns ErrUnknownFeature.
func (registry *CostRegistry) Cost(key FeatureKey) (CreditAmount, error) {
	cost, ok := registry.costs[key.String()]
	if ok {
		return cost, nil
	}
	if registry.policy == UnknownFeatureFree {
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownFeature, key)
}

// LogsFreeUsage reports whether zero-cost charges are logged for analytics.
func (registry *CostRegistry) LogsFreeUsage() bool {
	return registry.logFreeUsage
}

// AllCosts returns a copy of the full cost table.
func (registry *CostRegistry) AllCosts() map[string]int64 {
	table := make(map[string]int64, len(registry.costs))
	for key, cost := range registry.costs {
		table[key] = cost.Int64()
	}
	return table
}
