package metering

import "fmt"

// TopupProduct is a priced, one-time, non-expiring credit pack.
type TopupProduct struct {
	Key        string
	Credits    CreditAmount
	PriceCents int64
}

// TopupCatalog is the deployment-time table of purchasable credit packs.
type TopupCatalog struct {
	products map[string]TopupProduct
	order    []string
}

// NewTopupCatalog builds a catalog, rejecting duplicate keys and non-positive
// credit amounts.
func NewTopupCatalog(products []TopupProduct) (*TopupCatalog, error) {
	table := make(map[string]TopupProduct, len(products))
	order := make([]string, 0, len(products))
	for _, product := range products {
		if product.Key == "" {
			return nil, fmt.Errorf("%w: topup product key is empty", ErrInvalidRegistryConfig)
		}
		if _, exists := table[product.Key]; exists {
			return nil, fmt.Errorf("%w: duplicate topup product %q", ErrInvalidRegistryConfig, product.Key)
		}
		if _, err := NewPositiveCreditAmount(product.Credits.Int64()); err != nil {
			return nil, fmt.Errorf("%w: topup product %q: %v", ErrInvalidRegistryConfig, product.Key, err)
		}
		if product.PriceCents < 0 {
			return nil, fmt.Errorf("%w: topup product %q has negative price", ErrInvalidRegistryConfig, product.Key)
		}
		table[product.Key] = product
		order = append(order, product.Key)
	}
	return &TopupCatalog{products: table, order: order}, nil
}

// Product looks up a credit pack by key.
func (catalog *TopupCatalog) Product(key string) (TopupProduct, error) {
	product, ok := catalog.products[key]
	if !ok {
		return TopupProduct{}, fmt.Errorf("%w: %s", ErrUnknownTopupProduct, key)
	}
	return product, nil
}

// Products lists the catalog in configuration order.
func (catalog *TopupCatalog) Products() []TopupProduct {
	products := make([]TopupProduct, 0, len(catalog.order))
	for _, key := range catalog.order {
		products = append(products, catalog.products[key])
	}
	return products
}
