/*
catalog.go - Read-only product catalog collaborator

PURPOSE:
  The product catalog is external to the engine: the engine only needs
  "which product does this serial belong to, and what is it worth right
  now". StaticCatalog is the in-process implementation built from Config;
  a production deployment can substitute a service-backed one.

SEE ALSO:
  - config.go: Products section
  - ledger/service.go: consumes the catalog at admission and claim time
*/
package engine

import "context"

// Catalog resolves serial numbers and product IDs to catalog products.
// Implementations return (nil, nil) when nothing matches.
type Catalog interface {
	// MatchProduct finds the product whose serial pattern matches s.
	MatchProduct(ctx context.Context, s SerialNumber) (*Product, error)

	// Product returns the product with the given ID.
	Product(ctx context.Context, id ProductID) (*Product, error)
}

// StaticCatalog is a fixed in-memory catalog. First pattern match wins, so
// more specific prefixes should be listed first in the configuration.
type StaticCatalog struct {
	products []Product
}

func NewStaticCatalog(products []Product) *StaticCatalog {
	return &StaticCatalog{products: products}
}

func (c *StaticCatalog) MatchProduct(_ context.Context, s SerialNumber) (*Product, error) {
	for i := range c.products {
		if c.products[i].MatchesSerial(s) {
			p := c.products[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (c *StaticCatalog) Product(_ context.Context, id ProductID) (*Product, error) {
	for i := range c.products {
		if c.products[i].ID == id {
			p := c.products[i]
			return &p, nil
		}
	}
	return nil, nil
}
