package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/storage"
)

// Product mirrors a processor product
func (s *Syncer) Product(ctx context.Context, sp *stripe.Product) (p *entities.Product, err error) {
	defer func(start time.Time) { s.observe("product", start, err) }(time.Now())

	p = &entities.Product{
		StripeID: sp.ID,
		Name:     sp.Name,
		Type:     string(sp.Type),
		Active:   sp.Active,
		Metadata: sp.Metadata,
	}
	if err := s.store.UpsertProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SKU mirrors a processor SKU. The owning product is mirrored first when
// it is not already known locally.
func (s *Syncer) SKU(ctx context.Context, sk *stripe.SKU) (err error) {
	defer func(start time.Time) { s.observe("sku", start, err) }(time.Now())

	if sk.Product == nil {
		return fmt.Errorf("sku %s has no product", sk.ID)
	}

	product, err := s.store.GetProductByStripeID(ctx, sk.Product.ID)
	if err == storage.ErrNotFound {
		sp, fetchErr := s.client.GetProduct(ctx, sk.Product.ID)
		if fetchErr != nil {
			return fmt.Errorf("failed to fetch product %s: %w", sk.Product.ID, fetchErr)
		}
		if sp == nil {
			return fmt.Errorf("product %s not found at processor", sk.Product.ID)
		}
		product, err = s.Product(ctx, sp)
	}
	if err != nil {
		return err
	}

	var inventory, dims json.RawMessage
	if sk.Inventory != nil {
		if inventory, err = json.Marshal(sk.Inventory); err != nil {
			return fmt.Errorf("failed to marshal sku inventory: %w", err)
		}
	}
	if sk.PackageDimensions != nil {
		if dims, err = json.Marshal(sk.PackageDimensions); err != nil {
			return fmt.Errorf("failed to marshal sku package dimensions: %w", err)
		}
	}

	currency := string(sk.Currency)
	sku := &entities.SKU{
		StripeID:          sk.ID,
		ProductID:         product.ID,
		Price:             entities.AmountFromCents(sk.Price, currency),
		Currency:          currency,
		Attributes:        sk.Attributes,
		Image:             sk.Image,
		Inventory:         inventory,
		PackageDimensions: dims,
		Livemode:          sk.Livemode,
		Metadata:          sk.Metadata,
		Active:            sk.Active,
		Updated:           timePtrFromUnix(sk.Updated),
	}
	return s.store.UpsertSKU(ctx, sku)
}

// Products mirrors every product and its SKUs
func (s *Syncer) Products(ctx context.Context) error {
	products, err := s.client.ListProducts(ctx)
	if err != nil {
		return err
	}
	for _, sp := range products {
		if _, err := s.Product(ctx, sp); err != nil {
			return err
		}
		skus, err := s.client.ListSKUs(ctx, sp.ID)
		if err != nil {
			return err
		}
		for _, sk := range skus {
			if err := s.SKU(ctx, sk); err != nil {
				return err
			}
		}
	}
	s.logger.WithField("count", len(products)).Info("products synced")
	return nil
}
