package sync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/observability"
)

// customerConcurrency bounds how many customers are reconciled at once
// during a full sync.
const customerConcurrency = 4

// All reconciles the catalog, transfers, and every mirrored customer
// against the processor. Catalog and transfer syncs run concurrently;
// customers follow with bounded parallelism so the processor's rate
// limits are respected.
func (s *Syncer) All(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Plans(gctx) })
	g.Go(func() error { return s.Products(gctx) })
	g.Go(func() error { return s.Transfers(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("catalog sync failed: %w", err)
	}

	customers, err := s.store.ListCustomers(ctx)
	if err != nil {
		return err
	}

	cg, cctx := errgroup.WithContext(ctx)
	cg.SetLimit(customerConcurrency)
	for _, cust := range customers {
		cust := cust
		cg.Go(func() (err error) {
			// A panic on one customer must not take down the whole run.
			defer func() {
				if perr := observability.MustRecover(recover()); perr != nil {
					err = fmt.Errorf("customer %s: %w", cust.StripeID, perr)
				}
			}()
			return s.syncCustomerTree(cctx, cust)
		})
	}
	if err := cg.Wait(); err != nil {
		return fmt.Errorf("customer sync failed: %w", err)
	}

	s.logger.WithField("customers", len(customers)).Info("full sync complete")
	return nil
}

// syncCustomerTree refreshes one customer and everything hanging off it
func (s *Syncer) syncCustomerTree(ctx context.Context, cust *entities.Customer) error {
	refreshed, err := s.RefreshCustomer(ctx, cust.StripeID)
	if err != nil {
		return fmt.Errorf("customer %s: %w", cust.StripeID, err)
	}
	if refreshed == nil {
		// Purged; nothing below it to sync.
		return nil
	}
	if err := s.SubscriptionsForCustomer(ctx, refreshed); err != nil {
		return fmt.Errorf("subscriptions for %s: %w", cust.StripeID, err)
	}
	if err := s.InvoicesForCustomer(ctx, refreshed); err != nil {
		return fmt.Errorf("invoices for %s: %w", cust.StripeID, err)
	}
	return nil
}
