package sync

import (
	"context"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/processor"
)

// Customer mirrors a processor customer for the given local user,
// including the default card details when one is attached.
func (s *Syncer) Customer(ctx context.Context, userID int64, sc *stripe.Customer) (cust *entities.Customer, err error) {
	defer func(start time.Time) { s.observe("customer", start, err) }(time.Now())

	if sc.Deleted {
		if err := s.store.PurgeCustomerByStripeID(ctx, sc.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	cust = &entities.Customer{
		UserID:   userID,
		StripeID: sc.ID,
	}

	if sc.DefaultSource != nil && sc.DefaultSource.ID != "" {
		card, cardErr := s.client.GetCard(ctx, sc.ID, sc.DefaultSource.ID)
		if cardErr != nil && !processor.IsNotFound(cardErr) {
			return nil, fmt.Errorf("failed to retrieve default card: %w", cardErr)
		}
		// A non-card default source (bank account) leaves the card
		// columns empty.
		if card != nil {
			cust.CardFingerprint = card.Fingerprint
			cust.CardLast4 = card.Last4
			cust.CardKind = string(card.Brand)
		}
	}

	if err := s.store.UpsertCustomer(ctx, cust); err != nil {
		return nil, err
	}
	return cust, nil
}

// RefreshCustomer refetches a mirrored customer from the processor and
// reconciles it. A customer the processor no longer knows is purged:
// card fields cleared, history kept, reported as nil.
func (s *Syncer) RefreshCustomer(ctx context.Context, stripeID string) (*entities.Customer, error) {
	local, err := s.store.GetCustomerByStripeID(ctx, stripeID)
	if err != nil {
		return nil, err
	}
	if local.Purged() {
		return nil, nil
	}

	sc, err := s.client.GetCustomer(ctx, stripeID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch customer %s: %w", stripeID, err)
	}
	if sc == nil || sc.Deleted {
		s.logger.WithField("customer", stripeID).Info("customer gone from processor, purging mirror")
		if err := s.store.PurgeCustomerByStripeID(ctx, stripeID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return s.Customer(ctx, local.UserID, sc)
}
