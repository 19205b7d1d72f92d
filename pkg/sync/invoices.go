package sync

import (
	"context"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/processor"
	"github.com/billsync/billsync/pkg/storage"
)

// Charge mirrors a processor charge. The customer must already be
// mirrored locally.
func (s *Syncer) Charge(ctx context.Context, sc *stripe.Charge) (err error) {
	defer func(start time.Time) { s.observe("charge", start, err) }(time.Now())

	if sc.Customer == nil {
		return fmt.Errorf("charge %s has no customer", sc.ID)
	}
	cust, err := s.store.GetCustomerByStripeID(ctx, sc.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve charge customer %s: %w", sc.Customer.ID, err)
	}

	currency := string(sc.Currency)
	charge := &entities.Charge{
		StripeID:       sc.ID,
		CustomerID:     cust.ID,
		Amount:         entities.AmountFromCents(sc.Amount, currency),
		AmountRefunded: entities.AmountFromCents(sc.AmountRefunded, currency),
		Currency:       currency,
		Paid:           sc.Paid,
		Refunded:       sc.Refunded,
		Captured:       sc.Captured,
		Description:    sc.Description,
		Created:        timeFromUnix(sc.Created),
	}
	if sc.Invoice != nil {
		charge.InvoiceStripeID = sc.Invoice.ID
	}
	return s.store.UpsertCharge(ctx, charge)
}

// Invoice mirrors a processor invoice with its line items. The charge is
// mirrored first so payments are never seen without their charge, and a
// subscription the processor has already dropped is tolerated.
func (s *Syncer) Invoice(ctx context.Context, si *stripe.Invoice) (err error) {
	defer func(start time.Time) { s.observe("invoice", start, err) }(time.Now())

	if si.Customer == nil {
		return fmt.Errorf("invoice %s has no customer", si.ID)
	}
	cust, err := s.store.GetCustomerByStripeID(ctx, si.Customer.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve invoice customer %s: %w", si.Customer.ID, err)
	}

	if si.Charge != nil && si.Charge.ID != "" {
		charge, chargeErr := s.client.GetCharge(ctx, si.Charge.ID)
		if chargeErr != nil {
			return fmt.Errorf("failed to fetch charge %s: %w", si.Charge.ID, chargeErr)
		}
		if charge != nil {
			if err := s.Charge(ctx, charge); err != nil {
				return err
			}
		}
	}

	currency := string(si.Currency)
	inv := &entities.Invoice{
		StripeID:      si.ID,
		CustomerID:    cust.ID,
		Attempted:     si.Attempted,
		AttemptCount:  int(si.AttemptCount),
		AmountDue:     entities.AmountFromCents(si.AmountDue, currency),
		Subtotal:      entities.AmountFromCents(si.Subtotal, currency),
		Total:         entities.AmountFromCents(si.Total, currency),
		Currency:      currency,
		Paid:          si.Paid,
		Status:        string(si.Status),
		ReceiptNumber: si.ReceiptNumber,
		PeriodStart:   timeFromUnix(si.PeriodStart),
		PeriodEnd:     timeFromUnix(si.PeriodEnd),
		Date:          timeFromUnix(si.Created),
	}
	if si.Tax != 0 {
		tax := entities.AmountFromCents(si.Tax, currency)
		inv.Tax = &tax
	}
	if si.Charge != nil {
		inv.ChargeStripeID = si.Charge.ID
	}

	if si.Subscription != nil && si.Subscription.ID != "" {
		subID, err := s.resolveSubscription(ctx, cust, si.Subscription.ID)
		if err != nil {
			return err
		}
		inv.SubscriptionID = subID
	}

	var items []entities.InvoiceItem
	if si.Lines != nil {
		for _, line := range si.Lines.Data {
			item := entities.InvoiceItem{
				StripeID:             line.ID,
				Amount:               entities.AmountFromCents(line.Amount, string(line.Currency)),
				Currency:             string(line.Currency),
				Proration:            line.Proration,
				Description:          line.Description,
				LineType:             entities.InvoiceLineType(line.Type),
				Quantity:             int(line.Quantity),
				SubscriptionStripeID: line.Subscription,
			}
			if line.Period != nil {
				item.PeriodStart = timeFromUnix(line.Period.Start)
				item.PeriodEnd = timeFromUnix(line.Period.End)
			}
			if line.Plan != nil {
				item.Plan = line.Plan.ID
				if err := s.Plan(ctx, line.Plan); err != nil {
					return err
				}
			}
			items = append(items, item)
		}
	}

	return s.store.UpsertInvoice(ctx, inv, items)
}

// resolveSubscription maps a processor subscription identifier to the
// local row, mirroring it on demand. A subscription gone from both sides
// resolves to nil; invoices outlive their subscriptions.
func (s *Syncer) resolveSubscription(ctx context.Context, cust *entities.Customer, stripeID string) (*int64, error) {
	sub, err := s.store.GetSubscriptionByStripeID(ctx, stripeID)
	if err == nil {
		return &sub.ID, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}

	ss, err := s.client.GetSubscription(ctx, stripeID)
	if err != nil {
		if processor.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", stripeID, err)
	}
	if ss == nil {
		return nil, nil
	}

	sub, err = s.Subscription(ctx, cust.ID, ss)
	if err != nil {
		return nil, err
	}
	return &sub.ID, nil
}

// InvoicesForCustomer mirrors every invoice the processor holds for the
// customer.
func (s *Syncer) InvoicesForCustomer(ctx context.Context, cust *entities.Customer) error {
	invoices, err := s.client.ListInvoices(ctx, cust.StripeID)
	if err != nil {
		return err
	}
	for _, si := range invoices {
		if err := s.Invoice(ctx, si); err != nil {
			return err
		}
	}
	return nil
}
