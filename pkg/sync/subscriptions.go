package sync

import (
	"context"
	"time"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
)

// Subscription mirrors a processor subscription onto the customer's
// single subscription row.
func (s *Syncer) Subscription(ctx context.Context, customerID int64, ss *stripe.Subscription) (sub *entities.Subscription, err error) {
	defer func(start time.Time) { s.observe("subscription", start, err) }(time.Now())

	sub = &entities.Subscription{
		CustomerID:         customerID,
		StripeID:           ss.ID,
		Quantity:           int(ss.Quantity),
		Status:             entities.SubscriptionStatus(ss.Status),
		Start:              timeFromUnix(ss.StartDate),
		CurrentPeriodStart: timePtrFromUnix(ss.CurrentPeriodStart),
		CurrentPeriodEnd:   timePtrFromUnix(ss.CurrentPeriodEnd),
		TrialStart:         timePtrFromUnix(ss.TrialStart),
		TrialEnd:           timePtrFromUnix(ss.TrialEnd),
		CanceledAt:         timePtrFromUnix(ss.CanceledAt),
		EndedAt:            timePtrFromUnix(ss.EndedAt),
		CancelAtPeriodEnd:  ss.CancelAtPeriodEnd,
	}

	// The plan lives on the first item.
	if ss.Items != nil && len(ss.Items.Data) > 0 && ss.Items.Data[0].Plan != nil {
		plan := ss.Items.Data[0].Plan
		sub.Plan = plan.ID
		sub.Amount = entities.AmountFromCents(plan.Amount, string(plan.Currency))
	}

	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// SubscriptionsForCustomer mirrors the customer's current subscription.
// The processor lists newest-first and keeps ended records around, so
// the list is reduced to the one subscription that still governs the
// customer before it is written to the single per-customer row.
func (s *Syncer) SubscriptionsForCustomer(ctx context.Context, cust *entities.Customer) error {
	subs, err := s.client.ListSubscriptions(ctx, cust.StripeID)
	if err != nil {
		return err
	}
	current := currentSubscription(subs)
	if current == nil {
		return nil
	}
	_, err = s.Subscription(ctx, cust.ID, current)
	return err
}

// currentSubscription picks the entry that should occupy the customer's
// subscription row: a running subscription beats an ended one, later
// starts beat earlier ones.
func currentSubscription(subs []*stripe.Subscription) *stripe.Subscription {
	var best *stripe.Subscription
	for _, ss := range subs {
		switch {
		case best == nil:
			best = ss
		case running(ss) != running(best):
			if running(ss) {
				best = ss
			}
		case ss.StartDate > best.StartDate:
			best = ss
		}
	}
	return best
}

func running(ss *stripe.Subscription) bool {
	return ss.EndedAt == 0 && ss.Status != stripe.SubscriptionStatusCanceled
}
