package sync

import (
	"context"
	"time"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
)

// Plan mirrors a processor plan, replacing its tiers
func (s *Syncer) Plan(ctx context.Context, sp *stripe.Plan) (err error) {
	defer func(start time.Time) { s.observe("plan", start, err) }(time.Now())

	currency := string(sp.Currency)
	plan := &entities.Plan{
		StripeID:        sp.ID,
		Amount:          entities.AmountFromCents(sp.Amount, currency),
		Currency:        currency,
		Interval:        string(sp.Interval),
		IntervalCount:   int(sp.IntervalCount),
		Name:            sp.Nickname,
		TrialPeriodDays: int(sp.TrialPeriodDays),
		BillingScheme:   string(sp.BillingScheme),
		TiersMode:       string(sp.TiersMode),
		Metadata:        sp.Metadata,
	}

	tiers := make([]entities.PlanTier, 0, len(sp.Tiers))
	for _, t := range sp.Tiers {
		tiers = append(tiers, entities.PlanTier{
			Amount:     entities.AmountFromCents(t.UnitAmount, currency),
			FlatAmount: entities.AmountFromCents(t.FlatAmount, currency),
			UpTo:       t.UpTo,
		})
	}

	return s.store.UpsertPlan(ctx, plan, tiers)
}

// Plans mirrors every plan the processor knows
func (s *Syncer) Plans(ctx context.Context) error {
	plans, err := s.client.ListPlans(ctx)
	if err != nil {
		return err
	}
	for _, sp := range plans {
		if err := s.Plan(ctx, sp); err != nil {
			return err
		}
	}
	s.logger.WithField("count", len(plans)).Info("plans synced")
	return nil
}
