package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/storage"
)

// eventObject pulls data.object out of a recorded webhook message
func eventObject(event *entities.Event) (json.RawMessage, error) {
	var envelope struct {
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(event.WebhookMessage, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	if len(envelope.Data.Object) == 0 {
		return nil, fmt.Errorf("event %s has no data.object", event.StripeID)
	}
	return envelope.Data.Object, nil
}

// objectCustomerID returns the processor customer the object belongs to:
// the object's own id for customer events, its customer reference
// otherwise.
func objectCustomerID(object json.RawMessage, selfIsCustomer bool) (string, error) {
	var ref struct {
		ID       string `json:"id"`
		Customer string `json:"customer"`
	}
	if err := json.Unmarshal(object, &ref); err != nil {
		return "", fmt.Errorf("failed to decode object reference: %w", err)
	}
	if selfIsCustomer {
		return ref.ID, nil
	}
	return ref.Customer, nil
}

// defaultHandlers wires each event family to its reconciler. Keys ending
// in a dot are prefix matches.
func (p *Processor) defaultHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"customer.created":       p.handleCustomer,
		"customer.updated":       p.handleCustomer,
		"customer.deleted":       p.handleCustomer,
		"customer.source.":       p.handleCustomerSource,
		"customer.subscription.": p.handleSubscription,
		"invoice.":               p.handleInvoice,
		"charge.":                p.handleCharge,
		"transfer.":              p.handleTransfer,
		"plan.":                  p.handlePlan,
		"product.":               p.handleProduct,
		"sku.":                   p.handleSKU,
	}
}

// refreshKnownCustomer re-syncs a mirrored customer; customers we never
// mirrored are not our users and are skipped.
func (p *Processor) refreshKnownCustomer(ctx context.Context, stripeID string) error {
	if stripeID == "" {
		return nil
	}
	_, err := p.syncer.RefreshCustomer(ctx, stripeID)
	if err == storage.ErrNotFound {
		p.logger.WithField("customer", stripeID).Debug("event for unmirrored customer, skipping")
		return nil
	}
	return err
}

func (p *Processor) handleCustomer(ctx context.Context, event *entities.Event) error {
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	customerID, err := objectCustomerID(object, true)
	if err != nil {
		return err
	}
	return p.refreshKnownCustomer(ctx, customerID)
}

func (p *Processor) handleCustomerSource(ctx context.Context, event *entities.Event) error {
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	customerID, err := objectCustomerID(object, false)
	if err != nil {
		return err
	}
	return p.refreshKnownCustomer(ctx, customerID)
}

func (p *Processor) handleSubscription(ctx context.Context, event *entities.Event) error {
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	customerID, err := objectCustomerID(object, false)
	if err != nil {
		return err
	}
	if customerID == "" {
		return nil
	}

	cust, err := p.syncer.RefreshCustomer(ctx, customerID)
	if err == storage.ErrNotFound || cust == nil {
		return nil
	}
	if err != nil {
		return err
	}
	return p.syncer.SubscriptionsForCustomer(ctx, cust)
}

func (p *Processor) handleInvoice(ctx context.Context, event *entities.Event) error {
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	var invoice stripe.Invoice
	if err := json.Unmarshal(object, &invoice); err != nil {
		return fmt.Errorf("failed to decode invoice payload: %w", err)
	}
	err = p.syncer.Invoice(ctx, &invoice)
	if isUnmirroredCustomer(err) {
		p.logger.WithField("invoice", invoice.ID).Debug("invoice for unmirrored customer, skipping")
		return nil
	}
	return err
}

func (p *Processor) handleCharge(ctx context.Context, event *entities.Event) error {
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	var charge stripe.Charge
	if err := json.Unmarshal(object, &charge); err != nil {
		return fmt.Errorf("failed to decode charge payload: %w", err)
	}
	err = p.syncer.Charge(ctx, &charge)
	if isUnmirroredCustomer(err) {
		p.logger.WithField("charge", charge.ID).Debug("charge for unmirrored customer, skipping")
		return nil
	}
	return err
}

func (p *Processor) handleTransfer(ctx context.Context, event *entities.Event) error {
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	return p.syncer.TransferFromEvent(ctx, event.StripeID, object)
}

func (p *Processor) handlePlan(ctx context.Context, event *entities.Event) error {
	if event.Kind == "plan.deleted" {
		// Deleted plans stay mirrored; subscriptions may still
		// reference them.
		return nil
	}
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	var plan stripe.Plan
	if err := json.Unmarshal(object, &plan); err != nil {
		return fmt.Errorf("failed to decode plan payload: %w", err)
	}
	return p.syncer.Plan(ctx, &plan)
}

func (p *Processor) handleProduct(ctx context.Context, event *entities.Event) error {
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	var product stripe.Product
	if err := json.Unmarshal(object, &product); err != nil {
		return fmt.Errorf("failed to decode product payload: %w", err)
	}
	_, err = p.syncer.Product(ctx, &product)
	return err
}

func (p *Processor) handleSKU(ctx context.Context, event *entities.Event) error {
	object, err := eventObject(event)
	if err != nil {
		return err
	}
	var sku stripe.SKU
	if err := json.Unmarshal(object, &sku); err != nil {
		return fmt.Errorf("failed to decode sku payload: %w", err)
	}
	return p.syncer.SKU(ctx, &sku)
}

// isUnmirroredCustomer reports whether a reconcile failed only because
// the referenced customer was never mirrored locally.
func isUnmirroredCustomer(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
