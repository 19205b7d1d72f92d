package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/processor"
	"github.com/billsync/billsync/pkg/storage"
	"github.com/billsync/billsync/pkg/sync"
)

var (
	// ErrNoCard is returned when an action requires a chargeable card and
	// the customer has none on file.
	ErrNoCard = errors.New("actions: customer has no card on file")

	// ErrNoSubscription is returned when an action targets a subscription
	// the customer does not have.
	ErrNoSubscription = errors.New("actions: customer has no subscription")

	// ErrInvoiceNotPayable is returned when paying an invoice that is
	// already paid or closed.
	ErrInvoiceNotPayable = errors.New("actions: invoice is not payable")

	// ErrNotDraft is returned when deleting an invoice that has been
	// finalized.
	ErrNotDraft = errors.New("actions: only draft invoices can be deleted")
)

// Service executes billing actions against the processor and keeps the
// mirror in step.
type Service struct {
	store   *storage.Store
	client  processor.Client
	syncer  *sync.Syncer
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates an action Service
func New(store *storage.Store, client processor.Client, syncer *sync.Syncer, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		client:  client,
		syncer:  syncer,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Service) observe(action string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.ActionsTotal.WithLabelValues(action, status).Inc()
	s.metrics.ActionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

// getOrCreateCustomer returns the user's mirrored customer, creating the
// processor record on first contact.
func (s *Service) getOrCreateCustomer(ctx context.Context, userID int64, email string) (*entities.Customer, error) {
	cust, err := s.store.GetCustomerByUserID(ctx, userID)
	if err == nil {
		return cust, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}

	sc, err := s.client.CreateCustomer(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id":  userID,
		"customer": sc.ID,
	}).Info("created processor customer")
	return s.syncer.Customer(ctx, userID, sc)
}

// Subscribe puts the user on a plan, creating the processor customer and
// attaching the card token when one is given.
func (s *Service) Subscribe(ctx context.Context, userID int64, email, plan, cardToken string, opts processor.SubscribeOptions) (sub *entities.Subscription, err error) {
	defer func(start time.Time) { s.observe("subscribe", start, err) }(time.Now())

	cust, err := s.getOrCreateCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	if cardToken != "" {
		if cust, err = s.setCard(ctx, userID, cust, cardToken); err != nil {
			return nil, err
		}
	}

	ss, err := s.client.CreateSubscription(ctx, cust.StripeID, plan, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return s.syncer.Subscription(ctx, cust.ID, ss)
}

// ChangePlan moves the user's subscription onto another plan. A card must
// be on file; card declines from the processor are surfaced unchanged so
// callers can tell the user.
func (s *Service) ChangePlan(ctx context.Context, userID int64, plan string, opts processor.SubscribeOptions) (sub *entities.Subscription, err error) {
	defer func(start time.Time) { s.observe("change_plan", start, err) }(time.Now())

	cust, err := s.store.GetCustomerByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cust.HasCard() {
		return nil, ErrNoCard
	}

	current, err := s.store.GetSubscriptionByCustomerID(ctx, cust.ID)
	if err == storage.ErrNotFound {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}

	ss, err := s.client.ChangeSubscriptionPlan(ctx, current.StripeID, plan, opts)
	if err != nil {
		if processor.IsCardError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to change plan: %w", err)
	}
	return s.syncer.Subscription(ctx, cust.ID, ss)
}

// ChangeCard replaces the user's default card. Every card update retries
// the customer's unpaid invoices with the new card; the first card a
// customer adds also cuts an invoice for any pending items.
func (s *Service) ChangeCard(ctx context.Context, userID int64, token string) (cust *entities.Customer, err error) {
	defer func(start time.Time) { s.observe("change_card", start, err) }(time.Now())

	cust, err = s.store.GetCustomerByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	hadCard := cust.HasCard()

	cust, err = s.setCard(ctx, userID, cust, token)
	if err != nil {
		return nil, err
	}

	if !hadCard {
		if _, err := s.createAndPayInvoice(ctx, cust); err != nil {
			return nil, err
		}
	}
	if err := s.RetryUnpaidInvoices(ctx, cust); err != nil {
		return nil, err
	}
	return cust, nil
}

func (s *Service) setCard(ctx context.Context, userID int64, cust *entities.Customer, token string) (*entities.Customer, error) {
	sc, err := s.client.SetCustomerCard(ctx, cust.StripeID, token)
	if err != nil {
		if processor.IsCardError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to set card: %w", err)
	}
	return s.syncer.Customer(ctx, userID, sc)
}

// Cancel ends the user's subscription. By default the subscription runs
// until the end of the paid period; immediate cancellation is available
// for abuse handling.
func (s *Service) Cancel(ctx context.Context, userID int64, atPeriodEnd bool) (sub *entities.Subscription, err error) {
	defer func(start time.Time) { s.observe("cancel", start, err) }(time.Now())

	cust, err := s.store.GetCustomerByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	current, err := s.store.GetSubscriptionByCustomerID(ctx, cust.ID)
	if err == storage.ErrNotFound {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}

	ss, err := s.client.CancelSubscription(ctx, current.StripeID, atPeriodEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return s.syncer.Subscription(ctx, cust.ID, ss)
}

// CreateInvoice cuts an invoice for the user's pending line items without
// paying it. No pending items is a clean no-op reported as nil.
func (s *Service) CreateInvoice(ctx context.Context, userID int64) (inv *entities.Invoice, err error) {
	defer func(start time.Time) { s.observe("create_invoice", start, err) }(time.Now())

	cust, err := s.store.GetCustomerByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	si, err := s.client.CreateInvoice(ctx, cust.StripeID)
	if err != nil {
		if processor.IsNothingToInvoice(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}
	if err := s.syncer.Invoice(ctx, si); err != nil {
		return nil, err
	}
	return s.store.GetInvoiceByStripeID(ctx, si.ID)
}

// CreateAndPayInvoice cuts and immediately pays an invoice for the user's
// pending line items. It reports whether an invoice was created.
func (s *Service) CreateAndPayInvoice(ctx context.Context, userID int64) (created bool, err error) {
	defer func(start time.Time) { s.observe("create_and_pay_invoice", start, err) }(time.Now())

	cust, err := s.store.GetCustomerByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.createAndPayInvoice(ctx, cust)
}

func (s *Service) createAndPayInvoice(ctx context.Context, cust *entities.Customer) (bool, error) {
	si, err := s.client.CreateInvoice(ctx, cust.StripeID)
	if err != nil {
		if processor.IsNothingToInvoice(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create invoice: %w", err)
	}

	// Discounts or credit balance can leave nothing due; the processor
	// rejects paying such an invoice.
	if si.AmountDue <= 0 {
		return true, s.syncer.Invoice(ctx, si)
	}

	paid, err := s.client.PayInvoice(ctx, si.ID)
	if err != nil {
		// The invoice exists either way; mirror it before reporting.
		if syncErr := s.syncer.Invoice(ctx, si); syncErr != nil {
			s.logger.WithError(syncErr).WithField("invoice", si.ID).Error("failed to mirror unpaid invoice")
		}
		return true, fmt.Errorf("failed to pay invoice %s: %w", si.ID, err)
	}
	return true, s.syncer.Invoice(ctx, paid)
}

// PayInvoice pays one mirrored invoice. Invoices that are already paid or
// closed are rejected.
func (s *Service) PayInvoice(ctx context.Context, invoiceStripeID string) (inv *entities.Invoice, err error) {
	defer func(start time.Time) { s.observe("pay_invoice", start, err) }(time.Now())

	local, err := s.store.GetInvoiceByStripeID(ctx, invoiceStripeID)
	if err != nil {
		return nil, err
	}
	if local.Paid || local.Closed() {
		return nil, ErrInvoiceNotPayable
	}

	paid, err := s.client.PayInvoice(ctx, invoiceStripeID)
	if err != nil {
		return nil, fmt.Errorf("failed to pay invoice %s: %w", invoiceStripeID, err)
	}
	if err := s.syncer.Invoice(ctx, paid); err != nil {
		return nil, err
	}
	return s.store.GetInvoiceByStripeID(ctx, invoiceStripeID)
}

// DeleteDraftInvoice deletes a draft invoice at the processor and drops
// it from the mirror.
func (s *Service) DeleteDraftInvoice(ctx context.Context, invoiceStripeID string) (err error) {
	defer func(start time.Time) { s.observe("delete_invoice", start, err) }(time.Now())

	local, err := s.store.GetInvoiceByStripeID(ctx, invoiceStripeID)
	if err != nil {
		return err
	}
	if local.Status != "draft" {
		return ErrNotDraft
	}

	if err := s.client.DeleteInvoice(ctx, invoiceStripeID); err != nil && !processor.IsNotFound(err) {
		return fmt.Errorf("failed to delete invoice %s: %w", invoiceStripeID, err)
	}
	return s.store.DeleteInvoiceByStripeID(ctx, invoiceStripeID)
}

// RetryUnpaidInvoices attempts payment on every open unpaid invoice of
// the customer. Card declines are logged and skipped so one bad invoice
// does not block the rest; the processor will be retried later.
func (s *Service) RetryUnpaidInvoices(ctx context.Context, cust *entities.Customer) (err error) {
	defer func(start time.Time) { s.observe("retry_unpaid_invoices", start, err) }(time.Now())

	unpaid, err := s.store.ListUnpaidInvoices(ctx, cust.ID)
	if err != nil {
		return err
	}

	for _, inv := range unpaid {
		paid, payErr := s.client.PayInvoice(ctx, inv.StripeID)
		if payErr != nil {
			if processor.IsCardError(payErr) {
				s.logger.WithError(payErr).WithField("invoice", inv.StripeID).Warn("card declined on retry")
				continue
			}
			return fmt.Errorf("failed to retry invoice %s: %w", inv.StripeID, payErr)
		}
		if err := s.syncer.Invoice(ctx, paid); err != nil {
			return err
		}
	}
	return nil
}

// CreateSKU creates a SKU at the processor and mirrors it
func (s *Service) CreateSKU(ctx context.Context, params *stripe.SKUParams) (sku *entities.SKU, err error) {
	defer func(start time.Time) { s.observe("create_sku", start, err) }(time.Now())

	created, err := s.client.CreateSKU(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create sku: %w", err)
	}
	if err := s.syncer.SKU(ctx, created); err != nil {
		return nil, err
	}
	return s.store.GetSKUByStripeID(ctx, created.ID)
}
