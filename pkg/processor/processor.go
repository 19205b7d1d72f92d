package processor

import (
	"context"
	"strings"

	stripe "github.com/stripe/stripe-go/v72"
)

// SubscribeOptions carries the optional parts of a subscription create or
// plan change.
type SubscribeOptions struct {
	Coupon   string
	Quantity int64
}

// Client is the fixed request/response contract with the payment processor.
// Implementations must be safe for concurrent use.
type Client interface {
	// Customers
	CreateCustomer(ctx context.Context, email string) (*stripe.Customer, error)
	GetCustomer(ctx context.Context, id string) (*stripe.Customer, error)
	DeleteCustomer(ctx context.Context, id string) error
	SetCustomerCard(ctx context.Context, customerID, token string) (*stripe.Customer, error)
	GetCard(ctx context.Context, customerID, cardID string) (*stripe.Card, error)

	// Plans
	ListPlans(ctx context.Context) ([]*stripe.Plan, error)
	GetPlan(ctx context.Context, id string) (*stripe.Plan, error)

	// Products and SKUs
	ListProducts(ctx context.Context) ([]*stripe.Product, error)
	GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	ListSKUs(ctx context.Context, productID string) ([]*stripe.SKU, error)
	GetSKU(ctx context.Context, id string) (*stripe.SKU, error)
	CreateSKU(ctx context.Context, params *stripe.SKUParams) (*stripe.SKU, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, customerID, plan string, opts SubscribeOptions) (*stripe.Subscription, error)
	ChangeSubscriptionPlan(ctx context.Context, subscriptionID, plan string, opts SubscribeOptions) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*stripe.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)

	// Invoices
	CreateInvoice(ctx context.Context, customerID string) (*stripe.Invoice, error)
	PayInvoice(ctx context.Context, invoiceID string) (*stripe.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error)
	DeleteInvoice(ctx context.Context, id string) error
	ListInvoices(ctx context.Context, customerID string) ([]*stripe.Invoice, error)

	// Charges and transfers
	GetCharge(ctx context.Context, id string) (*stripe.Charge, error)
	ListTransfers(ctx context.Context) ([]*stripe.Transfer, error)

	// Events
	GetEvent(ctx context.Context, id string) (*stripe.Event, error)
}

// IsNotFound reports whether the error is the processor telling us the
// object does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stripeErr, ok := err.(*stripe.Error); ok {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

// IsNothingToInvoice reports whether invoice creation failed because the
// customer has no pending line items. Callers treat this as a clean no-op.
func IsNothingToInvoice(err error) bool {
	if err == nil {
		return false
	}
	if stripeErr, ok := err.(*stripe.Error); ok {
		return strings.Contains(stripeErr.Msg, "Nothing to invoice")
	}
	return strings.Contains(err.Error(), "Nothing to invoice")
}

// IsCardError reports whether the error is a card decline or similar
// card-level failure the user can act on.
func IsCardError(err error) bool {
	if err == nil {
		return false
	}
	if stripeErr, ok := err.(*stripe.Error); ok {
		return stripeErr.Type == stripe.ErrorTypeCard
	}
	return false
}
