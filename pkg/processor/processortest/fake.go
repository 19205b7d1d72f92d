// Package processortest provides an in-memory processor.Client fake for
// tests. Every operation delegates to an optional func field; unset
// operations return zero values.
package processortest

import (
	"context"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/processor"
)

// Fake implements processor.Client via overridable func fields
type Fake struct {
	CreateCustomerFunc         func(ctx context.Context, email string) (*stripe.Customer, error)
	GetCustomerFunc            func(ctx context.Context, id string) (*stripe.Customer, error)
	DeleteCustomerFunc         func(ctx context.Context, id string) error
	SetCustomerCardFunc        func(ctx context.Context, customerID, token string) (*stripe.Customer, error)
	GetCardFunc                func(ctx context.Context, customerID, cardID string) (*stripe.Card, error)
	ListPlansFunc              func(ctx context.Context) ([]*stripe.Plan, error)
	GetPlanFunc                func(ctx context.Context, id string) (*stripe.Plan, error)
	ListProductsFunc           func(ctx context.Context) ([]*stripe.Product, error)
	GetProductFunc             func(ctx context.Context, id string) (*stripe.Product, error)
	ListSKUsFunc               func(ctx context.Context, productID string) ([]*stripe.SKU, error)
	GetSKUFunc                 func(ctx context.Context, id string) (*stripe.SKU, error)
	CreateSKUFunc              func(ctx context.Context, params *stripe.SKUParams) (*stripe.SKU, error)
	CreateSubscriptionFunc     func(ctx context.Context, customerID, plan string, opts processor.SubscribeOptions) (*stripe.Subscription, error)
	ChangeSubscriptionPlanFunc func(ctx context.Context, subscriptionID, plan string, opts processor.SubscribeOptions) (*stripe.Subscription, error)
	CancelSubscriptionFunc     func(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*stripe.Subscription, error)
	GetSubscriptionFunc        func(ctx context.Context, id string) (*stripe.Subscription, error)
	ListSubscriptionsFunc      func(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	CreateInvoiceFunc          func(ctx context.Context, customerID string) (*stripe.Invoice, error)
	PayInvoiceFunc             func(ctx context.Context, invoiceID string) (*stripe.Invoice, error)
	GetInvoiceFunc             func(ctx context.Context, id string) (*stripe.Invoice, error)
	DeleteInvoiceFunc          func(ctx context.Context, id string) error
	ListInvoicesFunc           func(ctx context.Context, customerID string) ([]*stripe.Invoice, error)
	GetChargeFunc              func(ctx context.Context, id string) (*stripe.Charge, error)
	ListTransfersFunc          func(ctx context.Context) ([]*stripe.Transfer, error)
	GetEventFunc               func(ctx context.Context, id string) (*stripe.Event, error)
}

func (f *Fake) CreateCustomer(ctx context.Context, email string) (*stripe.Customer, error) {
	if f.CreateCustomerFunc != nil {
		return f.CreateCustomerFunc(ctx, email)
	}
	return &stripe.Customer{ID: "cus_fake", Email: email}, nil
}

func (f *Fake) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	if f.GetCustomerFunc != nil {
		return f.GetCustomerFunc(ctx, id)
	}
	return nil, nil
}

func (f *Fake) DeleteCustomer(ctx context.Context, id string) error {
	if f.DeleteCustomerFunc != nil {
		return f.DeleteCustomerFunc(ctx, id)
	}
	return nil
}

func (f *Fake) SetCustomerCard(ctx context.Context, customerID, token string) (*stripe.Customer, error) {
	if f.SetCustomerCardFunc != nil {
		return f.SetCustomerCardFunc(ctx, customerID, token)
	}
	return &stripe.Customer{ID: customerID}, nil
}

func (f *Fake) GetCard(ctx context.Context, customerID, cardID string) (*stripe.Card, error) {
	if f.GetCardFunc != nil {
		return f.GetCardFunc(ctx, customerID, cardID)
	}
	return nil, nil
}

func (f *Fake) ListPlans(ctx context.Context) ([]*stripe.Plan, error) {
	if f.ListPlansFunc != nil {
		return f.ListPlansFunc(ctx)
	}
	return nil, nil
}

func (f *Fake) GetPlan(ctx context.Context, id string) (*stripe.Plan, error) {
	if f.GetPlanFunc != nil {
		return f.GetPlanFunc(ctx, id)
	}
	return nil, nil
}

func (f *Fake) ListProducts(ctx context.Context) ([]*stripe.Product, error) {
	if f.ListProductsFunc != nil {
		return f.ListProductsFunc(ctx)
	}
	return nil, nil
}

func (f *Fake) GetProduct(ctx context.Context, id string) (*stripe.Product, error) {
	if f.GetProductFunc != nil {
		return f.GetProductFunc(ctx, id)
	}
	return nil, nil
}

func (f *Fake) ListSKUs(ctx context.Context, productID string) ([]*stripe.SKU, error) {
	if f.ListSKUsFunc != nil {
		return f.ListSKUsFunc(ctx, productID)
	}
	return nil, nil
}

func (f *Fake) GetSKU(ctx context.Context, id string) (*stripe.SKU, error) {
	if f.GetSKUFunc != nil {
		return f.GetSKUFunc(ctx, id)
	}
	return nil, nil
}

func (f *Fake) CreateSKU(ctx context.Context, params *stripe.SKUParams) (*stripe.SKU, error) {
	if f.CreateSKUFunc != nil {
		return f.CreateSKUFunc(ctx, params)
	}
	return &stripe.SKU{ID: "sku_fake"}, nil
}

func (f *Fake) CreateSubscription(ctx context.Context, customerID, plan string, opts processor.SubscribeOptions) (*stripe.Subscription, error) {
	if f.CreateSubscriptionFunc != nil {
		return f.CreateSubscriptionFunc(ctx, customerID, plan, opts)
	}
	return &stripe.Subscription{ID: "sub_fake", Status: stripe.SubscriptionStatusActive}, nil
}

func (f *Fake) ChangeSubscriptionPlan(ctx context.Context, subscriptionID, plan string, opts processor.SubscribeOptions) (*stripe.Subscription, error) {
	if f.ChangeSubscriptionPlanFunc != nil {
		return f.ChangeSubscriptionPlanFunc(ctx, subscriptionID, plan, opts)
	}
	return &stripe.Subscription{ID: subscriptionID, Status: stripe.SubscriptionStatusActive}, nil
}

func (f *Fake) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*stripe.Subscription, error) {
	if f.CancelSubscriptionFunc != nil {
		return f.CancelSubscriptionFunc(ctx, subscriptionID, atPeriodEnd)
	}
	return &stripe.Subscription{ID: subscriptionID, Status: stripe.SubscriptionStatusCanceled}, nil
}

func (f *Fake) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if f.GetSubscriptionFunc != nil {
		return f.GetSubscriptionFunc(ctx, id)
	}
	return nil, nil
}

func (f *Fake) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	if f.ListSubscriptionsFunc != nil {
		return f.ListSubscriptionsFunc(ctx, customerID)
	}
	return nil, nil
}

func (f *Fake) CreateInvoice(ctx context.Context, customerID string) (*stripe.Invoice, error) {
	if f.CreateInvoiceFunc != nil {
		return f.CreateInvoiceFunc(ctx, customerID)
	}
	return &stripe.Invoice{ID: "in_fake"}, nil
}

func (f *Fake) PayInvoice(ctx context.Context, invoiceID string) (*stripe.Invoice, error) {
	if f.PayInvoiceFunc != nil {
		return f.PayInvoiceFunc(ctx, invoiceID)
	}
	return &stripe.Invoice{ID: invoiceID, Paid: true}, nil
}

func (f *Fake) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	if f.GetInvoiceFunc != nil {
		return f.GetInvoiceFunc(ctx, id)
	}
	return nil, nil
}

func (f *Fake) DeleteInvoice(ctx context.Context, id string) error {
	if f.DeleteInvoiceFunc != nil {
		return f.DeleteInvoiceFunc(ctx, id)
	}
	return nil
}

func (f *Fake) ListInvoices(ctx context.Context, customerID string) ([]*stripe.Invoice, error) {
	if f.ListInvoicesFunc != nil {
		return f.ListInvoicesFunc(ctx, customerID)
	}
	return nil, nil
}

func (f *Fake) GetCharge(ctx context.Context, id string) (*stripe.Charge, error) {
	if f.GetChargeFunc != nil {
		return f.GetChargeFunc(ctx, id)
	}
	return nil, nil
}

func (f *Fake) ListTransfers(ctx context.Context) ([]*stripe.Transfer, error) {
	if f.ListTransfersFunc != nil {
		return f.ListTransfersFunc(ctx)
	}
	return nil, nil
}

func (f *Fake) GetEvent(ctx context.Context, id string) (*stripe.Event, error) {
	if f.GetEventFunc != nil {
		return f.GetEventFunc(ctx, id)
	}
	return nil, nil
}

var _ processor.Client = (*Fake)(nil)
