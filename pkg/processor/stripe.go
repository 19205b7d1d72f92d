package processor

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// StripeClient implements Client against the live Stripe API
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a StripeClient using the given secret key
func NewStripeClient(secretKey string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api}
}

func params(ctx context.Context) stripe.Params {
	return stripe.Params{Context: ctx}
}

// CreateCustomer creates a new customer record at the processor
func (c *StripeClient) CreateCustomer(ctx context.Context, email string) (*stripe.Customer, error) {
	p := &stripe.CustomerParams{Params: params(ctx)}
	if email != "" {
		p.Email = stripe.String(email)
	}
	cus, err := c.api.Customers.New(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return cus, nil
}

// GetCustomer retrieves a customer, returning nil if it no longer exists
func (c *StripeClient) GetCustomer(ctx context.Context, id string) (*stripe.Customer, error) {
	cus, err := c.api.Customers.Get(id, &stripe.CustomerParams{Params: params(ctx)})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer %s: %w", id, err)
	}
	return cus, nil
}

// DeleteCustomer deletes a customer at the processor
func (c *StripeClient) DeleteCustomer(ctx context.Context, id string) error {
	_, err := c.api.Customers.Del(id, &stripe.CustomerParams{Params: params(ctx)})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete customer %s: %w", id, err)
	}
	return nil
}

// SetCustomerCard attaches a tokenized card as the customer's default source
func (c *StripeClient) SetCustomerCard(ctx context.Context, customerID, token string) (*stripe.Customer, error) {
	p := &stripe.CustomerParams{Params: params(ctx)}
	p.Source = &stripe.SourceParams{Token: stripe.String(token)}
	cus, err := c.api.Customers.Update(customerID, p)
	if err != nil {
		return nil, fmt.Errorf("failed to update card for customer %s: %w", customerID, err)
	}
	return cus, nil
}

// GetCard retrieves a card belonging to a customer
func (c *StripeClient) GetCard(ctx context.Context, customerID, cardID string) (*stripe.Card, error) {
	p := &stripe.CardParams{Params: params(ctx), Customer: stripe.String(customerID)}
	card, err := c.api.Cards.Get(cardID, p)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card %s: %w", cardID, err)
	}
	return card, nil
}

// ListPlans retrieves every plan defined at the processor
func (c *StripeClient) ListPlans(ctx context.Context) ([]*stripe.Plan, error) {
	lp := &stripe.PlanListParams{}
	lp.Context = ctx
	iter := c.api.Plans.List(lp)
	var plans []*stripe.Plan
	for iter.Next() {
		plans = append(plans, iter.Plan())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// GetPlan retrieves a plan, returning nil if it no longer exists
func (c *StripeClient) GetPlan(ctx context.Context, id string) (*stripe.Plan, error) {
	plan, err := c.api.Plans.Get(id, &stripe.PlanParams{Params: params(ctx)})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", id, err)
	}
	return plan, nil
}

// ListProducts retrieves every product defined at the processor
func (c *StripeClient) ListProducts(ctx context.Context) ([]*stripe.Product, error) {
	lp := &stripe.ProductListParams{}
	lp.Context = ctx
	iter := c.api.Products.List(lp)
	var products []*stripe.Product
	for iter.Next() {
		products = append(products, iter.Product())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return products, nil
}

// GetProduct retrieves a product, returning nil if it no longer exists
func (c *StripeClient) GetProduct(ctx context.Context, id string) (*stripe.Product, error) {
	product, err := c.api.Products.Get(id, &stripe.ProductParams{Params: params(ctx)})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}
	return product, nil
}

// ListSKUs retrieves SKUs, optionally restricted to one product
func (c *StripeClient) ListSKUs(ctx context.Context, productID string) ([]*stripe.SKU, error) {
	lp := &stripe.SKUListParams{}
	lp.Context = ctx
	if productID != "" {
		lp.Product = stripe.String(productID)
	}
	iter := c.api.Skus.List(lp)
	var skus []*stripe.SKU
	for iter.Next() {
		skus = append(skus, iter.SKU())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list skus: %w", err)
	}
	return skus, nil
}

// GetSKU retrieves a SKU, returning nil if it no longer exists
func (c *StripeClient) GetSKU(ctx context.Context, id string) (*stripe.SKU, error) {
	sku, err := c.api.Skus.Get(id, &stripe.SKUParams{Params: params(ctx)})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sku %s: %w", id, err)
	}
	return sku, nil
}

// CreateSKU creates a SKU at the processor
func (c *StripeClient) CreateSKU(ctx context.Context, p *stripe.SKUParams) (*stripe.SKU, error) {
	p.Context = ctx
	sku, err := c.api.Skus.New(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create sku: %w", err)
	}
	return sku, nil
}

// CreateSubscription subscribes a customer to a plan
func (c *StripeClient) CreateSubscription(ctx context.Context, customerID, plan string, opts SubscribeOptions) (*stripe.Subscription, error) {
	item := &stripe.SubscriptionItemsParams{Plan: stripe.String(plan)}
	if opts.Quantity > 0 {
		item.Quantity = stripe.Int64(opts.Quantity)
	}
	p := &stripe.SubscriptionParams{
		Params:   params(ctx),
		Customer: stripe.String(customerID),
		Items:    []*stripe.SubscriptionItemsParams{item},
	}
	if opts.Coupon != "" {
		p.Coupon = stripe.String(opts.Coupon)
	}
	sub, err := c.api.Subscriptions.New(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// ChangeSubscriptionPlan moves an existing subscription onto a new plan
func (c *StripeClient) ChangeSubscriptionPlan(ctx context.Context, subscriptionID, plan string, opts SubscribeOptions) (*stripe.Subscription, error) {
	sub, err := c.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %s not found at processor", subscriptionID)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items", subscriptionID)
	}

	item := &stripe.SubscriptionItemsParams{
		ID:   stripe.String(sub.Items.Data[0].ID),
		Plan: stripe.String(plan),
	}
	if opts.Quantity > 0 {
		item.Quantity = stripe.Int64(opts.Quantity)
	}
	p := &stripe.SubscriptionParams{
		Params: params(ctx),
		Items:  []*stripe.SubscriptionItemsParams{item},
	}
	if opts.Coupon != "" {
		p.Coupon = stripe.String(opts.Coupon)
	}
	updated, err := c.api.Subscriptions.Update(subscriptionID, p)
	if err != nil {
		return nil, fmt.Errorf("failed to change subscription plan: %w", err)
	}
	return updated, nil
}

// CancelSubscription cancels a subscription, either at period end or now
func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*stripe.Subscription, error) {
	if atPeriodEnd {
		p := &stripe.SubscriptionParams{
			Params:            params(ctx),
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		sub, err := c.api.Subscriptions.Update(subscriptionID, p)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule cancellation: %w", err)
		}
		return sub, nil
	}

	sub, err := c.api.Subscriptions.Cancel(subscriptionID, &stripe.SubscriptionCancelParams{Params: params(ctx)})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription retrieves a subscription, returning nil if it no longer exists
func (c *StripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	sub, err := c.api.Subscriptions.Get(id, &stripe.SubscriptionParams{Params: params(ctx)})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return sub, nil
}

// ListSubscriptions retrieves all subscriptions for a customer, including
// canceled ones.
func (c *StripeClient) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	lp := &stripe.SubscriptionListParams{
		Customer: customerID,
		Status:   string(stripe.SubscriptionStatusAll),
	}
	lp.Context = ctx
	iter := c.api.Subscriptions.List(lp)
	var subs []*stripe.Subscription
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// CreateInvoice creates an invoice for the customer's pending line items
func (c *StripeClient) CreateInvoice(ctx context.Context, customerID string) (*stripe.Invoice, error) {
	p := &stripe.InvoiceParams{
		Params:   params(ctx),
		Customer: stripe.String(customerID),
	}
	inv, err := c.api.Invoices.New(p)
	if err != nil {
		return nil, err // callers inspect for IsNothingToInvoice
	}
	return inv, nil
}

// PayInvoice attempts payment of an invoice
func (c *StripeClient) PayInvoice(ctx context.Context, invoiceID string) (*stripe.Invoice, error) {
	inv, err := c.api.Invoices.Pay(invoiceID, &stripe.InvoicePayParams{Params: params(ctx)})
	if err != nil {
		return nil, fmt.Errorf("failed to pay invoice %s: %w", invoiceID, err)
	}
	return inv, nil
}

// GetInvoice retrieves an invoice, returning nil if it no longer exists
func (c *StripeClient) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	inv, err := c.api.Invoices.Get(id, &stripe.InvoiceParams{Params: params(ctx)})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", id, err)
	}
	return inv, nil
}

// DeleteInvoice deletes a draft invoice. A missing invoice is not an error.
func (c *StripeClient) DeleteInvoice(ctx context.Context, id string) error {
	_, err := c.api.Invoices.Del(id, &stripe.InvoiceParams{Params: params(ctx)})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete invoice %s: %w", id, err)
	}
	return nil
}

// ListInvoices retrieves all invoices for a customer
func (c *StripeClient) ListInvoices(ctx context.Context, customerID string) ([]*stripe.Invoice, error) {
	lp := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
	lp.Context = ctx
	iter := c.api.Invoices.List(lp)
	var invoices []*stripe.Invoice
	for iter.Next() {
		invoices = append(invoices, iter.Invoice())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return invoices, nil
}

// GetCharge retrieves a charge, returning nil if it no longer exists
func (c *StripeClient) GetCharge(ctx context.Context, id string) (*stripe.Charge, error) {
	ch, err := c.api.Charges.Get(id, &stripe.ChargeParams{Params: params(ctx)})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge %s: %w", id, err)
	}
	return ch, nil
}

// ListTransfers retrieves every transfer at the processor
func (c *StripeClient) ListTransfers(ctx context.Context) ([]*stripe.Transfer, error) {
	lp := &stripe.TransferListParams{}
	lp.Context = ctx
	iter := c.api.Transfers.List(lp)
	var transfers []*stripe.Transfer
	for iter.Next() {
		transfers = append(transfers, iter.Transfer())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

// GetEvent retrieves an event, returning nil if it no longer exists
func (c *StripeClient) GetEvent(ctx context.Context, id string) (*stripe.Event, error) {
	ev, err := c.api.Events.Get(id, &stripe.EventParams{Params: params(ctx)})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", id, err)
	}
	return ev, nil
}

var _ Client = (*StripeClient)(nil)
