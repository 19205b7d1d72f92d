package entities

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
)

// InvoiceLineType represents the type of an invoice line item
type InvoiceLineType string

const (
	InvoiceLineTypeSubscription InvoiceLineType = "subscription"
	InvoiceLineTypeInvoiceItem  InvoiceLineType = "invoiceitem"
)

// Customer links a local user to a processor customer record
type Customer struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	StripeID        string     `json:"stripe_id"`
	CardFingerprint string     `json:"card_fingerprint,omitempty"`
	CardLast4       string     `json:"card_last4,omitempty"`
	CardKind        string     `json:"card_kind,omitempty"`
	DatePurged      *time.Time `json:"date_purged,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasCard reports whether a default card has been synced for the customer
func (c *Customer) HasCard() bool {
	return c.CardFingerprint != ""
}

// Purged reports whether the customer was deleted at the processor. The
// row and its billing history stay mirrored.
func (c *Customer) Purged() bool {
	return c.DatePurged != nil
}

// Plan represents a mirrored billing plan
type Plan struct {
	ID              int64             `json:"id"`
	StripeID        string            `json:"stripe_id"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	Interval        string            `json:"interval"`
	IntervalCount   int               `json:"interval_count"`
	Name            string            `json:"name"`
	TrialPeriodDays int               `json:"trial_period_days,omitempty"`
	BillingScheme   string            `json:"billing_scheme,omitempty"`
	TiersMode       string            `json:"tiers_mode,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// PlanTier represents one pricing tier of a tiered plan. Tiers carry no
// processor identifiers, so they are replaced wholesale on every plan sync.
type PlanTier struct {
	ID         int64           `json:"id"`
	PlanID     int64           `json:"plan_id"`
	Amount     decimal.Decimal `json:"amount"`
	FlatAmount decimal.Decimal `json:"flat_amount"`
	UpTo       int64           `json:"up_to"`
}

// Product represents a mirrored product record
type Product struct {
	ID        int64             `json:"id"`
	StripeID  string            `json:"stripe_id"`
	Name      string            `json:"name"`
	Type      string            `json:"type,omitempty"`
	Active    bool              `json:"active"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SKU represents a purchasable variant of a product
type SKU struct {
	ID                int64             `json:"id"`
	StripeID          string            `json:"stripe_id"`
	ProductID         int64             `json:"product_id"`
	Price             decimal.Decimal   `json:"price"`
	Currency          string            `json:"currency"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Image             string            `json:"image,omitempty"`
	Inventory         json.RawMessage   `json:"inventory,omitempty"`
	PackageDimensions json.RawMessage   `json:"package_dimensions,omitempty"`
	Livemode          bool              `json:"livemode"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Active            bool              `json:"active"`
	Updated           *time.Time        `json:"updated,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Subscription represents the current subscription of a customer. There is
// at most one row per customer; the processor remains authoritative.
type Subscription struct {
	ID                 int64              `json:"id"`
	CustomerID         int64              `json:"customer_id"`
	StripeID           string             `json:"stripe_id"`
	Plan               string             `json:"plan"`
	Quantity           int                `json:"quantity"`
	Status             SubscriptionStatus `json:"status"`
	Start              time.Time          `json:"start"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	EndedAt            *time.Time         `json:"ended_at,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	Amount             decimal.Decimal    `json:"amount"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsStatusCurrent reports whether the subscription entitles the customer to
// service right now. Trialing counts; past_due does not.
func (s *Subscription) IsStatusCurrent() bool {
	return s.Status == SubscriptionStatusTrialing || s.Status == SubscriptionStatusActive
}

// Invoice represents a mirrored invoice
type Invoice struct {
	ID               int64            `json:"id"`
	StripeID         string           `json:"stripe_id"`
	CustomerID       int64            `json:"customer_id"`
	Attempted        bool             `json:"attempted"`
	AttemptCount     int              `json:"attempt_count"`
	AmountDue        decimal.Decimal  `json:"amount_due"`
	Subtotal         decimal.Decimal  `json:"subtotal"`
	Tax              *decimal.Decimal `json:"tax,omitempty"`
	Total            decimal.Decimal  `json:"total"`
	Currency         string           `json:"currency"`
	Paid             bool             `json:"paid"`
	Status           string           `json:"status,omitempty"`
	ReceiptNumber    string           `json:"receipt_number,omitempty"`
	PeriodStart      time.Time        `json:"period_start"`
	PeriodEnd        time.Time        `json:"period_end"`
	Date             time.Time        `json:"date"`
	ChargeStripeID   string           `json:"charge_stripe_id,omitempty"`
	SubscriptionID   *int64           `json:"subscription_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Closed reports whether the invoice will see no further payment attempts.
func (i *Invoice) Closed() bool {
	switch i.Status {
	case "paid", "void", "uncollectible":
		return true
	}
	return false
}

// InvoiceItem represents one line of an invoice. Line identifiers are only
// unique within their invoice, so items are replaced on every invoice sync.
type InvoiceItem struct {
	ID                   int64           `json:"id"`
	StripeID             string          `json:"stripe_id"`
	InvoiceID            int64           `json:"invoice_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Proration            bool            `json:"proration"`
	Description          string          `json:"description,omitempty"`
	LineType             InvoiceLineType `json:"line_type"`
	Plan                 string          `json:"plan,omitempty"`
	PeriodStart          time.Time       `json:"period_start"`
	PeriodEnd            time.Time       `json:"period_end"`
	Quantity             int             `json:"quantity"`
	SubscriptionStripeID string          `json:"subscription_stripe_id,omitempty"`
}

// Charge represents a mirrored charge
type Charge struct {
	ID              int64           `json:"id"`
	StripeID        string          `json:"stripe_id"`
	CustomerID      int64           `json:"customer_id"`
	InvoiceStripeID string          `json:"invoice_stripe_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	AmountRefunded  decimal.Decimal `json:"amount_refunded"`
	Currency        string          `json:"currency"`
	Paid            bool            `json:"paid"`
	Refunded        bool            `json:"refunded"`
	Captured        bool            `json:"captured"`
	Description     string          `json:"description,omitempty"`
	Created         time.Time       `json:"created"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Transfer represents a payout from the processor, including the fee
// breakdown carried on transfer webhook payloads.
type Transfer struct {
	ID             int64           `json:"id"`
	StripeID       string          `json:"stripe_id"`
	EventStripeID  string          `json:"event_stripe_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	Date           time.Time       `json:"date"`
	Description    string          `json:"description,omitempty"`
	Net            decimal.Decimal `json:"net"`
	ChargeFees     decimal.Decimal `json:"charge_fees"`
	AdjustmentFees decimal.Decimal `json:"adjustment_fees"`
	RefundFees     decimal.Decimal `json:"refund_fees"`
	ValidationFees decimal.Decimal `json:"validation_fees"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Event represents one webhook delivery recorded in the event ledger
type Event struct {
	ID               int64           `json:"id"`
	StripeID         string          `json:"stripe_id"`
	Kind             string          `json:"kind"`
	Livemode         bool            `json:"livemode"`
	WebhookMessage   json.RawMessage `json:"webhook_message"`
	ValidatedMessage json.RawMessage `json:"validated_message,omitempty"`
	// Valid is nil until validation has run against the processor.
	Valid     *bool     `json:"valid,omitempty"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
}

// EventProcessingError records a webhook delivery that could not be
// processed: duplicates, invalid payloads, or handler failures.
type EventProcessingError struct {
	ID            int64           `json:"id"`
	EventStripeID string          `json:"event_stripe_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Message       string          `json:"message"`
	Traceback     string          `json:"traceback,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
