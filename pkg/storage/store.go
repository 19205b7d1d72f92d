package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/billsync/billsync/pkg/entities"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateEvent is returned when an event with the same processor
	// identifier has already been recorded.
	ErrDuplicateEvent = errors.New("storage: duplicate event")
)

// Store provides access to the mirrored billing tables
type Store struct {
	db    *sql.DB
	cache *CustomerCache
}

// New creates a Store. The cache is optional; pass nil to read customers
// straight from the database.
func New(db *sql.DB, cache *CustomerCache) *Store {
	return &Store{db: db, cache: cache}
}

// DB exposes the underlying connection for report queries
func (s *Store) DB() *sql.DB {
	return s.db
}

// HealthCheck verifies database connectivity
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unhealthy: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func marshalMeta(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(data []byte, dst *map[string]string) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// --- Customers ---

// UpsertCustomer inserts or updates a customer keyed on its processor
// identifier and fills in the generated columns.
func (s *Store) UpsertCustomer(ctx context.Context, c *entities.Customer) error {
	query := `
		INSERT INTO customers (user_id, stripe_id, card_fingerprint, card_last4, card_kind)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stripe_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    card_fingerprint = EXCLUDED.card_fingerprint,
		    card_last4 = EXCLUDED.card_last4,
		    card_kind = EXCLUDED.card_kind,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, c.UserID, c.StripeID, c.CardFingerprint, c.CardLast4, c.CardKind).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, c.StripeID)
	}
	return nil
}

const customerColumns = `id, user_id, stripe_id, card_fingerprint, card_last4, card_kind, date_purged, created_at, updated_at`

func scanCustomer(row *sql.Row) (*entities.Customer, error) {
	c := &entities.Customer{}
	err := row.Scan(&c.ID, &c.UserID, &c.StripeID, &c.CardFingerprint, &c.CardLast4, &c.CardKind, &c.DatePurged, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}
	return c, nil
}

// GetCustomerByUserID returns the customer linked to a local user
func (s *Store) GetCustomerByUserID(ctx context.Context, userID int64) (*entities.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE user_id = $1`
	return scanCustomer(s.db.QueryRowContext(ctx, query, userID))
}

// GetCustomerByStripeID returns the customer with the given processor
// identifier, consulting the cache first when one is configured.
func (s *Store) GetCustomerByStripeID(ctx context.Context, stripeID string) (*entities.Customer, error) {
	if s.cache != nil {
		if c, ok := s.cache.Get(ctx, stripeID); ok {
			return c, nil
		}
	}

	query := `SELECT ` + customerColumns + ` FROM customers WHERE stripe_id = $1`
	c, err := scanCustomer(s.db.QueryRowContext(ctx, query, stripeID))
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, c)
	}
	return c, nil
}

// ListCustomers returns every mirrored customer, ordered by local id so a
// full sync walks them deterministically.
func (s *Store) ListCustomers(ctx context.Context) ([]*entities.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var customers []*entities.Customer
	for rows.Next() {
		c := &entities.Customer{}
		err := rows.Scan(&c.ID, &c.UserID, &c.StripeID, &c.CardFingerprint, &c.CardLast4, &c.CardKind, &c.DatePurged, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// PurgeCustomerByStripeID marks a customer deleted at the processor:
// the card fields are cleared and the purge time recorded. The row and
// the subscription and invoice history hanging off it stay mirrored so
// cancellation and churn reports keep their past.
func (s *Store) PurgeCustomerByStripeID(ctx context.Context, stripeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET card_fingerprint = '', card_last4 = '', card_kind = '',
		    date_purged = NOW(), updated_at = NOW()
		WHERE stripe_id = $1
	`, stripeID)
	if err != nil {
		return fmt.Errorf("failed to purge customer: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, stripeID)
	}
	return nil
}

// --- Plans ---

// UpsertPlan inserts or updates a plan and replaces its tiers. Tiers carry
// no processor identifiers, so the old rows are discarded in the same
// transaction.
func (s *Store) UpsertPlan(ctx context.Context, p *entities.Plan, tiers []entities.PlanTier) error {
	meta, err := marshalMeta(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal plan metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin plan upsert: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO plans (stripe_id, amount, currency, interval, interval_count, name,
		                   trial_period_days, billing_scheme, tiers_mode, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stripe_id) DO UPDATE
		SET amount = EXCLUDED.amount,
		    currency = EXCLUDED.currency,
		    interval = EXCLUDED.interval,
		    interval_count = EXCLUDED.interval_count,
		    name = EXCLUDED.name,
		    trial_period_days = EXCLUDED.trial_period_days,
		    billing_scheme = EXCLUDED.billing_scheme,
		    tiers_mode = EXCLUDED.tiers_mode,
		    metadata = EXCLUDED.metadata,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query, p.StripeID, p.Amount, p.Currency, p.Interval, p.IntervalCount,
		p.Name, p.TrialPeriodDays, p.BillingScheme, p.TiersMode, meta).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_tiers WHERE plan_id = $1`, p.ID); err != nil {
		return fmt.Errorf("failed to clear plan tiers: %w", err)
	}
	for i := range tiers {
		tier := &tiers[i]
		tier.PlanID = p.ID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO plan_tiers (plan_id, amount, flat_amount, up_to)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, tier.PlanID, tier.Amount, tier.FlatAmount, tier.UpTo).Scan(&tier.ID)
		if err != nil {
			return fmt.Errorf("failed to insert plan tier: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan upsert: %w", err)
	}
	return nil
}

const planColumns = `id, stripe_id, amount, currency, interval, interval_count, name,
	       trial_period_days, billing_scheme, tiers_mode, metadata, created_at, updated_at`

// GetPlanByStripeID returns the plan with the given processor identifier
func (s *Store) GetPlanByStripeID(ctx context.Context, stripeID string) (*entities.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE stripe_id = $1`
	p := &entities.Plan{}
	var meta []byte
	err := s.db.QueryRowContext(ctx, query, stripeID).Scan(
		&p.ID, &p.StripeID, &p.Amount, &p.Currency, &p.Interval, &p.IntervalCount, &p.Name,
		&p.TrialPeriodDays, &p.BillingScheme, &p.TiersMode, &meta, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if err := unmarshalMeta(meta, &p.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan metadata: %w", err)
	}
	return p, nil
}

// ListPlans returns all mirrored plans ordered by amount
func (s *Store) ListPlans(ctx context.Context) ([]*entities.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans ORDER BY amount, stripe_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*entities.Plan
	for rows.Next() {
		p := &entities.Plan{}
		var meta []byte
		err := rows.Scan(&p.ID, &p.StripeID, &p.Amount, &p.Currency, &p.Interval, &p.IntervalCount,
			&p.Name, &p.TrialPeriodDays, &p.BillingScheme, &p.TiersMode, &meta, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		if err := unmarshalMeta(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan metadata: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// GetPlanTiers returns the tiers of a plan ordered by their cap
func (s *Store) GetPlanTiers(ctx context.Context, planID int64) ([]entities.PlanTier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, amount, flat_amount, up_to
		FROM plan_tiers WHERE plan_id = $1 ORDER BY up_to
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan tiers: %w", err)
	}
	defer rows.Close()

	var tiers []entities.PlanTier
	for rows.Next() {
		var t entities.PlanTier
		if err := rows.Scan(&t.ID, &t.PlanID, &t.Amount, &t.FlatAmount, &t.UpTo); err != nil {
			return nil, fmt.Errorf("failed to scan plan tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// --- Products ---

// UpsertProduct inserts or updates a product keyed on its processor
// identifier.
func (s *Store) UpsertProduct(ctx context.Context, p *entities.Product) error {
	meta, err := marshalMeta(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal product metadata: %w", err)
	}

	query := `
		INSERT INTO products (stripe_id, name, type, active, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stripe_id) DO UPDATE
		SET name = EXCLUDED.name,
		    type = EXCLUDED.type,
		    active = EXCLUDED.active,
		    metadata = EXCLUDED.metadata,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, p.StripeID, p.Name, p.Type, p.Active, meta).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

// GetProductByStripeID returns the product with the given processor
// identifier.
func (s *Store) GetProductByStripeID(ctx context.Context, stripeID string) (*entities.Product, error) {
	query := `SELECT id, stripe_id, name, type, active, metadata, created_at, updated_at FROM products WHERE stripe_id = $1`
	p := &entities.Product{}
	var meta []byte
	err := s.db.QueryRowContext(ctx, query, stripeID).Scan(
		&p.ID, &p.StripeID, &p.Name, &p.Type, &p.Active, &meta, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	if err := unmarshalMeta(meta, &p.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product metadata: %w", err)
	}
	return p, nil
}

// --- SKUs ---

// UpsertSKU inserts or updates a SKU keyed on its processor identifier
func (s *Store) UpsertSKU(ctx context.Context, sku *entities.SKU) error {
	attrs, err := marshalMeta(sku.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal sku attributes: %w", err)
	}
	meta, err := marshalMeta(sku.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal sku metadata: %w", err)
	}

	query := `
		INSERT INTO skus (stripe_id, product_id, price, currency, attributes, image,
		                  inventory, package_dimensions, livemode, metadata, active, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (stripe_id) DO UPDATE
		SET product_id = EXCLUDED.product_id,
		    price = EXCLUDED.price,
		    currency = EXCLUDED.currency,
		    attributes = EXCLUDED.attributes,
		    image = EXCLUDED.image,
		    inventory = EXCLUDED.inventory,
		    package_dimensions = EXCLUDED.package_dimensions,
		    livemode = EXCLUDED.livemode,
		    metadata = EXCLUDED.metadata,
		    active = EXCLUDED.active,
		    updated = EXCLUDED.updated,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, sku.StripeID, sku.ProductID, sku.Price, sku.Currency,
		attrs, sku.Image, nullJSON(sku.Inventory), nullJSON(sku.PackageDimensions),
		sku.Livemode, meta, sku.Active, sku.Updated).
		Scan(&sku.ID, &sku.CreatedAt, &sku.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert sku: %w", err)
	}
	return nil
}

const skuColumns = `id, stripe_id, product_id, price, currency, attributes, image,
	       inventory, package_dimensions, livemode, metadata, active, updated, created_at, updated_at`

func scanSKU(scan func(dest ...interface{}) error) (*entities.SKU, error) {
	sku := &entities.SKU{}
	var attrs, meta, inventory, dims []byte
	err := scan(&sku.ID, &sku.StripeID, &sku.ProductID, &sku.Price, &sku.Currency, &attrs, &sku.Image,
		&inventory, &dims, &sku.Livemode, &meta, &sku.Active, &sku.Updated, &sku.CreatedAt, &sku.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalMeta(attrs, &sku.Attributes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sku attributes: %w", err)
	}
	if err := unmarshalMeta(meta, &sku.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sku metadata: %w", err)
	}
	sku.Inventory = json.RawMessage(inventory)
	sku.PackageDimensions = json.RawMessage(dims)
	return sku, nil
}

// GetSKUByStripeID returns the SKU with the given processor identifier
func (s *Store) GetSKUByStripeID(ctx context.Context, stripeID string) (*entities.SKU, error) {
	query := `SELECT ` + skuColumns + ` FROM skus WHERE stripe_id = $1`
	row := s.db.QueryRowContext(ctx, query, stripeID)
	sku, err := scanSKU(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sku: %w", err)
	}
	return sku, nil
}

// ListSKUs returns all mirrored SKUs
func (s *Store) ListSKUs(ctx context.Context) ([]*entities.SKU, error) {
	query := `SELECT ` + skuColumns + ` FROM skus ORDER BY stripe_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list skus: %w", err)
	}
	defer rows.Close()

	var skus []*entities.SKU
	for rows.Next() {
		sku, err := scanSKU(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sku: %w", err)
		}
		skus = append(skus, sku)
	}
	return skus, rows.Err()
}

// --- Subscriptions ---

// UpsertSubscription inserts or updates the customer's subscription. The
// customer_id conflict target keeps it to one row per customer even when
// the processor rotates subscription identifiers.
func (s *Store) UpsertSubscription(ctx context.Context, sub *entities.Subscription) error {
	query := `
		INSERT INTO subscriptions (customer_id, stripe_id, plan, quantity, status, start,
		                           current_period_start, current_period_end, trial_start, trial_end,
		                           canceled_at, ended_at, cancel_at_period_end, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (customer_id) DO UPDATE
		SET stripe_id = EXCLUDED.stripe_id,
		    plan = EXCLUDED.plan,
		    quantity = EXCLUDED.quantity,
		    status = EXCLUDED.status,
		    start = EXCLUDED.start,
		    current_period_start = EXCLUDED.current_period_start,
		    current_period_end = EXCLUDED.current_period_end,
		    trial_start = EXCLUDED.trial_start,
		    trial_end = EXCLUDED.trial_end,
		    canceled_at = EXCLUDED.canceled_at,
		    ended_at = EXCLUDED.ended_at,
		    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		    amount = EXCLUDED.amount,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, sub.CustomerID, sub.StripeID, sub.Plan, sub.Quantity,
		sub.Status, sub.Start, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialStart,
		sub.TrialEnd, sub.CanceledAt, sub.EndedAt, sub.CancelAtPeriodEnd, sub.Amount).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, customer_id, stripe_id, plan, quantity, status, start,
	       current_period_start, current_period_end, trial_start, trial_end,
	       canceled_at, ended_at, cancel_at_period_end, amount, created_at, updated_at`

func scanSubscription(row *sql.Row) (*entities.Subscription, error) {
	sub := &entities.Subscription{}
	err := row.Scan(&sub.ID, &sub.CustomerID, &sub.StripeID, &sub.Plan, &sub.Quantity, &sub.Status,
		&sub.Start, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialStart, &sub.TrialEnd,
		&sub.CanceledAt, &sub.EndedAt, &sub.CancelAtPeriodEnd, &sub.Amount, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByCustomerID returns the customer's subscription
func (s *Store) GetSubscriptionByCustomerID(ctx context.Context, customerID int64) (*entities.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE customer_id = $1`
	return scanSubscription(s.db.QueryRowContext(ctx, query, customerID))
}

// GetSubscriptionByStripeID returns the subscription with the given
// processor identifier.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeID string) (*entities.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_id = $1`
	return scanSubscription(s.db.QueryRowContext(ctx, query, stripeID))
}

// SubscriptionStatusCounts returns how many subscriptions are current
// (trialing or active) and how many are canceled.
func (s *Store) SubscriptionStatusCounts(ctx context.Context) (active, canceled int64, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('trialing', 'active')),
			COUNT(*) FILTER (WHERE status = 'canceled')
		FROM subscriptions`
	err = s.db.QueryRowContext(ctx, query).Scan(&active, &canceled)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	return active, canceled, nil
}

// --- Invoices ---

// UpsertInvoice inserts or updates an invoice and replaces its line items.
// Line identifiers are only unique within their invoice, so the old rows
// are discarded in the same transaction.
func (s *Store) UpsertInvoice(ctx context.Context, inv *entities.Invoice, items []entities.InvoiceItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin invoice upsert: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO invoices (stripe_id, customer_id, attempted, attempt_count, amount_due,
		                      subtotal, tax, total, currency, paid, status, receipt_number,
		                      period_start, period_end, date, charge_stripe_id, subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (stripe_id) DO UPDATE
		SET customer_id = EXCLUDED.customer_id,
		    attempted = EXCLUDED.attempted,
		    attempt_count = EXCLUDED.attempt_count,
		    amount_due = EXCLUDED.amount_due,
		    subtotal = EXCLUDED.subtotal,
		    tax = EXCLUDED.tax,
		    total = EXCLUDED.total,
		    currency = EXCLUDED.currency,
		    paid = EXCLUDED.paid,
		    status = EXCLUDED.status,
		    receipt_number = EXCLUDED.receipt_number,
		    period_start = EXCLUDED.period_start,
		    period_end = EXCLUDED.period_end,
		    date = EXCLUDED.date,
		    charge_stripe_id = EXCLUDED.charge_stripe_id,
		    subscription_id = EXCLUDED.subscription_id,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query, inv.StripeID, inv.CustomerID, inv.Attempted, inv.AttemptCount,
		inv.AmountDue, inv.Subtotal, nullDecimal(inv.Tax), inv.Total, inv.Currency, inv.Paid,
		inv.Status, inv.ReceiptNumber, inv.PeriodStart, inv.PeriodEnd, inv.Date,
		inv.ChargeStripeID, inv.SubscriptionID).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, inv.ID); err != nil {
		return fmt.Errorf("failed to clear invoice items: %w", err)
	}
	for i := range items {
		item := &items[i]
		item.InvoiceID = inv.ID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO invoice_items (stripe_id, invoice_id, amount, currency, proration,
			                           description, line_type, plan, period_start, period_end,
			                           quantity, subscription_stripe_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id
		`, item.StripeID, item.InvoiceID, item.Amount, item.Currency, item.Proration,
			item.Description, item.LineType, item.Plan, item.PeriodStart, item.PeriodEnd,
			item.Quantity, item.SubscriptionStripeID).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert invoice item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit invoice upsert: %w", err)
	}
	return nil
}

const invoiceColumns = `id, stripe_id, customer_id, attempted, attempt_count, amount_due,
	       subtotal, tax, total, currency, paid, status, receipt_number,
	       period_start, period_end, date, charge_stripe_id, subscription_id,
	       created_at, updated_at`

func scanInvoice(scan func(dest ...interface{}) error) (*entities.Invoice, error) {
	inv := &entities.Invoice{}
	var tax decimal.NullDecimal
	err := scan(&inv.ID, &inv.StripeID, &inv.CustomerID, &inv.Attempted, &inv.AttemptCount,
		&inv.AmountDue, &inv.Subtotal, &tax, &inv.Total, &inv.Currency, &inv.Paid, &inv.Status,
		&inv.ReceiptNumber, &inv.PeriodStart, &inv.PeriodEnd, &inv.Date, &inv.ChargeStripeID,
		&inv.SubscriptionID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tax.Valid {
		inv.Tax = &tax.Decimal
	}
	return inv, nil
}

// GetInvoiceByStripeID returns the invoice with the given processor
// identifier.
func (s *Store) GetInvoiceByStripeID(ctx context.Context, stripeID string) (*entities.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE stripe_id = $1`
	row := s.db.QueryRowContext(ctx, query, stripeID)
	inv, err := scanInvoice(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// ListUnpaidInvoices returns the customer's invoices that are unpaid and
// still open to further payment attempts.
func (s *Store) ListUnpaidInvoices(ctx context.Context, customerID int64) ([]*entities.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE customer_id = $1 AND paid = FALSE
		  AND status NOT IN ('paid', 'void', 'uncollectible')
		ORDER BY date`
	rows, err := s.db.QueryContext(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unpaid invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*entities.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// DeleteInvoiceByStripeID removes an invoice and its items from the
// mirror. Used when a draft invoice is deleted at the processor.
func (s *Store) DeleteInvoiceByStripeID(ctx context.Context, stripeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE stripe_id = $1`, stripeID)
	if err != nil {
		return fmt.Errorf("failed to delete invoice: %w", err)
	}
	return nil
}

// GetInvoiceItems returns the line items of an invoice
func (s *Store) GetInvoiceItems(ctx context.Context, invoiceID int64) ([]entities.InvoiceItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stripe_id, invoice_id, amount, currency, proration, description,
		       line_type, plan, period_start, period_end, quantity, subscription_stripe_id
		FROM invoice_items WHERE invoice_id = $1 ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice items: %w", err)
	}
	defer rows.Close()

	var items []entities.InvoiceItem
	for rows.Next() {
		var item entities.InvoiceItem
		err := rows.Scan(&item.ID, &item.StripeID, &item.InvoiceID, &item.Amount, &item.Currency,
			&item.Proration, &item.Description, &item.LineType, &item.Plan, &item.PeriodStart,
			&item.PeriodEnd, &item.Quantity, &item.SubscriptionStripeID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- Charges ---

// UpsertCharge inserts or updates a charge keyed on its processor
// identifier.
func (s *Store) UpsertCharge(ctx context.Context, c *entities.Charge) error {
	query := `
		INSERT INTO charges (stripe_id, customer_id, invoice_stripe_id, amount, amount_refunded,
		                     currency, paid, refunded, captured, description, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stripe_id) DO UPDATE
		SET customer_id = EXCLUDED.customer_id,
		    invoice_stripe_id = EXCLUDED.invoice_stripe_id,
		    amount = EXCLUDED.amount,
		    amount_refunded = EXCLUDED.amount_refunded,
		    currency = EXCLUDED.currency,
		    paid = EXCLUDED.paid,
		    refunded = EXCLUDED.refunded,
		    captured = EXCLUDED.captured,
		    description = EXCLUDED.description,
		    created = EXCLUDED.created,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, c.StripeID, c.CustomerID, c.InvoiceStripeID, c.Amount,
		c.AmountRefunded, c.Currency, c.Paid, c.Refunded, c.Captured, c.Description, c.Created).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert charge: %w", err)
	}
	return nil
}

// GetChargeByStripeID returns the charge with the given processor
// identifier.
func (s *Store) GetChargeByStripeID(ctx context.Context, stripeID string) (*entities.Charge, error) {
	query := `
		SELECT id, stripe_id, customer_id, invoice_stripe_id, amount, amount_refunded,
		       currency, paid, refunded, captured, description, created, created_at, updated_at
		FROM charges WHERE stripe_id = $1
	`
	c := &entities.Charge{}
	err := s.db.QueryRowContext(ctx, query, stripeID).Scan(
		&c.ID, &c.StripeID, &c.CustomerID, &c.InvoiceStripeID, &c.Amount, &c.AmountRefunded,
		&c.Currency, &c.Paid, &c.Refunded, &c.Captured, &c.Description, &c.Created,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge: %w", err)
	}
	return c, nil
}

// --- Transfers ---

// UpsertTransfer inserts or updates a transfer keyed on its processor
// identifier.
func (s *Store) UpsertTransfer(ctx context.Context, t *entities.Transfer) error {
	query := `
		INSERT INTO transfers (stripe_id, event_stripe_id, amount, currency, status, date,
		                       description, net, charge_fees, adjustment_fees, refund_fees,
		                       validation_fees)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (stripe_id) DO UPDATE
		SET event_stripe_id = EXCLUDED.event_stripe_id,
		    amount = EXCLUDED.amount,
		    currency = EXCLUDED.currency,
		    status = EXCLUDED.status,
		    date = EXCLUDED.date,
		    description = EXCLUDED.description,
		    net = EXCLUDED.net,
		    charge_fees = EXCLUDED.charge_fees,
		    adjustment_fees = EXCLUDED.adjustment_fees,
		    refund_fees = EXCLUDED.refund_fees,
		    validation_fees = EXCLUDED.validation_fees,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, t.StripeID, t.EventStripeID, t.Amount, t.Currency,
		t.Status, t.Date, t.Description, t.Net, t.ChargeFees, t.AdjustmentFees, t.RefundFees,
		t.ValidationFees).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert transfer: %w", err)
	}
	return nil
}

// InsertTransferIfAbsent records a transfer only when it is not already
// mirrored. Full syncs use it so they never clobber the fee breakdown a
// webhook payload carried.
func (s *Store) InsertTransferIfAbsent(ctx context.Context, t *entities.Transfer) error {
	query := `
		INSERT INTO transfers (stripe_id, event_stripe_id, amount, currency, status, date,
		                       description, net, charge_fees, adjustment_fees, refund_fees,
		                       validation_fees)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (stripe_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, t.StripeID, t.EventStripeID, t.Amount, t.Currency,
		t.Status, t.Date, t.Description, t.Net, t.ChargeFees, t.AdjustmentFees, t.RefundFees,
		t.ValidationFees)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

// GetTransferByStripeID returns the transfer with the given processor
// identifier.
func (s *Store) GetTransferByStripeID(ctx context.Context, stripeID string) (*entities.Transfer, error) {
	query := `
		SELECT id, stripe_id, event_stripe_id, amount, currency, status, date, description,
		       net, charge_fees, adjustment_fees, refund_fees, validation_fees,
		       created_at, updated_at
		FROM transfers WHERE stripe_id = $1
	`
	t := &entities.Transfer{}
	err := s.db.QueryRowContext(ctx, query, stripeID).Scan(
		&t.ID, &t.StripeID, &t.EventStripeID, &t.Amount, &t.Currency, &t.Status, &t.Date,
		&t.Description, &t.Net, &t.ChargeFees, &t.AdjustmentFees, &t.RefundFees,
		&t.ValidationFees, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return t, nil
}

// --- Events ---

// InsertEvent records a webhook delivery. A replayed delivery hits the
// unique constraint and surfaces as ErrDuplicateEvent.
func (s *Store) InsertEvent(ctx context.Context, e *entities.Event) error {
	query := `
		INSERT INTO events (stripe_id, kind, livemode, webhook_message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, e.StripeID, e.Kind, e.Livemode, []byte(e.WebhookMessage)).
		Scan(&e.ID, &e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// SetEventValidity records the outcome of validating an event against the
// processor.
func (s *Store) SetEventValidity(ctx context.Context, stripeID string, valid bool, validatedMessage json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET valid = $2, validated_message = $3 WHERE stripe_id = $1
	`, stripeID, valid, nullJSON(validatedMessage))
	if err != nil {
		return fmt.Errorf("failed to set event validity: %w", err)
	}
	return nil
}

// MarkEventProcessed flags an event as handled
func (s *Store) MarkEventProcessed(ctx context.Context, stripeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET processed = TRUE WHERE stripe_id = $1`, stripeID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// GetEventByStripeID returns the recorded event with the given processor
// identifier.
func (s *Store) GetEventByStripeID(ctx context.Context, stripeID string) (*entities.Event, error) {
	query := `
		SELECT id, stripe_id, kind, livemode, webhook_message, validated_message,
		       valid, processed, created_at
		FROM events WHERE stripe_id = $1
	`
	e := &entities.Event{}
	var webhook, validated []byte
	err := s.db.QueryRowContext(ctx, query, stripeID).Scan(
		&e.ID, &e.StripeID, &e.Kind, &e.Livemode, &webhook, &validated, &e.Valid, &e.Processed, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	e.WebhookMessage = json.RawMessage(webhook)
	e.ValidatedMessage = json.RawMessage(validated)
	return e, nil
}

// RecordEventError stores a webhook delivery that could not be processed
func (s *Store) RecordEventError(ctx context.Context, pe *entities.EventProcessingError) error {
	query := `
		INSERT INTO event_processing_errors (event_stripe_id, data, message, traceback)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query, pe.EventStripeID, nullJSON(pe.Data), pe.Message, pe.Traceback).
		Scan(&pe.ID, &pe.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event error: %w", err)
	}
	return nil
}
