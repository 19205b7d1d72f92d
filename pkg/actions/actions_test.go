package actions

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/processor"
	"github.com/billsync/billsync/pkg/processor/processortest"
	"github.com/billsync/billsync/pkg/storage"
	"github.com/billsync/billsync/pkg/sync"
)

func newTestService(t *testing.T, fake *processortest.Fake) (*Service, sqlmock.Sqlmock, *sql.DB, *observability.Metrics) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := storage.New(db, nil)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	syncer := sync.New(store, fake, logger, metrics)
	return New(store, fake, syncer, logger, metrics), mock, db, metrics
}

func customerRows(id, userID int64, stripeID, fingerprint string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "stripe_id", "card_fingerprint", "card_last4", "card_kind", "date_purged", "created_at", "updated_at",
	}).AddRow(id, userID, stripeID, fingerprint, "", "", nil, now, now)
}

func subscriptionRows(id, customerID int64, stripeID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "customer_id", "stripe_id", "plan", "quantity", "status", "start",
		"current_period_start", "current_period_end", "trial_start", "trial_end",
		"canceled_at", "ended_at", "cancel_at_period_end", "amount", "created_at", "updated_at",
	}).AddRow(id, customerID, stripeID, "starter", 1, "active", now,
		nil, nil, nil, nil, nil, nil, false, "9.00", now, now)
}

func invoiceRows(id int64, stripeID string, paid bool, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "stripe_id", "customer_id", "attempted", "attempt_count", "amount_due",
		"subtotal", "tax", "total", "currency", "paid", "status", "receipt_number",
		"period_start", "period_end", "date", "charge_stripe_id", "subscription_id",
		"created_at", "updated_at",
	}).AddRow(id, stripeID, 1, true, 1, "49.00",
		"49.00", nil, "49.00", "usd", paid, status, "",
		now, now, now, "", nil, now, now)
}

func activeSubscription(id, plan string, amount int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:        id,
		Status:    stripe.SubscriptionStatusActive,
		StartDate: time.Now().Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Plan: &stripe.Plan{ID: plan, Amount: amount, Currency: stripe.CurrencyUSD}},
			},
		},
	}
}

func TestSubscribeCreatesCustomer(t *testing.T) {
	fake := &processortest.Fake{
		CreateCustomerFunc: func(ctx context.Context, email string) (*stripe.Customer, error) {
			assert.Equal(t, "jo@example.com", email)
			return &stripe.Customer{ID: "cus_new"}, nil
		},
		CreateSubscriptionFunc: func(ctx context.Context, customerID, plan string, opts processor.SubscribeOptions) (*stripe.Subscription, error) {
			assert.Equal(t, "cus_new", customerID)
			assert.Equal(t, "pro", plan)
			return activeSubscription("sub_new", plan, 4900), nil
		},
	}
	svc, mock, db, metrics := newTestService(t, fake)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO customers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, now, now))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	sub, err := svc.Subscribe(context.Background(), 42, "jo@example.com", "pro", "", processor.SubscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "pro", sub.Plan)
	assert.True(t, decimal.RequireFromString("49").Equal(sub.Amount))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.ActionsTotal.WithLabelValues("subscribe", "success")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePlanRequiresCard(t *testing.T) {
	svc, mock, db, _ := newTestService(t, &processortest.Fake{})
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(customerRows(1, 42, "cus_1", ""))

	_, err := svc.ChangePlan(context.Background(), 42, "pro", processor.SubscribeOptions{})
	assert.ErrorIs(t, err, ErrNoCard)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangePlan(t *testing.T) {
	fake := &processortest.Fake{
		ChangeSubscriptionPlanFunc: func(ctx context.Context, subscriptionID, plan string, opts processor.SubscribeOptions) (*stripe.Subscription, error) {
			assert.Equal(t, "sub_1", subscriptionID)
			assert.Equal(t, "pro", plan)
			return activeSubscription("sub_1", plan, 4900), nil
		},
	}
	svc, mock, db, _ := newTestService(t, fake)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_1"))
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions WHERE customer_id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(subscriptionRows(5, 1, "sub_1"))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	sub, err := svc.ChangePlan(context.Background(), 42, "pro", processor.SubscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "pro", sub.Plan)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeCardFirstCardSettlesBalance(t *testing.T) {
	fake := &processortest.Fake{
		SetCustomerCardFunc: func(ctx context.Context, customerID, token string) (*stripe.Customer, error) {
			assert.Equal(t, "tok_visa", token)
			return &stripe.Customer{
				ID:            "cus_1",
				DefaultSource: &stripe.PaymentSource{ID: "card_1"},
			}, nil
		},
		GetCardFunc: func(ctx context.Context, customerID, cardID string) (*stripe.Card, error) {
			return &stripe.Card{Fingerprint: "fp_1", Last4: "4242", Brand: stripe.CardBrandVisa}, nil
		},
		CreateInvoiceFunc: func(ctx context.Context, customerID string) (*stripe.Invoice, error) {
			return nil, &stripe.Error{Msg: "Nothing to invoice for customer"}
		},
	}
	svc, mock, db, _ := newTestService(t, fake)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WillReturnRows(customerRows(1, 42, "cus_1", ""))
	mock.ExpectQuery(`INSERT INTO customers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, now, now))
	mock.ExpectQuery(`SELECT (.+) FROM invoices`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "stripe_id", "customer_id", "attempted", "attempt_count", "amount_due",
			"subtotal", "tax", "total", "currency", "paid", "status", "receipt_number",
			"period_start", "period_end", "date", "charge_stripe_id", "subscription_id",
			"created_at", "updated_at",
		}))

	cust, err := svc.ChangeCard(context.Background(), 42, "tok_visa")
	require.NoError(t, err)
	assert.Equal(t, "4242", cust.CardLast4)
	assert.Equal(t, string(stripe.CardBrandVisa), cust.CardKind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeCardReplacementRetriesUnpaidInvoices(t *testing.T) {
	invoiceCreated := false
	paidInvoices := []string{}
	fake := &processortest.Fake{
		SetCustomerCardFunc: func(ctx context.Context, customerID, token string) (*stripe.Customer, error) {
			assert.Equal(t, "tok_new", token)
			return &stripe.Customer{
				ID:            "cus_1",
				DefaultSource: &stripe.PaymentSource{ID: "card_2"},
			}, nil
		},
		GetCardFunc: func(ctx context.Context, customerID, cardID string) (*stripe.Card, error) {
			return &stripe.Card{Fingerprint: "fp_new", Last4: "1881", Brand: stripe.CardBrandVisa}, nil
		},
		CreateInvoiceFunc: func(ctx context.Context, customerID string) (*stripe.Invoice, error) {
			invoiceCreated = true
			return nil, &stripe.Error{Msg: "Nothing to invoice for customer"}
		},
		PayInvoiceFunc: func(ctx context.Context, invoiceID string) (*stripe.Invoice, error) {
			paidInvoices = append(paidInvoices, invoiceID)
			return &stripe.Invoice{
				ID:       invoiceID,
				Customer: &stripe.Customer{ID: "cus_1"},
				Currency: stripe.CurrencyUSD,
				Paid:     true,
				Status:   stripe.InvoiceStatusPaid,
			}, nil
		},
	}
	svc, mock, db, _ := newTestService(t, fake)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_old"))
	mock.ExpectQuery(`INSERT INTO customers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, now, now))
	mock.ExpectQuery(`SELECT (.+) FROM invoices`).
		WillReturnRows(invoiceRows(7, "in_open", false, "open"))
	// Mirroring the invoice the new card just paid.
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE stripe_id = \$1`).
		WithArgs("cus_1").
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_new"))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))
	mock.ExpectExec(`DELETE FROM invoice_items`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	cust, err := svc.ChangeCard(context.Background(), 42, "tok_new")
	require.NoError(t, err)
	assert.Equal(t, "fp_new", cust.CardFingerprint)
	assert.False(t, invoiceCreated)
	assert.Equal(t, []string{"in_open"}, paidInvoices)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelAtPeriodEnd(t *testing.T) {
	canceledAt := time.Now().Unix()
	fake := &processortest.Fake{
		CancelSubscriptionFunc: func(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*stripe.Subscription, error) {
			assert.True(t, atPeriodEnd)
			ss := activeSubscription(subscriptionID, "starter", 900)
			ss.CancelAtPeriodEnd = true
			ss.CanceledAt = canceledAt
			return ss, nil
		},
	}
	svc, mock, db, _ := newTestService(t, fake)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_1"))
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions WHERE customer_id = \$1`).
		WillReturnRows(subscriptionRows(5, 1, "sub_1"))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	sub, err := svc.Cancel(context.Background(), 42, true)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CanceledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelWithoutSubscription(t *testing.T) {
	svc, mock, db, _ := newTestService(t, &processortest.Fake{})
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_1"))
	mock.ExpectQuery(`SELECT (.+) FROM subscriptions WHERE customer_id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := svc.Cancel(context.Background(), 42, true)
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestCreateAndPayInvoiceWithNothingPending(t *testing.T) {
	fake := &processortest.Fake{
		CreateInvoiceFunc: func(ctx context.Context, customerID string) (*stripe.Invoice, error) {
			return nil, &stripe.Error{Msg: "Nothing to invoice for customer"}
		},
	}
	svc, mock, db, _ := newTestService(t, fake)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_1"))

	created, err := svc.CreateAndPayInvoice(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreateAndPayInvoiceSkipsPaymentWhenNothingDue(t *testing.T) {
	payCalled := false
	now := time.Now()
	fake := &processortest.Fake{
		CreateInvoiceFunc: func(ctx context.Context, customerID string) (*stripe.Invoice, error) {
			// Credit balance covered the whole invoice.
			return &stripe.Invoice{
				ID:          "in_zero",
				Customer:    &stripe.Customer{ID: "cus_1"},
				Currency:    stripe.CurrencyUSD,
				AmountDue:   0,
				Paid:        true,
				Status:      stripe.InvoiceStatusPaid,
				PeriodStart: now.Unix(),
				PeriodEnd:   now.Unix(),
				Created:     now.Unix(),
			}, nil
		},
		PayInvoiceFunc: func(ctx context.Context, invoiceID string) (*stripe.Invoice, error) {
			payCalled = true
			return nil, &stripe.Error{Msg: "Invoice is already paid"}
		},
	}
	svc, mock, db, _ := newTestService(t, fake)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE user_id = \$1`).
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_1"))
	// Mirroring the zero-due invoice.
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE stripe_id = \$1`).
		WithArgs("cus_1").
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_1"))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(9, now, now))
	mock.ExpectExec(`DELETE FROM invoice_items`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	created, err := svc.CreateAndPayInvoice(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, payCalled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPayInvoiceRejectsPaidInvoice(t *testing.T) {
	svc, mock, db, _ := newTestService(t, &processortest.Fake{})
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE stripe_id = \$1`).
		WithArgs("in_1").
		WillReturnRows(invoiceRows(7, "in_1", true, "paid"))

	_, err := svc.PayInvoice(context.Background(), "in_1")
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)
}

func TestDeleteDraftInvoice(t *testing.T) {
	deleted := false
	fake := &processortest.Fake{
		DeleteInvoiceFunc: func(ctx context.Context, id string) error {
			deleted = true
			return nil
		},
	}
	svc, mock, db, _ := newTestService(t, fake)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE stripe_id = \$1`).
		WillReturnRows(invoiceRows(7, "in_1", false, "draft"))
	mock.ExpectExec(`DELETE FROM invoices WHERE stripe_id = \$1`).
		WithArgs("in_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.DeleteDraftInvoice(context.Background(), "in_1"))
	assert.True(t, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteFinalizedInvoiceRejected(t *testing.T) {
	svc, mock, db, _ := newTestService(t, &processortest.Fake{})
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM invoices WHERE stripe_id = \$1`).
		WillReturnRows(invoiceRows(7, "in_1", false, "open"))

	err := svc.DeleteDraftInvoice(context.Background(), "in_1")
	assert.ErrorIs(t, err, ErrNotDraft)
}

func TestRetryUnpaidInvoicesSkipsCardDeclines(t *testing.T) {
	paidInvoices := []string{}
	fake := &processortest.Fake{
		PayInvoiceFunc: func(ctx context.Context, invoiceID string) (*stripe.Invoice, error) {
			if invoiceID == "in_declined" {
				return nil, &stripe.Error{Type: stripe.ErrorTypeCard}
			}
			paidInvoices = append(paidInvoices, invoiceID)
			return &stripe.Invoice{
				ID:       invoiceID,
				Customer: &stripe.Customer{ID: "cus_1"},
				Currency: stripe.CurrencyUSD,
				Paid:     true,
				Status:   stripe.InvoiceStatusPaid,
			}, nil
		},
	}
	svc, mock, db, _ := newTestService(t, fake)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM invoices`).
		WillReturnRows(invoiceRows(7, "in_declined", false, "open").
			AddRow(8, "in_ok", 1, true, 1, "9.00", "9.00", nil, "9.00", "usd", false, "open", "",
				now, now, now, "", nil, now, now))
	// Mirroring the paid invoice resolves the customer and rewrites the row.
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE stripe_id = \$1`).
		WithArgs("cus_1").
		WillReturnRows(customerRows(1, 42, "cus_1", "fp_1"))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(8, now, now))
	mock.ExpectExec(`DELETE FROM invoice_items`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	cust := &entities.Customer{ID: 1, StripeID: "cus_1"}
	require.NoError(t, svc.RetryUnpaidInvoices(context.Background(), cust))
	assert.Equal(t, []string{"in_ok"}, paidInvoices)
	require.NoError(t, mock.ExpectationsWereMet())
}
