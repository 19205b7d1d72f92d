package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/processor/processortest"
	"github.com/billsync/billsync/pkg/storage"
)

func newTestSyncer(t *testing.T, fake *processortest.Fake) (*Syncer, sqlmock.Sqlmock, *sql.DB, *observability.Metrics) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := storage.New(db, nil)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return New(store, fake, logger, metrics), mock, db, metrics
}

func TestSyncCustomer(t *testing.T) {
	t.Run("with default card", func(t *testing.T) {
		fake := &processortest.Fake{
			GetCardFunc: func(ctx context.Context, customerID, cardID string) (*stripe.Card, error) {
				assert.Equal(t, "cus_123", customerID)
				assert.Equal(t, "card_1", cardID)
				return &stripe.Card{Fingerprint: "fp_abc", Last4: "4242", Brand: stripe.CardBrandVisa}, nil
			},
		}
		syncer, mock, db, metrics := newTestSyncer(t, fake)
		defer db.Close()

		now := time.Now()
		mock.ExpectQuery(`INSERT INTO customers`).
			WithArgs(int64(42), "cus_123", "fp_abc", "4242", "Visa").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, now, now))

		cust, err := syncer.Customer(context.Background(), 42, &stripe.Customer{
			ID:            "cus_123",
			DefaultSource: &stripe.PaymentSource{ID: "card_1"},
		})
		require.NoError(t, err)
		assert.True(t, cust.HasCard())
		assert.Equal(t, float64(1), testutil.ToFloat64(
			metrics.SyncOperationsTotal.WithLabelValues("customer", "success")))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("without card", func(t *testing.T) {
		syncer, mock, db, _ := newTestSyncer(t, &processortest.Fake{})
		defer db.Close()

		now := time.Now()
		mock.ExpectQuery(`INSERT INTO customers`).
			WithArgs(int64(42), "cus_123", "", "", "").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, now, now))

		cust, err := syncer.Customer(context.Background(), 42, &stripe.Customer{ID: "cus_123"})
		require.NoError(t, err)
		assert.False(t, cust.HasCard())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deleted customer purges mirror", func(t *testing.T) {
		syncer, mock, db, _ := newTestSyncer(t, &processortest.Fake{})
		defer db.Close()

		// The row survives with the card fields cleared; subscription and
		// invoice history stays for reporting.
		mock.ExpectExec(`UPDATE customers\s+SET card_fingerprint = ''`).
			WithArgs("cus_gone").
			WillReturnResult(sqlmock.NewResult(0, 1))

		cust, err := syncer.Customer(context.Background(), 42, &stripe.Customer{ID: "cus_gone", Deleted: true})
		require.NoError(t, err)
		assert.Nil(t, cust)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSyncPlanWithTiers(t *testing.T) {
	syncer, mock, db, _ := newTestSyncer(t, &processortest.Fake{})
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO plans`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(7, now, now))
	mock.ExpectExec(`DELETE FROM plan_tiers`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO plan_tiers`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(70))
	mock.ExpectCommit()

	err := syncer.Plan(context.Background(), &stripe.Plan{
		ID:            "plan_pro",
		Amount:        4900,
		Currency:      stripe.CurrencyUSD,
		Interval:      stripe.PlanIntervalMonth,
		IntervalCount: 1,
		Nickname:      "Pro",
		Tiers:         []*stripe.PlanTier{{UnitAmount: 1000, UpTo: 5}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncSubscriptionMapsPlanFromItems(t *testing.T) {
	syncer, mock, db, _ := newTestSyncer(t, &processortest.Fake{})
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	sub, err := syncer.Subscription(context.Background(), 1, &stripe.Subscription{
		ID:        "sub_123",
		Quantity:  2,
		Status:    stripe.SubscriptionStatusTrialing,
		StartDate: start.Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{Plan: &stripe.Plan{ID: "plan_pro", Amount: 4900, Currency: stripe.CurrencyUSD}},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "plan_pro", sub.Plan)
	assert.Equal(t, "49", sub.Amount.String())
	assert.True(t, sub.IsStatusCurrent())
	assert.True(t, sub.Start.Equal(start))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionsForCustomerKeepsCurrentRow(t *testing.T) {
	fake := &processortest.Fake{
		ListSubscriptionsFunc: func(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
			// Newest-first, the way the processor lists them: a resubscribed
			// customer sees the new subscription before the old canceled one.
			ended := time.Date(2025, 11, 2, 0, 0, 0, 0, time.UTC).Unix()
			return []*stripe.Subscription{
				{
					ID:        "sub_new",
					Status:    stripe.SubscriptionStatusActive,
					StartDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC).Unix(),
					Items: &stripe.SubscriptionItemList{
						Data: []*stripe.SubscriptionItem{
							{Plan: &stripe.Plan{ID: "pro", Amount: 4900, Currency: stripe.CurrencyUSD}},
						},
					},
				},
				{
					ID:         "sub_old",
					Status:     stripe.SubscriptionStatusCanceled,
					StartDate:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Unix(),
					CanceledAt: ended,
					EndedAt:    ended,
				},
			}, nil
		},
	}
	syncer, mock, db, _ := newTestSyncer(t, fake)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs(int64(1), "sub_new", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	err := syncer.SubscriptionsForCustomer(context.Background(), &entities.Customer{ID: 1, StripeID: "cus_1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentSubscriptionSelection(t *testing.T) {
	active := &stripe.Subscription{ID: "sub_active", Status: stripe.SubscriptionStatusActive, StartDate: 200}
	canceled := &stripe.Subscription{ID: "sub_canceled", Status: stripe.SubscriptionStatusCanceled, StartDate: 300, EndedAt: 400}
	older := &stripe.Subscription{ID: "sub_older", Status: stripe.SubscriptionStatusCanceled, StartDate: 100, EndedAt: 150}

	assert.Nil(t, currentSubscription(nil))
	assert.Equal(t, "sub_active", currentSubscription([]*stripe.Subscription{canceled, active}).ID)
	assert.Equal(t, "sub_active", currentSubscription([]*stripe.Subscription{active, canceled}).ID)
	assert.Equal(t, "sub_canceled", currentSubscription([]*stripe.Subscription{older, canceled}).ID)
}

func TestSyncInvoice(t *testing.T) {
	syncer, mock, db, _ := newTestSyncer(t, &processortest.Fake{})
	defer db.Close()

	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE stripe_id = \$1`).
		WithArgs("cus_123").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "stripe_id", "card_fingerprint", "card_last4", "card_kind", "date_purged", "created_at", "updated_at",
		}).AddRow(1, 42, "cus_123", "fp", "4242", "Visa", nil, now, now))

	mock.ExpectQuery(`SELECT (.+) FROM subscriptions WHERE stripe_id = \$1`).
		WithArgs("sub_123").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "customer_id", "stripe_id", "plan", "quantity", "status", "start",
			"current_period_start", "current_period_end", "trial_start", "trial_end",
			"canceled_at", "ended_at", "cancel_at_period_end", "amount", "created_at", "updated_at",
		}).AddRow(5, 1, "sub_123", "pro", 1, "active", now, nil, nil, nil, nil, nil, nil, false, "49.00", now, now))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(3, now, now))
	mock.ExpectExec(`DELETE FROM invoice_items`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO invoice_items`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(30))
	mock.ExpectCommit()

	err := syncer.Invoice(context.Background(), &stripe.Invoice{
		ID:           "in_123",
		Customer:     &stripe.Customer{ID: "cus_123"},
		Subscription: &stripe.Subscription{ID: "sub_123"},
		AmountDue:    4900,
		Subtotal:     4900,
		Total:        4900,
		Currency:     stripe.CurrencyUSD,
		Status:       stripe.InvoiceStatusOpen,
		PeriodStart:  now.Unix(),
		PeriodEnd:    now.Unix(),
		Created:      now.Unix(),
		Lines: &stripe.InvoiceLineList{
			Data: []*stripe.InvoiceLine{{
				ID:           "ii_1",
				Amount:       4900,
				Currency:     stripe.CurrencyUSD,
				Type:         stripe.InvoiceLineTypeInvoiceItem,
				Quantity:     1,
				Period:       &stripe.Period{Start: now.Unix(), End: now.Unix()},
				Subscription: "sub_123",
			}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferFromEvent(t *testing.T) {
	syncer, mock, db, _ := newTestSyncer(t, &processortest.Fake{})
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO transfers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(9, now, now))

	payload := json.RawMessage(`{
		"id": "tr_123",
		"amount": 10000,
		"currency": "usd",
		"status": "paid",
		"date": 1767225600,
		"summary": {
			"net": 9400,
			"charge_fees": 500,
			"refund_fees": 100
		}
	}`)
	err := syncer.TransferFromEvent(context.Background(), "evt_1", payload)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferFromEventRejectsBadPayload(t *testing.T) {
	syncer, _, db, _ := newTestSyncer(t, &processortest.Fake{})
	defer db.Close()

	err := syncer.TransferFromEvent(context.Background(), "evt_1", json.RawMessage(`{"amount": 1}`))
	assert.Error(t, err)
}

func TestSyncAll(t *testing.T) {
	fake := &processortest.Fake{
		ListPlansFunc: func(ctx context.Context) ([]*stripe.Plan, error) {
			return nil, nil
		},
		ListProductsFunc: func(ctx context.Context) ([]*stripe.Product, error) {
			return nil, nil
		},
		ListTransfersFunc: func(ctx context.Context) ([]*stripe.Transfer, error) {
			return nil, nil
		},
		GetCustomerFunc: func(ctx context.Context, id string) (*stripe.Customer, error) {
			return &stripe.Customer{ID: id}, nil
		},
		ListSubscriptionsFunc: func(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
			return nil, nil
		},
		ListInvoicesFunc: func(ctx context.Context, customerID string) ([]*stripe.Invoice, error) {
			return nil, nil
		},
	}
	syncer, mock, db, _ := newTestSyncer(t, fake)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM customers ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "stripe_id", "card_fingerprint", "card_last4", "card_kind", "date_purged", "created_at", "updated_at",
		}).AddRow(1, 42, "cus_123", "", "", "", nil, now, now))

	// RefreshCustomer path for the one mirrored customer.
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE stripe_id = \$1`).
		WithArgs("cus_123").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "stripe_id", "card_fingerprint", "card_last4", "card_kind", "date_purged", "created_at", "updated_at",
		}).AddRow(1, 42, "cus_123", "", "", "", nil, now, now))
	mock.ExpectQuery(`INSERT INTO customers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, now, now))

	err := syncer.All(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
