package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/processor/processortest"
	"github.com/billsync/billsync/pkg/storage"
	"github.com/billsync/billsync/pkg/sync"
)

const transferObject = `{"id":"tr_123","amount":10000,"currency":"usd","status":"paid","date":1767225600,"summary":{"net":9400,"charge_fees":600}}`

var transferPayload = []byte(`{"id":"evt_1","type":"transfer.paid","livemode":true,"data":{"object":` + transferObject + `}}`)

func newTestProcessor(t *testing.T, fake *processortest.Fake) (*Processor, sqlmock.Sqlmock, *sql.DB, *observability.Metrics) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := storage.New(db, nil)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	syncer := sync.New(store, fake, logger, metrics)
	return New(store, syncer, fake, logger, metrics, ""), mock, db, metrics
}

func confirmingFake(object string) *processortest.Fake {
	return &processortest.Fake{
		GetEventFunc: func(ctx context.Context, id string) (*stripe.Event, error) {
			return &stripe.Event{
				ID:   id,
				Data: &stripe.EventData{Raw: json.RawMessage(object)},
			}, nil
		},
	}
}

func TestIngestProcessesTransferEvent(t *testing.T) {
	p, mock, db, metrics := newTestProcessor(t, confirmingFake(transferObject))
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
	mock.ExpectExec(`UPDATE events SET valid`).
		WithArgs("evt_1", true, []byte(transferObject)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO transfers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(9, now, now))
	mock.ExpectExec(`UPDATE events SET processed`).
		WithArgs("evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Ingest(context.Background(), transferPayload, "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.WebhookEventsTotal.WithLabelValues("transfer.paid", "processed")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestDuplicateEventRecordsError(t *testing.T) {
	p, mock, db, metrics := newTestProcessor(t, confirmingFake(transferObject))
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`INSERT INTO event_processing_errors`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))

	err := p.Ingest(context.Background(), transferPayload, "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.WebhookEventsTotal.WithLabelValues("transfer.paid", "duplicate")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestRejectsMismatchedEvent(t *testing.T) {
	// Processor reports a different object than the delivery claimed.
	p, mock, db, metrics := newTestProcessor(t, confirmingFake(`{"id":"tr_other"}`))
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
	mock.ExpectExec(`UPDATE events SET valid`).
		WithArgs("evt_1", false, []byte(`{"id":"tr_other"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO event_processing_errors`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))

	err := p.Ingest(context.Background(), transferPayload, "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.WebhookEventsTotal.WithLabelValues("transfer.paid", "invalid")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestMalformedPayload(t *testing.T) {
	p, _, db, _ := newTestProcessor(t, &processortest.Fake{})
	defer db.Close()

	err := p.Ingest(context.Background(), []byte(`not json`), "")
	assert.ErrorIs(t, err, ErrBadPayload)

	err = p.Ingest(context.Background(), []byte(`{"id":"","type":""}`), "")
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestIngestHandlerFailureRecordsError(t *testing.T) {
	p, mock, db, metrics := newTestProcessor(t, confirmingFake(transferObject))
	defer db.Close()

	p.Register("transfer.paid", func(ctx context.Context, event *entities.Event) error {
		return fmt.Errorf("handler exploded")
	})

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
	mock.ExpectExec(`UPDATE events SET valid`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO event_processing_errors`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))

	err := p.Ingest(context.Background(), transferPayload, "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.WebhookEventsTotal.WithLabelValues("transfer.paid", "error")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestHandlerPanicIsCaptured(t *testing.T) {
	p, mock, db, _ := newTestProcessor(t, confirmingFake(transferObject))
	defer db.Close()

	p.Register("transfer.paid", func(ctx context.Context, event *entities.Event) error {
		panic("boom")
	})

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))
	mock.ExpectExec(`UPDATE events SET valid`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO event_processing_errors`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, now))

	err := p.Ingest(context.Background(), transferPayload, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlerLookup(t *testing.T) {
	p, _, db, _ := newTestProcessor(t, &processortest.Fake{})
	defer db.Close()

	assert.NotNil(t, p.lookup("customer.updated"))
	assert.NotNil(t, p.lookup("customer.subscription.deleted"))
	assert.NotNil(t, p.lookup("invoice.payment_succeeded"))
	assert.Nil(t, p.lookup("account.updated"))
}

func TestIngestSubscriptionEventResyncsCustomer(t *testing.T) {
	subObject := `{"id":"sub_123","customer":"cus_123"}`
	payload := []byte(`{"id":"evt_2","type":"customer.subscription.updated","livemode":true,"data":{"object":` + subObject + `}}`)

	fake := confirmingFake(subObject)
	fake.GetCustomerFunc = func(ctx context.Context, id string) (*stripe.Customer, error) {
		return &stripe.Customer{ID: id}, nil
	}
	fake.ListSubscriptionsFunc = func(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
		return []*stripe.Subscription{{
			ID:        "sub_123",
			Status:    stripe.SubscriptionStatusActive,
			StartDate: time.Now().Unix(),
		}}, nil
	}

	p, mock, db, _ := newTestProcessor(t, fake)
	defer db.Close()

	now := time.Now()
	customerRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "user_id", "stripe_id", "card_fingerprint", "card_last4", "card_kind", "date_purged", "created_at", "updated_at",
		}).AddRow(1, 42, "cus_123", "", "", "", nil, now, now)
	}

	mock.ExpectQuery(`INSERT INTO events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, now))
	mock.ExpectExec(`UPDATE events SET valid`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// RefreshCustomer: local lookup then re-sync.
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE stripe_id = \$1`).
		WithArgs("cus_123").
		WillReturnRows(customerRows())
	mock.ExpectQuery(`INSERT INTO customers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, now, now))
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))
	mock.ExpectExec(`UPDATE events SET processed`).
		WithArgs("evt_2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Ingest(context.Background(), payload, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
