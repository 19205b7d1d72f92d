package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billsync/billsync/pkg/entities"
)

func newTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCustomerCacheLocalHit(t *testing.T) {
	cache := NewCustomerCache(nil, 64, time.Minute)

	cust := &entities.Customer{ID: 1, UserID: 42, StripeID: "cus_123"}
	cache.Set(context.Background(), cust)

	got, ok := cache.Get(context.Background(), "cus_123")
	require.True(t, ok)
	assert.Equal(t, int64(42), got.UserID)

	_, ok = cache.Get(context.Background(), "cus_missing")
	assert.False(t, ok)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCustomerCacheRedisFallback(t *testing.T) {
	client := newTestRedis(t)

	// Two cache instances sharing Redis, as two replicas would.
	writer := NewCustomerCache(client, 64, time.Minute)
	reader := NewCustomerCache(client, 64, time.Minute)

	cust := &entities.Customer{ID: 1, UserID: 42, StripeID: "cus_123", CardLast4: "4242"}
	writer.Set(context.Background(), cust)

	got, ok := reader.Get(context.Background(), "cus_123")
	require.True(t, ok)
	assert.Equal(t, "4242", got.CardLast4)
}

func TestCustomerCacheInvalidate(t *testing.T) {
	client := newTestRedis(t)
	cache := NewCustomerCache(client, 64, time.Minute)

	cust := &entities.Customer{ID: 1, StripeID: "cus_123"}
	cache.Set(context.Background(), cust)
	cache.Invalidate(context.Background(), "cus_123")

	_, ok := cache.Get(context.Background(), "cus_123")
	assert.False(t, ok)
}

func TestStoreReadsThroughCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cache := NewCustomerCache(newTestRedis(t), 64, time.Minute)
	store := New(db, cache)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "stripe_id", "card_fingerprint", "card_last4", "card_kind", "date_purged", "created_at", "updated_at",
	}).AddRow(1, 42, "cus_123", "", "", "", nil, now, now)

	// Only one database round trip expected for two reads.
	mock.ExpectQuery(`SELECT (.+) FROM customers WHERE stripe_id = \$1`).
		WithArgs("cus_123").
		WillReturnRows(rows)

	first, err := store.GetCustomerByStripeID(context.Background(), "cus_123")
	require.NoError(t, err)
	assert.Equal(t, int64(42), first.UserID)

	second, err := store.GetCustomerByStripeID(context.Background(), "cus_123")
	require.NoError(t, err)
	assert.Equal(t, int64(42), second.UserID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCustomerInvalidatesCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cache := NewCustomerCache(newTestRedis(t), 64, time.Minute)
	store := New(db, cache)

	cache.Set(context.Background(), &entities.Customer{ID: 1, UserID: 42, StripeID: "cus_123"})

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO customers`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(1, now, now))

	err = store.UpsertCustomer(context.Background(), &entities.Customer{UserID: 42, StripeID: "cus_123", CardLast4: "4242"})
	require.NoError(t, err)

	_, ok := cache.Get(context.Background(), "cus_123")
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
